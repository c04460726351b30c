// Package localstore implements jsdo.LocalStore backends for offline
// snapshots of data objects.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/maruel/jsdo/jsdo"
)

func notFound(name string) error {
	return jsdo.NewError(jsdo.CodeNotFound, "snapshot %q not found", name)
}

func checkName(name string) error {
	if name == "" {
		return jsdo.NewError(jsdo.CodeInvalidArgument, "snapshot name is required")
	}
	return nil
}

// Memory keeps snapshots in process memory.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Save implements jsdo.LocalStore.
func (m *Memory) Save(_ context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = slices.Clone(data)
	return nil
}

// Load implements jsdo.LocalStore.
func (m *Memory) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[name]
	if !ok {
		return nil, notFound(name)
	}
	return slices.Clone(d), nil
}

// Delete implements jsdo.LocalStore. Deleting a missing snapshot is not an
// error.
func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
	return nil
}

// Names returns the stored snapshot names, sorted.
func (m *Memory) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.data))
	for k := range m.data {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Queries are the statements of one SQL dialect.
//
// Save takes (name, data, saved_at), Load and Delete take (name). Load
// selects the data column.
type Queries struct {
	Schema string
	Save   string
	Load   string
	Delete string
}

// SQL stores snapshots in a database table.
type SQL struct {
	db *sql.DB
	q  Queries
}

// NewSQL creates the snapshot table when missing and returns a store using
// db. The caller keeps ownership of db.
func NewSQL(ctx context.Context, db *sql.DB, q Queries) (*SQL, error) {
	if _, err := db.ExecContext(ctx, q.Schema); err != nil {
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}
	return &SQL{db: db, q: q}, nil
}

// DB returns the underlying database.
func (s *SQL) DB() *sql.DB {
	return s.db
}

// Save implements jsdo.LocalStore.
func (s *SQL) Save(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q.Save, name, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save snapshot %q: %w", name, err)
	}
	return nil
}

// Load implements jsdo.LocalStore.
func (s *SQL) Load(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.q.Load, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %q: %w", name, err)
	}
	return data, nil
}

// Delete implements jsdo.LocalStore.
func (s *SQL) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.q.Delete, name); err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", name, err)
	}
	return nil
}
