// Package sqlite stores data object snapshots in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maruel/jsdo/localstore"

	// SQLite driver
	_ "modernc.org/sqlite"
)

var queries = localstore.Queries{
	Schema: `CREATE TABLE IF NOT EXISTS jsdo_snapshots (
	name TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	saved_at TIMESTAMP NOT NULL
)`,
	Save: `INSERT INTO jsdo_snapshots (name, data, saved_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
	Load:   `SELECT data FROM jsdo_snapshots WHERE name = ?`,
	Delete: `DELETE FROM jsdo_snapshots WHERE name = ?`,
}

// Store is a SQLite snapshot store.
type Store struct {
	*localstore.SQL
	path string
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	s, err := localstore.NewSQL(ctx, db, queries)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{SQL: s, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB().Close()
}
