// Package postgres stores data object snapshots in PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maruel/jsdo/localstore"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const driver = "pgx"

var queries = localstore.Queries{
	Schema: `CREATE TABLE IF NOT EXISTS jsdo_snapshots (
	name TEXT PRIMARY KEY,
	data BYTEA NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL
)`,
	Save: `INSERT INTO jsdo_snapshots (name, data, saved_at) VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, saved_at = EXCLUDED.saved_at`,
	Load:   `SELECT data FROM jsdo_snapshots WHERE name = $1`,
	Delete: `DELETE FROM jsdo_snapshots WHERE name = $1`,
}

// Store is a PostgreSQL snapshot store.
type Store struct {
	*localstore.SQL
}

// Open connects to dsn and creates the snapshot table when missing.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := localstore.NewSQL(ctx, db, queries)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{SQL: s}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.DB().Close()
}
