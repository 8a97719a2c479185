// Package store is the Postgres persistence layer: projects,
// deployments, aliases and custom domains, accessed through sqlx.
// Environments and run configs are stored as JSONB documents with
// typed accessors; env-var snapshots are stored sealed and never
// decrypted here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	// Postgres driver registered as "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ember-sh/ember/internal/model"
)

// Store wraps the database handle.
type Store struct {
	db *sqlx.DB
}

// New wraps an open sqlx handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for migrations.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return err
}

func marshalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return raw, nil
}
