// Package pgstore implements store.Store on PostgreSQL. Rows live in a single
// table keyed by UUID with the entity name and a JSONB payload.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-uow/pkg/store"
	"github.com/lib/pq"
)

const defaultTable = "uow_records"

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the table name (default "uow_records").
func WithTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.table = name
		}
	}
}

// Store persists rows in PostgreSQL.
type Store struct {
	db    *sql.DB
	table string
	owned bool
}

// Open connects to dsn with the lib/pq driver, verifies the connection and
// creates the records table when missing.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing connection pool and runs Migrate.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pgstore: database connection is nil")
	}
	s := &Store{db: db, table: defaultTable}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the records table and its entity index if they do not
// exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	table := pq.QuoteIdentifier(s.table)
	index := pq.QuoteIdentifier(s.table + "_entity_idx")
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			entity TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (entity)`, index, table),
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("pgstore: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool when the store opened it.
func (s *Store) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

// Fetch loads every row of query.Entity and applies the filter, sort and
// limit in process, since filters are Go functions.
func (s *Store) Fetch(ctx context.Context, query store.Query) ([]store.Row, error) {
	if query.Entity == "" {
		return nil, store.ErrEntityRequired
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, payload, updated_at FROM %s WHERE entity = $1 ORDER BY id`, pq.QuoteIdentifier(s.table)),
		query.Entity,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: fetch %s: %w", query.Entity, err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		var (
			id        string
			payload   []byte
			updatedAt time.Time
		)
		if err := rows.Scan(&id, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan: %w", err)
		}
		values := map[string]any{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &values); err != nil {
				return nil, fmt.Errorf("pgstore: decode payload %s: %w", id, err)
			}
		}
		out = append(out, store.Row{ID: id, Entity: query.Entity, Values: values, UpdatedAt: updatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: fetch %s: %w", query.Entity, err)
	}
	return store.Apply(out, query)
}

// Begin starts a database transaction.
func (s *Store) Begin(ctx context.Context) (store.Txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin: %w", err)
	}
	return &txn{tx: tx, table: pq.QuoteIdentifier(s.table)}, nil
}

// translateError maps PostgreSQL error classes onto store sentinels.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return fmt.Errorf("pgstore: %s: %w: %s", op, store.ErrConstraint, pqErr.Message)
	}
	return fmt.Errorf("pgstore: %s: %w", op, err)
}
