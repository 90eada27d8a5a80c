package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound reports an update or delete against a missing row.
	ErrNotFound = errors.New("store: row not found")
	// ErrTxnDone reports use of a committed or rolled back transaction.
	ErrTxnDone = errors.New("store: transaction already finished")
	// ErrConstraint reports a constraint violation raised by the backend.
	ErrConstraint = errors.New("store: constraint violation")
	// ErrEntityRequired reports a query or create without an entity name.
	ErrEntityRequired = errors.New("store: entity is required")
)

// Row is one persisted record.
type Row struct {
	ID        string
	Entity    string
	Values    map[string]any
	UpdatedAt time.Time
}

// Filter decides whether a row belongs to a query result.
type Filter func(Row) (bool, error)

// Sort orders rows by one value key.
type Sort struct {
	Key       string
	Ascending bool
}

// Query selects rows of a single entity.
type Query struct {
	Entity string
	Filter Filter
	Sort   []Sort
	Limit  int
}

// Store fetches committed rows and opens transactions.
type Store interface {
	Fetch(ctx context.Context, query Query) ([]Row, error)
	Begin(ctx context.Context) (Txn, error)
}

// Txn collects mutations that are applied together on Commit.
type Txn interface {
	Create(ctx context.Context, entity string, values map[string]any) (string, error)
	Update(ctx context.Context, id string, values map[string]any) error
	Delete(ctx context.Context, id string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Apply filters, sorts and limits rows according to query. Adapters that
// cannot push a Filter down to their backend use it after loading.
func Apply(rows []Row, query Query) ([]Row, error) {
	out := rows
	if query.Filter != nil {
		out = make([]Row, 0, len(rows))
		for _, row := range rows {
			ok, err := query.Filter(row)
			if err != nil {
				return nil, fmt.Errorf("store: filter row %s: %w", row.ID, err)
			}
			if ok {
				out = append(out, row)
			}
		}
	}
	if len(query.Sort) > 0 {
		SortRows(out, query.Sort)
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// SortRows sorts rows in place by the supplied keys. Ties keep their
// original order.
func SortRows(rows []Row, keys []Sort) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range keys {
			c := CompareValues(rows[i].Values[key.Key], rows[j].Values[key.Key])
			if c == 0 {
				continue
			}
			if key.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}
