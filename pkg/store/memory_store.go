package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store intended for tests, examples and
// ephemeral caches. Transactions buffer their operations and apply them
// under the store lock on Commit.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]Row{}, now: time.Now}
}

// Fetch returns copies of the committed rows for query.Entity.
func (s *MemoryStore) Fetch(_ context.Context, query Query) ([]Row, error) {
	if query.Entity == "" {
		return nil, ErrEntityRequired
	}

	s.mu.RLock()
	rows := make([]Row, 0, len(s.rows))
	for _, row := range s.rows {
		if row.Entity != query.Entity {
			continue
		}
		rows = append(rows, cloneRow(row))
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return Apply(rows, query)
}

// Len reports the number of committed rows across all entities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Begin opens a buffered transaction.
func (s *MemoryStore) Begin(_ context.Context) (Txn, error) {
	return &memoryTxn{store: s}, nil
}

type memoryOpKind int

const (
	memoryCreate memoryOpKind = iota
	memoryUpdate
	memoryDelete
)

type memoryOp struct {
	kind   memoryOpKind
	id     string
	entity string
	values map[string]any
}

type memoryTxn struct {
	store *MemoryStore
	ops   []memoryOp
	done  bool
}

func (t *memoryTxn) Create(_ context.Context, entity string, values map[string]any) (string, error) {
	if t.done {
		return "", ErrTxnDone
	}
	if entity == "" {
		return "", ErrEntityRequired
	}
	id := uuid.NewString()
	t.ops = append(t.ops, memoryOp{kind: memoryCreate, id: id, entity: entity, values: cloneValues(values)})
	return id, nil
}

func (t *memoryTxn) Update(_ context.Context, id string, values map[string]any) error {
	if t.done {
		return ErrTxnDone
	}
	t.ops = append(t.ops, memoryOp{kind: memoryUpdate, id: id, values: cloneValues(values)})
	return nil
}

func (t *memoryTxn) Delete(_ context.Context, id string) error {
	if t.done {
		return ErrTxnDone
	}
	t.ops = append(t.ops, memoryOp{kind: memoryDelete, id: id})
	return nil
}

// Commit validates every buffered operation against the committed rows plus
// the earlier operations of the same transaction, then applies them. Nothing
// is applied when any operation fails.
func (t *memoryTxn) Commit(_ context.Context) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	working := make(map[string]Row, len(t.ops))
	deleted := map[string]struct{}{}
	lookup := func(id string) (Row, bool) {
		if _, gone := deleted[id]; gone {
			return Row{}, false
		}
		if row, ok := working[id]; ok {
			return row, true
		}
		row, ok := s.rows[id]
		return row, ok
	}

	now := s.now()
	for _, op := range t.ops {
		switch op.kind {
		case memoryCreate:
			working[op.id] = Row{ID: op.id, Entity: op.entity, Values: op.values, UpdatedAt: now}
		case memoryUpdate:
			row, ok := lookup(op.id)
			if !ok {
				return fmt.Errorf("%w: update %s", ErrNotFound, op.id)
			}
			row = cloneRow(row)
			if row.Values == nil {
				row.Values = map[string]any{}
			}
			for key, value := range op.values {
				row.Values[key] = value
			}
			row.UpdatedAt = now
			working[op.id] = row
		case memoryDelete:
			if _, ok := lookup(op.id); !ok {
				return fmt.Errorf("%w: delete %s", ErrNotFound, op.id)
			}
			delete(working, op.id)
			deleted[op.id] = struct{}{}
		}
	}

	for id := range deleted {
		delete(s.rows, id)
	}
	for id, row := range working {
		s.rows[id] = row
	}
	return nil
}

func (t *memoryTxn) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.ops = nil
	return nil
}

func cloneRow(row Row) Row {
	out := row
	out.Values = cloneValues(row.Values)
	return out
}

func cloneValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		if ids, ok := value.([]string); ok {
			value = append([]string(nil), ids...)
		}
		if blob, ok := value.([]byte); ok {
			value = append([]byte(nil), blob...)
		}
		out[key] = value
	}
	return out
}
