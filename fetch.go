package uow

import (
	"context"
	"time"

	"github.com/goliatone/go-uow/pkg/store"
)

// Sort orders fetched records by one value key.
type Sort = store.Sort

// Ascending sorts by key in ascending order.
func Ascending(key string) Sort {
	return Sort{Key: key, Ascending: true}
}

// Descending sorts by key in descending order.
func Descending(key string) Sort {
	return Sort{Key: key}
}

// FetchRequest selects records of one entity. Without sort keys records are
// ordered by id.
type FetchRequest struct {
	Entity    string
	Predicate Predicate
	Sort      []Sort
	Limit     int
}

// Fetch returns the records the context sees that match req.
func (c *Context) Fetch(ctx context.Context, req FetchRequest) ([]Record, error) {
	n, et, err := c.resolve(req.Entity)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	view, err := c.manager.visibleView(ctx, n, et)
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.manager.selectRecords(view.records(et.Name), et, req)
}

// Count returns how many records of entity the context sees that match
// predicate. A nil predicate counts every record.
func (c *Context) Count(ctx context.Context, entity string, predicate Predicate) (int, error) {
	records, err := c.Fetch(ctx, FetchRequest{Entity: entity, Predicate: predicate})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// First returns the first record matching req, or ErrRecordNotFound.
func (c *Context) First(ctx context.Context, req FetchRequest) (Record, error) {
	req.Limit = 1
	records, err := c.Fetch(ctx, req)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrRecordNotFound
	}
	return records[0], nil
}

// selectRecords filters, sorts and limits records through store.Apply so
// ordering matches what store adapters produce.
func (m *Manager) selectRecords(records []Record, et EntityType, req FetchRequest) ([]Record, error) {
	byID := make(map[string]Record, len(records))
	rows := make([]store.Row, 0, len(records))
	for _, record := range records {
		byID[string(record.ID)] = record
		rows = append(rows, store.Row{ID: string(record.ID), Entity: record.Entity, Values: record.Values})
	}

	query := store.Query{Entity: et.Name, Sort: req.Sort, Limit: req.Limit}
	var matcher recordMatcher
	if req.Predicate != nil {
		var err error
		matcher, err = req.Predicate.compile(m, et)
		if err != nil {
			return nil, err
		}
		query.Filter = func(row store.Row) (bool, error) {
			return matcher.match(byID[row.ID])
		}
	}

	start := time.Now()
	selected, err := store.Apply(rows, query)
	if req.Predicate != nil {
		matched := 0
		if err == nil {
			matched = len(selected)
		}
		m.logger.LogPredicate(PredicateLogEvent{
			Engine:   matcher.engine,
			Expr:     matcher.expr,
			Entity:   et.Name,
			Matched:  matched,
			Scanned:  len(rows),
			Duration: time.Since(start),
			Err:      err,
		})
	}
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(selected))
	for _, row := range selected {
		out = append(out, byID[row.ID])
	}
	return out, nil
}
