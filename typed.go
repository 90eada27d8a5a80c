package uow

import (
	"context"
	"errors"
	"fmt"

	"github.com/goliatone/go-uow/internal/hydrate"
)

// Entity is implemented by struct types that mirror an EntityType. Values
// are mapped through json tags; the record id travels under the "_id" key.
// EntityName is called on the zero value, so it needs a value receiver.
type Entity interface {
	EntityName() string
}

// Repository reads and writes records of one entity as values of T. A nil
// context argument means the manager's main context.
type Repository[T Entity] struct {
	manager  *Manager
	entity   string
	importer *Importer
	decoder  *hydrate.Decoder[T]
}

// RepositoryOption configures a Repository.
type RepositoryOption[T Entity] func(*Repository[T])

// WithImporter sets the importer used by Import and ImportAll. The default
// uses the manager's configured policy.
func WithImporter[T Entity](importer *Importer) RepositoryOption[T] {
	return func(r *Repository[T]) {
		if importer != nil {
			r.importer = importer
		}
	}
}

// WithDecoderOptions adds hydrate hooks applied when records are decoded.
func WithDecoderOptions[T Entity](opts ...hydrate.DecoderOption[T]) RepositoryOption[T] {
	return func(r *Repository[T]) {
		all := append([]hydrate.DecoderOption[T]{hydrate.WithIDField[T](idKey)}, opts...)
		r.decoder = hydrate.NewDecoder(all...)
	}
}

// NewRepository returns a repository for T.
func NewRepository[T Entity](m *Manager, opts ...RepositoryOption[T]) *Repository[T] {
	var zero T
	r := &Repository[T]{
		manager: m,
		entity:  zero.EntityName(),
		decoder: hydrate.NewDecoder(hydrate.WithIDField[T](idKey)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.importer == nil && m != nil {
		r.importer = m.Importer()
	}
	return r
}

// Entity returns the entity name of T.
func (r *Repository[T]) Entity() string {
	return r.entity
}

// Import creates or updates one record from input.
func (r *Repository[T]) Import(ctx context.Context, c *Context, input map[string]any) (T, error) {
	var zero T
	c, err := r.context(c)
	if err != nil {
		return zero, err
	}
	record, err := r.importerFor(c).ImportOne(ctx, c, r.entity, input)
	if err != nil {
		return zero, err
	}
	return r.decode(record)
}

// ImportAll imports inputs best-effort. The values that imported are
// returned alongside a *BatchImportError describing the rest.
func (r *Repository[T]) ImportAll(ctx context.Context, c *Context, inputs []map[string]any) ([]T, error) {
	c, err := r.context(c)
	if err != nil {
		return nil, err
	}
	records, importErr := r.importerFor(c).ImportMany(ctx, c, r.entity, inputs)
	var batch *BatchImportError
	if importErr != nil && !errors.As(importErr, &batch) {
		return nil, importErr
	}
	out, err := r.decodeAll(records)
	if err != nil {
		return nil, err
	}
	return out, importErr
}

// Insert adds value as a new record and returns it with its id set.
func (r *Repository[T]) Insert(c *Context, value T) (T, error) {
	var zero T
	c, err := r.context(c)
	if err != nil {
		return zero, err
	}
	values, err := r.decoder.Encode(value)
	if err != nil {
		return zero, err
	}
	record, err := c.Insert(r.entity, values)
	if err != nil {
		return zero, err
	}
	return r.decode(record)
}

// FetchAll returns every record matching predicate, ordered by id. A nil
// predicate matches everything.
func (r *Repository[T]) FetchAll(ctx context.Context, c *Context, predicate Predicate) ([]T, error) {
	return r.Fetch(ctx, c, predicate)
}

// FetchAllSorted returns the records matching predicate ordered by key.
func (r *Repository[T]) FetchAllSorted(ctx context.Context, c *Context, key string, ascending bool, predicate Predicate) ([]T, error) {
	order := Descending(key)
	if ascending {
		order = Ascending(key)
	}
	return r.Fetch(ctx, c, predicate, order)
}

// Fetch returns the records matching predicate in the given order.
func (r *Repository[T]) Fetch(ctx context.Context, c *Context, predicate Predicate, order ...Sort) ([]T, error) {
	c, err := r.context(c)
	if err != nil {
		return nil, err
	}
	records, err := c.Fetch(ctx, FetchRequest{Entity: r.entity, Predicate: predicate, Sort: order})
	if err != nil {
		return nil, err
	}
	return r.decodeAll(records)
}

// First returns the first record matching predicate, or ErrRecordNotFound.
func (r *Repository[T]) First(ctx context.Context, c *Context, predicate Predicate, order ...Sort) (T, error) {
	var zero T
	c, err := r.context(c)
	if err != nil {
		return zero, err
	}
	record, err := c.First(ctx, FetchRequest{Entity: r.entity, Predicate: predicate, Sort: order})
	if err != nil {
		return zero, err
	}
	return r.decode(record)
}

// Count returns how many records match predicate.
func (r *Repository[T]) Count(ctx context.Context, c *Context, predicate Predicate) (int, error) {
	c, err := r.context(c)
	if err != nil {
		return 0, err
	}
	return c.Count(ctx, r.entity, predicate)
}

// DeleteAll deletes every record of T visible in c.
func (r *Repository[T]) DeleteAll(ctx context.Context, c *Context) (int, error) {
	c, err := r.context(c)
	if err != nil {
		return 0, err
	}
	return c.DeleteAll(ctx, r.entity)
}

func (r *Repository[T]) context(c *Context) (*Context, error) {
	if c != nil {
		return c, nil
	}
	if r.manager == nil {
		return nil, &ConfigurationError{Op: "repository " + r.entity, Err: fmt.Errorf("manager is nil")}
	}
	return r.manager.MainContext()
}

func (r *Repository[T]) importerFor(c *Context) *Importer {
	if r.importer != nil {
		return r.importer
	}
	return c.manager.Importer()
}

func (r *Repository[T]) decode(record Record) (T, error) {
	return r.decoder.Decode(hydrate.Context{Entity: record.Entity, ID: string(record.ID)}, record.Values)
}

func (r *Repository[T]) decodeAll(records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, record := range records {
		value, err := r.decode(record)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

// Import creates or updates one record of T in c.
func Import[T Entity](ctx context.Context, m *Manager, c *Context, input map[string]any) (T, error) {
	return NewRepository[T](m).Import(ctx, c, input)
}

// ImportAll imports inputs as records of T, best-effort.
func ImportAll[T Entity](ctx context.Context, m *Manager, c *Context, inputs []map[string]any) ([]T, error) {
	return NewRepository[T](m).ImportAll(ctx, c, inputs)
}

// FetchAll returns the records of T in c matching predicate.
func FetchAll[T Entity](ctx context.Context, m *Manager, c *Context, predicate Predicate) ([]T, error) {
	return NewRepository[T](m).FetchAll(ctx, c, predicate)
}

// FetchAllSorted returns the records of T in c matching predicate ordered by
// key.
func FetchAllSorted[T Entity](ctx context.Context, m *Manager, c *Context, key string, ascending bool, predicate Predicate) ([]T, error) {
	return NewRepository[T](m).FetchAllSorted(ctx, c, key, ascending, predicate)
}

// First returns the first record of T in c matching predicate.
func First[T Entity](ctx context.Context, m *Manager, c *Context, predicate Predicate) (T, error) {
	return NewRepository[T](m).First(ctx, c, predicate)
}
