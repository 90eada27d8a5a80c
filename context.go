package uow

import (
	"context"
	"fmt"

	"github.com/goliatone/go-uow/layering"
)

// Context is a handle to one unit of work. Handles are cheap values; the
// state lives in the Manager's arena. Every method is safe for concurrent
// use: the node behind the handle is locked for each call, and Perform
// serialises larger batches on the context's own queue.
type Context struct {
	id         ContextID
	name       string
	kind       ContextKind
	generation uint64
	manager    *Manager
}

func (c *Context) ID() ContextID {
	return c.id
}

func (c *Context) Name() string {
	return c.name
}

func (c *Context) Kind() ContextKind {
	return c.kind
}

// Manager returns the manager that owns the context.
func (c *Context) Manager() *Manager {
	return c.manager
}

func (c *Context) String() string {
	return fmt.Sprintf("%s:%s", c.kind, c.id)
}

// Parent returns the parent context, or nil for the root.
func (c *Context) Parent() (*Context, error) {
	n, err := c.manager.lookup(c)
	if err != nil {
		return nil, err
	}
	parent, err := c.manager.parentOf(n)
	if err != nil || parent == nil {
		return nil, err
	}
	return c.manager.handle(parent), nil
}

// Insert adds a new record to the context's pending changes.
func (c *Context) Insert(entity string, values map[string]any) (Record, error) {
	n, et, err := c.resolve(entity)
	if err != nil {
		return Record{}, err
	}
	normalized, err := normalizeValues(et, values)
	if err != nil {
		return Record{}, err
	}
	id := NewRecordID()
	n.mu.Lock()
	n.pending.insert(id, et.Name, normalized)
	n.mu.Unlock()
	return Record{ID: id, Entity: et.Name, Values: layering.CloneValues(normalized)}, nil
}

// Update sets the given values on a record visible in the context. Only the
// supplied keys change.
func (c *Context) Update(ctx context.Context, entity string, id RecordID, values map[string]any) (Record, error) {
	n, et, err := c.resolve(entity)
	if err != nil {
		return Record{}, err
	}
	normalized, err := normalizeValues(et, values)
	if err != nil {
		return Record{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	view, err := c.manager.visibleView(ctx, n, et)
	if err != nil {
		return Record{}, err
	}
	current, ok := view[id]
	if !ok {
		return Record{}, fmt.Errorf("uow: update %s %s: %w", et.Name, id, ErrRecordNotFound)
	}
	n.pending.update(id, et.Name, normalized)
	return Record{ID: id, Entity: et.Name, Values: layering.MergeValues(normalized, current)}, nil
}

// Delete removes a record visible in the context.
func (c *Context) Delete(ctx context.Context, entity string, id RecordID) error {
	n, et, err := c.resolve(entity)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	view, err := c.manager.visibleView(ctx, n, et)
	if err != nil {
		return err
	}
	if _, ok := view[id]; !ok {
		return fmt.Errorf("uow: delete %s %s: %w", et.Name, id, ErrRecordNotFound)
	}
	n.pending.remove(id, et.Name)
	return nil
}

// DeleteAll removes every record of entity visible in the context and
// returns how many were removed.
func (c *Context) DeleteAll(ctx context.Context, entity string) (int, error) {
	n, et, err := c.resolve(entity)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	view, err := c.manager.visibleView(ctx, n, et)
	if err != nil {
		return 0, err
	}
	for _, id := range sortedIDs(view) {
		n.pending.remove(id, et.Name)
	}
	return len(view), nil
}

// Get returns the record as the context sees it.
func (c *Context) Get(ctx context.Context, entity string, id RecordID) (Record, error) {
	n, et, err := c.resolve(entity)
	if err != nil {
		return Record{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	view, err := c.manager.visibleView(ctx, n, et)
	if err != nil {
		return Record{}, err
	}
	values, ok := view[id]
	if !ok {
		return Record{}, fmt.Errorf("uow: get %s %s: %w", et.Name, id, ErrRecordNotFound)
	}
	return Record{ID: id, Entity: et.Name, Values: layering.CloneValues(values)}, nil
}

// HasChanges reports whether the context holds unsaved changes of its own.
func (c *Context) HasChanges() bool {
	n, err := c.manager.lookup(c)
	if err != nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.pending.empty()
}

// Refresh forgets every registered record so the next read observes the
// current parent state. Only the main context registers records; on any
// other context Refresh is a no-op since reads are already live.
func (c *Context) Refresh() error {
	n, err := c.manager.lookup(c)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.registered = registry{}
	n.mu.Unlock()
	return nil
}

// Perform runs fn on the context's queue without waiting. Jobs run one at a
// time in submission order.
func (c *Context) Perform(fn func(*Context)) error {
	n, err := c.manager.lookup(c)
	if err != nil {
		return err
	}
	if !n.queue.submit(func() { fn(c) }) {
		return ErrContextReleased
	}
	return nil
}

// PerformAndWait runs fn on the context's queue and waits for it. It must
// not be called from a job already running on the same context's queue.
func (c *Context) PerformAndWait(fn func(*Context)) error {
	n, err := c.manager.lookup(c)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	if !n.queue.submit(func() {
		defer close(done)
		fn(c)
	}) {
		return ErrContextReleased
	}
	<-done
	return nil
}

// OnSave subscribes fn to the save events of this context. Events fire after
// the context finished its own level of a save. The returned function
// unsubscribes.
func (c *Context) OnSave(fn func(SaveEvent)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("uow: save observer is nil")
	}
	n, err := c.manager.lookup(c)
	if err != nil {
		return nil, err
	}
	return n.observe(fn), nil
}

// Release discards a temporary or child context together with every context
// nested under it. Unsaved changes are dropped and ancestors are unaffected.
func (c *Context) Release() error {
	return c.manager.release(c)
}

func (c *Context) markPending(id RecordID) (changeMark, error) {
	n, err := c.manager.lookup(c)
	if err != nil {
		return changeMark{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending.mark(id), nil
}

// rewindPending undoes writes newest first. A context invalidated in the
// meantime has nothing left to undo.
func (c *Context) rewindPending(marks []changeMark) {
	n, err := c.manager.lookup(c)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(marks) - 1; i >= 0; i-- {
		n.pending.rewind(marks[i])
	}
}

func (c *Context) resolve(entity string) (*node, EntityType, error) {
	if c == nil || c.manager == nil {
		return nil, EntityType{}, fmt.Errorf("uow: context is nil")
	}
	n, err := c.manager.lookup(c)
	if err != nil {
		return nil, EntityType{}, err
	}
	et, err := c.manager.model.entity(entity)
	if err != nil {
		return nil, EntityType{}, err
	}
	return n, et, nil
}
