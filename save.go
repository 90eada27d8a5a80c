package uow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-uow/layering"
	"github.com/goliatone/go-uow/pkg/activity"
)

// SaveEventKind tells completed and failed save levels apart.
type SaveEventKind int

const (
	SaveCompleted SaveEventKind = iota
	SaveFailed
)

func (k SaveEventKind) String() string {
	if k == SaveFailed {
		return "failed"
	}
	return "completed"
}

// SaveEvent reports one level of a save: the context that pushed its
// changes one step up (or committed them, for the root) and the records it
// touched.
type SaveEvent struct {
	Context *Context
	Kind    SaveEventKind
	Level   int
	Changes Changes
	Err     error
	At      time.Time
}

// SaveOperation tracks an asynchronous save. Levels delivers one event per
// hierarchy level and is closed when the save finishes. A failure is only
// observable here and through OnSave observers.
type SaveOperation struct {
	context *Context
	levels  chan SaveEvent
	done    chan struct{}

	mu     sync.Mutex
	events []SaveEvent
	err    error
}

func newSaveOperation(c *Context, levels int) *SaveOperation {
	if levels < 1 {
		levels = 1
	}
	return &SaveOperation{
		context: c,
		levels:  make(chan SaveEvent, levels),
		done:    make(chan struct{}),
	}
}

// Context returns the context being saved.
func (op *SaveOperation) Context() *Context {
	return op.context
}

// Levels streams per-level events. The channel is buffered for every level,
// so an operation never blocks on a slow reader.
func (op *SaveOperation) Levels() <-chan SaveEvent {
	return op.levels
}

// Done is closed once the save committed at the root or failed.
func (op *SaveOperation) Done() <-chan struct{} {
	return op.done
}

// Err returns the save error once Done is closed.
func (op *SaveOperation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Events returns the level events recorded so far.
func (op *SaveOperation) Events() []SaveEvent {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]SaveEvent(nil), op.events...)
}

// Wait blocks until the save finishes or ctx is done. Cancelling ctx does
// not cancel the save.
func (op *SaveOperation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (op *SaveOperation) record(event SaveEvent) {
	op.mu.Lock()
	op.events = append(op.events, event)
	op.mu.Unlock()
	select {
	case op.levels <- event:
	default:
	}
}

func (op *SaveOperation) finish(err error) {
	op.mu.Lock()
	op.err = err
	op.mu.Unlock()
	close(op.levels)
	close(op.done)
}

// SaveAndWait pushes c's changes into its parent, then every ancestor's
// staged changes further up, until the root commits them in one store
// transaction. It returns a *SaveError naming the level that failed; lower
// levels stay saved and higher levels are untouched. A failed commit keeps
// the changes staged at the root so a later save retries them.
func (m *Manager) SaveAndWait(ctx context.Context, c *Context) error {
	_, err := m.saveSync(ctx, c)
	return err
}

// SaveAndMergeWait saves c like SaveAndWait and then merges the saved
// changes into the live records of every ancestor up to and including the
// main context.
func (m *Manager) SaveAndMergeWait(ctx context.Context, c *Context) error {
	changes, err := m.saveSync(ctx, c)
	if err != nil {
		return err
	}
	n, err := m.lookup(c)
	if err != nil {
		return &SaveError{Context: c.name, Kind: c.kind, Err: err}
	}
	for level := 1; n.kind != KindMain && !n.isRoot(); level++ {
		parent, err := m.parentOf(n)
		if err != nil {
			return &SaveError{Context: n.name, Kind: n.kind, Level: level, Err: err}
		}
		if parent.isRoot() {
			break
		}
		if parent.tracksRegistered() {
			parent.mu.Lock()
			parent.registered.merge(changes)
			parent.mu.Unlock()
		}
		n = parent
	}
	return nil
}

// Save starts an asynchronous save. Each level runs on the queue of the
// context it belongs to.
func (m *Manager) Save(c *Context) *SaveOperation {
	if c == nil {
		op := newSaveOperation(nil, 1)
		op.finish(&SaveError{Err: fmt.Errorf("uow: context is nil")})
		return op
	}
	op := newSaveOperation(c, m.depth(c)+1)
	if err := m.beginSave(); err != nil {
		op.finish(&SaveError{Context: c.name, Kind: c.kind, Err: err})
		return op
	}
	n, err := m.lookup(c)
	if err != nil {
		m.inflight.Done()
		op.finish(&SaveError{Context: c.name, Kind: c.kind, Err: err})
		return op
	}
	m.scheduleLevel(op, n, 0)
	return op
}

// SaveMainContext saves the main context asynchronously.
func (m *Manager) SaveMainContext() *SaveOperation {
	main, err := m.MainContext()
	if err != nil {
		op := newSaveOperation(nil, 1)
		op.finish(err)
		return op
	}
	return m.Save(main)
}

// SaveMainContextAndWait saves the main context and waits for the commit.
func (m *Manager) SaveMainContextAndWait(ctx context.Context) error {
	main, err := m.MainContext()
	if err != nil {
		return err
	}
	return m.SaveAndWait(ctx, main)
}

func (m *Manager) scheduleLevel(op *SaveOperation, n *node, level int) {
	submitted := n.queue.submit(func() {
		_, parent, event, err := m.saveLevel(context.Background(), n, level)
		op.record(event)
		if err != nil || parent == nil {
			m.inflight.Done()
			op.finish(err)
			return
		}
		m.scheduleLevel(op, parent, level+1)
	})
	if !submitted {
		m.inflight.Done()
		op.finish(&SaveError{Context: n.name, Kind: n.kind, Level: level, Err: ErrContextReleased})
	}
}

// saveSync runs every level inline and returns the change set captured from
// the saved context.
func (m *Manager) saveSync(ctx context.Context, c *Context) (*changeSet, error) {
	if c == nil {
		return nil, &SaveError{Err: fmt.Errorf("uow: context is nil")}
	}
	if err := m.beginSave(); err != nil {
		return nil, &SaveError{Context: c.name, Kind: c.kind, Err: err}
	}
	defer m.inflight.Done()

	n, err := m.lookup(c)
	if err != nil {
		return nil, &SaveError{Context: c.name, Kind: c.kind, Err: err}
	}
	var origin *changeSet
	for level := 0; ; level++ {
		sent, parent, _, err := m.saveLevel(ctx, n, level)
		if level == 0 {
			origin = sent
		}
		if err != nil {
			return origin, err
		}
		if parent == nil {
			return origin, nil
		}
		n = parent
	}
}

// saveLevel moves one level of changes upward. At level 0 the node sends
// its pending and staged changes, above that only what children staged.
// The root commits instead of sending.
func (m *Manager) saveLevel(ctx context.Context, n *node, level int) (*changeSet, *node, SaveEvent, error) {
	start := time.Now()

	n.mu.Lock()
	sent := n.staged.clone()
	if level == 0 {
		sent.merge(n.pending)
	}
	var (
		parent *node
		err    error
	)
	if n.isRoot() {
		err = m.commit(ctx, sent)
		switch {
		case err == nil:
			n.staged = newChangeSet()
			if level == 0 {
				n.pending = newChangeSet()
			}
		case level == 0:
			n.staged = sent.clone()
			n.pending = newChangeSet()
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrStoreCommit, err)
		}
	} else {
		parent, err = m.parentOf(n)
		if err == nil {
			parent.mu.Lock()
			absorb(parent, sent)
			parent.mu.Unlock()
			n.staged = newChangeSet()
			if level == 0 {
				n.pending = newChangeSet()
				if n.tracksRegistered() {
					n.registered.merge(sent)
				}
			}
		}
	}
	n.mu.Unlock()

	event := SaveEvent{
		Context: m.handle(n),
		Kind:    SaveCompleted,
		Level:   level,
		Changes: sent.summary(),
		At:      time.Now(),
	}
	if err != nil {
		err = &SaveError{Context: n.name, Kind: n.kind, Level: level, Err: err}
		event.Kind = SaveFailed
		event.Err = err
		parent = nil
	}
	m.logger.LogSave(SaveLogEvent{
		Context:  n.name,
		Kind:     n.kind,
		Level:    level,
		Changes:  event.Changes,
		Duration: time.Since(start),
		Err:      err,
	})
	m.emitSaveActivity(ctx, n, event)
	n.notify(event)
	return sent, parent, event, err
}

// absorb folds a child's saved changes into parent p. Incoming values win
// per attribute over p's pending edits; a pending delete in p wins over an
// incoming update; deleting a record p inserted cancels the insert.
func absorb(p *node, in *changeSet) {
	for _, id := range sortedIDs(in.inserted) {
		e := in.inserted[id]
		p.staged.insert(id, e.entity, e.values)
	}
	for _, id := range sortedIDs(in.updated) {
		e := in.updated[id]
		if _, gone := p.pending.deleted[id]; gone {
			continue
		}
		if _, own := p.pending.inserted[id]; own {
			p.pending.update(id, e.entity, e.values)
			continue
		}
		if upd, ok := p.pending.updated[id]; ok {
			if upd.values = layering.Without(upd.values, e.values); upd.values == nil {
				delete(p.pending.updated, id)
			} else {
				p.pending.updated[id] = upd
			}
		}
		p.staged.update(id, e.entity, e.values)
	}
	for _, id := range sortedIDs(in.deleted) {
		entity := in.deleted[id]
		if _, own := p.pending.inserted[id]; own {
			delete(p.pending.inserted, id)
			continue
		}
		delete(p.pending.updated, id)
		delete(p.pending.deleted, id)
		p.staged.remove(id, entity)
	}
}

func (m *Manager) emitSaveActivity(ctx context.Context, n *node, event SaveEvent) {
	if !m.emitter.Enabled() {
		return
	}
	input := activity.SaveEventInput{
		ContextID:   string(n.id),
		ContextName: n.name,
		ContextKind: n.kind.String(),
		Level:       event.Level,
		Inserted:    idStrings(event.Changes.Inserted),
		Updated:     idStrings(event.Changes.Updated),
		Deleted:     idStrings(event.Changes.Deleted),
		Err:         event.Err,
		OccurredAt:  event.At,
	}
	if event.Kind == SaveFailed {
		_ = m.emitter.Emit(ctx, activity.BuildContextSaveFailedEvent(input))
		return
	}
	_ = m.emitter.Emit(ctx, activity.BuildContextSavedEvent(input))
}

func idStrings(ids []RecordID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}
