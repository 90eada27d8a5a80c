package uow

import (
	"sort"
	"sync"
)

// ContextID identifies a context within a Manager's arena.
type ContextID string

// node is the arena-owned state behind a Context handle. mu confines
// pending, staged and registered; locks are only ever taken child before
// parent. registered stays empty unless tracksRegistered.
type node struct {
	id     ContextID
	name   string
	kind   ContextKind
	parent ContextID

	mu         sync.Mutex
	pending    *changeSet
	staged     *changeSet
	registered registry

	queue *jobQueue

	obsMu        sync.Mutex
	observers    map[int]func(SaveEvent)
	nextObserver int
}

func newNode(id ContextID, name string, kind ContextKind, parent ContextID) *node {
	return &node{
		id:         id,
		name:       name,
		kind:       kind,
		parent:     parent,
		pending:    newChangeSet(),
		staged:     newChangeSet(),
		registered: registry{},
		queue:      newJobQueue(),
		observers:  map[int]func(SaveEvent){},
	}
}

func (n *node) isRoot() bool {
	return n.parent == ""
}

// tracksRegistered reports whether n keeps a live object set. Only the main
// context does; every other context reads through to its parent.
func (n *node) tracksRegistered() bool {
	return n.kind == KindMain
}

func (n *node) observe(fn func(SaveEvent)) func() {
	n.obsMu.Lock()
	id := n.nextObserver
	n.nextObserver++
	n.observers[id] = fn
	n.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.obsMu.Lock()
			delete(n.observers, id)
			n.obsMu.Unlock()
		})
	}
}

// notify calls observers in subscription order. It must not be called with
// mu held.
func (n *node) notify(event SaveEvent) {
	n.obsMu.Lock()
	ids := make([]int, 0, len(n.observers))
	for id := range n.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(SaveEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.observers[id])
	}
	n.obsMu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}
