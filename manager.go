package uow

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goliatone/go-uow/pkg/activity"
	"github.com/goliatone/go-uow/pkg/store"
	"github.com/google/uuid"
)

// Manager owns the context tree and the store connection. Contexts are kept
// in an arena keyed by id; handles carry the arena generation so Reset can
// invalidate every outstanding handle at once.
type Manager struct {
	model   *Model
	cfg     managerConfig
	logger  Logger
	emitter *activity.Emitter
	ids     *identityMap

	mu         sync.Mutex
	arena      map[ContextID]*node
	generation uint64
	rootID     ContextID
	mainID     ContextID
	store      store.Store
	ownedStore bool
	resetDone  chan struct{}
	inflight   sync.WaitGroup

	evalMu    sync.Mutex
	evaluator Evaluator
}

// NewManager returns a Manager for model. The store is opened lazily by
// MainContext.
func NewManager(model *Model, opts ...Option) (*Manager, error) {
	if model == nil {
		return nil, &ConfigurationError{Op: "new manager", Err: ErrModelRequired}
	}
	cfg := applyOptions(opts)
	if err := errors.Join(cfg.errs...); err != nil {
		return nil, &ConfigurationError{Op: "new manager", Err: err}
	}
	if err := cfg.functions.checkModel(model); err != nil {
		return nil, &ConfigurationError{Op: "new manager", Err: err}
	}
	logger := cfg.logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		model:  model,
		cfg:    cfg,
		logger: logger,
		emitter: activity.NewEmitter(cfg.activityHooks, activity.Config{
			Enabled: cfg.config.activityEnabled(),
			Channel: cfg.config.ActivityChannel,
		}),
		ids:       newIdentityMap(),
		arena:     map[ContextID]*node{},
		evaluator: cfg.evaluator,
	}, nil
}

// Model returns the manager's entity model.
func (m *Manager) Model() *Model {
	return m.model
}

// Config returns a copy of the effective configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg.config
	if cfg.Import != nil {
		policy := *cfg.Import
		cfg.Import = &policy
	}
	if cfg.ActivityEnabled != nil {
		enabled := *cfg.ActivityEnabled
		cfg.ActivityEnabled = &enabled
	}
	return cfg
}

// SetResource sets the store name and location used the next time the store
// is opened, that is before the first MainContext call or after Reset.
func (m *Manager) SetResource(name, location string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.config.StoreName = name
	m.cfg.config.StoreLocation = location
}

// StoreID returns the row id the store assigned to id, if it has been
// committed by this manager.
func (m *Manager) StoreID(id RecordID) (string, bool) {
	return m.ids.storeID(id)
}

// MainContext returns the long-lived foreground context, creating the root
// and main contexts and opening the store on first use.
func (m *Manager) MainContext() (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureChainLocked(); err != nil {
		return nil, err
	}
	return m.handleLocked(m.arena[m.mainID]), nil
}

// TemporaryContext returns a new child of the main context. Its reads are
// live relative to main, not a snapshot taken at creation.
func (m *Manager) TemporaryContext() (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureChainLocked(); err != nil {
		return nil, err
	}
	n := m.addNodeLocked("temporary", KindTemporary, m.mainID)
	return m.handleLocked(n), nil
}

// NewChildContext returns a new context nested under parent. Any depth is
// allowed.
func (m *Manager) NewChildContext(parent *Context) (*Context, error) {
	if parent == nil {
		return nil, fmt.Errorf("uow: parent context is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookupLocked(parent.id, parent.generation); err != nil {
		return nil, err
	}
	n := m.addNodeLocked("child", KindChild, parent.id)
	return m.handleLocked(n), nil
}

// Reset discards every context and all unsaved state. New saves are refused
// while it runs; saves already in flight are allowed to finish first. Every
// handle obtained before Reset fails afterwards with ErrContextInvalidated.
// A store opened through the factory is closed and reopened on next use.
//
// Reset must not be called from a SaveEvent observer or a Perform job. A
// Reset called while another is running waits for it and returns nil.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if done := m.resetDone; done != nil {
		m.mu.Unlock()
		<-done
		return nil
	}
	done := make(chan struct{})
	m.resetDone = done
	m.mu.Unlock()

	m.inflight.Wait()

	m.mu.Lock()
	defer func() {
		m.resetDone = nil
		m.mu.Unlock()
		close(done)
	}()
	for _, n := range m.arena {
		n.queue.close()
	}
	m.arena = map[ContextID]*node{}
	m.rootID, m.mainID = "", ""
	m.generation++
	m.ids.reset()

	if !m.ownedStore {
		return nil
	}
	var err error
	if closer, ok := m.store.(io.Closer); ok {
		err = closer.Close()
	}
	m.store = nil
	m.ownedStore = false
	return err
}

// Close resets the manager and closes a store it opened.
func (m *Manager) Close() error {
	return m.Reset()
}

func (m *Manager) ensureChainLocked() error {
	if m.resetDone != nil {
		return &ConfigurationError{Op: "context", Err: ErrResetInProgress}
	}
	if m.mainID != "" {
		return nil
	}
	if err := m.openStoreLocked(); err != nil {
		return err
	}
	root := m.addNodeLocked("root", KindRoot, "")
	m.rootID = root.id
	main := m.addNodeLocked("main", KindMain, root.id)
	m.mainID = main.id
	return nil
}

func (m *Manager) openStoreLocked() error {
	if m.store != nil {
		return nil
	}
	if m.cfg.store != nil {
		m.store = m.cfg.store
		return nil
	}
	if m.cfg.config.StoreName == "" {
		return &ConfigurationError{Op: "open store", Err: ErrStoreNotConfigured}
	}
	factory := m.cfg.factory
	if factory == nil {
		factory = memoryStoreFactory
	}
	st, err := factory(m.cfg.config)
	if err != nil {
		return &ConfigurationError{Op: "open store", Err: err}
	}
	if st == nil {
		return &ConfigurationError{Op: "open store", Err: ErrStoreNotConfigured}
	}
	m.store = st
	m.ownedStore = true
	return nil
}

func memoryStoreFactory(Config) (store.Store, error) {
	return store.NewMemoryStore(), nil
}

func (m *Manager) currentStore() (store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil, &ConfigurationError{Op: "store", Err: ErrStoreNotConfigured}
	}
	return m.store, nil
}

func (m *Manager) addNodeLocked(name string, kind ContextKind, parent ContextID) *node {
	id := ContextID(uuid.NewString())
	n := newNode(id, name, kind, parent)
	m.arena[id] = n
	return n
}

func (m *Manager) handleLocked(n *node) *Context {
	return &Context{id: n.id, name: n.name, kind: n.kind, generation: m.generation, manager: m}
}

func (m *Manager) handle(n *node) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handleLocked(n)
}

func (m *Manager) lookupLocked(id ContextID, generation uint64) (*node, error) {
	if generation != m.generation {
		return nil, ErrContextInvalidated
	}
	n, ok := m.arena[id]
	if !ok {
		return nil, ErrContextReleased
	}
	return n, nil
}

func (m *Manager) lookup(c *Context) (*node, error) {
	if c == nil {
		return nil, fmt.Errorf("uow: context is nil")
	}
	if c.manager != m {
		return nil, fmt.Errorf("uow: context belongs to another manager")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(c.id, c.generation)
}

// parentOf returns the parent node of n, or nil for the root.
func (m *Manager) parentOf(n *node) (*node, error) {
	if n.isRoot() {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.arena[n.parent]
	if !ok {
		if _, alive := m.arena[n.id]; !alive {
			return nil, ErrContextInvalidated
		}
		return nil, ErrContextReleased
	}
	return parent, nil
}

// depth counts the ancestors of c.
func (m *Manager) depth(c *Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookupLocked(c.id, c.generation)
	if err != nil {
		return 0
	}
	depth := 0
	for !n.isRoot() {
		parent, ok := m.arena[n.parent]
		if !ok {
			break
		}
		n = parent
		depth++
	}
	return depth
}

// release removes c and every context nested under it.
func (m *Manager) release(c *Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.lookupLocked(c.id, c.generation)
	if err != nil {
		return err
	}
	if !n.kind.releasable() {
		return fmt.Errorf("uow: %s context cannot be released", n.kind)
	}
	doomed := map[ContextID]struct{}{n.id: {}}
	for changed := true; changed; {
		changed = false
		for id, candidate := range m.arena {
			if _, ok := doomed[id]; ok {
				continue
			}
			if _, parentDoomed := doomed[candidate.parent]; parentDoomed {
				doomed[id] = struct{}{}
				changed = true
			}
		}
	}
	for id := range doomed {
		m.arena[id].queue.close()
		delete(m.arena, id)
	}
	return nil
}

// beginSave registers an in-flight save unless a reset is running.
func (m *Manager) beginSave() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetDone != nil {
		return ErrResetInProgress
	}
	m.inflight.Add(1)
	return nil
}

func (m *Manager) resolveEvaluator() (Evaluator, error) {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()
	if m.evaluator != nil {
		return m.evaluator, nil
	}
	cache := m.cfg.programCache
	if cache == nil {
		cache = NewProgramCache(256)
	}
	evaluator, err := NewEvaluator(m.cfg.config.PredicateEngine, cache, m.cfg.functions)
	if err != nil {
		return nil, err
	}
	if evaluator == nil {
		return nil, ErrNoEvaluator
	}
	m.evaluator = evaluator
	return evaluator, nil
}
