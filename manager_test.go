package uow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-uow/pkg/store"
)

func TestNewManagerRequiresModel(t *testing.T) {
	_, err := NewManager(nil)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if !errors.Is(err, ErrModelRequired) {
		t.Fatalf("expected ErrModelRequired, got %v", err)
	}
}

func TestContextChain(t *testing.T) {
	m := newTestManager(t)
	main := mainContext(t, m)
	again := mainContext(t, m)
	if main.ID() != again.ID() {
		t.Fatalf("main context must be a singleton")
	}
	if main.Kind() != KindMain {
		t.Fatalf("expected main kind, got %s", main.Kind())
	}

	temp := temporaryContext(t, m)
	parent, err := temp.Parent()
	if err != nil {
		t.Fatalf("parent: %v", err)
	}
	if parent.ID() != main.ID() {
		t.Fatalf("temporary context must be a child of main")
	}

	root := rootContext(t, m)
	if root.Kind() != KindRoot {
		t.Fatalf("main must have a private root parent, got %s", root.Kind())
	}
	top, err := root.Parent()
	if err != nil || top != nil {
		t.Fatalf("root must have no parent, got %v, %v", top, err)
	}

	child, err := m.NewChildContext(temp)
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	if child.Kind() != KindChild {
		t.Fatalf("expected child kind, got %s", child.Kind())
	}
	if m.depth(child) != 3 {
		t.Fatalf("expected depth 3, got %d", m.depth(child))
	}
	if _, err := m.NewChildContext(nil); err == nil {
		t.Fatalf("expected error for nil parent")
	}
}

func TestMissingStoreNameIsConfigurationError(t *testing.T) {
	m := newTestManager(t)
	m.SetResource("", "")
	_, err := m.MainContext()
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || !errors.Is(err, ErrStoreNotConfigured) {
		t.Fatalf("expected store configuration error, got %v", err)
	}

	m.SetResource("transit", "memory://transit")
	if _, err := m.MainContext(); err != nil {
		t.Fatalf("main context after SetResource: %v", err)
	}
	if got := m.Config().StoreLocation; got != "memory://transit" {
		t.Fatalf("expected store location to be recorded, got %q", got)
	}
}

type closingStore struct {
	*store.MemoryStore
	closed int
}

func (s *closingStore) Close() error {
	s.closed++
	return nil
}

func TestResetInvalidatesHandlesAndReopensStore(t *testing.T) {
	var opened []*closingStore
	m := newTestManager(t, WithStoreFactory(func(cfg Config) (store.Store, error) {
		s := &closingStore{MemoryStore: store.NewMemoryStore()}
		opened = append(opened, s)
		return s, nil
	}))
	ctx := context.Background()

	main := mainContext(t, m)
	temp := temporaryContext(t, m)
	if _, err := main.Insert("TrainLine", map[string]any{"identifier": "BRN"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(opened) != 1 || opened[0].closed != 1 {
		t.Fatalf("expected the factory store to be closed once")
	}

	if _, err := main.Insert("TrainLine", nil); !errors.Is(err, ErrContextInvalidated) {
		t.Fatalf("expected invalidated main handle, got %v", err)
	}
	if err := m.SaveAndWait(ctx, temp); !errors.Is(err, ErrContextInvalidated) {
		t.Fatalf("expected invalidated temp handle, got %v", err)
	}

	fresh := mainContext(t, m)
	if fresh.ID() == main.ID() {
		t.Fatalf("reset must create a new main context")
	}
	if len(opened) != 2 {
		t.Fatalf("expected store to be reopened, got %d opens", len(opened))
	}
	if got := countOf(t, fresh, "TrainLine"); got != 0 {
		t.Fatalf("reset must discard unsaved state, got %d", got)
	}
}

func TestResetKeepsSuppliedStore(t *testing.T) {
	st := store.NewMemoryStore()
	m := newTestManager(t, WithStore(st))
	seedStations(t, m, 3)

	if err := m.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := countOf(t, mainContext(t, m), "Station"); got != 3 {
		t.Fatalf("committed rows must survive reset, got %d", got)
	}
}

// blockingStore holds every commit until release is closed.
type blockingStore struct {
	*store.MemoryStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Begin(ctx context.Context) (store.Txn, error) {
	txn, err := s.MemoryStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &blockingTxn{Txn: txn, store: s}, nil
}

type blockingTxn struct {
	store.Txn
	store *blockingStore
}

func (t *blockingTxn) Commit(ctx context.Context) error {
	t.store.once.Do(func() { close(t.store.started) })
	<-t.store.release
	return t.Txn.Commit(ctx)
}

func TestResetWaitsForInflightSave(t *testing.T) {
	st := &blockingStore{
		MemoryStore: store.NewMemoryStore(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	m := newTestManager(t, WithStore(st))
	ctx := context.Background()
	temp := temporaryContext(t, m)
	other := temporaryContext(t, m)
	if _, err := temp.Insert("TrainLine", map[string]any{"identifier": "PRP"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	saveErr := make(chan error, 1)
	go func() { saveErr <- m.SaveAndWait(ctx, temp) }()
	<-st.started

	resetDone := make(chan error, 1)
	go func() { resetDone <- m.Reset() }()

	waitForReset(t, m)

	if err := m.SaveAndWait(ctx, other); !errors.Is(err, ErrResetInProgress) {
		t.Fatalf("expected new saves to be refused during reset, got %v", err)
	}
	select {
	case <-resetDone:
		t.Fatalf("reset must wait for the in-flight save")
	case <-time.After(20 * time.Millisecond):
	}

	close(st.release)
	if err := <-saveErr; err != nil {
		t.Fatalf("in-flight save: %v", err)
	}
	if err := <-resetDone; err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := len(storedRows(t, st, "TrainLine")); got != 1 {
		t.Fatalf("in-flight save must complete, got %d rows", got)
	}
	if _, err := temp.Get(ctx, "TrainLine", "x"); !errors.Is(err, ErrContextInvalidated) {
		t.Fatalf("expected invalidated handle, got %v", err)
	}
}

func TestConcurrentResetWaitsForRunningReset(t *testing.T) {
	st := &blockingStore{
		MemoryStore: store.NewMemoryStore(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	m := newTestManager(t, WithStore(st))
	ctx := context.Background()
	temp := temporaryContext(t, m)
	if _, err := temp.Insert("TrainLine", map[string]any{"identifier": "YLW"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	saveErr := make(chan error, 1)
	go func() { saveErr <- m.SaveAndWait(ctx, temp) }()
	<-st.started

	first := make(chan error, 1)
	go func() { first <- m.Reset() }()
	waitForReset(t, m)

	second := make(chan error, 1)
	go func() { second <- m.Reset() }()
	select {
	case err := <-second:
		t.Fatalf("second reset returned %v before the running reset finished", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(st.release)
	if err := <-saveErr; err != nil {
		t.Fatalf("in-flight save: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if _, err := temp.Get(ctx, "TrainLine", "x"); !errors.Is(err, ErrContextInvalidated) {
		t.Fatalf("handles must be invalid once the second reset returns, got %v", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first reset: %v", err)
	}
}

func waitForReset(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		m.mu.Lock()
		resetting := m.resetDone != nil
		m.mu.Unlock()
		if resetting {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("reset never started")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestReleaseDiscardsContextAndDescendants(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	main := mainContext(t, m)
	temp := temporaryContext(t, m)
	child, err := m.NewChildContext(temp)
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	if _, err := temp.Insert("TrainLine", map[string]any{"identifier": "GLD"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := main.Release(); err == nil {
		t.Fatalf("main context must not be releasable")
	}
	if err := temp.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := child.Count(ctx, "TrainLine", nil); !errors.Is(err, ErrContextReleased) {
		t.Fatalf("expected released descendant, got %v", err)
	}
	if err := temp.Perform(func(*Context) {}); !errors.Is(err, ErrContextReleased) {
		t.Fatalf("expected released error from Perform, got %v", err)
	}
	if got := countOf(t, main, "TrainLine"); got != 0 {
		t.Fatalf("released changes must not reach main, got %d", got)
	}
}

func TestPerformRunsJobsInOrder(t *testing.T) {
	m := newTestManager(t)
	temp := temporaryContext(t, m)

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 10; i++ {
		i := i
		if err := temp.Perform(func(*Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("perform: %v", err)
		}
	}
	if err := temp.PerformAndWait(func(*Context) {}); err != nil {
		t.Fatalf("perform and wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
	if len(order) != 10 {
		t.Fatalf("expected 10 jobs, got %d", len(order))
	}
}

func TestContextsBelongToTheirManager(t *testing.T) {
	first := newTestManager(t)
	second := newTestManager(t)
	temp := temporaryContext(t, first)
	if err := second.SaveAndWait(context.Background(), temp); err == nil {
		t.Fatalf("expected foreign context to be rejected")
	}
}

func TestConfigReturnsCopy(t *testing.T) {
	m := newTestManager(t)
	cfg := m.Config()
	cfg.Import.OverwriteWithServerChanges = false
	if !m.Config().ImportPolicy().OverwriteWithServerChanges {
		t.Fatalf("mutating the returned config must not affect the manager")
	}
}
