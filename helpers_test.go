package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goliatone/go-uow/pkg/store"
)

func transitModel(t testing.TB) *Model {
	t.Helper()
	model, err := NewModel(
		EntityType{
			Name: "Station",
			Attributes: []Attribute{
				{Name: "code", Kind: KindString},
				{Name: "name", Kind: KindString},
				{Name: "accessible", Kind: KindBool},
				{Name: "stop_count", Kind: KindInt},
				{Name: "lat", Kind: KindFloat, InputKey: "location.lat"},
				{Name: "lng", Kind: KindFloat, InputKey: "location.lng"},
			},
			Relationships: []Relationship{
				{Name: "line", Target: "TrainLine"},
			},
			IdentityKeys: []string{"code"},
		},
		EntityType{
			Name: "TrainLine",
			Attributes: []Attribute{
				{Name: "identifier", Kind: KindString},
				{Name: "name", Kind: KindString},
			},
			Relationships: []Relationship{
				{Name: "stations", Target: "Station", ToMany: true},
			},
			IdentityKeys: []string{"identifier"},
		},
		EntityType{
			Name: "Note",
			Attributes: []Attribute{
				{Name: "body", Kind: KindString},
				{Name: "opened_at", Kind: KindTime},
				{Name: "blob", Kind: KindBinary},
			},
		},
	)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	return model
}

func newTestManager(t testing.TB, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(transitModel(t), opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mainContext(t testing.TB, m *Manager) *Context {
	t.Helper()
	main, err := m.MainContext()
	if err != nil {
		t.Fatalf("main context: %v", err)
	}
	return main
}

func temporaryContext(t testing.TB, m *Manager) *Context {
	t.Helper()
	temp, err := m.TemporaryContext()
	if err != nil {
		t.Fatalf("temporary context: %v", err)
	}
	return temp
}

func rootContext(t testing.TB, m *Manager) *Context {
	t.Helper()
	root, err := mainContext(t, m).Parent()
	if err != nil || root == nil {
		t.Fatalf("root context: %v", err)
	}
	return root
}

func stationInputs(n int) []map[string]any {
	inputs := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		inputs = append(inputs, map[string]any{
			"code":       fmt.Sprintf("ST%02d", i),
			"name":       fmt.Sprintf("Station %d", i),
			"stop_count": i + 1,
			"location":   map[string]any{"lat": 41.8 + float64(i)/100, "lng": -87.6},
		})
	}
	return inputs
}

// seedStations imports n stations into the main context and commits them.
func seedStations(t testing.TB, m *Manager, n int) []Record {
	t.Helper()
	ctx := context.Background()
	records, err := NewImporter(DefaultImportPolicy()).ImportMany(ctx, mainContext(t, m), "Station", stationInputs(n))
	if err != nil {
		t.Fatalf("seed stations: %v", err)
	}
	if err := m.SaveMainContextAndWait(ctx); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	return records
}

func countOf(t testing.TB, c *Context, entity string) int {
	t.Helper()
	n, err := c.Count(context.Background(), entity, nil)
	if err != nil {
		t.Fatalf("count %s in %s: %v", entity, c, err)
	}
	return n
}

func storedRows(t testing.TB, s store.Store, entity string) []store.Row {
	t.Helper()
	rows, err := s.Fetch(context.Background(), store.Query{Entity: entity})
	if err != nil {
		t.Fatalf("fetch %s: %v", entity, err)
	}
	return rows
}

var errInjected = errors.New("injected commit failure")

// flakyStore wraps a MemoryStore and fails commits while failing is set.
type flakyStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	failing bool
	commits int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemoryStore()}
}

func (s *flakyStore) setFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *flakyStore) Begin(ctx context.Context) (store.Txn, error) {
	txn, err := s.MemoryStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTxn{Txn: txn, store: s}, nil
}

type flakyTxn struct {
	store.Txn
	store *flakyStore
}

func (t *flakyTxn) Commit(ctx context.Context) error {
	t.store.mu.Lock()
	failing := t.store.failing
	t.store.mu.Unlock()
	if failing {
		return errInjected
	}
	if err := t.Txn.Commit(ctx); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.store.commits++
	t.store.mu.Unlock()
	return nil
}

// captureLogger keeps every log event for assertions.
type captureLogger struct {
	mu         sync.Mutex
	saves      []SaveLogEvent
	imports    []ImportLogEvent
	predicates []PredicateLogEvent
}

func (l *captureLogger) LogSave(event SaveLogEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saves = append(l.saves, event)
}

func (l *captureLogger) LogImport(event ImportLogEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.imports = append(l.imports, event)
}

func (l *captureLogger) LogPredicate(event PredicateLogEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.predicates = append(l.predicates, event)
}
