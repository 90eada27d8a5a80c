package uow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-uow/pkg/activity"
)

func TestImportOneCreatesAndCoerces(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	temp := temporaryContext(t, m)

	record, err := NewImporter(DefaultImportPolicy()).ImportOne(ctx, temp, "Station", map[string]any{
		"code":       "CLK",
		"name":       "Clark/Lake",
		"accessible": "true",
		"stop_count": float64(4),
		"location":   map[string]any{"lat": 41.8857, "lng": "-87.6309"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if record.Values["accessible"] != true {
		t.Fatalf("expected bool coercion, got %#v", record.Values["accessible"])
	}
	if record.Values["stop_count"] != int64(4) {
		t.Fatalf("expected int64 stop_count, got %#v", record.Values["stop_count"])
	}
	if record.Values["lat"] != 41.8857 || record.Values["lng"] != -87.6309 {
		t.Fatalf("expected dotted input keys to resolve, got %#v", record.Values)
	}
	if _, ok := record.Values["line"]; !ok || record.Values["line"] != nil {
		t.Fatalf("absent relationship must be set to nil, got %#v", record.Values)
	}
	if countOf(t, mainContext(t, m), "Station") != 0 {
		t.Fatalf("import must only write to the target context")
	}
}

func TestImportOneUpdatesByIdentity(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	main := mainContext(t, m)
	importer := NewImporter(DefaultImportPolicy())

	first, err := importer.ImportOne(ctx, main, "Station", map[string]any{"code": "BLM", "name": "Belmont", "stop_count": 2})
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	second, err := importer.ImportOne(ctx, main, "Station", map[string]any{"code": "BLM", "name": "Belmont Ave"})
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("identity lookup must find the pending record")
	}
	if second.Values["name"] != "Belmont Ave" {
		t.Fatalf("expected updated name, got %#v", second.Values["name"])
	}
	if second.Values["stop_count"] != nil {
		t.Fatalf("default policy clears absent fields, got %#v", second.Values["stop_count"])
	}
	if got := countOf(t, main, "Station"); got != 1 {
		t.Fatalf("expected 1 station, got %d", got)
	}
}

func TestImportPolicies(t *testing.T) {
	cases := []struct {
		name      string
		policy    ImportPolicy
		wantName  any
		wantCount any
	}{
		{
			name:      "overwrite and clear",
			policy:    ImportPolicy{OverwriteWithServerChanges: true},
			wantName:  "Renamed",
			wantCount: nil,
		},
		{
			name:      "overwrite and keep absent",
			policy:    ImportPolicy{OverwriteWithServerChanges: true, IgnoreNullValueOverwrites: true},
			wantName:  "Renamed",
			wantCount: int64(7),
		},
		{
			name:      "no overwrite",
			policy:    ImportPolicy{OverwriteWithServerChanges: false},
			wantName:  "Original",
			wantCount: int64(7),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			m := newTestManager(t)
			main := mainContext(t, m)

			if _, err := NewImporter(DefaultImportPolicy()).ImportOne(ctx, main, "Station", map[string]any{
				"code": "DMN", "name": "Original", "stop_count": 7,
			}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			if err := m.SaveMainContextAndWait(ctx); err != nil {
				t.Fatalf("save: %v", err)
			}

			temp := temporaryContext(t, m)
			record, err := NewImporter(tc.policy).ImportOne(ctx, temp, "Station", map[string]any{
				"code": "DMN", "name": "Renamed", "stop_count": nil,
			})
			if err != nil {
				t.Fatalf("import: %v", err)
			}
			if record.Values["name"] != tc.wantName {
				t.Fatalf("name: want %#v, got %#v", tc.wantName, record.Values["name"])
			}
			if record.Values["stop_count"] != tc.wantCount {
				t.Fatalf("stop_count: want %#v, got %#v", tc.wantCount, record.Values["stop_count"])
			}
		})
	}
}

func TestImportErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	main := mainContext(t, m)

	cases := []struct {
		name   string
		policy ImportPolicy
		entity string
		input  map[string]any
		target error
		field  string
	}{
		{name: "unknown entity", policy: DefaultImportPolicy(), entity: "Bus", input: map[string]any{}, target: ErrUnknownEntity},
		{name: "nil input", policy: DefaultImportPolicy(), entity: "Station", target: ErrInvalidInput},
		{name: "type mismatch", policy: DefaultImportPolicy(), entity: "Station", input: map[string]any{"code": "X", "stop_count": "many"}, target: ErrTypeMismatch, field: "stop_count"},
		{name: "missing identity", policy: DefaultImportPolicy(), entity: "Station", input: map[string]any{"name": "Nameless"}, target: ErrMissingIdentity, field: "code"},
		{name: "lookup without identity key", policy: ImportPolicy{OverwriteWithServerChanges: false}, entity: "Note", input: map[string]any{"body": "hi"}, target: ErrNoIdentityKey},
		{name: "bad relationship", policy: DefaultImportPolicy(), entity: "Station", input: map[string]any{"code": "Y", "line": 42}, target: ErrTypeMismatch, field: "line"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewImporter(tc.policy).ImportOne(ctx, main, tc.entity, tc.input)
			var importErr *ImportError
			if !errors.As(err, &importErr) {
				t.Fatalf("expected *ImportError, got %v", err)
			}
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
			if tc.field != "" && importErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, importErr.Field)
			}
		})
	}
}

func TestImportWithoutIdentityKeyAlwaysInserts(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	main := mainContext(t, m)
	importer := NewImporter(DefaultImportPolicy())

	for i := 0; i < 2; i++ {
		if _, err := importer.ImportOne(ctx, main, "Note", map[string]any{
			"body":      "same",
			"opened_at": "2024-03-01T10:00:00Z",
			"blob":      "aGVsbG8=",
		}); err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
	}
	notes, err := main.Fetch(ctx, FetchRequest{Entity: "Note"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if opened, ok := notes[0].Values["opened_at"].(time.Time); !ok || !opened.Equal(want) {
		t.Fatalf("expected parsed time, got %#v", notes[0].Values["opened_at"])
	}
	if blob, ok := notes[0].Values["blob"].([]byte); !ok || string(blob) != "hello" {
		t.Fatalf("expected decoded binary, got %#v", notes[0].Values["blob"])
	}
}

func TestImportNestedRelationships(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	main := mainContext(t, m)

	line, err := NewImporter(DefaultImportPolicy()).ImportOne(ctx, main, "TrainLine", map[string]any{
		"identifier": "BLU",
		"name":       "Blue Line",
		"stations": []any{
			map[string]any{"code": "OHR", "name": "O'Hare"},
			map[string]any{"code": "DMN", "name": "Damen"},
		},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	refs := line.Refs("stations")
	if len(refs) != 2 {
		t.Fatalf("expected 2 nested stations, got %#v", line.Values["stations"])
	}
	station, err := main.Get(ctx, "Station", refs[0])
	if err != nil {
		t.Fatalf("get nested: %v", err)
	}
	if station.Values["code"] != "OHR" {
		t.Fatalf("expected first nested station, got %#v", station.Values)
	}

	withLine, err := NewImporter(DefaultImportPolicy()).ImportOne(ctx, main, "Station", map[string]any{
		"code": "JEF",
		"line": map[string]any{"identifier": "BLU"},
	})
	if err != nil {
		t.Fatalf("import to-one: %v", err)
	}
	if ref, _ := withLine.Ref("line"); ref != line.ID {
		t.Fatalf("nested to-one must resolve the existing line, got %v", withLine.Values["line"])
	}
	if got := countOf(t, main, "TrainLine"); got != 1 {
		t.Fatalf("expected the nested import to reuse the line, got %d lines", got)
	}

	if err := m.SaveMainContextAndWait(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := len(storedRows(t, m.store, "Station")); got != 3 {
		t.Fatalf("expected 3 stored stations, got %d", got)
	}
}

func TestImportFailureLeavesNoNestedRecords(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	temp := temporaryContext(t, m)
	importer := NewImporter(DefaultImportPolicy())

	cases := []struct {
		name  string
		input map[string]any
	}{
		{name: "bad list item", input: map[string]any{
			"identifier": "RED",
			"stations":   []any{map[string]any{"code": "ST99"}, 42},
		}},
		{name: "bad nested attribute", input: map[string]any{
			"identifier": "RED",
			"stations": []any{
				map[string]any{"code": "ST98"},
				map[string]any{"code": "ST99", "stop_count": "many"},
			},
		}},
		{name: "nested without identity", input: map[string]any{
			"identifier": "RED",
			"stations":   []any{map[string]any{"code": "ST98"}, map[string]any{"name": "Nameless"}},
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := importer.ImportOne(ctx, temp, "TrainLine", tc.input); err == nil {
				t.Fatalf("expected the import to fail")
			}
			if got := countOf(t, temp, "Station"); got != 0 {
				t.Fatalf("failed import left %d stations pending", got)
			}
			if got := countOf(t, temp, "TrainLine"); got != 0 {
				t.Fatalf("failed import left %d lines pending", got)
			}
			if temp.HasChanges() {
				t.Fatalf("failed import must not leave pending changes")
			}
		})
	}

	records, err := importer.ImportMany(ctx, temp, "TrainLine", []map[string]any{
		{"identifier": "RED", "stations": []any{map[string]any{"code": "ST99"}, 42}},
		{"identifier": "GRN", "stations": []any{map[string]any{"code": "ST50"}}},
	})
	var batchErr *BatchImportError
	if !errors.As(err, &batchErr) || len(records) != 1 {
		t.Fatalf("expected one import and one failure, got %d records and %v", len(records), err)
	}
	if got := countOf(t, temp, "Station"); got != 1 {
		t.Fatalf("only the successful element's station may be pending, got %d", got)
	}
}

func TestImportWithoutOverwriteSkipsNestedInput(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	seedStations(t, m, 1)
	main := mainContext(t, m)

	record, err := NewImporter(ImportPolicy{OverwriteWithServerChanges: false}).ImportOne(ctx, main, "Station", map[string]any{
		"code": "ST00",
		"name": "Ignored",
		"line": map[string]any{"identifier": "BLU", "name": "Blue Line"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if record.Values["name"] != "Station 0" {
		t.Fatalf("existing record must be returned untouched, got %#v", record.Values["name"])
	}
	if got := countOf(t, main, "TrainLine"); got != 0 {
		t.Fatalf("nested line must not be imported for a kept record, got %d", got)
	}
	if main.HasChanges() {
		t.Fatalf("expected no pending changes")
	}

	fresh, err := NewImporter(ImportPolicy{OverwriteWithServerChanges: false}).ImportOne(ctx, main, "Station", map[string]any{
		"code": "ST77",
		"line": map[string]any{"identifier": "BLU"},
	})
	if err != nil {
		t.Fatalf("import new station: %v", err)
	}
	if ref, ok := fresh.Ref("line"); !ok || ref == "" {
		t.Fatalf("a new record still imports its nested input, got %#v", fresh.Values["line"])
	}
	if got := countOf(t, main, "TrainLine"); got != 1 {
		t.Fatalf("expected the nested line for the new station, got %d", got)
	}
}

func TestImportManyIsBestEffort(t *testing.T) {
	ctx := context.Background()
	capture := &activity.CaptureHook{}
	logger := &captureLogger{}
	m := newTestManager(t, WithActivityHooks(activity.Hooks{capture}), WithLogger(logger))
	main := mainContext(t, m)

	inputs := stationInputs(4)
	inputs[1]["stop_count"] = "lots"
	inputs[3] = map[string]any{"name": "no code"}

	records, err := m.Importer().ImportMany(ctx, main, "Station", inputs)
	var batchErr *BatchImportError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected *BatchImportError, got %v", err)
	}
	if got := batchErr.Indexes(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected failed indexes %v", got)
	}
	if !errors.Is(err, ErrTypeMismatch) || !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("batch error must expose every cause, got %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 imported records, got %d", len(records))
	}
	if records[0].Values["code"] != "ST00" || records[1].Values["code"] != "ST02" {
		t.Fatalf("records must keep input order, got %v and %v", records[0].Values["code"], records[1].Values["code"])
	}
	if got := countOf(t, main, "Station"); got != 2 {
		t.Fatalf("expected 2 stations, got %d", got)
	}

	events := capture.Events()
	if len(events) != 1 || events[0].Verb != activity.VerbRecordsImported {
		t.Fatalf("expected one import activity, got %+v", events)
	}
	if events[0].Metadata["imported"] != 2 || events[0].Metadata["failed"] != 2 {
		t.Fatalf("unexpected import metadata %#v", events[0].Metadata)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.imports) != 1 {
		t.Fatalf("expected one import log event, got %d", len(logger.imports))
	}
	if event := logger.imports[0]; event.Inputs != 4 || event.Imported != 2 || event.Failed != 2 {
		t.Fatalf("unexpected import log event %+v", event)
	}
}

func TestImporterPolicyFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Import = &ImportPolicy{IgnoreNullValueOverwrites: true}
	m := newTestManager(t, WithConfig(cfg))

	policy := m.Importer().Policy()
	if policy.OverwriteWithServerChanges || !policy.IgnoreNullValueOverwrites {
		t.Fatalf("expected configured policy, got %+v", policy)
	}
	if !m.Importer().WithPolicy(DefaultImportPolicy()).Policy().IsDefault() {
		t.Fatalf("WithPolicy must replace the policy")
	}
}
