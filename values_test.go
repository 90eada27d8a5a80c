package uow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCoerceAttribute(t *testing.T) {
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name  string
		kind  AttributeKind
		input any
		want  any
		fails bool
	}{
		{name: "string", kind: KindString, input: "x", want: "x"},
		{name: "json number string", kind: KindString, input: json.Number("12"), want: "12"},
		{name: "int from float", kind: KindInt, input: 3.0, want: int64(3)},
		{name: "int from string", kind: KindInt, input: " 42 ", want: int64(42)},
		{name: "int rejects fraction", kind: KindInt, input: 3.5, fails: true},
		{name: "float from int", kind: KindFloat, input: 2, want: 2.0},
		{name: "bool from string", kind: KindBool, input: "false", want: false},
		{name: "bool rejects number", kind: KindBool, input: 1, fails: true},
		{name: "time from rfc3339", kind: KindTime, input: "2024-01-02T03:04:05Z", want: when},
		{name: "time from unix", kind: KindTime, input: float64(when.Unix()), want: when},
		{name: "any passes through", kind: KindAny, input: []any{"a"}, want: nil},
		{name: "nil", kind: KindInt, input: nil, want: nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerceAttribute(Attribute{Name: "field", Kind: tc.kind}, tc.input)
			if tc.fails {
				if !errors.Is(err, ErrTypeMismatch) {
					t.Fatalf("expected ErrTypeMismatch, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("coerce: %v", err)
			}
			switch want := tc.want.(type) {
			case time.Time:
				if !got.(time.Time).Equal(want) {
					t.Fatalf("want %v, got %v", want, got)
				}
			case nil:
				if tc.input == nil && got != nil {
					t.Fatalf("want nil, got %#v", got)
				}
			default:
				if got != want {
					t.Fatalf("want %#v, got %#v", want, got)
				}
			}
		})
	}
}

func TestCoerceRelationship(t *testing.T) {
	toOne := Relationship{Name: "line", Target: "TrainLine"}
	toMany := Relationship{Name: "stations", Target: "Station", ToMany: true}

	if got, err := coerceRelationship(toOne, "abc"); err != nil || got != RecordID("abc") {
		t.Fatalf("expected record id, got %#v, %v", got, err)
	}
	if got, err := coerceRelationship(toOne, Record{ID: "r1"}); err != nil || got != RecordID("r1") {
		t.Fatalf("expected record id from record, got %#v, %v", got, err)
	}
	got, err := coerceRelationship(toMany, []any{"a", RecordID("b")})
	if err != nil {
		t.Fatalf("to-many: %v", err)
	}
	ids := got.([]RecordID)
	if len(ids) != 2 || ids[1] != "b" {
		t.Fatalf("unexpected ids %#v", ids)
	}
	if _, err := coerceRelationship(toMany, "a"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected mismatch for scalar to-many, got %v", err)
	}
}

func TestNormalizeValuesRejectsUnknownKeys(t *testing.T) {
	station, _ := transitModel(t).Entity("Station")
	if _, err := normalizeValues(station, map[string]any{"colour": "red"}); !errors.Is(err, ErrUnknownAttribute) {
		t.Fatalf("expected ErrUnknownAttribute, got %v", err)
	}
	values, err := normalizeValues(station, map[string]any{"stop_count": 2, "line": "l1"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if values["stop_count"] != int64(2) || values["line"] != RecordID("l1") {
		t.Fatalf("unexpected normalized values %#v", values)
	}
}

func TestLookupPath(t *testing.T) {
	input := map[string]any{
		"location":     map[string]any{"lat": 1.5},
		"location.lng": 2.5,
	}
	if v, ok := lookupPath(input, "location.lat"); !ok || v != 1.5 {
		t.Fatalf("expected nested lookup, got %#v", v)
	}
	if v, ok := lookupPath(input, "location.lng"); !ok || v != 2.5 {
		t.Fatalf("exact key must win, got %#v", v)
	}
	if _, ok := lookupPath(input, "location.alt"); ok {
		t.Fatalf("missing path must not resolve")
	}
}
