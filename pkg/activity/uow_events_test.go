package activity

import (
	"errors"
	"testing"
)

func TestBuildContextSavedEventCarriesCounts(t *testing.T) {
	event := BuildContextSavedEvent(SaveEventInput{
		Actor:       Actor{ActorID: " actor "},
		ContextID:   "ctx-7",
		ContextName: "import",
		ContextKind: "temporary",
		Level:       1,
		Inserted:    []string{"a", "b"},
		Deleted:     []string{"c"},
		Metadata:    map[string]any{"source": "sync"},
	})

	if event.Verb != VerbContextSaved || event.ObjectType != ObjectTypeContext || event.ObjectID != "ctx-7" {
		t.Fatalf("unexpected event identity: %+v", event)
	}
	if event.ActorID != "actor" {
		t.Fatalf("expected trimmed actor, got %q", event.ActorID)
	}
	meta := event.Metadata
	if meta["inserted"] != 2 || meta["updated"] != 0 || meta["deleted"] != 1 || meta["level"] != 1 {
		t.Fatalf("unexpected counts: %+v", meta)
	}
	if meta["context_kind"] != "temporary" || meta["context_name"] != "import" || meta["source"] != "sync" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	ids, ok := meta["record_ids"].([]string)
	if !ok || len(ids) != 3 {
		t.Fatalf("expected record ids, got %v", meta["record_ids"])
	}
	if _, hasErr := meta["error"]; hasErr {
		t.Fatalf("unexpected error metadata: %+v", meta)
	}
}

func TestBuildContextSaveFailedEventRecordsError(t *testing.T) {
	event := BuildContextSaveFailedEvent(SaveEventInput{ContextID: "root", Err: errors.New("disk full")})

	if event.Verb != VerbContextSaveFailed {
		t.Fatalf("expected failed verb, got %s", event.Verb)
	}
	if event.Metadata["error"] != "disk full" {
		t.Fatalf("expected error metadata, got %v", event.Metadata["error"])
	}
}

func TestBuildRecordsImportedEventDefaultsObjectID(t *testing.T) {
	event := BuildRecordsImportedEvent(ImportEventInput{RecordIDs: []string{"r1"}, Failed: 2})

	if event.ObjectID != ObjectTypeEntity {
		t.Fatalf("expected object id fallback, got %q", event.ObjectID)
	}
	if event.Metadata["imported"] != 1 || event.Metadata["failed"] != 2 {
		t.Fatalf("unexpected counts: %+v", event.Metadata)
	}

	named := BuildRecordsImportedEvent(ImportEventInput{Entity: "Station", ContextID: "ctx"})
	if named.ObjectID != "Station" || named.Metadata["context_id"] != "ctx" {
		t.Fatalf("unexpected event: %+v", named)
	}
}
