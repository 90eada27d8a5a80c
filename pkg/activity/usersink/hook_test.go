package usersink_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-uow"
	"github.com/goliatone/go-uow/pkg/activity"
	"github.com/goliatone/go-uow/pkg/activity/usersink"
	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
)

type recordingSink struct {
	records []usertypes.ActivityRecord
	err     error
}

func (s *recordingSink) Log(_ context.Context, record usertypes.ActivityRecord) error {
	s.records = append(s.records, record)
	return s.err
}

func TestHookNotifyMapsSaveEvent(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	actorID := uuid.New()
	userID := uuid.New()
	tenantID := uuid.New()

	event := activity.BuildContextSavedEvent(activity.SaveEventInput{
		Actor: activity.Actor{
			ActorID:  actorID.String(),
			UserID:   userID.String(),
			TenantID: tenantID.String(),
		},
		ContextID:   "ctx-1",
		ContextKind: "root",
		Inserted:    []string{"r1"},
		Channel:     "uow",
		OccurredAt:  now,
	})

	if err := hook.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.records))
	}
	record := sink.records[0]
	if record.ActorID != actorID || record.UserID != userID || record.TenantID != tenantID {
		t.Fatalf("unexpected identities: %+v", record)
	}
	if record.Verb != activity.VerbContextSaved || record.ObjectType != activity.ObjectTypeContext || record.ObjectID != "ctx-1" {
		t.Fatalf("unexpected record payload: %+v", record)
	}
	if record.Channel != "uow" {
		t.Fatalf("expected channel uow got %q", record.Channel)
	}
	if !record.OccurredAt.Equal(now) {
		t.Fatalf("expected occurred_at %v got %v", now, record.OccurredAt)
	}
	if record.Data["inserted"] != 1 {
		t.Fatalf("expected metadata passthrough got %v", record.Data)
	}
}

func TestHookNotifyFallsBackToSystemActor(t *testing.T) {
	sink := &recordingSink{}
	system := uuid.New()
	hook := usersink.Hook{Sink: sink, SystemActor: system}

	err := hook.Notify(context.Background(), activity.Event{
		Verb:       activity.VerbRecordsImported,
		ActorID:    "not-a-uuid",
		ObjectType: activity.ObjectTypeEntity,
		ObjectID:   "Station",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sink.records[0].ActorID != system {
		t.Fatalf("expected system actor, got %s", sink.records[0].ActorID)
	}
	if sink.records[0].OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be defaulted")
	}
}

func TestHookNotifySkipsInvalidEvents(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	_ = hook.Notify(context.Background(), activity.Event{})

	if len(sink.records) != 0 {
		t.Fatalf("expected no records for empty event, got %d", len(sink.records))
	}
}

func TestHookNotifyReturnsSinkError(t *testing.T) {
	boom := errors.New("sink down")
	hook := usersink.Hook{Sink: &recordingSink{err: boom}}

	err := hook.Notify(context.Background(), activity.Event{
		Verb:       activity.VerbContextSaved,
		ObjectType: activity.ObjectTypeContext,
		ObjectID:   "ctx",
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
}

func TestHookAuditsStoreCommitsOnly(t *testing.T) {
	saved := func(kind string, ids ...string) activity.Event {
		return activity.BuildContextSavedEvent(activity.SaveEventInput{
			ContextID:   kind + "-ctx",
			ContextKind: kind,
			Inserted:    ids,
		})
	}
	failed := activity.BuildContextSaveFailedEvent(activity.SaveEventInput{
		ContextID:   "temp-ctx",
		ContextKind: "temporary",
		Err:         errors.New("validation failed"),
	})
	events := []activity.Event{
		saved("temporary", "Station/1"),
		saved("main", "Station/1"),
		saved("root", "Station/1"),
		saved("root"),
		failed,
	}

	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}
	for _, event := range events {
		if err := hook.Notify(context.Background(), event); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if len(sink.records) != 2 {
		t.Fatalf("expected the commit and the failure, got %d records", len(sink.records))
	}
	if sink.records[0].ObjectID != "root-ctx" || sink.records[0].Verb != activity.VerbContextSaved {
		t.Fatalf("unexpected commit record: %+v", sink.records[0])
	}
	if sink.records[1].Verb != activity.VerbContextSaveFailed || sink.records[1].Data["error"] != "validation failed" {
		t.Fatalf("unexpected failure record: %+v", sink.records[1])
	}

	sink = &recordingSink{}
	hook = usersink.Hook{Sink: sink, AllLevels: true}
	for _, event := range events {
		_ = hook.Notify(context.Background(), event)
	}
	if len(sink.records) != 4 {
		t.Fatalf("expected every non-empty level, got %d records", len(sink.records))
	}
}

func TestHookCapsRecordIDs(t *testing.T) {
	event := activity.BuildRecordsImportedEvent(activity.ImportEventInput{
		Entity:    "Station",
		RecordIDs: []string{"Station/1", "Station/2", "Station/3"},
	})

	cases := []struct {
		name    string
		max     int
		ids     any
		omitted any
	}{
		{name: "unlimited", max: 0, ids: []string{"Station/1", "Station/2", "Station/3"}},
		{name: "trimmed", max: 2, ids: []string{"Station/1", "Station/2"}, omitted: 1},
		{name: "within cap", max: 5, ids: []string{"Station/1", "Station/2", "Station/3"}},
		{name: "counts only", max: -1, omitted: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			hook := usersink.Hook{Sink: sink, MaxRecordIDs: tc.max}
			if err := hook.Notify(context.Background(), event); err != nil {
				t.Fatalf("notify: %v", err)
			}
			data := sink.records[0].Data
			if got, _ := data["record_ids"].([]string); !equalIDs(got, tc.ids) {
				t.Fatalf("expected record_ids %v, got %v", tc.ids, data["record_ids"])
			}
			if data["record_ids_omitted"] != tc.omitted {
				t.Fatalf("expected record_ids_omitted %v, got %v", tc.omitted, data["record_ids_omitted"])
			}
			if data["imported"] != 3 {
				t.Fatalf("expected the import count to survive, got %v", data["imported"])
			}
		})
	}
	if ids := event.Metadata["record_ids"].([]string); len(ids) != 3 {
		t.Fatalf("expected the event metadata to be left alone, got %v", ids)
	}
}

func TestHookWithManagerRecordsImportAndCommit(t *testing.T) {
	model, err := uow.NewModel(uow.EntityType{
		Name: "TrainLine",
		Attributes: []uow.Attribute{
			{Name: "identifier", Kind: uow.KindString},
			{Name: "name", Kind: uow.KindString},
		},
		IdentityKeys: []string{"identifier"},
	})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	sink := &recordingSink{}
	manager, err := uow.NewManager(model,
		uow.WithActivityHooks(activity.Hooks{usersink.Hook{Sink: sink}}),
		uow.WithConfig(uow.Config{ActivityChannel: "transit"}),
	)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer manager.Close()

	ctx := context.Background()
	temp, err := manager.TemporaryContext()
	if err != nil {
		t.Fatalf("temporary context: %v", err)
	}
	if _, err := manager.Importer().ImportOne(ctx, temp, "TrainLine", map[string]any{
		"identifier": "SLV",
		"name":       "Silver Line",
	}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := manager.SaveAndMergeWait(ctx, temp); err != nil {
		t.Fatalf("save: %v", err)
	}

	var verbs []string
	for _, record := range sink.records {
		verbs = append(verbs, record.Verb)
		if record.Channel != "transit" {
			t.Fatalf("expected channel transit, got %q", record.Channel)
		}
	}
	if len(verbs) != 2 || verbs[0] != activity.VerbRecordsImported || verbs[1] != activity.VerbContextSaved {
		t.Fatalf("expected import then commit, got %v", verbs)
	}
	if sink.records[1].Data["context_kind"] != "root" || sink.records[1].Data["inserted"] != 1 {
		t.Fatalf("unexpected commit data: %v", sink.records[1].Data)
	}
}

func equalIDs(got []string, want any) bool {
	expected, _ := want.([]string)
	if len(got) != len(expected) {
		return false
	}
	for i := range got {
		if got[i] != expected[i] {
			return false
		}
	}
	return true
}
