package activity

import (
	"strings"
	"time"
)

const (
	VerbContextSaved      = "uow.context.saved"
	VerbContextSaveFailed = "uow.context.save_failed"
	VerbRecordsImported   = "uow.records.imported"

	ObjectTypeContext = "uow.context"
	ObjectTypeEntity  = "uow.entity"
)

// Actor identifies who triggered an event.
type Actor struct {
	ActorID  string
	UserID   string
	TenantID string
}

// SaveEventInput describes one completed or failed save level.
type SaveEventInput struct {
	Actor
	ContextID   string
	ContextName string
	ContextKind string
	Level       int
	Inserted    []string
	Updated     []string
	Deleted     []string
	Err         error
	Channel     string
	Metadata    map[string]any
	OccurredAt  time.Time
}

// ImportEventInput describes an import call.
type ImportEventInput struct {
	Actor
	ContextID  string
	Entity     string
	RecordIDs  []string
	Failed     int
	Channel    string
	Metadata   map[string]any
	OccurredAt time.Time
}

// BuildContextSavedEvent builds the event for a save level that completed.
func BuildContextSavedEvent(input SaveEventInput) Event {
	return buildSaveEvent(VerbContextSaved, input)
}

// BuildContextSaveFailedEvent builds the event for a save level that failed.
func BuildContextSaveFailedEvent(input SaveEventInput) Event {
	return buildSaveEvent(VerbContextSaveFailed, input)
}

func buildSaveEvent(verb string, input SaveEventInput) Event {
	metadata := ensureMetadata(cloneMap(input.Metadata))
	metadata["level"] = input.Level
	if input.ContextName != "" {
		metadata["context_name"] = input.ContextName
	}
	if input.ContextKind != "" {
		metadata["context_kind"] = input.ContextKind
	}
	metadata["inserted"] = len(input.Inserted)
	metadata["updated"] = len(input.Updated)
	metadata["deleted"] = len(input.Deleted)
	if ids := joinIDs(input.Inserted, input.Updated, input.Deleted); len(ids) > 0 {
		metadata["record_ids"] = ids
	}
	if input.Err != nil {
		metadata["error"] = input.Err.Error()
	}
	return buildEvent(verb, ObjectTypeContext, input.ContextID, input.Actor, input.Channel, metadata, input.OccurredAt)
}

// BuildRecordsImportedEvent builds the event for an import call.
func BuildRecordsImportedEvent(input ImportEventInput) Event {
	metadata := ensureMetadata(cloneMap(input.Metadata))
	metadata["imported"] = len(input.RecordIDs)
	metadata["failed"] = input.Failed
	if input.ContextID != "" {
		metadata["context_id"] = input.ContextID
	}
	if len(input.RecordIDs) > 0 {
		metadata["record_ids"] = append([]string(nil), input.RecordIDs...)
	}
	return buildEvent(VerbRecordsImported, ObjectTypeEntity, input.Entity, input.Actor, input.Channel, metadata, input.OccurredAt)
}

func buildEvent(verb, objectType, objectID string, actor Actor, channel string, metadata map[string]any, at time.Time) Event {
	objectID = strings.TrimSpace(objectID)
	if objectID == "" {
		objectID = objectType
	}
	return Event{
		Verb:       verb,
		ActorID:    strings.TrimSpace(actor.ActorID),
		UserID:     strings.TrimSpace(actor.UserID),
		TenantID:   strings.TrimSpace(actor.TenantID),
		ObjectType: objectType,
		ObjectID:   objectID,
		Channel:    strings.TrimSpace(channel),
		Metadata:   metadata,
		OccurredAt: at,
	}
}

func joinIDs(groups ...[]string) []string {
	var out []string
	for _, group := range groups {
		out = append(out, group...)
	}
	return out
}

func ensureMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}
