// Package usersink bridges unit-of-work activity events into go-users.
package usersink

import (
	"context"
	"strings"

	"github.com/goliatone/go-uow/pkg/activity"
	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
)

// rootKind is the context_kind of the save level that writes to the store.
const rootKind = "root"

// Hook writes unit-of-work activity to a go-users ActivitySink.
//
// A single save emits one event per level it passes through. By default the
// audit log only receives the level that commits to the store, failed saves
// at any level and imports. Saves that changed no record are dropped. Events
// without a context_kind are forwarded as they are.
type Hook struct {
	Sink usertypes.ActivitySink
	// SystemActor is recorded as the actor when an event carries no
	// parseable actor id, as background saves usually do.
	SystemActor uuid.UUID
	// AllLevels also forwards saves that only moved changes into a parent
	// context.
	AllLevels bool
	// MaxRecordIDs caps the record ids copied into the audit data. Zero keeps
	// them all; a negative value drops them and keeps only the counts.
	MaxRecordIDs int
}

// Notify maps the event into an ActivityRecord and forwards it to the sink.
func (h Hook) Notify(ctx context.Context, event activity.Event) error {
	if h.Sink == nil {
		return nil
	}
	normalized := activity.NormalizeEvent(event)
	if !normalized.Valid() || !h.audited(normalized) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	actor := parseUUID(normalized.ActorID)
	if actor == uuid.Nil {
		actor = h.SystemActor
	}
	return h.Sink.Log(ctx, usertypes.ActivityRecord{
		ActorID:    actor,
		UserID:     parseUUID(normalized.UserID),
		TenantID:   parseUUID(normalized.TenantID),
		Verb:       normalized.Verb,
		ObjectType: normalized.ObjectType,
		ObjectID:   normalized.ObjectID,
		Channel:    normalized.Channel,
		Data:       h.data(normalized.Metadata),
		OccurredAt: normalized.OccurredAt,
	})
}

func (h Hook) audited(event activity.Event) bool {
	if event.Verb != activity.VerbContextSaved {
		return true
	}
	if recordCount(event.Metadata) == 0 {
		return false
	}
	if h.AllLevels {
		return true
	}
	kind, ok := event.Metadata["context_kind"].(string)
	return !ok || kind == rootKind
}

// data copies metadata, trimming record_ids to MaxRecordIDs. A trimmed list
// is flagged with record_ids_omitted.
func (h Hook) data(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for key, value := range metadata {
		out[key] = value
	}
	ids, ok := out["record_ids"].([]string)
	if !ok || h.MaxRecordIDs == 0 {
		return out
	}
	keep := h.MaxRecordIDs
	if keep < 0 {
		keep = 0
	}
	if len(ids) <= keep {
		return out
	}
	if keep == 0 {
		delete(out, "record_ids")
	} else {
		out["record_ids"] = append([]string(nil), ids[:keep]...)
	}
	out["record_ids_omitted"] = len(ids) - keep
	return out
}

// recordCount sums the per-operation counts of a save event. Events built
// outside this module may carry no counts; those are treated as non-empty.
func recordCount(metadata map[string]any) int {
	total, seen := 0, false
	for _, key := range []string{"inserted", "updated", "deleted"} {
		if n, ok := metadata[key].(int); ok {
			total += n
			seen = true
		}
	}
	if !seen {
		return -1
	}
	return total
}

func parseUUID(input string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(input))
	if err != nil {
		return uuid.Nil
	}
	return id
}
