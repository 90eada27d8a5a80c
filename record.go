package uow

import (
	"sort"

	"github.com/goliatone/go-uow/layering"
	"github.com/google/uuid"
)

// idKey carries the record id when records are decoded into structs.
const idKey = "_id"

// RecordID identifies a record across every context of a Manager. It is
// minted on insert and stays stable after the store assigns its own row id.
type RecordID string

// NewRecordID mints a transient record id.
func NewRecordID() RecordID {
	return RecordID(uuid.NewString())
}

func (id RecordID) String() string {
	return string(id)
}

// Record is a detached copy of a record as seen by one context. Mutations go
// through Context.Update.
type Record struct {
	ID     RecordID
	Entity string
	Values map[string]any
}

// Value returns the value stored under key.
func (r Record) Value(key string) any {
	return r.Values[key]
}

// Ref returns the to-one relationship id stored under key.
func (r Record) Ref(key string) (RecordID, bool) {
	id, ok := r.Values[key].(RecordID)
	return id, ok
}

// Refs returns the to-many relationship ids stored under key.
func (r Record) Refs(key string) []RecordID {
	ids, _ := r.Values[key].([]RecordID)
	return append([]RecordID(nil), ids...)
}

func (r Record) clone() Record {
	r.Values = layering.CloneValues(r.Values)
	return r
}

// recordView is the set of records of one entity visible at some layer.
type recordView map[RecordID]map[string]any

func (v recordView) records(entity string) []Record {
	ids := make([]RecordID, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, Record{ID: id, Entity: entity, Values: layering.CloneValues(v[id])})
	}
	return out
}
