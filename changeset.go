package uow

import (
	"sort"

	"github.com/goliatone/go-uow/layering"
)

type entry struct {
	entity string
	values map[string]any
}

// changeSet holds inserts, per-attribute updates and deletes keyed by record
// id. A record appears in at most one of the three maps.
type changeSet struct {
	inserted map[RecordID]entry
	updated  map[RecordID]entry
	deleted  map[RecordID]string
}

func newChangeSet() *changeSet {
	return &changeSet{
		inserted: map[RecordID]entry{},
		updated:  map[RecordID]entry{},
		deleted:  map[RecordID]string{},
	}
}

func (cs *changeSet) empty() bool {
	return cs == nil || len(cs.inserted)+len(cs.updated)+len(cs.deleted) == 0
}

func (cs *changeSet) clone() *changeSet {
	out := newChangeSet()
	if cs == nil {
		return out
	}
	for id, e := range cs.inserted {
		out.inserted[id] = entry{entity: e.entity, values: layering.CloneValues(e.values)}
	}
	for id, e := range cs.updated {
		out.updated[id] = entry{entity: e.entity, values: layering.CloneValues(e.values)}
	}
	for id, entity := range cs.deleted {
		out.deleted[id] = entity
	}
	return out
}

func (cs *changeSet) insert(id RecordID, entity string, values map[string]any) {
	delete(cs.deleted, id)
	delete(cs.updated, id)
	cs.inserted[id] = entry{entity: entity, values: layering.CloneValues(values)}
}

// update folds values into a pending insert of the same id, or into the
// per-attribute update set. Updates of deleted records are ignored.
func (cs *changeSet) update(id RecordID, entity string, values map[string]any) {
	if _, gone := cs.deleted[id]; gone {
		return
	}
	if ins, ok := cs.inserted[id]; ok {
		ins.values = layering.Overlay(ins.values, values)
		cs.inserted[id] = ins
		return
	}
	upd := cs.updated[id]
	upd.entity = entity
	upd.values = layering.Overlay(upd.values, values)
	cs.updated[id] = upd
}

// remove records a delete. Deleting a record inserted in the same set drops
// the insert and leaves no trace.
func (cs *changeSet) remove(id RecordID, entity string) {
	if _, ok := cs.inserted[id]; ok {
		delete(cs.inserted, id)
		return
	}
	delete(cs.updated, id)
	cs.deleted[id] = entity
}

// merge applies a later change set from the same layer on top of cs.
func (cs *changeSet) merge(later *changeSet) {
	if later == nil {
		return
	}
	for _, id := range sortedIDs(later.inserted) {
		e := later.inserted[id]
		cs.insert(id, e.entity, e.values)
	}
	for _, id := range sortedIDs(later.updated) {
		e := later.updated[id]
		cs.update(id, e.entity, e.values)
	}
	for _, id := range sortedIDs(later.deleted) {
		cs.remove(id, later.deleted[id])
	}
}

// apply overlays the changes for entity onto view.
func (cs *changeSet) apply(entity string, view recordView) {
	if cs == nil {
		return
	}
	for id, e := range cs.inserted {
		if e.entity == entity {
			view[id] = layering.CloneValues(e.values)
		}
	}
	for id, e := range cs.updated {
		if e.entity != entity {
			continue
		}
		if current, ok := view[id]; ok {
			view[id] = layering.Overlay(current, e.values)
		}
	}
	for id, deletedEntity := range cs.deleted {
		if deletedEntity == entity {
			delete(view, id)
		}
	}
}

// lookup reports how cs affects id: the overlaid values, whether the record
// was deleted, and whether cs touches id at all.
func (cs *changeSet) lookup(id RecordID) (e entry, deleted bool, touched bool) {
	if cs == nil {
		return entry{}, false, false
	}
	if ins, ok := cs.inserted[id]; ok {
		return ins, false, true
	}
	if upd, ok := cs.updated[id]; ok {
		return upd, false, true
	}
	if entity, ok := cs.deleted[id]; ok {
		return entry{entity: entity}, true, true
	}
	return entry{}, false, false
}

// changeMark remembers how a change set held one record so a write can be
// rewound.
type changeMark struct {
	id       RecordID
	inserted *entry
	updated  *entry
	deleted  string
}

func (cs *changeSet) mark(id RecordID) changeMark {
	mark := changeMark{id: id}
	if e, ok := cs.inserted[id]; ok {
		e.values = layering.CloneValues(e.values)
		mark.inserted = &e
	}
	if e, ok := cs.updated[id]; ok {
		e.values = layering.CloneValues(e.values)
		mark.updated = &e
	}
	mark.deleted = cs.deleted[id]
	return mark
}

// rewind puts id back the way mark saw it.
func (cs *changeSet) rewind(mark changeMark) {
	delete(cs.inserted, mark.id)
	delete(cs.updated, mark.id)
	delete(cs.deleted, mark.id)
	if mark.inserted != nil {
		cs.inserted[mark.id] = *mark.inserted
	}
	if mark.updated != nil {
		cs.updated[mark.id] = *mark.updated
	}
	if mark.deleted != "" {
		cs.deleted[mark.id] = mark.deleted
	}
}

// Changes lists the record ids touched by a save, sorted within each group.
type Changes struct {
	Inserted []RecordID
	Updated  []RecordID
	Deleted  []RecordID
}

// Len reports the number of touched records.
func (c Changes) Len() int {
	return len(c.Inserted) + len(c.Updated) + len(c.Deleted)
}

// IsEmpty reports whether no record was touched.
func (c Changes) IsEmpty() bool {
	return c.Len() == 0
}

func (cs *changeSet) summary() Changes {
	if cs == nil {
		return Changes{}
	}
	return Changes{
		Inserted: sortedIDs(cs.inserted),
		Updated:  sortedIDs(cs.updated),
		Deleted:  sortedIDs(cs.deleted),
	}
}

func sortedIDs[V any](m map[RecordID]V) []RecordID {
	if len(m) == 0 {
		return nil
	}
	ids := make([]RecordID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// registry is the live object set of a context: records it has
// materialised, holding the values it last observed.
type registry map[RecordID]entry

// merge applies a saved change set to the registered records. Inserts
// register, updates apply to records already registered, deletes
// unregister.
func (r registry) merge(cs *changeSet) {
	if cs == nil {
		return
	}
	for id, e := range cs.inserted {
		r[id] = entry{entity: e.entity, values: layering.CloneValues(e.values)}
	}
	for id, e := range cs.updated {
		if current, ok := r[id]; ok {
			current.values = layering.Overlay(layering.CloneValues(current.values), e.values)
			r[id] = current
		}
	}
	for id := range cs.deleted {
		delete(r, id)
	}
}
