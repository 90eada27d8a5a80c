package uow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-uow/pkg/activity"
	"github.com/goliatone/go-uow/pkg/store"
)

// Importer maps dictionary-shaped input onto records. It holds its own
// ImportPolicy; there is no process-wide policy.
//
// An import looks up existing records and then writes, so concurrent imports
// into the same context should be serialised with Context.Perform to avoid
// duplicate inserts.
type Importer struct {
	policy ImportPolicy
}

// NewImporter returns an importer using policy.
func NewImporter(policy ImportPolicy) *Importer {
	return &Importer{policy: policy}
}

// Importer returns an importer using the manager's configured policy.
func (m *Manager) Importer() *Importer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewImporter(m.cfg.config.ImportPolicy())
}

// Policy returns the importer's policy.
func (i *Importer) Policy() ImportPolicy {
	return i.policy
}

// WithPolicy returns a copy of the importer using policy.
func (i *Importer) WithPolicy(policy ImportPolicy) *Importer {
	return &Importer{policy: policy}
}

// ImportOne creates or updates one record of entity in c from input.
//
// An existing record is looked up by the entity's identity keys among the
// records c sees, pending ones included. Declared fields present in input
// are applied; absent or null fields are cleared unless the policy ignores
// null overwrites of existing records. With OverwriteWithServerChanges off an
// existing record is returned untouched and its nested input is skipped.
// Nested maps under relationships are imported as records of the target
// entity, lists of maps for to-many relationships. A failed import leaves
// c's pending changes as they were.
func (i *Importer) ImportOne(ctx context.Context, c *Context, entity string, input map[string]any) (Record, error) {
	start := time.Now()
	record, err := i.importOne(ctx, c, entity, input)
	var ids []RecordID
	failed := 0
	if err == nil {
		ids = []RecordID{record.ID}
	} else {
		failed = 1
	}
	i.report(ctx, c, entity, 1, ids, failed, start, err)
	return record, err
}

// ImportMany imports inputs in order. Failed inputs are skipped: the records
// that did import are returned together with a *BatchImportError keyed by
// input index.
func (i *Importer) ImportMany(ctx context.Context, c *Context, entity string, inputs []map[string]any) ([]Record, error) {
	start := time.Now()
	records := make([]Record, 0, len(inputs))
	var batchErr *BatchImportError
	for index, input := range inputs {
		record, err := i.importOne(ctx, c, entity, input)
		if err != nil {
			if batchErr == nil {
				batchErr = &BatchImportError{Entity: entity, Failures: map[int]error{}}
			}
			batchErr.Failures[index] = err
			continue
		}
		records = append(records, record)
	}

	ids := make([]RecordID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	failed := 0
	var err error
	if batchErr != nil {
		failed = len(batchErr.Failures)
		err = batchErr
	}
	i.report(ctx, c, entity, len(inputs), ids, failed, start, err)
	return records, err
}

// importPlan is an input that has been read and coerced against the model
// without touching any context.
type importPlan struct {
	entity  EntityType
	values  map[string]any
	present map[string]struct{}
	nested  []nestedImport
}

// nestedImport is a relationship whose input carries records to import.
type nestedImport struct {
	rel   Relationship
	items []nestedItem
}

type nestedItem struct {
	id   RecordID
	plan *importPlan
}

// importOne imports input as a unit: the whole tree is read and validated
// first, and if a write still fails every pending change it made in c is
// rewound.
func (i *Importer) importOne(ctx context.Context, c *Context, entity string, input map[string]any) (Record, error) {
	if c == nil || c.manager == nil {
		return Record{}, wrapImportError(entity, "", fmt.Errorf("%w: context is nil", ErrInvalidInput))
	}
	plan, err := i.plan(c.manager.model, entity, input)
	if err != nil {
		return Record{}, err
	}
	var marks []changeMark
	record, err := i.apply(ctx, c, plan, &marks)
	if err != nil {
		c.rewindPending(marks)
		return Record{}, err
	}
	return record, nil
}

func (i *Importer) plan(model *Model, entity string, input map[string]any) (*importPlan, error) {
	et, err := model.entity(entity)
	if err != nil {
		return nil, wrapImportError(entity, "", err)
	}
	if input == nil {
		return nil, wrapImportError(entity, "", fmt.Errorf("%w: input is nil", ErrInvalidInput))
	}
	plan := &importPlan{entity: et, values: map[string]any{}, present: map[string]struct{}{}}

	for _, attr := range et.Attributes {
		raw, ok := lookupPath(input, attr.ImportKey())
		if !ok || raw == nil {
			continue
		}
		value, err := coerceAttribute(attr, raw)
		if err != nil {
			return nil, wrapImportError(et.Name, attr.Name, err)
		}
		plan.values[attr.Name] = value
		plan.present[attr.Name] = struct{}{}
	}
	if err := i.checkIdentity(et, plan.values); err != nil {
		return nil, err
	}

	for _, rel := range et.Relationships {
		raw, ok := lookupPath(input, rel.ImportKey())
		if !ok || raw == nil {
			continue
		}
		nested, value, err := i.planRelationship(model, rel, raw)
		if err != nil {
			return nil, wrapImportError(et.Name, rel.Name, err)
		}
		if nested != nil {
			plan.nested = append(plan.nested, *nested)
		} else {
			plan.values[rel.Name] = value
		}
		plan.present[rel.Name] = struct{}{}
	}
	return plan, nil
}

// planRelationship returns either a nested import, when raw holds records to
// import, or the coerced reference value.
func (i *Importer) planRelationship(model *Model, rel Relationship, raw any) (*nestedImport, any, error) {
	if !rel.ToMany {
		if input, ok := raw.(map[string]any); ok {
			plan, err := i.plan(model, rel.Target, input)
			if err != nil {
				return nil, nil, err
			}
			return &nestedImport{rel: rel, items: []nestedItem{{plan: plan}}}, nil, nil
		}
		value, err := coerceRelationship(rel, raw)
		return nil, value, err
	}

	list, ok := raw.([]any)
	if !ok {
		maps, isMaps := raw.([]map[string]any)
		if !isMaps {
			value, err := coerceRelationship(rel, raw)
			return nil, value, err
		}
		list = make([]any, 0, len(maps))
		for _, item := range maps {
			list = append(list, item)
		}
	}
	items := make([]nestedItem, 0, len(list))
	hasPlans := false
	for index, item := range list {
		if input, ok := item.(map[string]any); ok {
			plan, err := i.plan(model, rel.Target, input)
			if err != nil {
				return nil, nil, fmt.Errorf("item %d: %w", index, err)
			}
			items = append(items, nestedItem{plan: plan})
			hasPlans = true
			continue
		}
		id, ok := asRecordID(item)
		if !ok {
			return nil, nil, fmt.Errorf("%w: item %d of %s is %T", ErrTypeMismatch, index, rel.Name, item)
		}
		items = append(items, nestedItem{id: id})
	}
	if !hasPlans {
		ids := make([]RecordID, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.id)
		}
		return nil, ids, nil
	}
	return &nestedImport{rel: rel, items: items}, nil, nil
}

// apply writes plan into c. An existing record that the policy does not
// overwrite is returned before any nested input is imported.
func (i *Importer) apply(ctx context.Context, c *Context, plan *importPlan, marks *[]changeMark) (Record, error) {
	et := plan.entity
	existing, found, err := i.findExisting(ctx, c, et, plan.values)
	if err != nil {
		return Record{}, err
	}
	if found && !i.policy.OverwriteWithServerChanges {
		return existing, nil
	}

	values := make(map[string]any, len(plan.values)+len(plan.nested))
	for field, value := range plan.values {
		values[field] = value
	}
	for _, nested := range plan.nested {
		ids := make([]RecordID, 0, len(nested.items))
		for index, item := range nested.items {
			if item.plan == nil {
				ids = append(ids, item.id)
				continue
			}
			record, err := i.apply(ctx, c, item.plan, marks)
			if err != nil {
				if nested.rel.ToMany {
					err = fmt.Errorf("item %d: %w", index, err)
				}
				return Record{}, wrapImportError(et.Name, nested.rel.Name, err)
			}
			ids = append(ids, record.ID)
		}
		if nested.rel.ToMany {
			values[nested.rel.Name] = ids
		} else {
			values[nested.rel.Name] = ids[0]
		}
	}

	if !found {
		fresh := make(map[string]any, len(et.Attributes)+len(et.Relationships))
		for _, field := range et.Fields() {
			fresh[field] = values[field]
		}
		record, err := c.Insert(et.Name, fresh)
		if err != nil {
			return Record{}, wrapImportError(et.Name, "", err)
		}
		*marks = append(*marks, changeMark{id: record.ID})
		return record, nil
	}

	changes := make(map[string]any, len(values))
	for _, field := range et.Fields() {
		if _, ok := plan.present[field]; !ok && i.policy.IgnoreNullValueOverwrites {
			continue
		}
		changes[field] = values[field]
	}
	if len(changes) == 0 {
		return existing, nil
	}
	mark, err := c.markPending(existing.ID)
	if err != nil {
		return Record{}, wrapImportError(et.Name, "", err)
	}
	record, err := c.Update(ctx, et.Name, existing.ID, changes)
	if err != nil {
		return Record{}, wrapImportError(et.Name, "", err)
	}
	*marks = append(*marks, mark)
	return record, nil
}

// checkIdentity fails when the record cannot be looked up. A lookup is
// required whenever the policy is not the default; without identity keys
// that is an error.
func (i *Importer) checkIdentity(et EntityType, values map[string]any) error {
	if len(et.IdentityKeys) == 0 {
		if i.policy.IsDefault() {
			return nil
		}
		return wrapImportError(et.Name, "", ErrNoIdentityKey)
	}
	for _, key := range et.IdentityKeys {
		if values[key] == nil {
			return wrapImportError(et.Name, key, ErrMissingIdentity)
		}
	}
	return nil
}

// findExisting looks the record up by its identity attributes.
func (i *Importer) findExisting(ctx context.Context, c *Context, et EntityType, values map[string]any) (Record, bool, error) {
	if len(et.IdentityKeys) == 0 {
		return Record{}, false, nil
	}
	record, err := c.First(ctx, FetchRequest{
		Entity: et.Name,
		Predicate: MatchFunc(func(r Record) (bool, error) {
			for _, key := range et.IdentityKeys {
				if r.Values[key] == nil || store.CompareValues(r.Values[key], values[key]) != 0 {
					return false, nil
				}
			}
			return true, nil
		}),
	})
	if errors.Is(err, ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, wrapImportError(et.Name, "", err)
	}
	return record, true, nil
}

func (i *Importer) report(ctx context.Context, c *Context, entity string, inputs int, ids []RecordID, failed int, start time.Time, err error) {
	if c == nil || c.manager == nil {
		return
	}
	m := c.manager
	m.logger.LogImport(ImportLogEvent{
		Context:  c.name,
		Entity:   entity,
		Inputs:   inputs,
		Imported: len(ids),
		Failed:   failed,
		Duration: time.Since(start),
		Err:      err,
	})
	if len(ids) == 0 || !m.emitter.Enabled() {
		return
	}
	_ = m.emitter.Emit(ctx, activity.BuildRecordsImportedEvent(activity.ImportEventInput{
		ContextID: string(c.id),
		Entity:    entity,
		RecordIDs: idStrings(ids),
		Failed:    failed,
	}))
}

// lookupPath resolves a dotted key through nested maps. An exact key match
// wins over a path.
func lookupPath(input map[string]any, key string) (any, bool) {
	if value, ok := input[key]; ok {
		return value, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	current := any(input)
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
