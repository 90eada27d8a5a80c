package uow

import (
	"context"

	"github.com/goliatone/go-uow/layering"
	"github.com/goliatone/go-uow/pkg/store"
)

// Reads are layered from the store upward. For a node N:
//
//	base(N)    = export(parent) + N.staged      (store + N.staged for the root)
//	export(N)  = base(N) + N.pending            what children of N read
//	visible(N) = base(N) + N.pending                 (every context but main)
//	visible(M) = base(M) with M.registered winning, + M.pending   (main)
//
// Every view function expects n.mu to be held and takes parent locks itself.

func (m *Manager) storeView(ctx context.Context, entity EntityType) (recordView, error) {
	st, err := m.currentStore()
	if err != nil {
		return nil, err
	}
	rows, err := st.Fetch(ctx, store.Query{Entity: entity.Name})
	if err != nil {
		return nil, err
	}
	view := make(recordView, len(rows))
	for _, row := range rows {
		view[m.ids.recordID(row.ID)] = m.decodeRow(entity, row.Values)
	}
	return view, nil
}

// decodeRow maps stored values back onto the model: attribute values are
// coerced to their kinds and relationship row ids become record ids. Keys
// outside the model are dropped.
func (m *Manager) decodeRow(entity EntityType, values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for _, attr := range entity.Attributes {
		raw, ok := values[attr.Name]
		if !ok {
			continue
		}
		coerced, err := coerceAttribute(attr, raw)
		if err != nil {
			coerced = layering.Clone(raw)
		}
		out[attr.Name] = coerced
	}
	for _, rel := range entity.Relationships {
		raw, ok := values[rel.Name]
		if !ok {
			continue
		}
		coerced, err := coerceRelationship(rel, raw)
		if err != nil {
			continue
		}
		switch v := coerced.(type) {
		case RecordID:
			out[rel.Name] = m.ids.recordID(string(v))
		case []RecordID:
			ids := make([]RecordID, 0, len(v))
			for _, id := range v {
				ids = append(ids, m.ids.recordID(string(id)))
			}
			out[rel.Name] = ids
		default:
			out[rel.Name] = nil
		}
	}
	return out
}

// encodeRow prepares values for the store. Relationship record ids are
// translated with resolve. With relationships false only attributes are
// returned, and with attributes false only relationships.
func encodeRow(entity EntityType, values map[string]any, resolve func(RecordID) string, attributes, relationships bool) map[string]any {
	out := map[string]any{}
	for key, value := range values {
		if _, ok := entity.Attribute(key); ok {
			if attributes {
				out[key] = layering.Clone(value)
			}
			continue
		}
		if !relationships {
			continue
		}
		switch v := value.(type) {
		case RecordID:
			out[key] = resolve(v)
		case []RecordID:
			ids := make([]string, 0, len(v))
			for _, id := range v {
				ids = append(ids, resolve(id))
			}
			out[key] = ids
		default:
			out[key] = nil
		}
	}
	return out
}

func (m *Manager) baseView(ctx context.Context, n *node, entity EntityType) (recordView, error) {
	var (
		view recordView
		err  error
	)
	if n.isRoot() {
		view, err = m.storeView(ctx, entity)
	} else {
		var parent *node
		parent, err = m.parentOf(n)
		if err == nil {
			parent.mu.Lock()
			view, err = m.exportView(ctx, parent, entity)
			parent.mu.Unlock()
		}
	}
	if err != nil {
		return nil, err
	}
	n.staged.apply(entity.Name, view)
	return view, nil
}

func (m *Manager) exportView(ctx context.Context, n *node, entity EntityType) (recordView, error) {
	view, err := m.baseView(ctx, n, entity)
	if err != nil {
		return nil, err
	}
	n.pending.apply(entity.Name, view)
	return view, nil
}

// visibleView is what n itself reads. Contexts other than main read their
// parent live. The main context registers records it sees for the first
// time and keeps the values it last observed, until a merge, its own save
// or Refresh updates them.
func (m *Manager) visibleView(ctx context.Context, n *node, entity EntityType) (recordView, error) {
	base, err := m.baseView(ctx, n, entity)
	if err != nil {
		return nil, err
	}
	if !n.tracksRegistered() {
		n.pending.apply(entity.Name, base)
		return base, nil
	}
	view := make(recordView, len(base))
	for id, values := range base {
		if reg, ok := n.registered[id]; ok && reg.entity == entity.Name {
			view[id] = layering.CloneValues(reg.values)
			continue
		}
		n.registered[id] = entry{entity: entity.Name, values: layering.CloneValues(values)}
		view[id] = values
	}
	for id, reg := range n.registered {
		if reg.entity != entity.Name {
			continue
		}
		if _, ok := view[id]; !ok {
			view[id] = layering.CloneValues(reg.values)
		}
	}
	n.pending.apply(entity.Name, view)
	return view, nil
}
