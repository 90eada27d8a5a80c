package uow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goliatone/go-uow/layering"
	"github.com/goliatone/go-uow/pkg/store"
)

// Layer names the part of a context a traced value came from.
type Layer string

const (
	LayerPending    Layer = "pending"
	LayerRegistered Layer = "registered"
	LayerStaged     Layer = "staged"
	LayerStore      Layer = "store"
)

// Trace captures where one attribute of a record is set across the context
// chain. Layers are ordered from the traced context outward, so the first
// layer with Found or Deleted set decides the value for that chain unless a
// registered copy shadows it.
type Trace struct {
	Entity    string       `json:"entity"`
	ID        RecordID     `json:"id"`
	Attribute string       `json:"attribute"`
	Value     any          `json:"value,omitempty"`
	Visible   bool         `json:"visible"`
	Layers    []Provenance `json:"layers"`
}

// Provenance is one layer's contribution to a traced attribute.
type Provenance struct {
	Context ContextID   `json:"context,omitempty"`
	Name    string      `json:"name,omitempty"`
	Kind    ContextKind `json:"kind"`
	Layer   Layer       `json:"layer"`
	Value   any         `json:"value,omitempty"`
	Found   bool        `json:"found"`
	Deleted bool        `json:"deleted,omitempty"`
}

// ToJSON serialises the trace for logging or transport.
func (t Trace) ToJSON() ([]byte, error) {
	type alias Trace
	return json.Marshal(alias(t))
}

// TraceFromJSON decodes a payload produced by ToJSON. Values come back in
// their JSON form.
func TraceFromJSON(payload []byte) (Trace, error) {
	type alias Trace
	var trace alias
	if err := json.Unmarshal(payload, &trace); err != nil {
		return Trace{}, err
	}
	return Trace(trace), nil
}

// Trace reports how attr of a record resolves in c. The layers are read one
// context at a time, so a trace taken during a concurrent save may mix states.
func (c *Context) Trace(ctx context.Context, entity string, id RecordID, attr string) (Trace, error) {
	n, et, err := c.resolve(entity)
	if err != nil {
		return Trace{}, err
	}
	if !et.hasField(attr) {
		return Trace{}, fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, et.Name, attr)
	}
	trace := Trace{Entity: et.Name, ID: id, Attribute: attr}
	m := c.manager

	n.mu.Lock()
	trace.Layers = append(trace.Layers, traceChangeSet(n, LayerPending, n.pending, id, attr))
	if reg, ok := n.registered[id]; ok && reg.entity == et.Name {
		value, found := reg.values[attr]
		trace.Layers = append(trace.Layers, provenance(n, LayerRegistered, layering.Clone(value), found, false))
	} else {
		trace.Layers = append(trace.Layers, provenance(n, LayerRegistered, nil, false, false))
	}
	trace.Layers = append(trace.Layers, traceChangeSet(n, LayerStaged, n.staged, id, attr))
	n.mu.Unlock()

	for current := n; !current.isRoot(); {
		parent, err := m.parentOf(current)
		if err != nil {
			return Trace{}, err
		}
		parent.mu.Lock()
		trace.Layers = append(trace.Layers,
			traceChangeSet(parent, LayerPending, parent.pending, id, attr),
			traceChangeSet(parent, LayerStaged, parent.staged, id, attr),
		)
		parent.mu.Unlock()
		current = parent
	}

	stored, err := m.traceStore(ctx, et, id, attr)
	if err != nil {
		return Trace{}, err
	}
	trace.Layers = append(trace.Layers, stored)

	record, err := c.Get(ctx, et.Name, id)
	switch {
	case err == nil:
		trace.Visible = true
		trace.Value = record.Values[attr]
	case !errors.Is(err, ErrRecordNotFound):
		return Trace{}, err
	}
	return trace, nil
}

func traceChangeSet(n *node, layer Layer, cs *changeSet, id RecordID, attr string) Provenance {
	e, deleted, touched := cs.lookup(id)
	if !touched {
		return provenance(n, layer, nil, false, false)
	}
	if deleted {
		return provenance(n, layer, nil, false, true)
	}
	value, found := e.values[attr]
	return provenance(n, layer, layering.Clone(value), found, false)
}

func provenance(n *node, layer Layer, value any, found, deleted bool) Provenance {
	return Provenance{
		Context: n.id,
		Name:    n.name,
		Kind:    n.kind,
		Layer:   layer,
		Value:   value,
		Found:   found,
		Deleted: deleted,
	}
}

func (m *Manager) traceStore(ctx context.Context, et EntityType, id RecordID, attr string) (Provenance, error) {
	out := Provenance{Kind: KindRoot, Layer: LayerStore}
	st, err := m.currentStore()
	if err != nil {
		return out, err
	}
	storeID := m.ids.resolveStore(id)
	rows, err := st.Fetch(ctx, store.Query{
		Entity: et.Name,
		Filter: func(row store.Row) (bool, error) { return row.ID == storeID, nil },
		Limit:  1,
	})
	if err != nil {
		return out, err
	}
	if len(rows) == 0 {
		return out, nil
	}
	values := m.decodeRow(et, rows[0].Values)
	out.Value, out.Found = values[attr]
	return out, nil
}
