package uow

import (
	"context"
	"fmt"
)

// commit writes cs to the store in a single transaction. Inserts are created
// first without relationships so records inserted together can reference
// each other; relationships, updates and deletes follow.
func (m *Manager) commit(ctx context.Context, cs *changeSet) error {
	if cs.empty() {
		return nil
	}
	st, err := m.currentStore()
	if err != nil {
		return err
	}
	txn, err := st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	fail := func(err error) error {
		_ = txn.Rollback(ctx)
		return err
	}

	created := make(map[RecordID]string, len(cs.inserted))
	resolve := func(id RecordID) string {
		if storeID, ok := created[id]; ok {
			return storeID
		}
		return m.ids.resolveStore(id)
	}

	inserts := sortedIDs(cs.inserted)
	for _, id := range inserts {
		e := cs.inserted[id]
		et, err := m.model.entity(e.entity)
		if err != nil {
			return fail(err)
		}
		storeID, err := txn.Create(ctx, e.entity, encodeRow(et, e.values, resolve, true, false))
		if err != nil {
			return fail(fmt.Errorf("create %s %s: %w", e.entity, id, err))
		}
		created[id] = storeID
	}
	for _, id := range inserts {
		e := cs.inserted[id]
		et, _ := m.model.entity(e.entity)
		links := encodeRow(et, e.values, resolve, false, true)
		if len(links) == 0 {
			continue
		}
		if err := txn.Update(ctx, created[id], links); err != nil {
			return fail(fmt.Errorf("link %s %s: %w", e.entity, id, err))
		}
	}
	for _, id := range sortedIDs(cs.updated) {
		e := cs.updated[id]
		et, err := m.model.entity(e.entity)
		if err != nil {
			return fail(err)
		}
		if err := txn.Update(ctx, resolve(id), encodeRow(et, e.values, resolve, true, true)); err != nil {
			return fail(fmt.Errorf("update %s %s: %w", e.entity, id, err))
		}
	}
	for _, id := range sortedIDs(cs.deleted) {
		if err := txn.Delete(ctx, resolve(id)); err != nil {
			return fail(fmt.Errorf("delete %s %s: %w", cs.deleted[id], id, err))
		}
	}
	if err := txn.Commit(ctx); err != nil {
		return fail(err)
	}

	for id, storeID := range created {
		m.ids.bind(id, storeID)
	}
	for id := range cs.deleted {
		m.ids.forget(id)
	}
	return nil
}
