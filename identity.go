package uow

import "sync"

// identityMap links record ids to the row ids the store assigned on commit.
// Rows the Manager never inserted use their row id as record id.
type identityMap struct {
	mu       sync.RWMutex
	toStore  map[RecordID]string
	toRecord map[string]RecordID
}

func newIdentityMap() *identityMap {
	return &identityMap{
		toStore:  map[RecordID]string{},
		toRecord: map[string]RecordID{},
	}
}

func (m *identityMap) bind(id RecordID, storeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toStore[id] = storeID
	m.toRecord[storeID] = id
}

func (m *identityMap) forget(id RecordID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if storeID, ok := m.toStore[id]; ok {
		delete(m.toRecord, storeID)
	}
	delete(m.toStore, id)
}

// storeID returns the row id for id and whether a binding exists.
func (m *identityMap) storeID(id RecordID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	storeID, ok := m.toStore[id]
	return storeID, ok
}

func (m *identityMap) resolveStore(id RecordID) string {
	if storeID, ok := m.storeID(id); ok {
		return storeID
	}
	return string(id)
}

func (m *identityMap) recordID(storeID string) RecordID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.toRecord[storeID]; ok {
		return id
	}
	return RecordID(storeID)
}

func (m *identityMap) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toStore = map[RecordID]string{}
	m.toRecord = map[string]RecordID{}
}
