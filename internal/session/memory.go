package session

import (
	"sync"
	"time"
)

type memKey struct {
	userID  int64
	topicID int64
}

// MemoryStore is an in-process Store used by tests and by the router's
// own unit tests, where a sqlite file would be unnecessary overhead.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memKey]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memKey]*Record)}
}

func (m *MemoryStore) Get(userID, topicID int64) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey{userID, topicID}]
	if !ok {
		return nil, false, nil
	}
	copied := *rec
	return &copied, true, nil
}

func (m *MemoryStore) Upsert(userID, topicID int64, sessionID, workspacePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	key := memKey{userID, topicID}
	rec, exists := m.records[key]
	if !exists {
		rec = &Record{UserID: userID, TopicID: topicID, CreatedAt: now}
	}
	rec.SessionID = sessionID
	rec.WorkspacePath = workspacePath
	rec.Model = "auto"
	rec.UpdatedAt = now
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) SetModel(userID, topicID int64, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[memKey{userID, topicID}]; ok {
		rec.Model = model
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) GetModel(userID, topicID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[memKey{userID, topicID}]; ok {
		return rec.Model, nil
	}
	return "auto", nil
}

func (m *MemoryStore) Delete(userID, topicID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, memKey{userID, topicID})
	return nil
}

func (m *MemoryStore) Close() error { return nil }
