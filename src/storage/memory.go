package storage

import (
	"sort"
	"sync"

	"signal-hub/src/models"
)

// MemoryStore keeps subscriptions for the life of the process only.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]models.MSubscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]models.MSubscription)}
}

func (m *MemoryStore) Initialize() error { return nil }

func (m *MemoryStore) SaveSubscription(sub models.MSubscription) error {
	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteSubscription(subID string) error {
	m.mu.Lock()
	delete(m.subs, subID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteUserSubscriptions(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		if sub.UserID == userID {
			delete(m.subs, id)
		}
	}
	return nil
}

func (m *MemoryStore) LoadSubscriptions() ([]models.MSubscription, error) {
	m.mu.RLock()
	out := make([]models.MSubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
