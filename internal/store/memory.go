package store

import (
	"context"
	"sync"
	"time"

	"promorelay/pkg/models"
)

// MemoryStore keeps records in process. It backs tests and single-node
// deployments that do not need durability.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[models.MessageKey]*models.PersistedMessage
	byID  map[string]models.MessageKey
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[models.MessageKey]*models.PersistedMessage),
		byID:  make(map[string]models.MessageKey),
		now:   time.Now,
	}
}

func (s *MemoryStore) FindByKey(_ context.Context, channel, messageID string) (*models.PersistedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byKey[models.MessageKey{Channel: channel, MessageID: messageID}]
	if !ok {
		return nil, notFound("key", channel+"/"+messageID)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Insert(_ context.Context, msg *models.PersistedMessage) (*models.PersistedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := msg.Key()
	if _, exists := s.byKey[key]; exists {
		return nil, duplicateKey(key.Channel, key.MessageID, nil)
	}

	rec := prepare(msg, s.now())
	if _, exists := s.byID[rec.ID]; exists {
		return nil, duplicateKey(key.Channel, key.MessageID, nil)
	}

	s.byKey[key] = &rec
	s.byID[rec.ID] = key

	cp := rec
	return &cp, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byID[id]
	if !ok {
		return notFound("id", id)
	}
	rec := s.byKey[key]
	if rec.Delivered {
		return nil
	}
	rec.Delivered = true
	rec.DeliveredAt = &at
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}
