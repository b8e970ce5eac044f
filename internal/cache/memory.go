package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is the in-process Store implementation. It backs tests and
// single-node deployments; the worker fleet uses the Redis store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	locks   *keyLocks

	// now is swappable so expiry can be tested without sleeping.
	now func() time.Time
}

type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		locks:   newKeyLocks(),
		now:     time.Now,
	}
}

func (s *MemoryStore) GetOrCompute(ctx context.Context, dataType, tenantID, resourceID string, tier Tier, compute ComputeFn) (json.RawMessage, bool, error) {
	key := Key(dataType, tenantID, resourceID)

	release := s.locks.acquire(key)
	defer release()

	if value, ok := s.lookup(key); ok {
		return value, true, nil
	}

	value, err := compute(ctx)
	if err != nil {
		// Never cache a failed computation; the next call retries it.
		return nil, false, err
	}

	s.store(key, value, tier)
	return value, false, nil
}

func (s *MemoryStore) Get(_ context.Context, dataType, tenantID, resourceID string) (json.RawMessage, error) {
	if value, ok := s.lookup(Key(dataType, tenantID, resourceID)); ok {
		return value, nil
	}
	return nil, ErrMiss
}

func (s *MemoryStore) Put(_ context.Context, dataType, tenantID, resourceID string, value json.RawMessage, tier Tier) error {
	s.store(Key(dataType, tenantID, resourceID), value, tier)
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, dataType, tenantID, resourceID string) error {
	s.mu.Lock()
	delete(s.entries, Key(dataType, tenantID, resourceID))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) lookup(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (s *MemoryStore) store(key string, value json.RawMessage, tier Tier) {
	s.mu.Lock()
	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(tier.TTL())}
	s.mu.Unlock()
}
