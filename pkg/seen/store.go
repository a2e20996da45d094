package seen

import (
	"context"
	"sync"
)

// Store persists the last-seen position as an opaque key-value pair keyed by
// feed scope. Implementations: MemoryStore and RedisStore.
type Store interface {
	// Load returns the persisted timestamp for a scope, 0 when absent.
	Load(ctx context.Context, scope string) (int64, error)

	// Save persists the timestamp for a scope.
	Save(ctx context.Context, scope string, ts int64) error
}

// MemoryStore keeps seen state in memory. Used in tests and as the fallback
// when no persistent backend is configured.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int64)}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[scope], nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, scope string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[scope] = ts
	return nil
}
