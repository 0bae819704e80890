package flags

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and single-node dev setups.
// Expired entries are dropped lazily on read.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Flag
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory flag store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]Flag),
		now:   time.Now,
	}
}

// SetClock overrides the store's time source. Test helper.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Set(ctx context.Context, f Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[f.Key()] = f
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string, kind Kind, scope string) (*Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.items[key(userID, kind, scope)]
	if !ok {
		return nil, ErrNotFound
	}
	if f.Expired(s.now()) {
		delete(s.items, f.Key())
		return nil, ErrNotFound
	}
	return &f, nil
}

func (s *MemoryStore) SetNX(ctx context.Context, f Flag) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[f.Key()]
	if ok && !existing.Expired(s.now()) {
		return false, nil
	}
	s.items[f.Key()] = f
	return true, nil
}

func (s *MemoryStore) Clear(ctx context.Context, userID string, kind Kind, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key(userID, kind, scope))
	return nil
}

func (s *MemoryStore) ClearAll(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := "qbflags:" + userID + ":"
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
		}
	}
	return nil
}
