package store

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     string
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-process fast store. It is correct for a single process
// only; multi-process deployments use Redis.
type MemoryStore struct {
	mu      sync.Mutex
	entries *lru.LRU[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryStore keeps up to size keys. maxTTL bounds how long any key can
// linger in the LRU after its own expiry.
func NewMemoryStore(size int, maxTTL time.Duration, now func() time.Time) *MemoryStore {
	if size <= 0 {
		size = 100000
	}
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: lru.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now:     now,
	}
}

func (s *MemoryStore) Close() error {
	s.entries.Purge()
	return nil
}

func (s *MemoryStore) get(key string, now time.Time) (memoryEntry, bool) {
	e, ok := s.entries.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.After(now) {
		s.entries.Remove(key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.get("ctr:"+key, now)
	if !ok {
		e = memoryEntry{expiresAt: now.Add(window)}
	}
	e.count++
	s.entries.Add("ctr:"+key, e)
	return e.count, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Add("val:"+key, memoryEntry{value: value, expiresAt: s.now().Add(ttl)})
	return nil
}

func (s *MemoryStore) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get("val:"+key, s.now())
	if !ok {
		return "", false, nil
	}
	s.entries.Remove("val:" + key)
	return e.value, true, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.get("val:"+key, now)
	if !ok {
		return 0, nil
	}
	return e.expiresAt.Sub(now), nil
}
