package kvcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// entry is a stored value with its insertion time and TTL.
type entry struct {
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry) expired(now time.Time) bool { return now.Sub(e.insertedAt) >= e.ttl }

// Stats is a snapshot of MemoryStore counters.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Expired uint64 `json:"expired"`
}

// MemoryStore is an in-process Store. Expired entries are dropped lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	stats   Stats
}

// NewMemoryStore returns an empty MemoryStore using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns a MemoryStore that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]entry), now: now}
}

// Get decodes the value stored at key into dst.
func (s *MemoryStore) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && e.expired(s.now()) {
		delete(s.entries, key)
		s.stats.Expired++
		ok = false
	}
	if !ok {
		s.stats.Misses++
		s.mu.Unlock()
		return false, nil
	}
	s.stats.Hits++
	s.mu.Unlock()

	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(e.value, dst); err != nil {
		return false, fmt.Errorf("kvcache: decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value at key, replacing any previous entry.
func (s *MemoryStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvcache: encode %s: %w", key, err)
	}
	s.mu.Lock()
	s.entries[key] = entry{value: data, insertedAt: s.now(), ttl: ttl}
	s.mu.Unlock()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the store counters.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Entries = len(s.entries)
	return st
}

// Close drops every entry.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
