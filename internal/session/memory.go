package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	updatedAt time.Time
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. Records are stored
// encoded so that no two requests ever share a *Record.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Load(_ context.Context, token string) (*Record, error) {
	s.mu.RLock()
	e, ok := s.entries[token]
	s.mu.RUnlock()

	if !ok || !s.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}

	rec, err := decodeRecord(e.data)
	if err != nil {
		return nil, fmt.Errorf("session: failed to decode record: %w", err)
	}
	return rec, nil
}

func (s *MemoryStore) Save(_ context.Context, rec *Record, ttl time.Duration) error {
	if rec.Token == "" {
		return fmt.Errorf("session: missing token")
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("session: failed to encode record: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	s.entries[rec.Token] = memoryEntry{data: data, updatedAt: now, expiresAt: now.Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.entries, token)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GC(_ context.Context, maxLifetime time.Duration) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, e := range s.entries {
		idle := maxLifetime > 0 && now.Sub(e.updatedAt) > maxLifetime
		if idle || !now.Before(e.expiresAt) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }
