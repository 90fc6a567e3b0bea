package presence

import (
	"context"
	"sync"
	"time"

	"labelflow/internal/models"
)

type memoryEntry struct {
	name     string
	lastSeen time.Time
}

// MemoryStore keeps presence in process memory. It is only correct when a
// single server process handles every connection.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[string]map[string]*memoryEntry
	timeout   time.Duration
	now       func() time.Time
}

func NewMemoryStore(timeout time.Duration, opts ...Option) *MemoryStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	o := buildOptions(opts)
	return &MemoryStore{
		resources: make(map[string]map[string]*memoryEntry),
		timeout:   timeout,
		now:       o.now,
	}
}

func (s *MemoryStore) stale(e *memoryEntry, now time.Time) bool {
	return now.Sub(e.lastSeen) > s.timeout
}

func (s *MemoryStore) Join(_ context.Context, resourceID, userID, displayName string) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.resources[resourceID]
	if !ok {
		entries = make(map[string]*memoryEntry)
		s.resources[resourceID] = entries
	}
	if e, ok := entries[userID]; ok {
		e.name = displayName
		if now.After(e.lastSeen) {
			e.lastSeen = now
		}
		return false, nil
	}
	entries[userID] = &memoryEntry{name: displayName, lastSeen: now}
	return true, nil
}

func (s *MemoryStore) Leave(_ context.Context, resourceID, userID string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.resources[resourceID][userID]
	if !ok {
		return false, "", nil
	}
	s.remove(resourceID, userID)
	return true, e.name, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, resourceID, userID string) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.resources[resourceID][userID]
	if !ok {
		return false, nil
	}
	if s.stale(e, now) {
		s.remove(resourceID, userID)
		return false, nil
	}
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	return true, nil
}

func (s *MemoryStore) ActiveUsers(_ context.Context, resourceID string) ([]models.ActiveUser, error) {
	_, active := s.sweep(resourceID)
	return active, nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, resourceID string) ([]models.ActiveUser, error) {
	removed, _ := s.sweep(resourceID)
	return removed, nil
}

func (s *MemoryStore) sweep(resourceID string) (removed, active []models.ActiveUser) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed = []models.ActiveUser{}
	active = []models.ActiveUser{}
	for userID, e := range s.resources[resourceID] {
		user := models.ActiveUser{UserID: userID, Username: e.name}
		if s.stale(e, now) {
			s.remove(resourceID, userID)
			removed = append(removed, user)
			continue
		}
		active = append(active, user)
	}
	sortUsers(removed)
	sortUsers(active)
	return removed, active
}

// remove must be called with mu held.
func (s *MemoryStore) remove(resourceID, userID string) {
	entries := s.resources[resourceID]
	delete(entries, userID)
	if len(entries) == 0 {
		delete(s.resources, resourceID)
	}
}
