package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/yield-vault/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	events    []model.Event
	positions map[string]model.Position
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.Position),
	}
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.events {
		if existing.ID == e.ID {
			return fmt.Errorf("event %s already recorded", e.ID)
		}
	}
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.newestLocked(limit, func(*model.Event) bool { return true }), nil
}

func (s *MemoryStore) ListEventsByAccount(_ context.Context, account string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.newestLocked(limit, func(e *model.Event) bool { return involves(e, account) }), nil
}

// newestLocked walks the log backwards, which is newest first since events
// are appended in commit order.
func (s *MemoryStore) newestLocked(limit int, match func(*model.Event) bool) []model.Event {
	limit = normalizeLimit(limit)
	result := make([]model.Event, 0)
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		if match(&s.events[i]) {
			result = append(result, s.events[i])
		}
	}
	return result
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[p.Account] = *p
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, account string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[account]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", account, ErrNotFound)
	}
	return &p, nil
}

// ListPositions returns snapshots ordered by account.
func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Account < positions[j].Account })
	return positions, nil
}
