package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/yield-vault/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for position snapshots. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) error {
	if err := s.primary.InsertEvent(ctx, e); err != nil {
		return err
	}
	// Per-account history changed for everyone involved.
	keys := []string{recentKey()}
	for _, acct := range []string{e.Actor, e.Account, e.Receiver} {
		if acct != "" {
			keys = append(keys, accountEventsKey(acct))
		}
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, positionKey(p.Account))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, account string) (*model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionKey(account)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(account), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	limit = normalizeLimit(limit)
	return s.cachedEvents(ctx, recentKey(), limit, func() ([]model.Event, error) {
		return s.primary.ListEvents(ctx, limit)
	})
}

func (s *CachedStore) ListEventsByAccount(ctx context.Context, account string, limit int) ([]model.Event, error) {
	limit = normalizeLimit(limit)
	return s.cachedEvents(ctx, accountEventsKey(account), limit, func() ([]model.Event, error) {
		return s.primary.ListEventsByAccount(ctx, account, limit)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

// --- Cache helpers ---

// cachedEvents stores event pages in a hash keyed by limit so one
// invalidation clears every page size.
func (s *CachedStore) cachedEvents(ctx context.Context, key string, limit int, load func() ([]model.Event, error)) ([]model.Event, error) {
	field := fmt.Sprintf("%d", limit)
	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	events, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(events); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return events, nil
}

func positionKey(acct string) string      { return fmt.Sprintf("vault:position:%s", acct) }
func accountEventsKey(acct string) string { return fmt.Sprintf("vault:events:%s", acct) }
func recentKey() string                   { return "vault:events:recent" }
