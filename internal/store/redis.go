package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sablefi/collateral-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
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

func (s *CachedStore) InsertEntry(ctx context.Context, entry *model.JournalEntry) error {
	if err := s.primary.InsertEntry(ctx, entry); err != nil {
		return err
	}
	// Invalidate history caches touched by this entry.
	s.rdb.Del(ctx, historyKey(entry.User))
	if entry.Liquidator != "" {
		s.rdb.Del(ctx, historyKey(entry.Liquidator))
	}
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, pos *model.PositionSnapshot) error {
	if err := s.primary.UpsertPosition(ctx, pos); err != nil {
		return err
	}
	s.cachePosition(ctx, pos)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, user string) (*model.PositionSnapshot, error) {
	data, err := s.rdb.Get(ctx, positionKey(user)).Bytes()
	if err == nil {
		var pos model.PositionSnapshot
		if json.Unmarshal(data, &pos) == nil {
			return &pos, nil
		}
	}

	// Cache miss: read from primary.
	pos, err := s.primary.GetPosition(ctx, user)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, pos)
	return pos, nil
}

func (s *CachedStore) EntriesByUser(ctx context.Context, user string) ([]model.JournalEntry, error) {
	data, err := s.rdb.Get(ctx, historyKey(user)).Bytes()
	if err == nil {
		var entries []model.JournalEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	// Cache miss.
	entries, err := s.primary.EntriesByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, historyKey(user), data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) EntriesByToken(ctx context.Context, token string) ([]model.JournalEntry, error) {
	return s.primary.EntriesByToken(ctx, token)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	return s.primary.ListPositions(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, pos *model.PositionSnapshot) {
	if data, err := json.Marshal(pos); err == nil {
		s.rdb.Set(ctx, positionKey(pos.User), data, s.ttl)
	}
}

func positionKey(user string) string { return fmt.Sprintf("position:%s", user) }
func historyKey(user string) string  { return fmt.Sprintf("history:%s", user) }
