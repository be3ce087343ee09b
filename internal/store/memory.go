package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sablefi/collateral-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	journal   []model.JournalEntry
	positions map[string]*model.PositionSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]*model.PositionSnapshot)}
}

func (s *MemoryStore) InsertEntry(_ context.Context, entry *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *entry)
	return nil
}

func (s *MemoryStore) EntriesByUser(_ context.Context, user string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.User == user || e.Liquidator == user {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) EntriesByToken(_ context.Context, token string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Token == token {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, pos *model.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *pos
	cp.Collateral = copyCollateral(pos.Collateral)
	s.positions[pos.User] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, user string) (*model.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[user]
	if !ok {
		return nil, fmt.Errorf("position for %s not found", user)
	}
	cp := *pos
	cp.Collateral = copyCollateral(pos.Collateral)
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.PositionSnapshot, 0, len(s.positions))
	for _, pos := range s.positions {
		cp := *pos
		cp.Collateral = copyCollateral(pos.Collateral)
		positions = append(positions, cp)
	}
	return positions, nil
}

func copyCollateral(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
