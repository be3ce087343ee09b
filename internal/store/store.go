// Package store defines the persistence interface for the collateral
// engine's operation journal and position snapshots. Implementations
// include PostgreSQL (source of truth for history), Redis (read-through
// cache), and in-memory (for testing).
//
// The store is observational: the engine's in-process ledgers are
// authoritative for solvency checks, and journal writes happen only
// after an operation has committed.
package store

import (
	"context"

	"github.com/sablefi/collateral-engine/internal/model"
)

// Store is the persistence interface.
type Store interface {
	// --- Immutable operation journal ---

	// InsertEntry appends an immutable operation record.
	InsertEntry(ctx context.Context, entry *model.JournalEntry) error

	// EntriesByUser returns all journal entries that touched a user,
	// including liquidations where the user was the target.
	EntriesByUser(ctx context.Context, user string) ([]model.JournalEntry, error)

	// EntriesByToken returns all journal entries for a collateral token.
	EntriesByToken(ctx context.Context, token string) ([]model.JournalEntry, error)

	// --- Position snapshots ---

	// UpsertPosition writes the latest snapshot for a user.
	UpsertPosition(ctx context.Context, pos *model.PositionSnapshot) error

	// GetPosition returns the latest snapshot for a user.
	GetPosition(ctx context.Context, user string) (*model.PositionSnapshot, error)

	// ListPositions returns the latest snapshot of every known user.
	ListPositions(ctx context.Context) ([]model.PositionSnapshot, error)
}
