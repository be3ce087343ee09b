package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sablefi/collateral-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth for the journal. All monetary values are stored as NUMERIC for
// exact decimal precision; per-token collateral maps are JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the journal and position tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS journal_entries (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			token      TEXT NOT NULL DEFAULT '',
			amount     NUMERIC NOT NULL,
			liquidator TEXT NOT NULL DEFAULT '',
			seized     NUMERIC NOT NULL DEFAULT 0,
			timestamp  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS journal_entries_user_idx ON journal_entries (user_id);
		CREATE INDEX IF NOT EXISTS journal_entries_token_idx ON journal_entries (token);

		CREATE TABLE IF NOT EXISTS positions (
			user_id              TEXT PRIMARY KEY,
			collateral           JSONB NOT NULL,
			debt                 NUMERIC NOT NULL,
			collateral_value_usd NUMERIC NOT NULL,
			health_factor        NUMERIC NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func (s *PostgresStore) InsertEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, kind, user_id, token, amount, liquidator, seized, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8)`,
		e.ID, string(e.Kind), e.User, e.Token,
		e.Amount.String(), e.Liquidator, e.Seized.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) EntriesByUser(ctx context.Context, user string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, user_id, token, amount::TEXT, liquidator, seized::TEXT, timestamp
		 FROM journal_entries
		 WHERE user_id = $1 OR liquidator = $1
		 ORDER BY timestamp`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

func (s *PostgresStore) EntriesByToken(ctx context.Context, token string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, user_id, token, amount::TEXT, liquidator, seized::TEXT, timestamp
		 FROM journal_entries WHERE token = $1 ORDER BY timestamp`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, pos *model.PositionSnapshot) error {
	collateral := make(map[string]string, len(pos.Collateral))
	for token, bal := range pos.Collateral {
		collateral[token] = bal.String()
	}
	blob, err := json.Marshal(collateral)
	if err != nil {
		return fmt.Errorf("marshal collateral for %s: %w", pos.User, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, collateral, debt, collateral_value_usd, health_factor, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
			collateral = EXCLUDED.collateral,
			debt = EXCLUDED.debt,
			collateral_value_usd = EXCLUDED.collateral_value_usd,
			health_factor = EXCLUDED.health_factor,
			updated_at = EXCLUDED.updated_at`,
		pos.User, blob,
		pos.Debt.String(), pos.CollateralValueUsd.String(), pos.HealthFactor.String(),
		pos.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, user string) (*model.PositionSnapshot, error) {
	var pos model.PositionSnapshot
	var blob []byte
	var debt, collUsd, hf string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, collateral, debt::TEXT, collateral_value_usd::TEXT, health_factor::TEXT, updated_at
		 FROM positions WHERE user_id = $1`, user).
		Scan(&pos.User, &blob, &debt, &collUsd, &hf, &pos.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", user, err)
	}

	if err := decodePosition(&pos, blob, debt, collUsd, hf); err != nil {
		return nil, err
	}
	return &pos, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, collateral, debt::TEXT, collateral_value_usd::TEXT, health_factor::TEXT, updated_at
		 FROM positions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.PositionSnapshot
	for rows.Next() {
		var pos model.PositionSnapshot
		var blob []byte
		var debt, collUsd, hf string
		if err := rows.Scan(&pos.User, &blob, &debt, &collUsd, &hf, &pos.UpdatedAt); err != nil {
			return nil, err
		}
		if err := decodePosition(&pos, blob, debt, collUsd, hf); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func decodePosition(pos *model.PositionSnapshot, blob []byte, debt, collUsd, hf string) error {
	var collateral map[string]string
	if err := json.Unmarshal(blob, &collateral); err != nil {
		return fmt.Errorf("decode collateral for %s: %w", pos.User, err)
	}
	pos.Collateral = make(map[string]decimal.Decimal, len(collateral))
	for token, bal := range collateral {
		pos.Collateral[token], _ = decimal.NewFromString(bal)
	}
	pos.Debt, _ = decimal.NewFromString(debt)
	pos.CollateralValueUsd, _ = decimal.NewFromString(collUsd)
	pos.HealthFactor, _ = decimal.NewFromString(hf)
	return nil
}

// scanJournalEntries reads pgx rows into JournalEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanJournalEntries(rows pgxRows) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var kind, amountS, seizedS string

		if err := rows.Scan(&e.ID, &kind, &e.User, &e.Token,
			&amountS, &e.Liquidator, &seizedS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Kind = model.EntryKind(kind)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Seized, _ = decimal.NewFromString(seizedS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
