// Package model defines the core domain types shared across the
// collateral engine. All token amounts and USD values are 18-decimal
// fixed-point integers ("wei") carried as shopspring/decimal — never
// float64 for money, and never a raw amount without its scale.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Precision is the engine's internal fixed-point unit: 1e18. Every
// amount, USD value, and health factor is an integer multiple of
// 10^-18 expressed in this unit.
var Precision = decimal.New(1, 18)

// EntryKind identifies the operation recorded by a journal entry.
type EntryKind string

const (
	KindDeposit     EntryKind = "deposit"
	KindRedeem      EntryKind = "redeem"
	KindMint        EntryKind = "mint"
	KindBurn        EntryKind = "burn"
	KindLiquidation EntryKind = "liquidation"
)

// JournalEntry is an immutable record of an executed engine operation.
// Once written, entries are never modified or deleted; they exist for
// indexers and history queries, not for solvency accounting.
type JournalEntry struct {
	ID         string          `json:"id" db:"id"`
	Kind       EntryKind       `json:"kind" db:"kind"`
	User       string          `json:"user" db:"user_id"`
	Token      string          `json:"token,omitempty" db:"token"`   // empty for mint/burn
	Amount     decimal.Decimal `json:"amount" db:"amount"`           // token wei, or stable wei for mint/burn
	Liquidator string          `json:"liquidator,omitempty" db:"liquidator"`
	Seized     decimal.Decimal `json:"seized" db:"seized"`           // collateral wei, liquidations only
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// PositionSnapshot is a point-in-time view of one user's position,
// written to the store after each operation that touches the user.
type PositionSnapshot struct {
	User               string                     `json:"user"`
	Collateral         map[string]decimal.Decimal `json:"collateral"`           // token → deposited wei
	Debt               decimal.Decimal            `json:"debt"`                 // stable wei
	CollateralValueUsd decimal.Decimal            `json:"collateral_value_usd"` // 18-decimal USD
	HealthFactor       decimal.Decimal            `json:"health_factor"`        // 18-decimal ratio
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// AccountInformation is the minted debt and total collateral value of
// one user, as returned by account queries.
type AccountInformation struct {
	MintedDebt         decimal.Decimal `json:"minted_debt"`
	CollateralValueUsd decimal.Decimal `json:"collateral_value_usd"`
}
