// Package token defines the external token collaborators the engine
// moves value through: collateral token transferors and the mintable/
// burnable stable asset. The engine is the sole holder of the
// Stablecoin reference, which makes it the sole authorized minter and
// burner.
//
// Bank is the in-memory implementation used by tests and memory
// deployments. Every transfer either fully succeeds or fully fails,
// which is what lets the engine treat a collaborator error as a clean
// signal to roll the whole operation back.
package token

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a transfer or burn exceeds
	// the holder's balance.
	ErrInsufficientFunds = errors.New("token: insufficient funds")

	// ErrNonPositiveAmount is returned for zero or negative amounts.
	ErrNonPositiveAmount = errors.New("token: amount must be positive")
)

// Transferor moves a collateral token between accounts. The engine
// pulls deposits from users into its custody account and pushes
// redemptions and seized collateral back out.
type Transferor interface {
	TransferFrom(ctx context.Context, from, to string, amount decimal.Decimal) error
}

// Stablecoin is the value-pegged asset the engine mints against
// collateral and burns to retire debt.
type Stablecoin interface {
	Mint(ctx context.Context, to string, amount decimal.Decimal) error
	BurnFrom(ctx context.Context, from string, amount decimal.Decimal) error
}

// Bank is an in-memory token: per-holder balances with atomic
// transfers. It implements both Transferor and Stablecoin.
type Bank struct {
	mu       sync.RWMutex
	symbol   string
	balances map[string]decimal.Decimal
	supply   decimal.Decimal
}

// NewBank creates an empty bank for the given token symbol.
func NewBank(symbol string) *Bank {
	return &Bank{symbol: symbol, balances: make(map[string]decimal.Decimal)}
}

// Symbol returns the token symbol.
func (b *Bank) Symbol() string { return b.symbol }

// Mint credits newly created tokens to an account.
func (b *Bank) Mint(_ context.Context, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[to] = b.balances[to].Add(amount)
	b.supply = b.supply.Add(amount)
	return nil
}

// BurnFrom destroys tokens held by an account.
func (b *Bank) BurnFrom(_ context.Context, from string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[from]
	if bal.LessThan(amount) {
		return ErrInsufficientFunds
	}
	b.balances[from] = bal.Sub(amount)
	b.supply = b.supply.Sub(amount)
	return nil
}

// TransferFrom moves tokens between accounts. Fails atomically if the
// source balance is insufficient.
func (b *Bank) TransferFrom(_ context.Context, from, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[from]
	if bal.LessThan(amount) {
		return ErrInsufficientFunds
	}
	b.balances[from] = bal.Sub(amount)
	b.balances[to] = b.balances[to].Add(amount)
	return nil
}

// Balance returns an account's balance.
func (b *Bank) Balance(holder string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[holder]
}

// TotalSupply returns the outstanding token supply.
func (b *Bank) TotalSupply() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.supply
}
