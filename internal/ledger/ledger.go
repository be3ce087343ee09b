// Package ledger holds the per-user collateral and debt balances.
//
// Both ledgers are pure state holders: increase, decrease, read. A
// decrease that would take a balance below zero fails with
// ErrInsufficientBalance — balances are unsigned quantities and
// underflow is a hard failure, never wraparound. All policy (health
// factors, token allow-lists, liquidation rules) lives in the engine,
// which is the only mutator.
package ledger

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a decrease would make a
	// balance negative.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrNegativeAmount is returned when an increase or decrease is
	// called with a negative amount.
	ErrNegativeAmount = errors.New("ledger: amount must not be negative")
)

// CollateralLedger tracks deposited collateral per user per token.
type CollateralLedger struct {
	mu       sync.RWMutex
	balances map[string]map[string]decimal.Decimal // user → token → wei
}

// NewCollateralLedger creates an empty collateral ledger.
func NewCollateralLedger() *CollateralLedger {
	return &CollateralLedger{balances: make(map[string]map[string]decimal.Decimal)}
}

// Increase adds amount to the user's balance for token.
func (l *CollateralLedger) Increase(user, token string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	byToken, ok := l.balances[user]
	if !ok {
		byToken = make(map[string]decimal.Decimal)
		l.balances[user] = byToken
	}
	byToken[token] = byToken[token].Add(amount)
	return nil
}

// Decrease subtracts amount from the user's balance for token.
func (l *CollateralLedger) Decrease(user, token string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	byToken := l.balances[user]
	current := byToken[token]
	if current.LessThan(amount) {
		return ErrInsufficientBalance
	}
	if amount.IsZero() {
		return nil
	}
	byToken[token] = current.Sub(amount)
	return nil
}

// Balance returns the user's deposited amount for token.
func (l *CollateralLedger) Balance(user, token string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[user][token]
}

// Balances returns a copy of the user's per-token balances.
func (l *CollateralLedger) Balances(user string) map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(l.balances[user]))
	for token, bal := range l.balances[user] {
		out[token] = bal
	}
	return out
}

// DebtLedger tracks minted stable-asset debt per user.
type DebtLedger struct {
	mu    sync.RWMutex
	debts map[string]decimal.Decimal // user → stable wei
}

// NewDebtLedger creates an empty debt ledger.
func NewDebtLedger() *DebtLedger {
	return &DebtLedger{debts: make(map[string]decimal.Decimal)}
}

// Increase adds amount to the user's debt.
func (l *DebtLedger) Increase(user string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debts[user] = l.debts[user].Add(amount)
	return nil
}

// Decrease subtracts amount from the user's debt. Decreasing past zero
// (burning more than owed) fails with ErrInsufficientBalance.
func (l *DebtLedger) Decrease(user string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.debts[user]
	if current.LessThan(amount) {
		return ErrInsufficientBalance
	}
	l.debts[user] = current.Sub(amount)
	return nil
}

// Debt returns the user's outstanding debt.
func (l *DebtLedger) Debt(user string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.debts[user]
}
