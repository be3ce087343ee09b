// Package oracle adapts external price feeds to the engine's internal
// 18-decimal fixed-point unit.
//
// Feeds report a raw integer price plus their own decimal precision
// (commonly 8). The adapter scales raw prices up to 18 decimals by
// multiplying — never by truncating significant digits — and converts
// between token amounts and USD values. All divisions truncate toward
// zero; that floor policy is deliberate and load-bearing: a conversion
// round trip must never credit the caller with more value than it
// started with.
package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sablefi/collateral-engine/internal/model"
)

// Answer is one observation from a price feed: the raw price and the
// feed's native decimal precision.
type Answer struct {
	Price    decimal.Decimal // raw integer price, e.g. 2000e8 for $2000 at 8 decimals
	Decimals int32           // feed precision, e.g. 8
}

// PriceSource is a single upstream price feed. Implementations report
// the latest raw answer for a token; the adapter owns all decimal
// normalization.
type PriceSource interface {
	LatestAnswer(ctx context.Context, token string) (Answer, error)
}

// Adapter binds each configured collateral token to its price source
// and performs all conversions between token wei and 18-decimal USD.
//
// The binding set is fixed at construction. Asking the adapter about a
// token it was never configured with is a programming error in the
// caller (the engine validates tokens before pricing), so it panics
// rather than returning a recoverable error.
type Adapter struct {
	feeds map[string]PriceSource
}

// NewAdapter binds tokens to price sources positionally. The caller
// guarantees equal lengths; the engine enforces that at construction.
func NewAdapter(tokens []string, feeds []PriceSource) *Adapter {
	m := make(map[string]PriceSource, len(tokens))
	for i, t := range tokens {
		m[t] = feeds[i]
	}
	return &Adapter{feeds: m}
}

// ScaledPrice returns the token's current price scaled to 18-decimal
// fixed point: rawPrice * 10^(18 - feedDecimals).
func (a *Adapter) ScaledPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	feed, ok := a.feeds[token]
	if !ok {
		panic("oracle: no price feed configured for token " + token)
	}
	ans, err := feed.LatestAnswer(ctx, token)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("oracle: feed for %s: %w", token, err)
	}
	return ans.Price.Mul(decimal.New(1, 18-ans.Decimals)), nil
}

// UsdValue converts a token amount (wei) to its 18-decimal USD value:
// scaledPrice * amount / 1e18, floored.
func (a *Adapter) UsdValue(ctx context.Context, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	price, err := a.ScaledPrice(ctx, token)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return mulDivFloor(price, amount, model.Precision), nil
}

// TokenAmountFromUsd converts an 18-decimal USD amount to the
// equivalent token amount (wei): usd * 1e18 / scaledPrice, floored.
func (a *Adapter) TokenAmountFromUsd(ctx context.Context, token string, usd decimal.Decimal) (decimal.Decimal, error) {
	price, err := a.ScaledPrice(ctx, token)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return mulDivFloor(usd, model.Precision, price), nil
}

// mulDivFloor computes a*b/den with the quotient truncated toward zero
// (exact integer division, no intermediate rounding).
func mulDivFloor(a, b, den decimal.Decimal) decimal.Decimal {
	q, _ := a.Mul(b).QuoRem(den, 0)
	return q
}

// StaticSource is a deterministic in-memory price source with settable
// answers per token. It backs tests and memory deployments, where
// adverse price movement is simulated by SetPrice.
type StaticSource struct {
	mu      sync.RWMutex
	answers map[string]Answer
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{answers: make(map[string]Answer)}
}

// SetPrice sets the raw answer for a token.
func (s *StaticSource) SetPrice(token string, price decimal.Decimal, decimals int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[token] = Answer{Price: price, Decimals: decimals}
}

func (s *StaticSource) LatestAnswer(_ context.Context, token string) (Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ans, ok := s.answers[token]
	if !ok {
		return Answer{}, fmt.Errorf("oracle: no answer for token %s", token)
	}
	return ans, nil
}
