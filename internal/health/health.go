// Package health computes the per-user solvency metric.
//
// The health factor is a dimensionless ratio in 18-decimal fixed
// point: 1e18 means the position sits exactly at the minimum
// collateralization. It is a pure function of total collateral value
// and debt — no state, no side effects — so the engine can evaluate it
// against hypothetical post-operation balances before committing
// anything.
package health

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/sablefi/collateral-engine/internal/model"
)

var (
	// MinHealthFactor is 1.0 in fixed point. Any position with debt
	// below this is liquidatable.
	MinHealthFactor = decimal.New(1, 18)

	// LiquidationThreshold discounts collateral to 50% of its market
	// value, i.e. positions must be at least 200% overcollateralized.
	LiquidationThreshold = decimal.NewFromInt(50)

	// LiquidationPrecision is the divisor for the threshold percentage.
	LiquidationPrecision = decimal.NewFromInt(100)

	// MaxHealthFactor is the sentinel for debt-free positions:
	// 2^256 - 1, above any computable ratio.
	MaxHealthFactor = maxUint256()
)

func maxUint256() decimal.Decimal {
	one := big.NewInt(1)
	max := new(big.Int).Sub(new(big.Int).Lsh(one, 256), one)
	return decimal.NewFromBigInt(max, 0)
}

// Compute returns the health factor for a position with the given
// total collateral value (18-decimal USD) and debt (stable wei):
//
//	hf = (collateralValueUsd * threshold / 100) * 1e18 / debt
//
// floored at each division. Zero debt returns MaxHealthFactor — a
// debt-free position cannot be unhealthy and must never divide by
// zero.
func Compute(collateralValueUsd, debt decimal.Decimal) decimal.Decimal {
	if debt.IsZero() {
		return MaxHealthFactor
	}
	adjusted := divFloor(collateralValueUsd.Mul(LiquidationThreshold), LiquidationPrecision)
	return divFloor(adjusted.Mul(model.Precision), debt)
}

// Below reports whether hf is under the minimum.
func Below(hf decimal.Decimal) bool {
	return hf.LessThan(MinHealthFactor)
}

// divFloor truncates the quotient toward zero (operands are
// non-negative, so this is a floor).
func divFloor(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}
