/*
commission.go - Commission calculation

PURPOSE:
  Pure, deterministic function from order value and referrer rate to a
  commission amount. Repeated recomputation with the same inputs is stable;
  this is the property that makes re-accrual after a reversal reproduce the
  original amount when the order value is unchanged.

ROUNDING:
  Round-half-down to the smallest currency unit: 2.5 -> 2, 2.51 -> 3.
  Computed exactly with decimals; no floating point anywhere near money.

RATES:
  Rates are flat percentages per referrer, resolved through RateProvider.
  The rate in effect is snapshotted onto the CommissionRecord at accrual.
*/
package referral

import (
	"context"

	"github.com/shopspring/decimal"
)

var (
	oneHundred = decimal.NewFromInt(100)
	oneHalf    = decimal.New(5, -1) // 0.5
)

// ComputeCommission returns the commission in minor currency units for an
// order value (minor units) at a flat percentage rate.
// Deterministic; rounds half-down to the nearest minor unit.
func ComputeCommission(orderValueMinor int64, ratePercent decimal.Decimal) int64 {
	product := decimal.NewFromInt(orderValueMinor).Mul(ratePercent).Div(oneHundred)
	floor := product.Floor()
	if product.Sub(floor).GreaterThan(oneHalf) {
		floor = floor.Add(decimal.NewFromInt(1))
	}
	return floor.IntPart()
}

// =============================================================================
// RATE PROVIDER
// =============================================================================

// RateProvider resolves the commission rate for a referrer.
// Tiered schemes implement this; the default is a single flat rate.
type RateProvider interface {
	Rate(ctx context.Context, referrerID ReferrerID) (decimal.Decimal, error)
}

// FlatRate applies the same percentage to every referrer.
type FlatRate struct {
	Percent decimal.Decimal
}

func NewFlatRate(percent float64) FlatRate {
	return FlatRate{Percent: decimal.NewFromFloat(percent)}
}

func (f FlatRate) Rate(_ context.Context, _ ReferrerID) (decimal.Decimal, error) {
	return f.Percent, nil
}
