// Package risk computes solvency metrics for a collateralized position:
// health factor, borrow ratio, and the healthy/unhealthy classification that
// gates borrow and withdraw actions.
//
// Every function here is pure. The same inputs always give the same metrics,
// so "current" and "projected" views are just two calls with different
// inputs; nothing is shared between them.
//
// Money values use shopspring/decimal. Oracle and WAD fixed-point integers
// are converted once at the edge by Engine, whose scales come from
// configuration because the protocol defines them externally.
package risk

import (
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// BasisPoints is the denominator of liquidation thresholds.
const BasisPoints = 10_000

var (
	bps  = decimal.NewFromInt(BasisPoints)
	one  = decimal.NewFromInt(1)
	hund = decimal.NewFromInt(100)

	// RatioScale is the number of decimal places kept for borrow ratios.
	RatioScale int32 = 1
)

// ErrInvalidScale is returned for negative or absurd fixed-point scales.
var ErrInvalidScale = errors.New("risk: fixed-point decimals must be within [0, 36]")

// HealthFactor is finite whenever debt is positive. With no debt it is the
// NoDebt sentinel, never NaN or infinity.
type HealthFactor struct {
	value  decimal.Decimal
	noDebt bool
}

// NoDebt is the health factor of a position without debt.
var NoDebt = HealthFactor{noDebt: true}

// NewHealthFactor wraps a finite value.
func NewHealthFactor(v decimal.Decimal) HealthFactor {
	return HealthFactor{value: v}
}

// IsNoDebt reports whether h is the NoDebt sentinel.
func (h HealthFactor) IsNoDebt() bool { return h.noDebt }

// Value returns the finite health factor. It is zero for NoDebt; check
// IsNoDebt first.
func (h HealthFactor) Value() decimal.Decimal { return h.value }

// Equal compares two health factors, treating NoDebt as equal only to itself.
func (h HealthFactor) Equal(o HealthFactor) bool {
	if h.noDebt || o.noDebt {
		return h.noDebt == o.noDebt
	}
	return h.value.Equal(o.value)
}

func (h HealthFactor) String() string {
	if h.noDebt {
		return "no_debt"
	}
	return h.value.String()
}

// MarshalJSON encodes NoDebt as null and finite values as decimal strings.
func (h HealthFactor) MarshalJSON() ([]byte, error) {
	if h.noDebt {
		return []byte("null"), nil
	}
	return json.Marshal(h.value)
}

// UnmarshalJSON reverses MarshalJSON.
func (h *HealthFactor) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*h = NoDebt
		return nil
	}
	var v decimal.Decimal
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*h = HealthFactor{value: v}
	return nil
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// ComputeHealthFactor returns collateral * (thresholdBps / 10000) / debt.
// Negative inputs are clamped to zero; debt <= 0 yields NoDebt.
func ComputeHealthFactor(collateral, debt decimal.Decimal, thresholdBps uint64) HealthFactor {
	collateral = clamp(collateral)
	debt = clamp(debt)
	if !debt.IsPositive() {
		return NoDebt
	}
	weighted := collateral.Mul(decimal.NewFromInt(int64(thresholdBps)))
	return HealthFactor{value: weighted.Div(debt.Mul(bps))}
}

// IsHealthy reports whether h is at or above 1.0. NoDebt is always healthy.
func IsHealthy(h HealthFactor) bool {
	if h.noDebt {
		return true
	}
	return h.value.GreaterThanOrEqual(one)
}

// BorrowRatio returns debt / collateral as a percentage rounded to one
// decimal place. Zero or negative collateral yields 0%.
func BorrowRatio(debt, collateral decimal.Decimal) decimal.Decimal {
	collateral = clamp(collateral)
	debt = clamp(debt)
	if !collateral.IsPositive() {
		return decimal.Zero
	}
	return debt.Div(collateral).Mul(hund).Round(RatioScale)
}

// FormatPercent renders a ratio as "60.0%".
func FormatPercent(ratio decimal.Decimal) string {
	return ratio.StringFixed(RatioScale) + "%"
}

// Inputs are the USD-like values a risk view is computed from.
type Inputs struct {
	CollateralValue         decimal.Decimal `json:"collateral_value"`
	DebtValue               decimal.Decimal `json:"debt_value"`
	LiquidationThresholdBps uint64          `json:"liquidation_threshold_bps"`
}

// Delta is a signed what-if change applied to Inputs.
type Delta struct {
	Collateral decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal `json:"debt"`
}

// Apply returns in shifted by d. Results may be negative; the metric
// functions clamp them.
func (in Inputs) Apply(d Delta) Inputs {
	in.CollateralValue = in.CollateralValue.Add(d.Collateral)
	in.DebtValue = in.DebtValue.Add(d.Debt)
	return in
}

// Metrics is one risk view of a position.
type Metrics struct {
	HealthFactor       HealthFactor    `json:"health_factor"`
	BorrowRatio        decimal.Decimal `json:"borrow_ratio"`
	BorrowRatioDisplay string          `json:"borrow_ratio_display"`
	Healthy            bool            `json:"healthy"`
}

// Assess computes the metrics for in.
func Assess(in Inputs) Metrics {
	hf := ComputeHealthFactor(in.CollateralValue, in.DebtValue, in.LiquidationThresholdBps)
	ratio := BorrowRatio(in.DebtValue, in.CollateralValue)
	return Metrics{
		HealthFactor:       hf,
		BorrowRatio:        ratio,
		BorrowRatioDisplay: FormatPercent(ratio),
		Healthy:            IsHealthy(hf),
	}
}

// Project computes the metrics the position would have after d.
func Project(in Inputs, d Delta) Metrics {
	return Assess(in.Apply(d))
}
