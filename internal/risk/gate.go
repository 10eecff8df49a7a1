package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/model"
)

var (
	// ErrUnhealthyAfterAction is returned when an action would leave the
	// projected health factor below the gate's minimum.
	ErrUnhealthyAfterAction = errors.New("risk: action would leave the position below the minimum health factor")

	// ErrNotBorrowable is returned when borrowing from a reserve that does not
	// allow it.
	ErrNotBorrowable = errors.New("risk: reserve is not borrowable")

	// ErrInvalidActionAmount is returned for non-positive action amounts.
	ErrInvalidActionAmount = errors.New("risk: action amount must be positive")
)

// Gate decides whether borrow and withdraw actions may proceed by projecting
// their effect on the health factor. Repaying debt and adding collateral can
// only improve health and are never gated.
type Gate struct {
	// MinHealthFactor is the lowest projected health factor allowed.
	MinHealthFactor decimal.Decimal
}

// NewGate creates a gate. A non-positive minimum is replaced by 1.0, the
// liquidation boundary.
func NewGate(minHealthFactor decimal.Decimal) *Gate {
	if !minHealthFactor.IsPositive() {
		minHealthFactor = one
	}
	return &Gate{MinHealthFactor: minHealthFactor}
}

func (g *Gate) check(projected Metrics) error {
	hf := projected.HealthFactor
	if hf.IsNoDebt() {
		return nil
	}
	if hf.Value().LessThan(g.MinHealthFactor) {
		return fmt.Errorf("%w: projected %s, minimum %s",
			ErrUnhealthyAfterAction, hf.Value().Round(4), g.MinHealthFactor)
	}
	return nil
}

// CheckBorrow validates borrowing amount (base currency) against reserve.
func (g *Gate) CheckBorrow(in Inputs, reserve model.ReserveConfig, amount decimal.Decimal) (Metrics, error) {
	if !amount.IsPositive() {
		return Metrics{}, ErrInvalidActionAmount
	}
	if !reserve.Borrowable {
		return Metrics{}, fmt.Errorf("%w: %s", ErrNotBorrowable, reserve.ID)
	}
	projected := Project(in, Delta{Debt: amount})
	return projected, g.check(projected)
}

// CheckWithdraw validates removing collateral worth value (base currency).
func (g *Gate) CheckWithdraw(in Inputs, value decimal.Decimal) (Metrics, error) {
	if !value.IsPositive() {
		return Metrics{}, ErrInvalidActionAmount
	}
	projected := Project(in, Delta{Collateral: value.Neg()})
	return projected, g.check(projected)
}
