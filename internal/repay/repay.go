// Package repay resolves the token amounts to approve and to transfer for a
// debt repayment.
//
// Debt accrues interest continuously, so any amount quoted before a full
// repayment is already stale by the time the transaction settles. A full
// repayment therefore approves the freshly queried debt plus a small relative
// buffer, but issues the repay call itself with the MaxRepay sentinel: the
// settlement layer caps the transfer at what is owed when it executes.
// The buffer only widens the approval; the user is never over-charged.
//
// All arithmetic is in integer token units (uint256).
package repay

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// DefaultBufferDivisor approves one extra part in ten thousand.
const DefaultBufferDivisor = 10_000

var (
	// ErrNoDebtToRepay is returned when a full repayment is requested but the
	// authoritative debt is zero. Not retryable.
	ErrNoDebtToRepay = errors.New("repay: no debt to repay")

	// ErrInvalidAmount is returned for a missing or zero partial amount.
	ErrInvalidAmount = errors.New("repay: repay amount must be positive")

	// ErrNoDebtSource is returned by ResolveFull when the resolver was built
	// without a debt source.
	ErrNoDebtSource = errors.New("repay: no debt source configured")

	// ErrInvalidBufferDivisor is returned when the buffer divisor is zero.
	ErrInvalidBufferDivisor = errors.New("repay: buffer divisor must be positive")

	// ErrInsufficientBalance matches any *InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("repay: insufficient balance")
)

// InsufficientBalanceError reports the exact shortfall between the tokens a
// repayment needs and the user's balance.
type InsufficientBalanceError struct {
	Required  *uint256.Int
	Balance   *uint256.Int
	Shortfall *uint256.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("repay: insufficient balance: need %s, have %s, short %s",
		e.Required.Dec(), e.Balance.Dec(), e.Shortfall.Dec())
}

// Is makes errors.Is(err, ErrInsufficientBalance) hold.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// MaxRepay returns the reserved "repay everything" amount, 2^256-1.
func MaxRepay() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// IsMaxRepay reports whether x is the MaxRepay sentinel.
func IsMaxRepay(x *uint256.Int) bool {
	return x != nil && x.Eq(MaxRepay())
}

// Mode distinguishes partial from full repayment.
type Mode string

const (
	ModePartial Mode = "partial"
	ModeFull    Mode = "full"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePartial, ModeFull:
		return m, nil
	}
	return "", fmt.Errorf("repay: unknown mode %q", s)
}

// DebtSource yields the authoritative current debt. Implementations must
// read from the source of truth on every call; the resolver never caches.
type DebtSource interface {
	CurrentDebt(ctx context.Context, reserveID, user string) (*uint256.Int, error)
}

// Plan is what the transaction layer needs to submit a repayment.
type Plan struct {
	Mode Mode
	// NeedsApproval is false when the current allowance already covers
	// ApprovalAmount.
	NeedsApproval bool
	// ApprovalAmount is the allowance the repayment requires.
	ApprovalAmount *uint256.Int
	// RepayAmount is the amount passed to the repay call: the exact amount
	// for partial repayment, MaxRepay for full repayment.
	RepayAmount *uint256.Int
	// QuotedDebt is the debt read just before resolving a full repayment.
	QuotedDebt *uint256.Int
}

// Resolver computes repayment plans.
type Resolver struct {
	debts         DebtSource
	bufferDivisor uint64
}

// NewResolver creates a resolver. debts may be nil if only partial
// repayments are resolved.
func NewResolver(debts DebtSource, bufferDivisor uint64) (*Resolver, error) {
	if bufferDivisor == 0 {
		return nil, ErrInvalidBufferDivisor
	}
	return &Resolver{debts: debts, bufferDivisor: bufferDivisor}, nil
}

// ApprovalWithBuffer returns debt + debt/divisor, saturating at 2^256-1.
func ApprovalWithBuffer(debt *uint256.Int, divisor uint64) *uint256.Int {
	buffer := new(uint256.Int).Div(debt, uint256.NewInt(divisor))
	sum, overflow := new(uint256.Int).AddOverflow(debt, buffer)
	if overflow {
		return MaxRepay()
	}
	return sum
}

func orZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}

// checkBalance fails when balance is known and below required.
func checkBalance(required, balance *uint256.Int) error {
	if balance == nil || !balance.Lt(required) {
		return nil
	}
	return &InsufficientBalanceError{
		Required:  new(uint256.Int).Set(required),
		Balance:   new(uint256.Int).Set(balance),
		Shortfall: new(uint256.Int).Sub(required, balance),
	}
}

// ResolvePartial plans repaying exactly amount. Approval is skipped when
// allowance already covers amount and otherwise approves exactly amount.
// A nil balance skips the balance check.
func (r *Resolver) ResolvePartial(amount, allowance, balance *uint256.Int) (Plan, error) {
	if amount == nil || amount.IsZero() {
		return Plan{}, ErrInvalidAmount
	}
	if err := checkBalance(amount, balance); err != nil {
		return Plan{}, err
	}
	return Plan{
		Mode:           ModePartial,
		NeedsApproval:  orZero(allowance).Lt(amount),
		ApprovalAmount: new(uint256.Int).Set(amount),
		RepayAmount:    new(uint256.Int).Set(amount),
	}, nil
}

// FullRequest identifies the debt to repay in full.
type FullRequest struct {
	ReserveID string
	User      string
	Allowance *uint256.Int
	// Balance is the user's token balance; nil skips the balance check.
	Balance *uint256.Int
}

// ResolveFull re-queries the current debt and plans a full repayment.
// The balance must cover the queried debt; the approval buffer is not
// required to be funded since the settlement transfers at most what is owed.
func (r *Resolver) ResolveFull(ctx context.Context, req FullRequest) (Plan, error) {
	if r.debts == nil {
		return Plan{}, ErrNoDebtSource
	}
	debt, err := r.debts.CurrentDebt(ctx, req.ReserveID, req.User)
	if err != nil {
		return Plan{}, fmt.Errorf("repay: query current debt: %w", err)
	}
	if debt == nil || debt.IsZero() {
		return Plan{}, ErrNoDebtToRepay
	}
	if err := checkBalance(debt, req.Balance); err != nil {
		return Plan{}, err
	}

	approval := ApprovalWithBuffer(debt, r.bufferDivisor)
	return Plan{
		Mode:           ModeFull,
		NeedsApproval:  orZero(req.Allowance).Lt(approval),
		ApprovalAmount: approval,
		RepayAmount:    MaxRepay(),
		QuotedDebt:     new(uint256.Int).Set(debt),
	}, nil
}
