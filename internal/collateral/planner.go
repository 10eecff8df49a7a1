// Package collateral plans which vaults to pledge or release for a requested
// BTC amount, combining the pending overlay with subset-sum selection.
package collateral

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil"

	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/pending"
	"github.com/atmx/vault-engine/internal/subsetsum"
)

// ErrNoPosition is returned when a withdrawal is planned without a position.
var ErrNoPosition = errors.New("collateral: user has no position")

// Plan is a resolved vault selection for one operation.
type Plan struct {
	Operation model.OperationKind `json:"operation"`
	VaultIDs  []string            `json:"vault_ids"`
	Total     btcutil.Amount      `json:"total"`
	Exact     bool                `json:"exact"`
	Overshoot btcutil.Amount      `json:"overshoot"`
}

// Planner is built per user: it holds that user's ledger.
type Planner struct {
	ledger   *pending.Ledger
	selector *subsetsum.Selector
}

// NewPlanner creates a planner over ledger and selector.
func NewPlanner(ledger *pending.Ledger, selector *subsetsum.Selector) *Planner {
	return &Planner{ledger: ledger, selector: selector}
}

// AvailableVaults returns the vaults that may be offered as new collateral:
// status available and no live pending entry. Input order is kept, which
// fixes the tie-break between equal-sum combinations.
func (p *Planner) AvailableVaults(vaults []model.Vault) []model.Vault {
	candidates := p.ledger.Available(vaults)
	out := candidates[:0]
	for _, v := range candidates {
		if v.Status == model.VaultAvailable {
			out = append(out, v)
		}
	}
	return out
}

// AchievableAmounts returns every amount the available vaults can form,
// ascending and without duplicates.
func (p *Planner) AchievableAmounts(vaults []model.Vault) ([]btcutil.Amount, error) {
	sums, err := p.selector.Sums(amounts(p.AvailableVaults(vaults)))
	if err != nil {
		return nil, fmt.Errorf("collateral: achievable amounts: %w", err)
	}
	out := make([]btcutil.Amount, len(sums))
	for i, s := range sums {
		out[i] = btcutil.Amount(s)
	}
	return out, nil
}

// SelectForDeposit picks available vaults summing to target.
func (p *Planner) SelectForDeposit(vaults []model.Vault, target btcutil.Amount) (Plan, error) {
	candidates := p.AvailableVaults(vaults)
	ids := make([]string, len(candidates))
	for i, v := range candidates {
		ids[i] = v.ID
	}
	return p.selectFrom(model.OpAddCollateral, ids, amounts(candidates), target)
}

// SelectForWithdraw picks active collateral entries of pos summing to
// target. Entries with a live pending entry are skipped.
func (p *Planner) SelectForWithdraw(pos *model.Position, target btcutil.Amount) (Plan, error) {
	if pos == nil {
		return Plan{}, ErrNoPosition
	}
	var ids []string
	var amts []int64
	for _, e := range pos.ActiveCollateral() {
		if p.ledger.IsPending(e.VaultID) {
			continue
		}
		ids = append(ids, e.VaultID)
		amts = append(amts, int64(e.Amount))
	}
	return p.selectFrom(model.OpWithdraw, ids, amts, target)
}

func (p *Planner) selectFrom(op model.OperationKind, ids []string, amts []int64, target btcutil.Amount) (Plan, error) {
	sel, err := p.selector.Select(amts, int64(target))
	if err != nil {
		return Plan{}, fmt.Errorf("collateral: select %s of %s: %w", op, target, err)
	}
	plan := Plan{
		Operation: op,
		VaultIDs:  make([]string, len(sel.Indices)),
		Total:     btcutil.Amount(sel.Total),
		Exact:     sel.Exact,
		Overshoot: btcutil.Amount(sel.Overshoot),
	}
	for i, idx := range sel.Indices {
		plan.VaultIDs[i] = ids[idx]
	}
	return plan, nil
}

// Commit marks the plan's vaults pending. Call it once the transaction
// carrying the plan has been submitted.
func (p *Planner) Commit(ctx context.Context, plan Plan) error {
	return p.ledger.MarkPending(ctx, plan.VaultIDs, plan.Operation)
}

func amounts(vaults []model.Vault) []int64 {
	out := make([]int64, len(vaults))
	for i, v := range vaults {
		out[i] = int64(v.Amount)
	}
	return out
}
