// Package model defines the core domain types shared across the vault engine.
// BTC amounts are integer satoshis (btcutil.Amount), token amounts are
// uint256 smallest units, and oracle values stay fixed-point until the risk
// engine converts them. Never float64 for money.
package model

import (
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcutil"
)

// VaultStatus is the lifecycle state of a custody vault as reported by the
// external ledger.
type VaultStatus string

const (
	VaultAvailable       VaultStatus = "available"
	VaultInUse           VaultStatus = "in_use"
	VaultPendingDeposit  VaultStatus = "pending_deposit"
	VaultPendingWithdraw VaultStatus = "pending_withdraw"
	VaultRedeemed        VaultStatus = "redeemed"
	VaultLiquidated      VaultStatus = "liquidated"
)

var validStatuses = map[VaultStatus]bool{
	VaultAvailable:       true,
	VaultInUse:           true,
	VaultPendingDeposit:  true,
	VaultPendingWithdraw: true,
	VaultRedeemed:        true,
	VaultLiquidated:      true,
}

// ParseVaultStatus validates a status string coming from the snapshot feed.
func ParseVaultStatus(s string) (VaultStatus, error) {
	st := VaultStatus(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("model: unknown vault status %q", s)
	}
	return st, nil
}

// Vault is an indivisible custodied BTC deposit. Vaults are never destroyed,
// only transitioned between statuses.
type Vault struct {
	ID     string         `json:"id" db:"id"`
	Amount btcutil.Amount `json:"amount" db:"amount"` // satoshis
	Status VaultStatus    `json:"status" db:"status"`
	Owner  string         `json:"owner" db:"owner"`
}

// CollateralEntry records one vault pledged to a position.
type CollateralEntry struct {
	VaultID   string         `json:"vault_id"`
	Amount    btcutil.Amount `json:"amount"`
	AddedAt   time.Time      `json:"added_at"`
	RemovedAt *time.Time     `json:"removed_at,omitempty"`
}

// Active reports whether the vault is still pledged.
func (e CollateralEntry) Active() bool {
	return e.RemovedAt == nil
}

// Position is a user's aggregated collateral record with the lending protocol.
type Position struct {
	Depositor       string            `json:"depositor"`
	ProxyAddress    string            `json:"proxy_address"`
	TotalCollateral btcutil.Amount    `json:"total_collateral"`
	Collateral      []CollateralEntry `json:"collateral"`
}

// ActiveCollateral returns the entries that have not been removed, in
// their original order.
func (p *Position) ActiveCollateral() []CollateralEntry {
	var active []CollateralEntry
	for _, e := range p.Collateral {
		if e.Active() {
			active = append(active, e)
		}
	}
	return active
}

// Reconciled reports whether the active entries sum to TotalCollateral.
// The two may diverge while the external ledger is catching up.
func (p *Position) Reconciled() bool {
	var sum btcutil.Amount
	for _, e := range p.ActiveCollateral() {
		sum += e.Amount
	}
	return sum == p.TotalCollateral
}

// ReserveConfig is the lending protocol's configuration for one reserve.
type ReserveConfig struct {
	ID                      string `json:"id" toml:"id"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps" toml:"liquidation_threshold_bps"`
	Decimals                uint8  `json:"decimals" toml:"decimals"`
	Borrowable              bool   `json:"borrowable" toml:"borrowable"`
}

// Validate checks the threshold lies in [0, 10000] basis points.
func (r ReserveConfig) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("model: reserve id is required")
	}
	if r.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("model: reserve %s liquidation threshold %d bps exceeds 10000",
			r.ID, r.LiquidationThresholdBps)
	}
	return nil
}

// AccountData is oracle-derived account state. CollateralValue and DebtValue
// are in the oracle base currency scale; HealthFactor is WAD-scaled.
type AccountData struct {
	CollateralValue         *big.Int `json:"collateral_value"`
	DebtValue               *big.Int `json:"debt_value"`
	HealthFactor            *big.Int `json:"health_factor"`
	LiquidationThresholdBps uint64   `json:"liquidation_threshold_bps"`
}

// OperationKind is the collateral-changing operation a vault was submitted for.
type OperationKind string

const (
	OpAddCollateral OperationKind = "add_collateral"
	OpWithdraw      OperationKind = "withdraw"
	OpRedeem        OperationKind = "redeem"
)

// ParseOperationKind validates an operation kind string.
func ParseOperationKind(s string) (OperationKind, error) {
	switch k := OperationKind(s); k {
	case OpAddCollateral, OpWithdraw, OpRedeem:
		return k, nil
	}
	return "", fmt.Errorf("model: unknown operation kind %q", s)
}

// PendingEntry marks a vault submitted in a transaction that the external
// ledger has not reflected yet.
type PendingEntry struct {
	VaultID     string        `json:"vault_id"`
	Kind        OperationKind `json:"kind"`
	SubmittedAt time.Time     `json:"submitted_at"`
	// Restored entries were loaded from persisted state, which keeps no
	// submission time. They count as submitted before any snapshot.
	Restored bool `json:"restored,omitempty"`
}

// Snapshot is one delivery from the external snapshot feed for a user.
type Snapshot struct {
	ID         string       `json:"id"`
	User       string       `json:"user"`
	Vaults     []Vault      `json:"vaults"`
	Position   *Position    `json:"position,omitempty"`
	Account    *AccountData `json:"account,omitempty"`
	ObservedAt time.Time    `json:"observed_at"`
}
