// Package pending tracks vaults that were just submitted in a
// collateral-changing transaction but are not yet reflected by the external
// ledger snapshot.
//
// The external snapshot lags real time. Right after a submission the vault
// ids are marked pending so they are not offered again; each fresh snapshot
// clears the entries whose vault has reached the status the operation leads
// to. Entries never expire on their own. Stale reports long-lived entries so
// they can be surfaced, but only a confirming snapshot removes them.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atmx/vault-engine/internal/model"
)

var (
	// ErrNoVaults is returned when MarkPending is called without ids.
	ErrNoVaults = errors.New("pending: at least one vault id is required")

	// ErrUnknownOperation is returned for an unsupported operation kind.
	ErrUnknownOperation = errors.New("pending: unknown operation kind")
)

// ExpectedStatus returns the vault status that confirms kind has settled.
func ExpectedStatus(kind model.OperationKind) (model.VaultStatus, bool) {
	switch kind {
	case model.OpAddCollateral:
		return model.VaultInUse, true
	case model.OpWithdraw:
		return model.VaultAvailable, true
	case model.OpRedeem:
		return model.VaultRedeemed, true
	}
	return "", false
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPersister stores the ledger's {vaultId → operationKind} map after every
// change. Persistence is advisory; the external ledger stays authoritative.
func WithPersister(p Persister) Option {
	return func(l *Ledger) { l.persister = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger for persistence failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger is the pending overlay for one (application, user) pair.
//
// A single mutex serializes MarkPending and Reconcile, so a reconciliation
// running concurrently with a mark cannot drop the mark: either the mark
// lands first and is judged against the snapshot's observation time, or the
// reconciliation finishes first and the mark is applied afterwards.
type Ledger struct {
	mu        sync.Mutex
	key       Key
	entries   map[string]model.PendingEntry
	persister Persister
	now       func() time.Time
	logger    *slog.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(key Key, opts ...Option) *Ledger {
	l := &Ledger{
		key:     key,
		entries: make(map[string]model.PendingEntry),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore creates a ledger and loads previously persisted entries. Only the
// operation kind is persisted, so restored entries are flagged Restored and
// any confirming snapshot clears them. SubmittedAt holds the restore time,
// which is what Stale measures from.
func Restore(ctx context.Context, key Key, opts ...Option) (*Ledger, error) {
	l := NewLedger(key, opts...)
	if l.persister == nil {
		return l, nil
	}
	stored, err := l.persister.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("pending: restore %s: %w", key, err)
	}
	now := l.now()
	for id, kind := range stored {
		if _, ok := ExpectedStatus(kind); !ok {
			l.logger.Warn("dropping persisted pending entry with unknown kind",
				"key", key.String(), "vault_id", id, "kind", string(kind))
			continue
		}
		l.entries[id] = model.PendingEntry{VaultID: id, Kind: kind, SubmittedAt: now, Restored: true}
	}
	return l, nil
}

// Key returns the (application, user) key of the ledger.
func (l *Ledger) Key() Key { return l.key }

// MarkPending records ids as submitted for kind. A vault already pending is
// overwritten by the newer submission.
func (l *Ledger) MarkPending(ctx context.Context, ids []string, kind model.OperationKind) error {
	if len(ids) == 0 {
		return ErrNoVaults
	}
	if _, ok := ExpectedStatus(kind); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, id := range ids {
		l.entries[id] = model.PendingEntry{VaultID: id, Kind: kind, SubmittedAt: now}
	}
	l.persistLocked(ctx)
	return nil
}

// Reconcile clears every entry the snapshot confirms and returns the cleared
// vault ids, sorted. An entry is confirmed when its vault is reported with the
// operation's expected status, or as liquidated (no operation can complete
// after that). Live entries submitted after snap.ObservedAt are left alone:
// the snapshot predates them and cannot confirm them. Restored entries have
// no known submission time and are never held back. Vaults missing from the
// snapshot stay pending.
func (l *Ledger) Reconcile(ctx context.Context, snap model.Snapshot) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return nil
	}

	statuses := make(map[string]model.VaultStatus, len(snap.Vaults))
	for _, v := range snap.Vaults {
		statuses[v.ID] = v.Status
	}

	var cleared []string
	for id, entry := range l.entries {
		status, ok := statuses[id]
		if !ok {
			continue
		}
		if !entry.Restored && !snap.ObservedAt.IsZero() && entry.SubmittedAt.After(snap.ObservedAt) {
			continue
		}
		expected, _ := ExpectedStatus(entry.Kind)
		if status == expected || status == model.VaultLiquidated {
			delete(l.entries, id)
			cleared = append(cleared, id)
		}
	}
	sort.Strings(cleared)

	if len(cleared) > 0 {
		l.persistLocked(ctx)
	}
	return cleared
}

// IsPending reports whether id has a live pending entry.
func (l *Ledger) IsPending(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

// Entry returns the pending entry for id.
func (l *Ledger) Entry(id string) (model.PendingEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	return e, ok
}

// IsAvailableForCollateral reports whether v may be offered as new
// collateral: it is not in use and has no live pending entry.
func (l *Ledger) IsAvailableForCollateral(v model.Vault) bool {
	if v.Status == model.VaultInUse {
		return false
	}
	return !l.IsPending(v.ID)
}

// Available filters vaults down to those available for collateral,
// preserving order.
func (l *Ledger) Available(vaults []model.Vault) []model.Vault {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Vault, 0, len(vaults))
	for _, v := range vaults {
		if v.Status == model.VaultInUse {
			continue
		}
		if _, ok := l.entries[v.ID]; ok {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Entries returns all live entries ordered by submission time, then id.
func (l *Ledger) Entries() []model.PendingEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked(func(model.PendingEntry) bool { return true })
}

// Stale returns entries submitted more than age before now. They stay
// pending; the caller decides how to surface them.
func (l *Ledger) Stale(now time.Time, age time.Duration) []model.PendingEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-age)
	return l.sortedLocked(func(e model.PendingEntry) bool {
		return e.SubmittedAt.Before(cutoff)
	})
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) sortedLocked(keep func(model.PendingEntry) bool) []model.PendingEntry {
	out := make([]model.PendingEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].VaultID < out[j].VaultID
	})
	return out
}

// persistLocked saves the current map. Failures are logged, not returned:
// the in-memory overlay is what guards the current session.
func (l *Ledger) persistLocked(ctx context.Context) {
	if l.persister == nil {
		return
	}
	snapshot := make(map[string]model.OperationKind, len(l.entries))
	for id, e := range l.entries {
		snapshot[id] = e.Kind
	}
	if err := l.persister.Save(ctx, l.key, snapshot); err != nil {
		l.logger.Warn("pending state persist failed",
			"key", l.key.String(), "entries", len(snapshot), "err", err)
	}
}
