// Package store defines persistence for ledger snapshots and pending vault
// state. Implementations include PostgreSQL (snapshot history), Redis
// (read-through snapshot cache and shared pending state), LevelDB (local
// pending state) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/atmx/vault-engine/internal/model"
)

// ErrNotFound is returned when no snapshot exists for a user.
var ErrNotFound = errors.New("store: not found")

// Store persists snapshots delivered by the external ledger feed.
// User addresses are normalized with NormalizeUser before use as keys.
type Store interface {
	// SaveSnapshot records a snapshot and upserts its vaults. A snapshot
	// observed before the stored latest one is kept in history but does not
	// replace it.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error

	// LatestSnapshot returns the snapshot with the greatest ObservedAt.
	LatestSnapshot(ctx context.Context, user string) (*model.Snapshot, error)

	// ListVaults returns the last known state of every vault owned by user,
	// ordered by vault id.
	ListVaults(ctx context.Context, owner string) ([]model.Vault, error)
}

// NormalizeUser lowercases a user address.
func NormalizeUser(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}
