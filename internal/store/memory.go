package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/vault-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	latest  map[string]*model.Snapshot
	history map[string][]*model.Snapshot
	vaults  map[string]map[string]model.Vault
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		latest:  make(map[string]*model.Snapshot),
		history: make(map[string][]*model.Snapshot),
		vaults:  make(map[string]map[string]model.Vault),
	}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	if snap == nil || snap.User == "" {
		return fmt.Errorf("store: snapshot user required")
	}
	user := NormalizeUser(snap.User)
	stored := cloneSnapshot(snap)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[user] = append(s.history[user], stored)
	if cur, ok := s.latest[user]; ok && stored.ObservedAt.Before(cur.ObservedAt) {
		return nil
	}
	s.latest[user] = stored

	owned := s.vaults[user]
	if owned == nil {
		owned = make(map[string]model.Vault)
		s.vaults[user] = owned
	}
	for _, v := range stored.Vaults {
		owned[v.ID] = v
	}
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, user string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.latest[NormalizeUser(user)]
	if !ok {
		return nil, fmt.Errorf("latest snapshot for %s: %w", user, ErrNotFound)
	}
	return cloneSnapshot(snap), nil
}

func (s *MemoryStore) ListVaults(_ context.Context, owner string) ([]model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.vaults[NormalizeUser(owner)]
	out := make([]model.Vault, 0, len(owned))
	for _, v := range owned {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HistoryLen returns how many snapshots were saved for user.
func (s *MemoryStore) HistoryLen(user string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history[NormalizeUser(user)])
}

// cloneSnapshot copies the mutable parts of snap. Big integers in Account
// are shared; they are never mutated after decoding.
func cloneSnapshot(snap *model.Snapshot) *model.Snapshot {
	c := *snap
	c.Vaults = append([]model.Vault(nil), snap.Vaults...)
	if snap.Position != nil {
		pos := *snap.Position
		pos.Collateral = append([]model.CollateralEntry(nil), snap.Position.Collateral...)
		c.Position = &pos
	}
	if snap.Account != nil {
		acc := *snap.Account
		c.Account = &acc
	}
	return &c
}
