package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/pending"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	// A late snapshot may not have replaced the latest; invalidate and let
	// the next read re-populate from the primary.
	user := NormalizeUser(snap.User)
	s.rdb.Del(ctx, latestKey(user), vaultsKey(user))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LatestSnapshot(ctx context.Context, user string) (*model.Snapshot, error) {
	user = NormalizeUser(user)
	data, err := s.rdb.Get(ctx, latestKey(user)).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.LatestSnapshot(ctx, user)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, latestKey(user), snap)
	return snap, nil
}

func (s *CachedStore) ListVaults(ctx context.Context, owner string) ([]model.Vault, error) {
	owner = NormalizeUser(owner)
	data, err := s.rdb.Get(ctx, vaultsKey(owner)).Bytes()
	if err == nil {
		var vaults []model.Vault
		if json.Unmarshal(data, &vaults) == nil {
			return vaults, nil
		}
	}

	vaults, err := s.primary.ListVaults(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, vaultsKey(owner), vaults)
	return vaults, nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func latestKey(user string) string { return fmt.Sprintf("snapshot:latest:%s", user) }
func vaultsKey(user string) string { return fmt.Sprintf("vaults:%s", user) }

// RedisPendingStore persists pending ledgers as one Redis hash per
// (application, user): field vault id, value operation kind. It lets several
// engine replicas share pending state.
type RedisPendingStore struct {
	rdb redis.UniversalClient
}

// NewRedisPendingStore creates a pending persister backed by rdb.
func NewRedisPendingStore(rdb redis.UniversalClient) *RedisPendingStore {
	return &RedisPendingStore{rdb: rdb}
}

func (s *RedisPendingStore) Load(ctx context.Context, key pending.Key) (map[string]model.OperationKind, error) {
	fields, err := s.rdb.HGetAll(ctx, pendingKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending %s: %w", key, err)
	}
	out := make(map[string]model.OperationKind, len(fields))
	for id, kind := range fields {
		out[id] = model.OperationKind(kind)
	}
	return out, nil
}

// Save replaces the stored hash atomically.
func (s *RedisPendingStore) Save(ctx context.Context, key pending.Key, entries map[string]model.OperationKind) error {
	k := pendingKey(key)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, k)
	if len(entries) > 0 {
		values := make(map[string]any, len(entries))
		for id, kind := range entries {
			values[id] = string(kind)
		}
		pipe.HSet(ctx, k, values)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save pending %s: %w", key, err)
	}
	return nil
}

func pendingKey(key pending.Key) string { return fmt.Sprintf("pending:%s", key) }
