package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/pending"
)

const pendingKeyPrefix = "pending:"

// LevelDBPendingStore persists pending ledgers in a local LevelDB database,
// one JSON-encoded {vaultId: kind} value per (application, user).
type LevelDBPendingStore struct {
	db *leveldb.DB
}

// OpenLevelDBPendingStore opens (or creates) the database at path.
func OpenLevelDBPendingStore(path string) (*LevelDBPendingStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb pending store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb pending path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb pending store: %w", err)
	}
	return &LevelDBPendingStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBPendingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBPendingStore) Load(_ context.Context, key pending.Key) (map[string]model.OperationKind, error) {
	out := make(map[string]model.OperationKind)
	data, err := s.db.Get([]byte(pendingKey(key)), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return out, nil
	case err != nil:
		return nil, fmt.Errorf("load pending %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode pending %s: %w", key, err)
	}
	return out, nil
}

// Save replaces the stored value; an empty map deletes it.
func (s *LevelDBPendingStore) Save(_ context.Context, key pending.Key, entries map[string]model.OperationKind) error {
	k := []byte(pendingKey(key))
	if len(entries) == 0 {
		if err := s.db.Delete(k, nil); err != nil {
			return fmt.Errorf("delete pending %s: %w", key, err)
		}
		return nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode pending %s: %w", key, err)
	}
	if err := s.db.Put(k, data, nil); err != nil {
		return fmt.Errorf("save pending %s: %w", key, err)
	}
	return nil
}

// Keys lists every persisted ledger key string, in the form pending.ParseKey
// reads. The server restores those ledgers eagerly at startup.
func (s *LevelDBPendingStore) Keys(ctx context.Context) ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(pendingKeyPrefix)), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		keys = append(keys, strings.TrimPrefix(string(iter.Key()), pendingKeyPrefix))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate pending keys: %w", err)
	}
	return keys, nil
}
