package pending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/atmx/vault-engine/internal/model"
)

// Key scopes persisted pending state to an application and a user address.
// User addresses are compared case-insensitively.
type Key struct {
	AppID string
	User  string
}

func (k Key) String() string {
	return k.AppID + ":" + strings.ToLower(k.User)
}

// ErrInvalidKey is returned by ParseKey for strings not produced by Key.String.
var ErrInvalidKey = errors.New("pending: invalid ledger key")

// ParseKey reverses Key.String. Application ids must not contain ':'.
func ParseKey(s string) (Key, error) {
	app, user, ok := strings.Cut(s, ":")
	if !ok || app == "" || user == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return Key{AppID: app, User: user}, nil
}

// Persister stores the {vaultId → operationKind} map of one ledger.
// Load returns an empty map, not an error, when nothing is stored.
type Persister interface {
	Load(ctx context.Context, key Key) (map[string]model.OperationKind, error)
	Save(ctx context.Context, key Key, entries map[string]model.OperationKind) error
}

// MemoryPersister keeps persisted state in process. Used for testing and
// when no durable store is configured.
type MemoryPersister struct {
	mu   sync.RWMutex
	data map[string]map[string]model.OperationKind
}

// NewMemoryPersister creates an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{data: make(map[string]map[string]model.OperationKind)}
}

func (p *MemoryPersister) Load(_ context.Context, key Key) (map[string]model.OperationKind, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]model.OperationKind, len(p.data[key.String()]))
	for id, kind := range p.data[key.String()] {
		out[id] = kind
	}
	return out, nil
}

func (p *MemoryPersister) Save(_ context.Context, key Key, entries map[string]model.OperationKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(entries) == 0 {
		delete(p.data, key.String())
		return nil
	}
	stored := make(map[string]model.OperationKind, len(entries))
	for id, kind := range entries {
		stored[id] = kind
	}
	p.data[key.String()] = stored
	return nil
}
