package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/vault-engine/internal/model"
)

// Schema creates the tables PostgresStore uses.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id          UUID PRIMARY KEY,
    user_addr   TEXT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL,
    vaults      JSONB NOT NULL,
    position    JSONB,
    account     JSONB
);
CREATE INDEX IF NOT EXISTS snapshots_user_observed ON snapshots (user_addr, observed_at DESC);

CREATE TABLE IF NOT EXISTS vaults (
    id          TEXT PRIMARY KEY,
    owner       TEXT NOT NULL,
    amount_sats BIGINT NOT NULL,
    status      TEXT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS vaults_owner ON vaults (owner);
`

// PostgresStore implements Store using PostgreSQL as the snapshot history.
// Satoshi amounts are stored as BIGINT; nested snapshot parts as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap == nil || snap.User == "" {
		return fmt.Errorf("store: snapshot user required")
	}
	user := NormalizeUser(snap.User)

	vaults, err := json.Marshal(snap.Vaults)
	if err != nil {
		return fmt.Errorf("encode vaults: %w", err)
	}
	position, err := marshalOptional(snap.Position)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	account, err := marshalOptional(snap.Account)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO snapshots (id, user_addr, observed_at, vaults, position, account)
		 VALUES ($1, $2, $3, $4::JSONB, $5::JSONB, $6::JSONB)`,
		snap.ID, user, snap.ObservedAt, string(vaults), position, account,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}

	// Only move a vault forward in time; late snapshots must not regress it.
	for _, v := range snap.Vaults {
		_, err = tx.Exec(ctx,
			`INSERT INTO vaults (id, owner, amount_sats, status, observed_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE
			 SET owner = EXCLUDED.owner, amount_sats = EXCLUDED.amount_sats,
			     status = EXCLUDED.status, observed_at = EXCLUDED.observed_at
			 WHERE vaults.observed_at <= EXCLUDED.observed_at`,
			v.ID, user, int64(v.Amount), string(v.Status), snap.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert vault %s: %w", v.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, user string) (*model.Snapshot, error) {
	var snap model.Snapshot
	var vaults, position, account []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id::TEXT, user_addr, observed_at, vaults, position, account
		 FROM snapshots WHERE user_addr = $1
		 ORDER BY observed_at DESC LIMIT 1`, NormalizeUser(user)).
		Scan(&snap.ID, &snap.User, &snap.ObservedAt, &vaults, &position, &account)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("latest snapshot for %s: %w", user, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for %s: %w", user, err)
	}

	if err := json.Unmarshal(vaults, &snap.Vaults); err != nil {
		return nil, fmt.Errorf("decode vaults: %w", err)
	}
	if len(position) > 0 {
		snap.Position = new(model.Position)
		if err := json.Unmarshal(position, snap.Position); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
	}
	if len(account) > 0 {
		snap.Account = new(model.AccountData)
		if err := json.Unmarshal(account, snap.Account); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
	}
	return &snap, nil
}

func (s *PostgresStore) ListVaults(ctx context.Context, owner string) ([]model.Vault, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, amount_sats, status
		 FROM vaults WHERE owner = $1 ORDER BY id`, NormalizeUser(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vaults []model.Vault
	for rows.Next() {
		var v model.Vault
		var sats int64
		var status string
		if err := rows.Scan(&v.ID, &v.Owner, &sats, &status); err != nil {
			return nil, err
		}
		v.Amount = btcutil.Amount(sats)
		v.Status = model.VaultStatus(status)
		vaults = append(vaults, v)
	}
	return vaults, rows.Err()
}

// marshalOptional encodes v, or returns nil for a nil pointer so the column
// is stored as NULL.
func marshalOptional[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
