// Package config defines the vault engine's configuration and validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/chain"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/repay"
	"github.com/atmx/vault-engine/internal/risk"
	"github.com/atmx/vault-engine/internal/subsetsum"
)

// Config is the root configuration. Fields come from an optional TOML file
// and are then overridden by VAULTENGINE_* environment variables.
type Config struct {
	Server    ServerConfig          `toml:"server"`
	Postgres  PostgresConfig        `toml:"postgres"`
	Redis     RedisConfig           `toml:"redis"`
	Pending   PendingConfig         `toml:"pending"`
	Selection SelectionConfig       `toml:"selection"`
	Risk      RiskConfig            `toml:"risk"`
	Repay     RepayConfig           `toml:"repay"`
	Chain     ChainConfig           `toml:"chain"`
	Reserves  []model.ReserveConfig `toml:"reserves"`
	Log       LogConfig             `toml:"log"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port  int    `toml:"port"`
	AppID string `toml:"app_id"`
}

// PostgresConfig enables snapshot history. An empty DSN keeps snapshots
// in memory.
type PostgresConfig struct {
	DSN     string `toml:"dsn"`
	Migrate bool   `toml:"migrate"`
}

// RedisConfig enables the snapshot cache and the redis pending backend.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// Pending backends.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

// PendingConfig selects where pending state is persisted.
type PendingConfig struct {
	Backend     string   `toml:"backend"`
	LevelDBPath string   `toml:"leveldb_path"`
	StaleAfter  duration `toml:"stale_after"`
}

// SelectionConfig tunes vault selection.
type SelectionConfig struct {
	Policy    string `toml:"policy"`
	MaxVaults int    `toml:"max_vaults"`
}

// RiskConfig holds the protocol scales and the action gate threshold.
type RiskConfig struct {
	Scales          risk.Scales     `toml:"scales"`
	MinHealthFactor decimal.Decimal `toml:"min_health_factor"`
}

// RepayConfig tunes full-repayment approval.
type RepayConfig struct {
	BufferDivisor uint64 `toml:"buffer_divisor"`
}

// ChainConfig points at the lending contracts. An empty RPCURL disables
// on-chain reads; full repayments are then unavailable.
type ChainConfig struct {
	RPCURL       string          `toml:"rpc_url"`
	SpokeAddress string          `toml:"spoke_address"`
	Reserves     []chain.Reserve `toml:"reserves"`
}

// LogConfig controls the slog handler. A non-empty File routes logs to a
// rotating file instead of stdout.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:  8080,
			AppID: "vault-engine",
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Pending: PendingConfig{
			Backend:    BackendMemory,
			StaleAfter: duration{30 * time.Minute},
		},
		Selection: SelectionConfig{
			Policy:    subsetsum.PolicyExact.String(),
			MaxVaults: subsetsum.MaxExactVaults,
		},
		Risk: RiskConfig{
			Scales:          risk.DefaultScales(),
			MinHealthFactor: decimal.NewFromInt(1),
		},
		Repay: RepayConfig{
			BufferDivisor: repay.DefaultBufferDivisor,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Server.AppID) == "" {
		errs = append(errs, "server: app_id is required")
	}

	switch c.Pending.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if strings.TrimSpace(c.Pending.LevelDBPath) == "" {
			errs = append(errs, "pending: leveldb_path is required for the leveldb backend")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, "pending: redis.url is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("pending: unknown backend %q (valid: memory, leveldb, redis)", c.Pending.Backend))
	}
	if c.Pending.StaleAfter.Duration <= 0 {
		errs = append(errs, "pending: stale_after must be positive")
	}

	if _, err := subsetsum.ParsePolicy(c.Selection.Policy); err != nil {
		errs = append(errs, "selection: "+err.Error())
	}
	if c.Selection.MaxVaults < 1 || c.Selection.MaxVaults > subsetsum.MaxExactVaults {
		errs = append(errs, fmt.Sprintf("selection: max_vaults must be within [1, %d]", subsetsum.MaxExactVaults))
	}

	if _, err := risk.NewEngine(c.Risk.Scales); err != nil {
		errs = append(errs, "risk: "+err.Error())
	}
	if !c.Risk.MinHealthFactor.IsPositive() {
		errs = append(errs, "risk: min_health_factor must be positive")
	}

	if c.Repay.BufferDivisor == 0 {
		errs = append(errs, "repay: buffer_divisor must be positive")
	}

	seen := make(map[string]bool, len(c.Reserves))
	for _, r := range c.Reserves {
		if err := r.Validate(); err != nil {
			errs = append(errs, "reserves: "+err.Error())
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("reserves: duplicate id %q", r.ID))
		}
		seen[r.ID] = true
	}

	if c.Chain.RPCURL != "" {
		if !common.IsHexAddress(c.Chain.SpokeAddress) {
			errs = append(errs, fmt.Sprintf("chain: spoke_address %q is not a hex address", c.Chain.SpokeAddress))
		}
		for _, r := range c.Chain.Reserves {
			if !seen[r.ID] {
				errs = append(errs, fmt.Sprintf("chain: reserve %q is not configured under [[reserves]]", r.ID))
			}
		}
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SelectionPolicy returns the parsed selection policy. Call after Validate.
func (c *Config) SelectionPolicy() subsetsum.Policy {
	p, _ := subsetsum.ParsePolicy(c.Selection.Policy)
	return p
}

// Reserve returns the configured reserve with id.
func (c *Config) Reserve(id string) (model.ReserveConfig, bool) {
	for _, r := range c.Reserves {
		if r.ID == id {
			return r, true
		}
	}
	return model.ReserveConfig{}, false
}
