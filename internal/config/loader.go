package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) on top of
// the defaults, then applies environment overrides. The result is NOT
// validated; call Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads VAULTENGINE_* variables, plus the bare PORT,
// DATABASE_URL and REDIS_URL that container platforms inject.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "VAULTENGINE_SERVER_PORT")
	setStr(&cfg.Server.AppID, "VAULTENGINE_SERVER_APP_ID")

	// ── Storage ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "VAULTENGINE_POSTGRES_DSN")
	setBool(&cfg.Postgres.Migrate, "VAULTENGINE_POSTGRES_MIGRATE")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "VAULTENGINE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "VAULTENGINE_REDIS_CACHE_TTL")

	// ── Pending ──
	setStr(&cfg.Pending.Backend, "VAULTENGINE_PENDING_BACKEND")
	setStr(&cfg.Pending.LevelDBPath, "VAULTENGINE_PENDING_LEVELDB_PATH")
	setDuration(&cfg.Pending.StaleAfter, "VAULTENGINE_PENDING_STALE_AFTER")

	// ── Selection / risk / repay ──
	setStr(&cfg.Selection.Policy, "VAULTENGINE_SELECTION_POLICY")
	setInt(&cfg.Selection.MaxVaults, "VAULTENGINE_SELECTION_MAX_VAULTS")
	setDecimal(&cfg.Risk.MinHealthFactor, "VAULTENGINE_RISK_MIN_HEALTH_FACTOR")
	setUint64(&cfg.Repay.BufferDivisor, "VAULTENGINE_REPAY_BUFFER_DIVISOR")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "VAULTENGINE_CHAIN_RPC_URL")
	setStr(&cfg.Chain.SpokeAddress, "VAULTENGINE_CHAIN_SPOKE_ADDRESS")

	// ── Log ──
	setStr(&cfg.Log.Level, "VAULTENGINE_LOG_LEVEL")
	setStr(&cfg.Log.File, "VAULTENGINE_LOG_FILE")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
