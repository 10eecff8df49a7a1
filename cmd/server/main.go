package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/vault-engine/internal/api"
	"github.com/atmx/vault-engine/internal/chain"
	"github.com/atmx/vault-engine/internal/config"
	"github.com/atmx/vault-engine/internal/metrics"
	"github.com/atmx/vault-engine/internal/pending"
	"github.com/atmx/vault-engine/internal/repay"
	"github.com/atmx/vault-engine/internal/risk"
	"github.com/atmx/vault-engine/internal/store"
	"github.com/atmx/vault-engine/internal/subsetsum"
)

func main() {
	configPath := flag.String("config", os.Getenv("VAULTENGINE_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fatal := func(msg string, args ...any) {
		slog.Error(msg, args...)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Redis (snapshot cache, optional pending backend) ---
	var rdb redis.UniversalClient
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			fatal("invalid redis url", "err", err)
		}
		client := redis.NewClient(opt)
		cleanup = append(cleanup, func() { client.Close() })
		rdb = client
	}

	// --- Snapshot store ---
	var st store.Store
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			fatal("database connection failed", "err", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				fatal("schema migration failed", "err", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration.String())
		}
	} else {
		slog.Warn("postgres dsn not set, using in-memory snapshot store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Pending state persistence ---
	var (
		persister     pending.Persister
		persistedKeys []string
	)
	switch cfg.Pending.Backend {
	case config.BackendLevelDB:
		ldb, err := store.OpenLevelDBPendingStore(cfg.Pending.LevelDBPath)
		if err != nil {
			fatal("pending store open failed", "path", cfg.Pending.LevelDBPath, "err", err)
		}
		cleanup = append(cleanup, func() { ldb.Close() })
		persistedKeys, err = ldb.Keys(ctx)
		if err != nil {
			fatal("pending store scan failed", "err", err)
		}
		persister = ldb
	case config.BackendRedis:
		persister = store.NewRedisPendingStore(rdb)
	default:
		slog.Warn("pending state kept in memory only; restarts forget submitted transactions")
		persister = pending.NewMemoryPersister()
	}

	// --- Chain reads ---
	var (
		debts  repay.DebtSource
		tokens api.TokenReader
	)
	if cfg.Chain.RPCURL != "" {
		eth, err := chain.Dial(cfg.Chain.RPCURL)
		if err != nil {
			fatal("rpc dial failed", "err", err)
		}
		cleanup = append(cleanup, eth.Close)
		client, err := chain.NewClient(eth, common.HexToAddress(cfg.Chain.SpokeAddress), cfg.Chain.Reserves)
		if err != nil {
			fatal("chain client init failed", "err", err)
		}
		debts, tokens = client, client
		slog.Info("chain reads enabled", "spoke", cfg.Chain.SpokeAddress, "reserves", len(cfg.Chain.Reserves))
	} else {
		slog.Warn("chain rpc_url not set, full repayments unavailable")
	}

	// --- Engines ---
	engine, err := risk.NewEngine(cfg.Risk.Scales)
	if err != nil {
		fatal("risk engine init failed", "err", err)
	}
	resolver, err := repay.NewResolver(debts, cfg.Repay.BufferDivisor)
	if err != nil {
		fatal("repay resolver init failed", "err", err)
	}

	wsHub := api.NewWSHub()
	go wsHub.Run()
	cleanup = append(cleanup, wsHub.Stop)

	svc := api.NewService(api.Options{
		AppID:      cfg.Server.AppID,
		Store:      st,
		Persister:  persister,
		Selector:   subsetsum.NewSelector(cfg.SelectionPolicy(), cfg.Selection.MaxVaults),
		Engine:     engine,
		Gate:       risk.NewGate(cfg.Risk.MinHealthFactor),
		Resolver:   resolver,
		Tokens:     tokens,
		Reserves:   cfg.Reserves,
		Hub:        wsHub,
		StaleAfter: cfg.Pending.StaleAfter.Duration,
		Logger:     logger,
	})

	if len(persistedKeys) > 0 {
		n, err := svc.RestoreLedgers(ctx, persistedKeys)
		if err != nil {
			fatal("pending state restore failed", "err", err)
		}
		slog.Info("pending ledgers restored", "path", cfg.Pending.LevelDBPath, "ledgers", n)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"vault-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for pending/reconciled vault events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Stale pending report ---
	stopReport := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stopReport:
				return
			case <-ticker.C:
				svc.ReportStale()
			}
		}
	}()

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("vault-engine listening", "port", port, "app_id", cfg.Server.AppID,
			"policy", cfg.Selection.Policy, "pending_backend", cfg.Pending.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server error", "err", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(stopReport)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down vault-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("vault-engine stopped")
}

// newLogger builds the JSON slog logger. With a log file configured, output
// goes to a size-rotated file.
func newLogger(c config.LogConfig) *slog.Logger {
	var out io.Writer = os.Stdout
	if c.File != "" {
		out = &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   true,
		}
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(c.Level))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
