// Package api exposes the vault engine over HTTP: snapshot ingestion,
// collateral selection, pending-state tracking, risk views and repayment
// planning.
//
// BTC amounts are integer satoshis; token amounts are decimal strings of
// integer token units; risk values use shopspring/decimal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/atmx/vault-engine/internal/collateral"
	"github.com/atmx/vault-engine/internal/metrics"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/pending"
	"github.com/atmx/vault-engine/internal/repay"
	"github.com/atmx/vault-engine/internal/risk"
	"github.com/atmx/vault-engine/internal/store"
	"github.com/atmx/vault-engine/internal/subsetsum"
)

// TokenReader reads the user's allowance and balance of a reserve token.
type TokenReader interface {
	Allowance(ctx context.Context, reserveID, user string) (*uint256.Int, error)
	Balance(ctx context.Context, reserveID, user string) (*uint256.Int, error)
}

// Options wires a Service. Store, Selector, Engine, Gate and Resolver are
// required.
type Options struct {
	AppID      string
	Store      store.Store
	Persister  pending.Persister // nil keeps pending state in memory only
	Selector   *subsetsum.Selector
	Engine     *risk.Engine
	Gate       *risk.Gate
	Resolver   *repay.Resolver
	Tokens     TokenReader // optional; clients then supply allowance and balance
	Reserves   []model.ReserveConfig
	Hub        *WSHub // optional WebSocket hub for pending/reconciled events
	StaleAfter time.Duration
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Service handles vault engine requests. Each user's pending ledger is
// created on first use and kept for the life of the process.
type Service struct {
	opts     Options
	reserves map[string]model.ReserveConfig
	ledgers  *xsync.Map[string, *pending.Ledger]
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a new service.
func NewService(opts Options) *Service {
	s := &Service{
		opts:     opts,
		reserves: make(map[string]model.ReserveConfig, len(opts.Reserves)),
		ledgers:  xsync.NewMap[string, *pending.Ledger](),
		now:      opts.Clock,
		logger:   opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.opts.StaleAfter <= 0 {
		s.opts.StaleAfter = 30 * time.Minute
	}
	for _, r := range opts.Reserves {
		s.reserves[r.ID] = r
	}
	return s
}

// Routes registers the service's handlers on r, relative to /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/snapshots", s.IngestSnapshot)

	r.Route("/users/{user}", func(r chi.Router) {
		r.Get("/vaults", s.ListVaults)
		r.Get("/collateral/amounts", s.AchievableAmounts)
		r.Post("/collateral/select", s.SelectCollateral)
		r.Post("/pending", s.MarkPending)
		r.Get("/pending", s.ListPending)
		r.Post("/risk", s.AssessRisk)
		r.Post("/repay", s.ResolveRepay)
	})
}

// ledger returns the user's ledger, restoring persisted state on first use.
func (s *Service) ledger(ctx context.Context, user string) (*pending.Ledger, error) {
	key := pending.Key{AppID: s.opts.AppID, User: store.NormalizeUser(user)}
	if l, ok := s.ledgers.Load(key.String()); ok {
		return l, nil
	}

	opts := []pending.Option{pending.WithClock(s.now), pending.WithLogger(s.logger)}
	if s.opts.Persister != nil {
		opts = append(opts, pending.WithPersister(s.opts.Persister))
	}
	restored, err := pending.Restore(ctx, key, opts...)
	if err != nil {
		return nil, err
	}
	l, loaded := s.ledgers.LoadOrStore(key.String(), restored)
	if !loaded && restored.Len() > 0 {
		s.logger.Info("pending state restored", "key", key.String(), "entries", restored.Len())
	}
	return l, nil
}

// RestoreLedgers eagerly loads the persisted ledgers named by keys, as listed
// by a persister at startup, so stale reporting covers users that have not
// been seen since the restart. Keys of other applications are skipped.
func (s *Service) RestoreLedgers(ctx context.Context, keys []string) (int, error) {
	restored := 0
	for _, raw := range keys {
		key, err := pending.ParseKey(raw)
		if err != nil {
			return restored, err
		}
		if key.AppID != s.opts.AppID {
			continue
		}
		if _, err := s.ledger(ctx, key.User); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// ReportStale logs every pending entry older than the stale threshold and
// updates the stale gauge. Entries are not removed.
func (s *Service) ReportStale() int {
	now := s.now()
	total := 0
	s.ledgers.Range(func(key string, l *pending.Ledger) bool {
		for _, e := range l.Stale(now, s.opts.StaleAfter) {
			total++
			s.logger.Warn("pending entry not yet confirmed",
				"key", key, "vault_id", e.VaultID, "operation", string(e.Kind),
				"age", now.Sub(e.SubmittedAt).Round(time.Second).String())
		}
		return true
	})
	metrics.PendingStale.Set(float64(total))
	return total
}

// --- Request/Response types ---

// IngestResponse is returned from POST /snapshots.
type IngestResponse struct {
	SnapshotID string    `json:"snapshot_id"`
	User       string    `json:"user"`
	ObservedAt time.Time `json:"observed_at"`
	Cleared    []string  `json:"cleared"`
}

// AmountsResponse is returned from GET /collateral/amounts.
type AmountsResponse struct {
	User       string           `json:"user"`
	VaultCount int              `json:"vault_count"`
	Amounts    []btcutil.Amount `json:"amounts"`
}

// SelectRequest is the JSON body for POST /collateral/select.
type SelectRequest struct {
	Amount    btcutil.Amount `json:"amount"`    // satoshis
	Operation string         `json:"operation"` // add_collateral or withdraw
	// BTCPrice is the oracle-scaled BTC price. When set and the snapshot
	// carries account data, withdrawals are checked against the health gate.
	BTCPrice string `json:"btc_price,omitempty"`
}

// SelectResponse is returned from POST /collateral/select.
type SelectResponse struct {
	collateral.Plan
	Projected *risk.Metrics `json:"projected,omitempty"`
	// PositionReconciled is set for withdrawals. False means the position's
	// active entries do not sum to its total yet and the selection may be
	// working from a lagging view.
	PositionReconciled *bool `json:"position_reconciled,omitempty"`
}

// VaultView is one vault in GET /vaults with its pending overlay.
type VaultView struct {
	model.Vault
	Pending   *model.PendingEntry `json:"pending,omitempty"`
	Available bool                `json:"available"`
}

// VaultsResponse is returned from GET /vaults.
type VaultsResponse struct {
	User   string      `json:"user"`
	Vaults []VaultView `json:"vaults"`
}

// MarkPendingRequest is the JSON body for POST /pending.
type MarkPendingRequest struct {
	VaultIDs  []string `json:"vault_ids"`
	Operation string   `json:"operation"`
}

// PendingView is one pending entry in GET /pending.
type PendingView struct {
	model.PendingEntry
	Stale bool `json:"stale"`
}

// PendingResponse is returned from GET /pending.
type PendingResponse struct {
	User    string        `json:"user"`
	Entries []PendingView `json:"entries"`
}

// --- HTTP Handlers ---

// IngestSnapshot handles POST /api/v1/snapshots
func (s *Service) IngestSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap model.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(snap.User) == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	for _, v := range snap.Vaults {
		if v.ID == "" {
			writeError(w, "vault id is required", http.StatusBadRequest)
			return
		}
		if _, err := model.ParseVaultStatus(string(v.Status)); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if v.Amount <= 0 {
			writeError(w, "vault "+v.ID+" amount must be positive", http.StatusBadRequest)
			return
		}
	}
	snap.User = store.NormalizeUser(snap.User)
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	} else if _, err := uuid.Parse(snap.ID); err != nil {
		writeError(w, "snapshot id must be a UUID", http.StatusBadRequest)
		return
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = s.now().UTC()
	}

	// Resolve the ledger first: a snapshot stored without reconciling would
	// make a retry with the same id conflict.
	ctx := r.Context()
	l, err := s.ledger(ctx, snap.User)
	if err != nil {
		s.logger.Error("pending state restore failed", "user", snap.User, "err", err)
		writeError(w, "pending state unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.opts.Store.SaveSnapshot(ctx, &snap); err != nil {
		s.logger.Error("snapshot save failed", "user", snap.User, "err", err)
		writeError(w, "failed to store snapshot", http.StatusInternalServerError)
		return
	}
	metrics.SnapshotsIngested.Inc()

	cleared := l.Reconcile(ctx, snap)
	if cleared == nil {
		cleared = []string{}
	}
	if len(cleared) > 0 {
		metrics.PendingReconciled.Add(float64(len(cleared)))
		s.logger.Info("pending vaults confirmed",
			"user", snap.User, "snapshot", snap.ID, "vaults", cleared)
		s.broadcast(WSMessage{Type: EventVaultReconciled, User: snap.User, VaultIDs: cleared, SnapshotID: snap.ID})
	}

	writeJSON(w, http.StatusCreated, IngestResponse{
		SnapshotID: snap.ID,
		User:       snap.User,
		ObservedAt: snap.ObservedAt,
		Cleared:    cleared,
	})
}

// ListVaults handles GET /api/v1/users/{user}/vaults
func (s *Service) ListVaults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := store.NormalizeUser(chi.URLParam(r, "user"))
	vaults, err := s.opts.Store.ListVaults(ctx, user)
	if err != nil {
		s.logger.Error("vault list failed", "user", user, "err", err)
		writeError(w, "failed to list vaults", http.StatusInternalServerError)
		return
	}
	l, err := s.ledger(ctx, user)
	if err != nil {
		writeError(w, "pending state unavailable", http.StatusServiceUnavailable)
		return
	}

	views := make([]VaultView, len(vaults))
	for i, v := range vaults {
		views[i] = VaultView{
			Vault:     v,
			Available: v.Status == model.VaultAvailable && l.IsAvailableForCollateral(v),
		}
		if e, ok := l.Entry(v.ID); ok {
			views[i].Pending = &e
		}
	}
	writeJSON(w, http.StatusOK, VaultsResponse{User: user, Vaults: views})
}

// AchievableAmounts handles GET /api/v1/users/{user}/collateral/amounts
func (s *Service) AchievableAmounts(w http.ResponseWriter, r *http.Request) {
	user := store.NormalizeUser(chi.URLParam(r, "user"))
	snap, planner, ok := s.load(w, r, user)
	if !ok {
		return
	}

	amounts, err := planner.AchievableAmounts(snap.Vaults)
	if err != nil {
		s.writeSelectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountsResponse{
		User:       user,
		VaultCount: len(planner.AvailableVaults(snap.Vaults)),
		Amounts:    amounts,
	})
}

// SelectCollateral handles POST /api/v1/users/{user}/collateral/select
func (s *Service) SelectCollateral(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	op, err := model.ParseOperationKind(req.Operation)
	if err != nil || op == model.OpRedeem {
		writeError(w, "operation must be add_collateral or withdraw", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	var price *big.Int
	if req.BTCPrice != "" {
		p, ok := new(big.Int).SetString(req.BTCPrice, 10)
		if !ok || p.Sign() <= 0 {
			writeError(w, "btc_price must be a positive integer", http.StatusBadRequest)
			return
		}
		price = p
	}

	user := store.NormalizeUser(chi.URLParam(r, "user"))
	snap, planner, ok := s.load(w, r, user)
	if !ok {
		return
	}

	start := time.Now()
	var plan collateral.Plan
	if op == model.OpAddCollateral {
		plan, err = planner.SelectForDeposit(snap.Vaults, req.Amount)
	} else {
		plan, err = planner.SelectForWithdraw(snap.Position, req.Amount)
	}
	metrics.SelectionLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SelectionsTotal.WithLabelValues(string(op), selectionResult(err)).Inc()
		if errors.Is(err, collateral.ErrNoPosition) {
			writeCodedError(w, "no_position", err.Error(), http.StatusConflict)
			return
		}
		s.writeSelectionError(w, err)
		return
	}
	result := "exact"
	if !plan.Exact {
		result = "greedy"
	}
	metrics.SelectionsTotal.WithLabelValues(string(op), result).Inc()

	resp := SelectResponse{Plan: plan}
	if op == model.OpWithdraw {
		reconciled := snap.Position.Reconciled()
		resp.PositionReconciled = &reconciled
		if !reconciled {
			s.logger.Warn("withdraw selected against unreconciled position",
				"user", user, "total", snap.Position.TotalCollateral.String())
		}
	}
	if op == model.OpWithdraw && price != nil && snap.Account != nil {
		in := s.opts.Engine.FromAccount(*snap.Account)
		projected, err := s.opts.Gate.CheckWithdraw(in, s.opts.Engine.BTCValue(plan.Total, price))
		if errors.Is(err, risk.ErrUnhealthyAfterAction) {
			metrics.GateRejections.WithLabelValues(string(op)).Inc()
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":     err.Error(),
				"code":      "unhealthy_after_action",
				"projected": projected,
			})
			return
		}
		if err == nil {
			resp.Projected = &projected
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// MarkPending handles POST /api/v1/users/{user}/pending
func (s *Service) MarkPending(w http.ResponseWriter, r *http.Request) {
	var req MarkPendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	op, err := model.ParseOperationKind(req.Operation)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	user := store.NormalizeUser(chi.URLParam(r, "user"))
	l, err := s.ledger(ctx, user)
	if err != nil {
		writeError(w, "pending state unavailable", http.StatusServiceUnavailable)
		return
	}
	planner := collateral.NewPlanner(l, s.opts.Selector)
	if err := planner.Commit(ctx, collateral.Plan{Operation: op, VaultIDs: req.VaultIDs}); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.PendingMarked.WithLabelValues(string(op)).Add(float64(len(req.VaultIDs)))

	s.logger.Info("vaults marked pending", "user", user, "operation", string(op), "vaults", req.VaultIDs)
	s.broadcast(WSMessage{Type: EventVaultPending, User: user, VaultIDs: req.VaultIDs, Operation: string(op)})

	writeJSON(w, http.StatusCreated, s.pendingResponse(user, l))
}

// ListPending handles GET /api/v1/users/{user}/pending
func (s *Service) ListPending(w http.ResponseWriter, r *http.Request) {
	user := store.NormalizeUser(chi.URLParam(r, "user"))
	l, err := s.ledger(r.Context(), user)
	if err != nil {
		writeError(w, "pending state unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.pendingResponse(user, l))
}

func (s *Service) pendingResponse(user string, l *pending.Ledger) PendingResponse {
	cutoff := s.now().Add(-s.opts.StaleAfter)
	entries := l.Entries()
	views := make([]PendingView, len(entries))
	for i, e := range entries {
		views[i] = PendingView{PendingEntry: e, Stale: e.SubmittedAt.Before(cutoff)}
	}
	return PendingResponse{User: user, Entries: views}
}

// --- helpers ---

// load fetches the user's latest snapshot and a planner over their ledger,
// writing the error response itself when either is unavailable.
func (s *Service) load(w http.ResponseWriter, r *http.Request, user string) (*model.Snapshot, *collateral.Planner, bool) {
	ctx := r.Context()
	snap, err := s.opts.Store.LatestSnapshot(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no snapshot for user "+user, http.StatusNotFound)
		return nil, nil, false
	}
	if err != nil {
		s.logger.Error("snapshot load failed", "user", user, "err", err)
		writeError(w, "failed to load snapshot", http.StatusInternalServerError)
		return nil, nil, false
	}
	l, err := s.ledger(ctx, user)
	if err != nil {
		writeError(w, "pending state unavailable", http.StatusServiceUnavailable)
		return nil, nil, false
	}
	return snap, collateral.NewPlanner(l, s.opts.Selector), true
}

func selectionResult(err error) string {
	switch {
	case errors.Is(err, subsetsum.ErrNoExactMatch):
		return "no_match"
	case errors.Is(err, subsetsum.ErrTooManyVaults):
		return "too_many"
	}
	return "error"
}

func (s *Service) writeSelectionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subsetsum.ErrNoExactMatch):
		writeCodedError(w, "no_exact_match", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, subsetsum.ErrTooManyVaults):
		writeCodedError(w, "too_many_vaults",
			fmt.Sprintf("%s (limit %d)", err, s.opts.Selector.MaxVaults()), http.StatusUnprocessableEntity)
	case errors.Is(err, subsetsum.ErrInsufficientAmount):
		writeCodedError(w, "insufficient_collateral", err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.Error("vault selection failed", "err", err)
		writeError(w, "vault selection failed", http.StatusInternalServerError)
	}
}

func (s *Service) broadcast(msg WSMessage) {
	if s.opts.Hub != nil {
		s.opts.Hub.Broadcast(msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeCodedError adds a machine-readable code clients can switch on.
func writeCodedError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
