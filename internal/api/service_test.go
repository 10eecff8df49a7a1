package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/vault-engine/internal/api"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/pending"
	"github.com/atmx/vault-engine/internal/repay"
	"github.com/atmx/vault-engine/internal/risk"
	"github.com/atmx/vault-engine/internal/store"
	"github.com/atmx/vault-engine/internal/subsetsum"
)

const (
	user     = "0x00000000000000000000000000000000000000C3"
	userPath = "/api/v1/users/" + user
	sats     = btcutil.SatoshiPerBitcoin
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeDebt struct{ debt *uint256.Int }

func (f *fakeDebt) CurrentDebt(context.Context, string, string) (*uint256.Int, error) {
	return f.debt, nil
}

type fakeTokens struct{ allowance, balance *uint256.Int }

func (f *fakeTokens) Allowance(context.Context, string, string) (*uint256.Int, error) {
	return f.allowance, nil
}

func (f *fakeTokens) Balance(context.Context, string, string) (*uint256.Int, error) {
	return f.balance, nil
}

type env struct {
	router    chi.Router
	svc       *api.Service
	clock     *clock
	debt      *fakeDebt
	persister *pending.MemoryPersister
	store     *store.MemoryStore
}

type envOption func(*api.Options)

func newEnv(t *testing.T, extra ...envOption) *env {
	t.Helper()
	e := &env{
		clock:     &clock{now: t0},
		debt:      &fakeDebt{debt: uint256.NewInt(1_000_000)},
		persister: pending.NewMemoryPersister(),
		store:     store.NewMemoryStore(),
	}
	e.build(t, extra...)
	return e
}

// build (re)creates the service over the env's store and persister.
func (e *env) build(t *testing.T, extra ...envOption) {
	t.Helper()
	engine, err := risk.NewEngine(risk.DefaultScales())
	require.NoError(t, err)
	resolver, err := repay.NewResolver(e.debt, repay.DefaultBufferDivisor)
	require.NoError(t, err)

	opts := api.Options{
		AppID:     "test",
		Store:     e.store,
		Persister: e.persister,
		Selector:  subsetsum.NewSelector(subsetsum.PolicyExact, subsetsum.MaxExactVaults),
		Engine:    engine,
		Gate:      risk.NewGate(decimal.NewFromInt(1)),
		Resolver:  resolver,
		Reserves: []model.ReserveConfig{
			{ID: "usdc", LiquidationThresholdBps: 8000, Decimals: 6, Borrowable: true},
			{ID: "frozen", LiquidationThresholdBps: 8000, Decimals: 6},
		},
		StaleAfter: time.Hour,
		Clock:      e.clock.Now,
	}
	for _, fn := range extra {
		fn(&opts)
	}
	e.svc = api.NewService(opts)
	r := chi.NewRouter()
	r.Route("/api/v1", e.svc.Routes)
	e.router = r
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func vaults(statuses ...model.VaultStatus) []model.Vault {
	amounts := []btcutil.Amount{3 * sats / 10, 5 * sats / 10, 2 * sats / 10}
	ids := []string{"v1", "v2", "v3"}
	out := make([]model.Vault, len(statuses))
	for i, st := range statuses {
		out[i] = model.Vault{ID: ids[i], Amount: amounts[i], Status: st, Owner: user}
	}
	return out
}

func (e *env) ingest(t *testing.T, snap model.Snapshot) api.IngestResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/snapshots", snap)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[api.IngestResponse](t, w)
}

// --- Collateral selection lifecycle ---

func TestDepositLifecycle(t *testing.T) {
	e := newEnv(t)
	avail := model.VaultAvailable
	e.ingest(t, model.Snapshot{User: user, Vaults: vaults(avail, avail, avail), ObservedAt: t0})

	w := e.do(t, http.MethodGet, userPath+"/collateral/amounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	amounts := decode[api.AmountsResponse](t, w)
	assert.Equal(t, 3, amounts.VaultCount)
	assert.Equal(t, []btcutil.Amount{0, 2 * sats / 10, 3 * sats / 10, 5 * sats / 10, 7 * sats / 10, 8 * sats / 10, sats}, amounts.Amounts)

	w = e.do(t, http.MethodPost, userPath+"/collateral/select", api.SelectRequest{Amount: 5 * sats / 10, Operation: "add_collateral"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sel := decode[api.SelectResponse](t, w)
	assert.Equal(t, []string{"v2"}, sel.VaultIDs)
	assert.True(t, sel.Exact)

	w = e.do(t, http.MethodPost, userPath+"/pending", api.MarkPendingRequest{VaultIDs: sel.VaultIDs, Operation: "add_collateral"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// v2 is pending: no longer offered even though the snapshot still shows it
	// available.
	amounts = decode[api.AmountsResponse](t, e.do(t, http.MethodGet, userPath+"/collateral/amounts", nil))
	assert.Equal(t, []btcutil.Amount{0, 2 * sats / 10, 3 * sats / 10, 5 * sats / 10}, amounts.Amounts)

	// The feed catches up.
	e.clock.Advance(time.Minute)
	resp := e.ingest(t, model.Snapshot{User: user, Vaults: vaults(avail, model.VaultInUse, avail), ObservedAt: e.clock.Now()})
	assert.Equal(t, []string{"v2"}, resp.Cleared)

	list := decode[api.PendingResponse](t, e.do(t, http.MethodGet, userPath+"/pending", nil))
	assert.Empty(t, list.Entries)
	amounts = decode[api.AmountsResponse](t, e.do(t, http.MethodGet, userPath+"/collateral/amounts", nil))
	assert.Equal(t, 2, amounts.VaultCount)
}

func TestSelect_NoExactMatch(t *testing.T) {
	e := newEnv(t)
	avail := model.VaultAvailable
	e.ingest(t, model.Snapshot{User: user, Vaults: vaults(avail, avail, avail), ObservedAt: t0})

	w := e.do(t, http.MethodPost, userPath+"/collateral/select", api.SelectRequest{Amount: 4 * sats / 10, Operation: "add_collateral"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "no_exact_match", decode[map[string]string](t, w)["code"])
}

func TestSelect_TooManyVaults(t *testing.T) {
	e := newEnv(t, func(o *api.Options) { o.Selector = subsetsum.NewSelector(subsetsum.PolicyExact, 2) })
	avail := model.VaultAvailable
	e.ingest(t, model.Snapshot{User: user, Vaults: vaults(avail, avail, avail), ObservedAt: t0})

	w := e.do(t, http.MethodGet, userPath+"/collateral/amounts", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "too_many_vaults", decode[map[string]string](t, w)["code"])
}

func TestSelect_Validation(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, userPath+"/collateral/select", api.SelectRequest{Amount: sats, Operation: "redeem"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, userPath+"/collateral/select", api.SelectRequest{Amount: 0, Operation: "add_collateral"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, userPath+"/collateral/select", api.SelectRequest{Amount: sats, Operation: "add_collateral"})
	assert.Equal(t, http.StatusNotFound, w.Code, "no snapshot yet")
}

func positionSnapshot(at time.Time) model.Snapshot {
	inUse := model.VaultInUse
	return model.Snapshot{
		User:   user,
		Vaults: vaults(inUse, inUse, model.VaultAvailable),
		Position: &model.Position{
			Depositor:       user,
			TotalCollateral: 8 * sats / 10,
			Collateral: []model.CollateralEntry{
				{VaultID: "v1", Amount: 3 * sats / 10, AddedAt: t0},
				{VaultID: "v2", Amount: 5 * sats / 10, AddedAt: t0},
			},
		},
		// $40,000 collateral, $20,000 debt, 80% threshold: health factor 1.6.
		Account: &model.AccountData{
			CollateralValue:         big.NewInt(4_000_000_000_000),
			DebtValue:               big.NewInt(2_000_000_000_000),
			HealthFactor:            new(big.Int).Mul(big.NewInt(16), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)),
			LiquidationThresholdBps: 8000,
		},
		ObservedAt: at,
	}
}

func TestSelectWithdraw_HealthGate(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, positionSnapshot(t0))
	price := "5000000000000" // $50,000 at 1e8

	// 0.5 BTC = $25,000 out: health factor 0.6.
	w := e.do(t, http.MethodPost, userPath+"/collateral/select",
		api.SelectRequest{Amount: 5 * sats / 10, Operation: "withdraw", BTCPrice: price})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "unhealthy_after_action")

	// 0.3 BTC = $15,000 out: health factor exactly 1.0, allowed.
	w = e.do(t, http.MethodPost, userPath+"/collateral/select",
		api.SelectRequest{Amount: 3 * sats / 10, Operation: "withdraw", BTCPrice: price})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sel := decode[api.SelectResponse](t, w)
	assert.Equal(t, []string{"v1"}, sel.VaultIDs)
	assert.Equal(t, model.OpWithdraw, sel.Operation)
	require.NotNil(t, sel.Projected)
	assert.True(t, sel.Projected.HealthFactor.Value().Equal(decimal.NewFromInt(1)))
	assert.True(t, sel.Projected.Healthy)
	require.NotNil(t, sel.PositionReconciled)
	assert.True(t, *sel.PositionReconciled)

	// Without a price the gate is skipped.
	w = e.do(t, http.MethodPost, userPath+"/collateral/select",
		api.SelectRequest{Amount: 5 * sats / 10, Operation: "withdraw"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSelectWithdraw_FlagsUnreconciledPosition(t *testing.T) {
	e := newEnv(t)
	snap := positionSnapshot(t0)
	snap.Position.TotalCollateral = sats // feed has not caught up with a removal
	e.ingest(t, snap)

	w := e.do(t, http.MethodPost, userPath+"/collateral/select",
		api.SelectRequest{Amount: 3 * sats / 10, Operation: "withdraw"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sel := decode[api.SelectResponse](t, w)
	require.NotNil(t, sel.PositionReconciled)
	assert.False(t, *sel.PositionReconciled)

	w = e.do(t, http.MethodPost, userPath+"/collateral/select",
		api.SelectRequest{Amount: 2 * sats / 10, Operation: "add_collateral"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "position_reconciled")
}

func TestSelectWithdraw_NoPosition(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, model.Snapshot{User: user, Vaults: vaults(model.VaultAvailable), ObservedAt: t0})

	w := e.do(t, http.MethodPost, userPath+"/collateral/select", api.SelectRequest{Amount: sats, Operation: "withdraw"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "no_position", decode[map[string]string](t, w)["code"])
}

// --- Ingestion ---

func TestIngest_Validation(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/snapshots", model.Snapshot{Vaults: vaults(model.VaultAvailable)})
	assert.Equal(t, http.StatusBadRequest, w.Code, "user required")

	w = e.do(t, http.MethodPost, "/api/v1/snapshots", model.Snapshot{User: user, Vaults: vaults("melted")})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown status")

	w = e.do(t, http.MethodPost, "/api/v1/snapshots", model.Snapshot{ID: "snap-1", User: user})
	assert.Equal(t, http.StatusBadRequest, w.Code, "non-uuid id")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/snapshots", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngest_AssignsIDAndTime(t *testing.T) {
	e := newEnv(t)
	resp := e.ingest(t, model.Snapshot{User: user, Vaults: vaults(model.VaultAvailable)})
	assert.NotEmpty(t, resp.SnapshotID)
	assert.True(t, t0.Equal(resp.ObservedAt))
	assert.Equal(t, store.NormalizeUser(user), resp.User)
	assert.Equal(t, []string{}, resp.Cleared)
}

func TestIngest_StaleSnapshotDoesNotClear(t *testing.T) {
	e := newEnv(t)
	avail := model.VaultAvailable
	e.ingest(t, model.Snapshot{User: user, Vaults: vaults(model.VaultInUse), ObservedAt: t0})

	e.clock.Advance(time.Minute)
	w := e.do(t, http.MethodPost, userPath+"/pending", api.MarkPendingRequest{VaultIDs: []string{"v1"}, Operation: "withdraw"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Observed before the withdraw was submitted.
	resp := e.ingest(t, model.Snapshot{User: user, Vaults: vaults(avail), ObservedAt: t0.Add(30 * time.Second)})
	assert.Empty(t, resp.Cleared)

	resp = e.ingest(t, model.Snapshot{User: user, Vaults: vaults(avail), ObservedAt: e.clock.Now()})
	assert.Equal(t, []string{"v1"}, resp.Cleared)
}

type flakyPersister struct {
	*pending.MemoryPersister
	failLoad bool
}

func (p *flakyPersister) Load(ctx context.Context, key pending.Key) (map[string]model.OperationKind, error) {
	if p.failLoad {
		return nil, errors.New("pending store offline")
	}
	return p.MemoryPersister.Load(ctx, key)
}

func TestIngest_PendingUnavailableStoresNothing(t *testing.T) {
	flaky := &flakyPersister{MemoryPersister: pending.NewMemoryPersister(), failLoad: true}
	e := newEnv(t, func(o *api.Options) { o.Persister = flaky })
	snap := model.Snapshot{
		ID:         "0b7e2c9a-4f1d-4b8e-9a57-3c2d1e0f9a11",
		User:       user,
		Vaults:     vaults(model.VaultAvailable),
		ObservedAt: t0,
	}

	w := e.do(t, http.MethodPost, "/api/v1/snapshots", snap)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	_, err := e.store.LatestSnapshot(context.Background(), user)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, e.store.HistoryLen(user))

	// The retry with the same id goes through once pending state is back.
	flaky.failLoad = false
	resp := e.ingest(t, snap)
	assert.Equal(t, snap.ID, resp.SnapshotID)
	assert.Equal(t, 1, e.store.HistoryLen(user))
}

// --- Vaults ---

func TestListVaults_WithPendingOverlay(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, model.Snapshot{
		User:       user,
		Vaults:     vaults(model.VaultAvailable, model.VaultAvailable, model.VaultInUse),
		ObservedAt: t0,
	})
	w := e.do(t, http.MethodPost, userPath+"/pending", api.MarkPendingRequest{VaultIDs: []string{"v2"}, Operation: "add_collateral"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = e.do(t, http.MethodGet, userPath+"/vaults", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[api.VaultsResponse](t, w)
	require.Len(t, resp.Vaults, 3)

	assert.Equal(t, "v1", resp.Vaults[0].ID)
	assert.True(t, resp.Vaults[0].Available)
	assert.Nil(t, resp.Vaults[0].Pending)

	assert.Equal(t, "v2", resp.Vaults[1].ID)
	assert.False(t, resp.Vaults[1].Available)
	require.NotNil(t, resp.Vaults[1].Pending)
	assert.Equal(t, model.OpAddCollateral, resp.Vaults[1].Pending.Kind)

	assert.Equal(t, model.VaultInUse, resp.Vaults[2].Status)
	assert.False(t, resp.Vaults[2].Available)

	w = e.do(t, http.MethodGet, "/api/v1/users/0xnobody/vaults", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[api.VaultsResponse](t, w).Vaults)
}

// --- Pending ---

func TestPending_StaleFlagAndReport(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, userPath+"/pending", api.MarkPendingRequest{VaultIDs: []string{"v1"}, Operation: "redeem"})
	require.Equal(t, http.StatusCreated, w.Code)

	list := decode[api.PendingResponse](t, e.do(t, http.MethodGet, userPath+"/pending", nil))
	require.Len(t, list.Entries, 1)
	assert.False(t, list.Entries[0].Stale)

	e.clock.Advance(2 * time.Hour)
	list = decode[api.PendingResponse](t, e.do(t, http.MethodGet, userPath+"/pending", nil))
	require.Len(t, list.Entries, 1)
	assert.True(t, list.Entries[0].Stale)
	assert.Equal(t, model.OpRedeem, list.Entries[0].Kind)

	assert.Equal(t, 1, e.svc.ReportStale())
	list = decode[api.PendingResponse](t, e.do(t, http.MethodGet, userPath+"/pending", nil))
	assert.Len(t, list.Entries, 1, "reporting never removes entries")
}

func TestRestoreLedgers_CoversUntouchedUsers(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, userPath+"/pending", api.MarkPendingRequest{VaultIDs: []string{"v1"}, Operation: "withdraw"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Restart: the new service has no ledgers loaded until asked.
	e.build(t)
	e.clock.Advance(2 * time.Hour)
	assert.Equal(t, 0, e.svc.ReportStale())

	keys := []string{
		pending.Key{AppID: "test", User: user}.String(),
		pending.Key{AppID: "other-app", User: user}.String(),
	}
	n, err := e.svc.RestoreLedgers(context.Background(), keys)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Restored entries age from the restore time.
	assert.Equal(t, 0, e.svc.ReportStale())
	e.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, e.svc.ReportStale())

	_, err = e.svc.RestoreLedgers(context.Background(), []string{"no-separator"})
	assert.ErrorIs(t, err, pending.ErrInvalidKey)
}

func TestPending_Validation(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, userPath+"/pending", api.MarkPendingRequest{Operation: "add_collateral"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, userPath+"/pending", api.MarkPendingRequest{VaultIDs: []string{"v1"}, Operation: "borrow"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPending_SurvivesRestart(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, userPath+"/pending", api.MarkPendingRequest{VaultIDs: []string{"v1", "v3"}, Operation: "add_collateral"})
	require.Equal(t, http.StatusCreated, w.Code)

	e.build(t)
	list := decode[api.PendingResponse](t, e.do(t, http.MethodGet, "/api/v1/users/0x00000000000000000000000000000000000000c3/pending", nil))
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "v1", list.Entries[0].VaultID)
	assert.Equal(t, "v3", list.Entries[1].VaultID)
}

// --- Risk ---

func TestRisk_FromSnapshot(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, positionSnapshot(t0))

	w := e.do(t, http.MethodPost, userPath+"/risk", api.RiskRequest{
		Delta:  &risk.Delta{Debt: decimal.NewFromInt(12_000)},
		Borrow: &api.BorrowCheck{ReserveID: "usdc", Amount: decimal.NewFromInt(12_000)},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[api.RiskResponse](t, w)

	assert.True(t, resp.Current.HealthFactor.Value().Equal(decimal.RequireFromString("1.6")))
	assert.Equal(t, "50.0%", resp.Current.BorrowRatioDisplay)
	assert.True(t, resp.Current.Healthy)
	require.NotNil(t, resp.Reported)
	assert.True(t, resp.Reported.Value().Equal(decimal.RequireFromString("1.6")))

	// $32,000 debt against $40,000 at 80%: exactly 1.0.
	require.NotNil(t, resp.Projected)
	assert.True(t, resp.Projected.HealthFactor.Value().Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "80.0%", resp.Projected.BorrowRatioDisplay)
	require.NotNil(t, resp.Borrow)
	assert.True(t, resp.Borrow.Allowed)
}

func TestRisk_ExplicitInputs(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, userPath+"/risk", api.RiskRequest{
		Inputs: &risk.Inputs{
			CollateralValue:         decimal.NewFromInt(10_000),
			DebtValue:               decimal.NewFromInt(6_000),
			LiquidationThresholdBps: 8000,
		},
		Borrow: &api.BorrowCheck{ReserveID: "usdc", Amount: decimal.NewFromInt(3_000)},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[api.RiskResponse](t, w)
	assert.Equal(t, "60.0%", resp.Current.BorrowRatioDisplay)
	assert.Nil(t, resp.Reported)
	require.NotNil(t, resp.Borrow)
	assert.False(t, resp.Borrow.Allowed)
	assert.False(t, resp.Borrow.Projected.Healthy)

	w = e.do(t, http.MethodPost, userPath+"/risk", api.RiskRequest{
		Inputs: &risk.Inputs{CollateralValue: decimal.NewFromInt(10_000), LiquidationThresholdBps: 8000},
		Borrow: &api.BorrowCheck{ReserveID: "frozen", Amount: decimal.NewFromInt(1)},
	})
	resp = decode[api.RiskResponse](t, w)
	assert.True(t, resp.Current.HealthFactor.IsNoDebt())
	assert.False(t, resp.Borrow.Allowed, "reserve is not borrowable")

	w = e.do(t, http.MethodPost, userPath+"/risk", api.RiskRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Repay ---

const maxUint256 = "115792089237316195423570985008687907853269984665640564039457584007913129639935"

func TestRepay_Full(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, userPath+"/repay", api.RepayRequest{ReserveID: "usdc", Mode: "full", Allowance: "0", Balance: "2000000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[api.RepayResponse](t, w)
	assert.True(t, resp.NeedsApproval)
	assert.Equal(t, "1000100", resp.ApprovalAmount)
	assert.Equal(t, maxUint256, resp.RepayAmount)
	assert.True(t, resp.RepayAll)
	assert.Equal(t, "1000000", resp.QuotedDebt)

	// Interest accrued since: the next resolution sees it.
	e.debt.debt = uint256.NewInt(1_000_500)
	resp = decode[api.RepayResponse](t, e.do(t, http.MethodPost, userPath+"/repay", api.RepayRequest{ReserveID: "usdc", Mode: "full"}))
	assert.Equal(t, "1000600", resp.ApprovalAmount)
}

func TestRepay_FullErrors(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, userPath+"/repay", api.RepayRequest{ReserveID: "usdc", Mode: "full", Balance: "999000"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "insufficient_balance", body["code"])
	assert.Equal(t, "1000", body["shortfall"])

	e.debt.debt = uint256.NewInt(0)
	w = e.do(t, http.MethodPost, userPath+"/repay", api.RepayRequest{ReserveID: "usdc", Mode: "full"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "no_debt", decode[map[string]string](t, w)["code"])
}

func TestRepay_FullWithoutChainReads(t *testing.T) {
	e := newEnv(t, func(o *api.Options) {
		r, err := repay.NewResolver(nil, repay.DefaultBufferDivisor)
		require.NoError(t, err)
		o.Resolver = r
	})

	w := e.do(t, http.MethodPost, userPath+"/repay", api.RepayRequest{ReserveID: "usdc", Mode: "full"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "chain_reads_disabled", decode[map[string]string](t, w)["code"])

	w = e.do(t, http.MethodPost, userPath+"/repay", api.RepayRequest{ReserveID: "usdc", Mode: "partial", Amount: "10"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRepay_PartialUsesTokenReader(t *testing.T) {
	tokens := &fakeTokens{allowance: uint256.NewInt(400), balance: uint256.NewInt(10_000)}
	e := newEnv(t, func(o *api.Options) { o.Tokens = tokens })

	resp := decode[api.RepayResponse](t, e.do(t, http.MethodPost, userPath+"/repay", api.RepayRequest{ReserveID: "usdc", Mode: "partial", Amount: "500"}))
	assert.True(t, resp.NeedsApproval)
	assert.Equal(t, "500", resp.ApprovalAmount)
	assert.Equal(t, "500", resp.RepayAmount)
	assert.False(t, resp.RepayAll)
	assert.Empty(t, resp.QuotedDebt)

	tokens.allowance = uint256.NewInt(500)
	resp = decode[api.RepayResponse](t, e.do(t, http.MethodPost, userPath+"/repay", api.RepayRequest{ReserveID: "usdc", Mode: "partial", Amount: "500"}))
	assert.False(t, resp.NeedsApproval)
}

func TestRepay_Validation(t *testing.T) {
	e := newEnv(t)
	for name, req := range map[string]api.RepayRequest{
		"mode":    {ReserveID: "usdc", Mode: "some"},
		"reserve": {ReserveID: "dai", Mode: "full"},
		"amount":  {ReserveID: "usdc", Mode: "partial", Amount: "1.5"},
		"zero":    {ReserveID: "usdc", Mode: "partial", Amount: "0"},
		"balance": {ReserveID: "usdc", Mode: "full", Balance: "-1"},
	} {
		w := e.do(t, http.MethodPost, userPath+"/repay", req)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}
