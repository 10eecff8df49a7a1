package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/metrics"
	"github.com/atmx/vault-engine/internal/repay"
	"github.com/atmx/vault-engine/internal/risk"
	"github.com/atmx/vault-engine/internal/store"
)

// RiskRequest is the JSON body for POST /risk. Without Inputs the values
// come from the account data of the user's latest snapshot.
type RiskRequest struct {
	Inputs *risk.Inputs `json:"inputs,omitempty"`
	Delta  *risk.Delta  `json:"delta,omitempty"`
	// Borrow, when set, runs the borrow gate for the reserve.
	Borrow *BorrowCheck `json:"borrow,omitempty"`
}

// BorrowCheck is a prospective borrow in base currency units.
type BorrowCheck struct {
	ReserveID string          `json:"reserve_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// RiskResponse is returned from POST /risk.
type RiskResponse struct {
	Inputs    risk.Inputs        `json:"inputs"`
	Current   risk.Metrics       `json:"current"`
	Reported  *risk.HealthFactor `json:"reported_health_factor,omitempty"`
	Projected *risk.Metrics      `json:"projected,omitempty"`
	Borrow    *BorrowResult      `json:"borrow,omitempty"`
}

// BorrowResult is the gate verdict for a prospective borrow.
type BorrowResult struct {
	Allowed   bool         `json:"allowed"`
	Reason    string       `json:"reason,omitempty"`
	Projected risk.Metrics `json:"projected"`
}

// RepayRequest is the JSON body for POST /repay. Amounts are decimal
// strings of integer token units. Allowance and Balance are read from
// chain when omitted and a token reader is configured.
type RepayRequest struct {
	ReserveID string `json:"reserve_id"`
	Mode      string `json:"mode"`
	Amount    string `json:"amount,omitempty"`
	Allowance string `json:"allowance,omitempty"`
	Balance   string `json:"balance,omitempty"`
}

// RepayResponse is returned from POST /repay.
type RepayResponse struct {
	Mode           repay.Mode `json:"mode"`
	NeedsApproval  bool       `json:"needs_approval"`
	ApprovalAmount string     `json:"approval_amount"`
	RepayAmount    string     `json:"repay_amount"`
	RepayAll       bool       `json:"repay_all"`
	QuotedDebt     string     `json:"quoted_debt,omitempty"`
}

// AssessRisk handles POST /api/v1/users/{user}/risk
func (s *Service) AssessRisk(w http.ResponseWriter, r *http.Request) {
	var req RiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var resp RiskResponse
	if req.Inputs != nil {
		if req.Inputs.LiquidationThresholdBps > risk.BasisPoints {
			writeError(w, "liquidation_threshold_bps exceeds 10000", http.StatusBadRequest)
			return
		}
		resp.Inputs = *req.Inputs
	} else {
		user := store.NormalizeUser(chi.URLParam(r, "user"))
		snap, err := s.opts.Store.LatestSnapshot(r.Context(), user)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "no snapshot for user "+user, http.StatusNotFound)
			return
		}
		if err != nil {
			s.logger.Error("snapshot load failed", "user", user, "err", err)
			writeError(w, "failed to load snapshot", http.StatusInternalServerError)
			return
		}
		if snap.Account == nil {
			writeError(w, "latest snapshot has no account data", http.StatusConflict)
			return
		}
		resp.Inputs = s.opts.Engine.FromAccount(*snap.Account)
		reported := s.opts.Engine.ReportedHealthFactor(*snap.Account)
		resp.Reported = &reported
	}

	resp.Current = risk.Assess(resp.Inputs)
	if req.Delta != nil {
		projected := risk.Project(resp.Inputs, *req.Delta)
		resp.Projected = &projected
	}

	if req.Borrow != nil {
		reserve, ok := s.reserves[req.Borrow.ReserveID]
		if !ok {
			writeError(w, "unknown reserve "+req.Borrow.ReserveID, http.StatusBadRequest)
			return
		}
		projected, err := s.opts.Gate.CheckBorrow(resp.Inputs, reserve, req.Borrow.Amount)
		switch {
		case err == nil:
			resp.Borrow = &BorrowResult{Allowed: true, Projected: projected}
		case errors.Is(err, risk.ErrUnhealthyAfterAction), errors.Is(err, risk.ErrNotBorrowable):
			metrics.GateRejections.WithLabelValues("borrow").Inc()
			resp.Borrow = &BorrowResult{Allowed: false, Reason: err.Error(), Projected: projected}
		default:
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ResolveRepay handles POST /api/v1/users/{user}/repay
func (s *Service) ResolveRepay(w http.ResponseWriter, r *http.Request) {
	var req RepayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode, err := repay.ParseMode(req.Mode)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := s.reserves[req.ReserveID]; !ok {
		writeError(w, "unknown reserve "+req.ReserveID, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	user := chi.URLParam(r, "user")

	allowance, err := s.tokenAmount(ctx, req.Allowance, "allowance", req.ReserveID, user)
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	balance, err := s.tokenAmount(ctx, req.Balance, "balance", req.ReserveID, user)
	if err != nil {
		s.writeTokenError(w, err)
		return
	}

	var plan repay.Plan
	if mode == repay.ModeFull {
		plan, err = s.opts.Resolver.ResolveFull(ctx, repay.FullRequest{
			ReserveID: req.ReserveID,
			User:      user,
			Allowance: allowance,
			Balance:   balance,
		})
	} else {
		amount, perr := parseUint(req.Amount)
		if perr != nil {
			writeError(w, "amount must be a decimal integer", http.StatusBadRequest)
			return
		}
		plan, err = s.opts.Resolver.ResolvePartial(amount, allowance, balance)
	}

	if err != nil {
		var short *repay.InsufficientBalanceError
		switch {
		case errors.As(err, &short):
			metrics.RepayPlans.WithLabelValues(string(mode), "insufficient_balance").Inc()
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error":     err.Error(),
				"code":      "insufficient_balance",
				"shortfall": short.Shortfall.Dec(),
			})
		case errors.Is(err, repay.ErrNoDebtToRepay):
			metrics.RepayPlans.WithLabelValues(string(mode), "no_debt").Inc()
			writeCodedError(w, "no_debt", err.Error(), http.StatusConflict)
		case errors.Is(err, repay.ErrInvalidAmount):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repay.ErrNoDebtSource):
			writeCodedError(w, "chain_reads_disabled", "full repayment needs chain reads", http.StatusServiceUnavailable)
		default:
			metrics.RepayPlans.WithLabelValues(string(mode), "error").Inc()
			s.logger.Error("repay resolution failed", "user", user, "reserve", req.ReserveID, "err", err)
			writeError(w, "failed to resolve repayment", http.StatusBadGateway)
		}
		return
	}
	metrics.RepayPlans.WithLabelValues(string(mode), "ok").Inc()

	resp := RepayResponse{
		Mode:           plan.Mode,
		NeedsApproval:  plan.NeedsApproval,
		ApprovalAmount: plan.ApprovalAmount.Dec(),
		RepayAmount:    plan.RepayAmount.Dec(),
		RepayAll:       repay.IsMaxRepay(plan.RepayAmount),
	}
	if plan.QuotedDebt != nil {
		resp.QuotedDebt = plan.QuotedDebt.Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

var errBadTokenAmount = errors.New("token amounts must be decimal integers")

// tokenAmount parses raw, or reads the value from chain when raw is empty.
// It returns nil when neither is available.
func (s *Service) tokenAmount(ctx context.Context, raw, which, reserveID, user string) (*uint256.Int, error) {
	if raw != "" {
		v, err := parseUint(raw)
		if err != nil {
			return nil, errBadTokenAmount
		}
		return v, nil
	}
	if s.opts.Tokens == nil {
		return nil, nil
	}
	if which == "allowance" {
		return s.opts.Tokens.Allowance(ctx, reserveID, user)
	}
	return s.opts.Tokens.Balance(ctx, reserveID, user)
}

func (s *Service) writeTokenError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBadTokenAmount) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Error("token read failed", "err", err)
	writeError(w, "failed to read token state", http.StatusBadGateway)
}

func parseUint(s string) (*uint256.Int, error) {
	return uint256.FromDecimal(s)
}
