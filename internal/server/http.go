package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"laminar/internal/core"
	"laminar/internal/event"
	"laminar/internal/observability"
	"laminar/internal/query"
	"laminar/internal/service"
	"laminar/internal/state"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Ledger is the write side the HTTP surface drives.
type Ledger interface {
	Execute(ctx context.Context, kind event.OperationKind, req service.OperationRequest) (service.Outcome, error)
	Deposit(ctx context.Context, req service.TransferRequest) (service.Outcome, error)
	Withdraw(ctx context.Context, req service.TransferRequest) (service.Outcome, error)
	Initialize(ctx context.Context, ip core.InitParams) (service.Outcome, error)
	UpdateRiskParams(ctx context.Context, req service.AdminRequest, params state.RiskParams) (service.Outcome, error)
	SetPaused(ctx context.Context, req service.AdminRequest, mintPaused, redeemPaused bool) (service.Outcome, error)
	SyncPricing(ctx context.Context, req service.AdminRequest, snap *state.PricingSnapshot) (service.Outcome, error)
}

// Reader is the read side.
type Reader interface {
	BalanceSheet(ctx context.Context) (*query.BalanceSheetView, error)
	AccountBalances(ctx context.Context, user uuid.UUID) (*query.AccountBalances, error)
	Operations(ctx context.Context, user uuid.UUID, limit int, before uint64) ([]query.OperationView, error)
}

// Handler serves the HTTP/JSON surface on a grpc-gateway mux.
type Handler struct {
	ledger Ledger
	reader Reader
	auth   *Authenticator
	health *observability.HealthChecker
	logger zerolog.Logger
}

// NewHTTPHandler registers every route. auth may be nil, in which case
// admin routes answer 401.
func NewHTTPHandler(ledger Ledger, reader Reader, auth *Authenticator, health *observability.HealthChecker, logger zerolog.Logger) (http.Handler, error) {
	h := &Handler{ledger: ledger, reader: reader, auth: auth, health: health, logger: logger}
	mux := runtime.NewServeMux()

	routes := []struct {
		method, path string
		fn           runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/stable/mint", h.operation(event.OpMintStable)},
		{http.MethodPost, "/v1/stable/redeem", h.operation(event.OpRedeemStable)},
		{http.MethodPost, "/v1/equity/mint", h.operation(event.OpMintEquity)},
		{http.MethodPost, "/v1/equity/redeem", h.operation(event.OpRedeemEquity)},
		{http.MethodPost, "/v1/deposits", h.transfer(false)},
		{http.MethodPost, "/v1/withdrawals", h.transfer(true)},
		{http.MethodGet, "/v1/balance-sheet", h.balanceSheet},
		{http.MethodGet, "/v1/accounts/{user_id}/balances", h.accountBalances},
		{http.MethodGet, "/v1/operations", h.operations},
		{http.MethodPost, "/v1/admin/initialize", h.admin(h.initialize)},
		{http.MethodPost, "/v1/admin/risk-params", h.admin(h.riskParams)},
		{http.MethodPost, "/v1/admin/pause", h.admin(h.pause)},
		{http.MethodPost, "/v1/admin/pricing", h.admin(h.pricing)},
		{http.MethodGet, "/healthz", h.liveness},
		{http.MethodGet, "/readyz", h.readiness},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.fn); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.path, err)
		}
	}
	return mux, nil
}

// --- request bodies ---

type operationBody struct {
	OperationID uuid.UUID `json:"operation_id"`
	UserID      uuid.UUID `json:"user_id"`
	Collateral  string    `json:"collateral"`
	Amount      uint64    `json:"amount"`
	MinOut      uint64    `json:"min_out"`
}

type transferBody struct {
	TransferID uuid.UUID `json:"transfer_id"`
	UserID     uuid.UUID `json:"user_id"`
	Asset      string    `json:"asset"`
	Amount     uint64    `json:"amount"`
}

type initializeBody struct {
	OperationID         uuid.UUID              `json:"operation_id"`
	Authority           string                 `json:"authority"`
	Treasury            uuid.UUID              `json:"treasury"`
	SupportedCollateral string                 `json:"supported_collateral"`
	Risk                *state.RiskParams      `json:"risk_params"`
	Pricing             *state.PricingSnapshot `json:"pricing"`
}

type riskParamsBody struct {
	OperationID uuid.UUID        `json:"operation_id"`
	Risk        state.RiskParams `json:"risk_params"`
}

type pauseBody struct {
	OperationID  uuid.UUID `json:"operation_id"`
	MintPaused   bool      `json:"mint_paused"`
	RedeemPaused bool      `json:"redeem_paused"`
}

type pricingBody struct {
	OperationID uuid.UUID              `json:"operation_id"`
	Pricing     *state.PricingSnapshot `json:"pricing"` // nil pulls from the price source
}

// outcomeBody is the response to every mutation.
type outcomeBody struct {
	Sequence  uint64      `json:"sequence"`
	EventType string      `json:"event_type"`
	StateHash string      `json:"state_hash"`
	PrevHash  string      `json:"prev_hash"`
	Event     event.Event `json:"event"`
}

func newOutcomeBody(o service.Outcome) outcomeBody {
	return outcomeBody{
		Sequence:  o.Envelope.Sequence,
		EventType: o.Envelope.EventType.String(),
		StateHash: core.HexHash(o.Envelope.StateHash),
		PrevHash:  core.HexHash(o.Envelope.PrevHash),
		Event:     o.Event,
	}
}

// --- handlers ---

func (h *Handler) operation(kind event.OperationKind) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		var body operationBody
		if err := decode(r, &body); err != nil {
			writeError(w, err)
			return
		}
		out, err := h.ledger.Execute(r.Context(), kind, service.OperationRequest{
			OperationID: body.OperationID,
			User:        body.UserID,
			Collateral:  body.Collateral,
			Amount:      body.Amount,
			MinOut:      body.MinOut,
		})
		h.respond(w, r, out, err)
	}
}

func (h *Handler) transfer(withdraw bool) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		var body transferBody
		if err := decode(r, &body); err != nil {
			writeError(w, err)
			return
		}
		req := service.TransferRequest{
			TransferID: body.TransferID,
			User:       body.UserID,
			Asset:      body.Asset,
			Amount:     body.Amount,
		}
		var (
			out service.Outcome
			err error
		)
		if withdraw {
			out, err = h.ledger.Withdraw(r.Context(), req)
		} else {
			out, err = h.ledger.Deposit(r.Context(), req)
		}
		h.respond(w, r, out, err)
	}
}

func (h *Handler) balanceSheet(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	v, err := h.reader.BalanceSheet(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) accountBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, err := uuid.Parse(params["user_id"])
	if err != nil {
		writeError(w, fmt.Errorf("%w: user_id: %v", state.ErrInvalidParameter, err))
		return
	}
	v, err := h.reader.AccountBalances(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) operations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()

	var user uuid.UUID
	if s := q.Get("user_id"); s != "" {
		u, err := uuid.Parse(s)
		if err != nil {
			writeError(w, fmt.Errorf("%w: user_id: %v", state.ErrInvalidParameter, err))
			return
		}
		user = u
	}
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil {
		writeError(w, err)
		return
	}
	before, err := intParam(q.Get("before"), 0)
	if err != nil {
		writeError(w, err)
		return
	}

	ops, err := h.reader.Operations(r.Context(), user, int(limit), before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

// adminHandler receives the authenticated caller.
type adminHandler func(w http.ResponseWriter, r *http.Request, caller string)

func (h *Handler) admin(next adminHandler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		if h.auth == nil {
			writeError(w, fmt.Errorf("%w: admin auth not configured", ErrUnauthenticated))
			return
		}
		claims, err := h.auth.Authorize(r.Header.Get("Authorization"))
		if err != nil {
			h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("admin request rejected")
			writeError(w, err)
			return
		}
		next(w, r, claims.Subject)
	}
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request, caller string) {
	var body initializeBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ip := core.InitParams{
		OperationID:         orNew(body.OperationID),
		Authority:           body.Authority,
		Treasury:            body.Treasury,
		SupportedCollateral: body.SupportedCollateral,
		Risk:                state.DefaultRiskParams(),
	}
	if ip.Authority == "" {
		ip.Authority = caller
	}
	if body.Risk != nil {
		ip.Risk = *body.Risk
	}
	if body.Pricing == nil {
		writeError(w, fmt.Errorf("%w: pricing required", state.ErrInvalidParameter))
		return
	}
	ip.Pricing = *body.Pricing

	out, err := h.ledger.Initialize(r.Context(), ip)
	h.respond(w, r, out, err)
}

func (h *Handler) riskParams(w http.ResponseWriter, r *http.Request, caller string) {
	var body riskParamsBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.ledger.UpdateRiskParams(r.Context(), adminRequest(body.OperationID, caller), body.Risk)
	h.respond(w, r, out, err)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request, caller string) {
	var body pauseBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.ledger.SetPaused(r.Context(), adminRequest(body.OperationID, caller), body.MintPaused, body.RedeemPaused)
	h.respond(w, r, out, err)
}

func (h *Handler) pricing(w http.ResponseWriter, r *http.Request, caller string) {
	var body pricingBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.ledger.SyncPricing(r.Context(), adminRequest(body.OperationID, caller), body.Pricing)
	h.respond(w, r, out, err)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	h.health.LivenessHandler(w, r)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	h.health.ReadinessHandler(w, r)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, out service.Outcome, err error) {
	if err != nil {
		if HTTPStatus(err) >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeBody(out))
}

// --- helpers ---

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", state.ErrInvalidParameter, err)
	}
	return nil
}

func intParam(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", state.ErrInvalidParameter, s)
	}
	return v, nil
}

func adminRequest(id uuid.UUID, caller string) service.AdminRequest {
	return service.AdminRequest{OperationID: orNew(id), Caller: caller, Timestamp: time.Now().UTC()}
}

// orNew fills in an operation id for admin calls that omitted one.
func orNew(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
