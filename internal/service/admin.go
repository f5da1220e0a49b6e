package service

import (
	"context"
	"errors"
	"fmt"
	"laminar/internal/core"
	"laminar/internal/persistence"
	"laminar/internal/state"
	"time"

	"github.com/google/uuid"
)

// AdminRequest identifies an administrative call
type AdminRequest struct {
	OperationID uuid.UUID
	Caller      string
	Timestamp   time.Time
}

func (s *Service) adminInput(req AdminRequest) core.AdminInput {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return core.AdminInput{OperationID: req.OperationID, Caller: req.Caller, Timestamp: ts}
}

// Initialize creates the ledger. It fails with persistence.ErrAlreadyInitialized
// on an existing ledger.
func (s *Service) Initialize(ctx context.Context, ip core.InitParams) (Outcome, error) {
	const label = "initialize"
	ctx, topLevel := enter(ctx)
	if !topLevel {
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w", label, state.ErrInvalidCallContext))
	}
	if ip.Timestamp.IsZero() {
		ip.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := core.Initialize(ip)
	if err != nil {
		return Outcome{}, s.reject(label, err)
	}

	hasher := core.NewStateHasher()
	prev := hasher.GetPrevHash()
	hash := hasher.ComputeHash(res.State.OperationCounter, res.State.CanonicalBytes())

	if err := s.store.Initialize(ctx, res.State, hash); err != nil {
		if !errors.Is(err, persistence.ErrAlreadyInitialized) {
			err = fmt.Errorf("%s: %w", label, err)
		}
		return Outcome{}, s.reject(label, err)
	}
	s.hasher = hasher
	s.custody.Restore(nil)

	return s.finish(ctx, label, res.Event, res.State, nil, hash, prev, ip.Timestamp)
}

// UpdateRiskParams replaces the risk parameters. Authority only.
func (s *Service) UpdateRiskParams(ctx context.Context, req AdminRequest, params state.RiskParams) (Outcome, error) {
	return s.admin(ctx, "update_risk_params", req, func(st state.LedgerState) (core.Result, error) {
		return core.UpdateRiskParams(st, s.adminInput(req), params)
	})
}

// SetPaused sets both circuit breakers. Authority only.
func (s *Service) SetPaused(ctx context.Context, req AdminRequest, mintPaused, redeemPaused bool) (Outcome, error) {
	return s.admin(ctx, "set_paused", req, func(st state.LedgerState) (core.Result, error) {
		return core.SetPaused(st, s.adminInput(req), mintPaused, redeemPaused)
	})
}

// SyncPricing records snap as the ledger's accepted pricing. A nil snap
// pulls the current quote from the price source.
func (s *Service) SyncPricing(ctx context.Context, req AdminRequest, snap *state.PricingSnapshot) (Outcome, error) {
	var p state.PricingSnapshot
	if snap != nil {
		p = *snap
	} else {
		q, err := s.prices.Quote(ctx)
		if err != nil {
			return Outcome{}, s.reject("sync_pricing", fmt.Errorf("sync_pricing: quote: %w", err))
		}
		p = q
	}
	return s.admin(ctx, "sync_pricing", req, func(st state.LedgerState) (core.Result, error) {
		return core.SyncPricing(st, s.adminInput(req), p, s.clock.CurrentSlot())
	})
}

func (s *Service) admin(ctx context.Context, label string, req AdminRequest, build func(state.LedgerState) (core.Result, error)) (Outcome, error) {
	ctx, topLevel := enter(ctx)
	if !topLevel {
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w", label, state.ErrInvalidCallContext))
	}
	if req.OperationID == uuid.Nil {
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w: missing operation id", label, state.ErrInvalidParameter))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ctx, label, build)
}
