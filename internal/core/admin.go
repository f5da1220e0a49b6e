package core

import (
	"fmt"
	"laminar/internal/event"
	"laminar/internal/state"
	"time"

	"github.com/google/uuid"
)

// InitParams configures a fresh ledger
type InitParams struct {
	OperationID         uuid.UUID
	Authority           string
	Treasury            uuid.UUID
	SupportedCollateral string
	Risk                state.RiskParams
	Pricing             state.PricingSnapshot
	Timestamp           time.Time
}

// AdminInput identifies the caller of an administrative operation
type AdminInput struct {
	OperationID uuid.UUID
	Caller      string
	Timestamp   time.Time
}

// Initialize builds the genesis ledger state: zero supplies, zero reserve,
// both circuit breakers open, operation counter at zero.
func Initialize(ip InitParams) (Result, error) {
	const op = "initialize"

	if ip.Authority == "" {
		return Result{}, fmt.Errorf("%s: %w: empty authority", op, state.ErrInvalidParameter)
	}
	if ip.Treasury == uuid.Nil {
		return Result{}, fmt.Errorf("%s: %w: nil treasury", op, state.ErrInvalidParameter)
	}
	if ip.SupportedCollateral == "" {
		return Result{}, fmt.Errorf("%s: %w: empty collateral asset", op, state.ErrInvalidParameter)
	}
	if err := state.ValidateRiskParams(ip.Risk); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if ip.Pricing.CollateralToBaseRate == 0 || ip.Pricing.BasePriceInQuote == 0 {
		return Result{}, fmt.Errorf("%s: %w: rate and price must be positive", op, state.ErrInvalidParameter)
	}

	st := state.LedgerState{
		Version:             state.CurrentVersion,
		Authority:           ip.Authority,
		Treasury:            ip.Treasury,
		SupportedCollateral: ip.SupportedCollateral,
		Risk:                ip.Risk,
		Pricing:             ip.Pricing,
	}

	return Result{
		State: st,
		Event: &event.ProtocolInitialized{
			OperationID:         ip.OperationID,
			Authority:           ip.Authority,
			Treasury:            ip.Treasury,
			SupportedCollateral: ip.SupportedCollateral,
			MinCRBps:            ip.Risk.MinCRBps,
			TargetCRBps:         ip.Risk.TargetCRBps,
			Rate:                ip.Pricing.CollateralToBaseRate,
			Price:               ip.Pricing.BasePriceInQuote,
			Timestamp:           ip.Timestamp,
		},
	}, nil
}

// UpdateRiskParams replaces the risk configuration. The new reserve cap must
// still cover the reserve already held.
func UpdateRiskParams(st state.LedgerState, ai AdminInput, params state.RiskParams) (Result, error) {
	const op = "update risk params"

	if err := checkAdmin(op, st, ai); err != nil {
		return Result{}, err
	}
	if err := state.ValidateRiskParams(params); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if st.RoundingReserve > params.MaxRoundingReserve {
		return Result{}, fmt.Errorf("%s: %w: reserve %d above new cap %d",
			op, state.ErrInvalidParameter, st.RoundingReserve, params.MaxRoundingReserve)
	}

	next := st
	next.Risk = params
	committed, err := commit(next, st.Pricing)
	if err != nil {
		return Result{}, err
	}

	return Result{
		State: committed,
		Event: &event.ParametersUpdated{
			OperationID:    ai.OperationID,
			Authority:      ai.Caller,
			OldMinCRBps:    st.Risk.MinCRBps,
			NewMinCRBps:    params.MinCRBps,
			OldTargetCRBps: st.Risk.TargetCRBps,
			NewTargetCRBps: params.TargetCRBps,
			Timestamp:      ai.Timestamp,
		},
	}, nil
}

// SetPaused sets both circuit breakers.
func SetPaused(st state.LedgerState, ai AdminInput, mintPaused, redeemPaused bool) (Result, error) {
	const op = "set paused"

	if err := checkAdmin(op, st, ai); err != nil {
		return Result{}, err
	}

	next := st
	next.MintPaused, next.RedeemPaused = mintPaused, redeemPaused
	committed, err := commit(next, st.Pricing)
	if err != nil {
		return Result{}, err
	}

	return Result{
		State: committed,
		Event: &event.EmergencyPause{
			OperationID:  ai.OperationID,
			Authority:    ai.Caller,
			MintPaused:   mintPaused,
			RedeemPaused: redeemPaused,
			Timestamp:    ai.Timestamp,
		},
	}, nil
}

// SyncPricing records a new oracle snapshot as the last accepted one.
// Permissionless: the snapshot is only required to be positive and to never
// move backwards or ahead of the clock. Freshness and confidence are judged
// by each operation that uses it.
func SyncPricing(st state.LedgerState, ai AdminInput, p state.PricingSnapshot, currentSlot uint64) (Result, error) {
	const op = "sync pricing"

	if err := st.CheckVersion(); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if p.CollateralToBaseRate == 0 || p.BasePriceInQuote == 0 {
		return Result{}, fmt.Errorf("%s: %w: rate and price must be positive", op, state.ErrInvalidParameter)
	}
	if p.SnapshotSlot < st.Pricing.SnapshotSlot {
		return Result{}, fmt.Errorf("%s: %w: slot %d moves backwards from %d", op, state.ErrInvalidParameter, p.SnapshotSlot, st.Pricing.SnapshotSlot)
	}
	if p.SnapshotSlot > currentSlot {
		return Result{}, fmt.Errorf("%s: %w: slot %d ahead of clock %d", op, state.ErrInvalidParameter, p.SnapshotSlot, currentSlot)
	}

	committed, err := commit(st, p)
	if err != nil {
		return Result{}, err
	}

	return Result{
		State: committed,
		Event: &event.PricingUpdated{
			OperationID:   ai.OperationID,
			OldPrice:      st.Pricing.BasePriceInQuote,
			NewPrice:      p.BasePriceInQuote,
			OldRate:       st.Pricing.CollateralToBaseRate,
			NewRate:       p.CollateralToBaseRate,
			ConfidenceBps: p.ConfidenceBps,
			Slot:          p.SnapshotSlot,
			Timestamp:     ai.Timestamp,
		},
	}, nil
}

func checkAdmin(op string, st state.LedgerState, ai AdminInput) error {
	if err := st.CheckVersion(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ai.Caller == "" || ai.Caller != st.Authority {
		return fmt.Errorf("%s: %w: caller %q", op, state.ErrUnauthorized, ai.Caller)
	}
	return nil
}
