package core

import (
	"fmt"
	"laminar/internal/event"
	fpmath "laminar/internal/math"
	"laminar/internal/state"
	"time"

	"github.com/google/uuid"
)

// Input carries the caller-supplied arguments shared by all four operations.
type Input struct {
	// TopLevel is the caller-context gate: false for nested or indirect calls.
	TopLevel bool

	OperationID uuid.UUID
	User        uuid.UUID

	// Collateral names the asset deposited by mint operations.
	Collateral string

	Amount uint64
	MinOut uint64

	// CurrentSlot is the logical clock the pricing snapshot is judged against.
	CurrentSlot uint64
	Timestamp   time.Time
}

// Result is a commit descriptor: the proposed state, the value movements
// that must accompany it, and the audit record. Nothing is applied until the
// caller commits all three.
type Result struct {
	State   state.LedgerState
	Effects Effects
	Event   event.Event
}

// Engine evaluates operations against a ledger snapshot. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	pool state.ExhaustedPool
}

// NewEngine returns an engine whose stability pool is exhausted. The vault
// is the only source of redemption payouts, so no pool can be plugged in
// until it carries a balance of its own.
func NewEngine() *Engine {
	return &Engine{pool: state.NewExhaustedPool()}
}

// Execute dispatches to the operation named by kind.
func (e *Engine) Execute(kind event.OperationKind, st state.LedgerState, p state.PricingSnapshot, in Input) (Result, error) {
	switch kind {
	case event.OpMintStable:
		return e.MintStable(st, p, in)
	case event.OpRedeemStable:
		return e.RedeemStable(st, p, in)
	case event.OpMintEquity:
		return e.MintEquity(st, p, in)
	case event.OpRedeemEquity:
		return e.RedeemEquity(st, p, in)
	default:
		return Result{}, fmt.Errorf("execute: %w: unknown operation kind %d", state.ErrInvalidParameter, kind)
	}
}

// precheck runs the checks common to every operation, in order:
// call context, state version, circuit breaker, pricing.
func precheck(op string, st state.LedgerState, p state.PricingSnapshot, in Input, paused bool) error {
	if !in.TopLevel {
		return fmt.Errorf("%s: %w", op, state.ErrInvalidCallContext)
	}
	if err := st.CheckVersion(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if paused {
		return fmt.Errorf("%s: %w", op, state.ErrPaused)
	}
	if err := ValidatePricing(st, p, in.CurrentSlot); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ValidatePricing checks a snapshot for positivity, freshness and confidence.
// A snapshot older than the last accepted one is stale; so is one more than
// MaxStalenessSlots behind currentSlot. A snapshot stamped ahead of the clock
// is rejected as invalid.
func ValidatePricing(st state.LedgerState, p state.PricingSnapshot, currentSlot uint64) error {
	if p.CollateralToBaseRate == 0 || p.BasePriceInQuote == 0 {
		return fmt.Errorf("%w: rate=%d price=%d", state.ErrInvalidParameter, p.CollateralToBaseRate, p.BasePriceInQuote)
	}
	if p.SnapshotSlot < st.Pricing.SnapshotSlot {
		return fmt.Errorf("%w: snapshot slot %d behind last accepted %d", state.ErrStalePricing, p.SnapshotSlot, st.Pricing.SnapshotSlot)
	}
	if p.SnapshotSlot > currentSlot {
		return fmt.Errorf("%w: snapshot slot %d ahead of current slot %d", state.ErrInvalidParameter, p.SnapshotSlot, currentSlot)
	}
	if currentSlot-p.SnapshotSlot > st.Risk.MaxStalenessSlots {
		return fmt.Errorf("%w: snapshot slot %d, current %d, max age %d",
			state.ErrStalePricing, p.SnapshotSlot, currentSlot, st.Risk.MaxStalenessSlots)
	}
	if p.ConfidenceBps > st.Risk.MaxConfidenceBps {
		return fmt.Errorf("%w: confidence %d bps > max %d bps", state.ErrLowConfidencePricing, p.ConfidenceBps, st.Risk.MaxConfidenceBps)
	}
	return nil
}

// checkCollateral rejects deposits of anything but the supported asset.
func checkCollateral(op string, st state.LedgerState, asset string) error {
	if asset != st.SupportedCollateral {
		return fmt.Errorf("%s: %w: collateral %q, supported %q", op, state.ErrUnsupported, asset, st.SupportedCollateral)
	}
	return nil
}

// dynamicFee resolves the effective fee for action at the pre-operation CR.
func dynamicFee(op string, st state.LedgerState, action fpmath.FeeAction, crBps uint64) (uint64, error) {
	feeBps, ok := fpmath.DynamicFeeBps(st.Risk.BaseFeeBps(action), action, crBps, st.Risk.FeeCurve())
	if !ok {
		return 0, fmt.Errorf("%s: %w: fee curve", op, state.ErrInvalidParameter)
	}
	return feeBps, nil
}

// commit stamps the proposed state with the pricing it was computed at and
// advances the operation counter.
func commit(next state.LedgerState, p state.PricingSnapshot) (state.LedgerState, error) {
	counter, ok := fpmath.CheckedAdd(next.OperationCounter, 1)
	if !ok {
		return state.LedgerState{}, fmt.Errorf("commit: %w: operation counter", state.ErrOverflow)
	}
	next.OperationCounter = counter
	next.Pricing = p
	return next, nil
}

func overflow(op, what string) error {
	return fmt.Errorf("%s: %w: %s", op, state.ErrOverflow, what)
}

func navOrZero(bs state.BalanceSheet) uint64 {
	if bs.NAVDefined {
		return bs.NAV
	}
	return 0
}
