package core

import (
	"fmt"
	"laminar/internal/event"
	fpmath "laminar/internal/math"
	"laminar/internal/state"
)

// MintStable deposits collateral and issues stable tokens at the oracle price.
// Risk-increasing: the fee scales up as CR approaches the minimum, and the
// post-mint CR must stay at or above it.
func (e *Engine) MintStable(st state.LedgerState, p state.PricingSnapshot, in Input) (Result, error) {
	const op = "mint stable"

	if err := precheck(op, st, p, in, st.MintPaused); err != nil {
		return Result{}, err
	}
	if err := checkCollateral(op, st, in.Collateral); err != nil {
		return Result{}, err
	}
	if in.Amount < fpmath.MinCollateralDeposit {
		return Result{}, fmt.Errorf("%s: %w: amount %d < %d", op, state.ErrZeroOrBelowFloor, in.Amount, fpmath.MinCollateralDeposit)
	}

	old, err := state.Compute(st, p)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	rate, price := p.CollateralToBaseRate, p.BasePriceInQuote

	// Base value of the deposit, conservative and user-favoring
	baseValue, ok := fpmath.MulDivDown(in.Amount, rate, fpmath.RateScale)
	if !ok {
		return Result{}, overflow(op, "base value")
	}
	baseValueUp, ok := fpmath.MulDivUp(in.Amount, rate, fpmath.RateScale)
	if !ok {
		return Result{}, overflow(op, "base value up")
	}

	gross, ok := fpmath.MulDivDown(baseValue, price, fpmath.RateScale)
	if !ok {
		return Result{}, overflow(op, "gross stable")
	}
	if gross < fpmath.MinStableMint {
		return Result{}, fmt.Errorf("%s: %w: gross %d < %d", op, state.ErrZeroOrBelowFloor, gross, fpmath.MinStableMint)
	}
	grossUp, ok := fpmath.MulDivUp(baseValueUp, price, fpmath.RateScale)
	if !ok {
		return Result{}, overflow(op, "gross stable up")
	}

	// Dust withheld from the user goes to the reserve, converted up
	dust, ok := fpmath.RoundingDelta(gross, grossUp)
	if !ok {
		return Result{}, overflow(op, "rounding delta")
	}
	reserveCredit, ok := fpmath.USDDustToBase(dust, price)
	if !ok {
		return Result{}, overflow(op, "reserve credit")
	}

	feeBps, err := dynamicFee(op, st, fpmath.FeeActionStableMint, old.CRBps)
	if err != nil {
		return Result{}, err
	}
	net, fee, ok := fpmath.ApplyFee(gross, feeBps)
	if !ok {
		return Result{}, overflow(op, "fee")
	}
	if net < fpmath.MinStableMint {
		return Result{}, fmt.Errorf("%s: %w: net %d < %d", op, state.ErrZeroOrBelowFloor, net, fpmath.MinStableMint)
	}
	if net < in.MinOut {
		return Result{}, fmt.Errorf("%s: %w: net %d < min out %d", op, state.ErrSlippageExceeded, net, in.MinOut)
	}

	next := st
	if next.CollateralUnits, ok = fpmath.CheckedAdd(st.CollateralUnits, in.Amount); !ok {
		return Result{}, overflow(op, "collateral units")
	}
	if next.StableSupply, ok = fpmath.CheckedAdd(st.StableSupply, gross); !ok {
		return Result{}, overflow(op, "stable supply")
	}
	if next.RoundingReserve, err = state.CreditReserve(st.RoundingReserve, reserveCredit, st.Risk.MaxRoundingReserve); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	bound, err := state.DeriveRoundingBound(2, 1, price)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	post, err := state.CheckPostState(next, p, bound)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := state.AssertCRAboveMinimum(post.CRBps, st.Risk.MinCRBps); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	committed, err := commit(next, p)
	if err != nil {
		return Result{}, err
	}

	var fx Effects
	fx.transferIn(in.User, in.Amount)
	fx.mint(state.AssetStable, in.User, net)
	fx.mint(state.AssetStable, st.Treasury, fee)

	return Result{
		State:   committed,
		Effects: fx,
		Event: &event.OperationEvent{
			Kind:               event.OpMintStable,
			OperationID:        in.OperationID,
			UserID:             in.User,
			AmountIn:           in.Amount,
			AmountOut:          net,
			Fee:                fee,
			FeeBps:             feeBps,
			OldTVL:             old.TVL,
			NewTVL:             post.TVL,
			OldCRBps:           old.CRBps,
			NewCRBps:           post.CRBps,
			NAV:                navOrZero(post),
			OldClaimableEquity: old.Claimable,
			NewClaimableEquity: post.Claimable,
			ReserveCredit:      reserveCredit,
			Rate:               rate,
			Price:              price,
			OperationSlot:      in.CurrentSlot,
			Timestamp:          in.Timestamp,
		},
	}, nil
}
