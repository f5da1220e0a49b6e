package core

import (
	"fmt"
	"laminar/internal/event"
	fpmath "laminar/internal/math"
	"laminar/internal/state"
)

// RedeemEquity burns equity tokens for collateral at NAV.
// Risk-increasing: the fee is charged on the input tokens before payout, and
// since collateral leaves while liability stays put, post-redemption CR must
// remain at or above the minimum.
func (e *Engine) RedeemEquity(st state.LedgerState, p state.PricingSnapshot, in Input) (Result, error) {
	const op = "redeem equity"

	if err := precheck(op, st, p, in, st.RedeemPaused); err != nil {
		return Result{}, err
	}
	if in.Amount == 0 {
		return Result{}, fmt.Errorf("%s: %w: zero amount", op, state.ErrZeroOrBelowFloor)
	}
	if in.Amount > st.EquitySupply {
		return Result{}, fmt.Errorf("%s: %w: amount %d > supply %d", op, state.ErrInsufficientSupply, in.Amount, st.EquitySupply)
	}

	old, err := state.Compute(st, p)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	rate, price := p.CollateralToBaseRate, p.BasePriceInQuote
	solvent := old.CRBps >= fpmath.BPS

	feeBps, err := dynamicFee(op, st, fpmath.FeeActionEquityRedeem, old.CRBps)
	if err != nil {
		return Result{}, err
	}
	netIn, fee, ok := fpmath.ApplyFee(in.Amount, feeBps)
	if !ok {
		return Result{}, overflow(op, "fee")
	}
	if netIn == 0 {
		return Result{}, fmt.Errorf("%s: %w: nothing left after fee", op, state.ErrZeroOrBelowFloor)
	}

	if !old.NAVDefined || old.NAV < fpmath.MinNAV {
		return Result{}, fmt.Errorf("%s: %w: nav %d below floor %d", op, state.ErrInsolvent, old.NAV, fpmath.MinNAV)
	}
	nav := old.NAV

	baseDown, ok := fpmath.MulDivDown(netIn, nav, fpmath.RateScale)
	if !ok {
		return Result{}, overflow(op, "base value")
	}
	collateralDown, ok := fpmath.MulDivDown(baseDown, fpmath.RateScale, rate)
	if !ok {
		return Result{}, overflow(op, "collateral")
	}

	payout, reserveDebit := collateralDown, uint64(0)
	if solvent {
		baseUp, ok := fpmath.MulDivUp(netIn, nav, fpmath.RateScale)
		if !ok {
			return Result{}, overflow(op, "base value up")
		}
		collateralUp, ok := fpmath.MulDivUp(baseUp, fpmath.RateScale, rate)
		if !ok {
			return Result{}, overflow(op, "collateral up")
		}
		dust, ok := fpmath.RoundingDelta(collateralDown, collateralUp)
		if !ok {
			return Result{}, overflow(op, "rounding delta")
		}
		debit, ok := fpmath.CollateralDustToBase(dust, rate)
		if !ok {
			return Result{}, overflow(op, "reserve debit")
		}
		if debit <= st.RoundingReserve {
			payout, reserveDebit = collateralUp, debit
		}
	}

	if payout < fpmath.MinCollateralDeposit {
		return Result{}, fmt.Errorf("%s: %w: payout %d < %d", op, state.ErrZeroOrBelowFloor, payout, fpmath.MinCollateralDeposit)
	}
	if payout < in.MinOut {
		return Result{}, fmt.Errorf("%s: %w: payout %d < min out %d", op, state.ErrSlippageExceeded, payout, in.MinOut)
	}
	if payout > st.CollateralUnits {
		return Result{}, fmt.Errorf("%s: %w: payout %d > vault %d", op, state.ErrInsufficientBalance, payout, st.CollateralUnits)
	}

	next := st
	next.CollateralUnits = st.CollateralUnits - payout
	if next.CollateralUnits != 0 && next.CollateralUnits < fpmath.MinProtocolTVL {
		return Result{}, fmt.Errorf("%s: %w: remaining %d < %d", op, state.ErrBelowMinimumCollateralFloor, next.CollateralUnits, fpmath.MinProtocolTVL)
	}
	next.EquitySupply = st.EquitySupply - netIn
	if next.RoundingReserve, err = state.DebitReserve(st.RoundingReserve, reserveDebit); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	bound, err := state.DeriveRoundingBound(2, 0, price)
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
	if err := state.AssertNoNegativeEquity(post.TVL, post.Liability); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	committed, err := commit(next, p)
	if err != nil {
		return Result{}, err
	}

	var fx Effects
	fx.transferToken(state.AssetEquity, in.User, st.Treasury, fee)
	fx.burn(state.AssetEquity, in.User, netIn)
	fx.transferOut(in.User, payout)

	return Result{
		State:   committed,
		Effects: fx,
		Event: &event.OperationEvent{
			Kind:               event.OpRedeemEquity,
			OperationID:        in.OperationID,
			UserID:             in.User,
			AmountIn:           in.Amount,
			AmountOut:          payout,
			Fee:                fee,
			FeeBps:             feeBps,
			OldTVL:             old.TVL,
			NewTVL:             post.TVL,
			OldCRBps:           old.CRBps,
			NewCRBps:           post.CRBps,
			NAV:                nav,
			OldClaimableEquity: old.Claimable,
			NewClaimableEquity: post.Claimable,
			LeverageBps:        post.LeverageBps(),
			ReserveDebit:       reserveDebit,
			Rate:               rate,
			Price:              price,
			Insolvency:         !solvent,
			OperationSlot:      in.CurrentSlot,
			Timestamp:          in.Timestamp,
		},
	}, nil
}
