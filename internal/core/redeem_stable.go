package core

import (
	"fmt"
	"laminar/internal/event"
	fpmath "laminar/internal/math"
	"laminar/internal/state"
)

// RedeemStable burns stable tokens for collateral.
//
// Solvent mode (CR >= 100%): a risk-reducing fee is taken from the input
// tokens and the payout uses user-favoring rounding, paid for by a reserve
// debit; if the reserve cannot cover the debit the conservative payout is
// used instead.
//
// Insolvency mode (CR < 100%): no fee, and the par payout is haircut by CR
// so every redeemer absorbs the same proportional loss.
//
// Redemption cannot lower CR, so there is no CR floor check.
func (e *Engine) RedeemStable(st state.LedgerState, p state.PricingSnapshot, in Input) (Result, error) {
	const op = "redeem stable"

	if err := precheck(op, st, p, in, st.RedeemPaused); err != nil {
		return Result{}, err
	}
	if in.Amount == 0 {
		return Result{}, fmt.Errorf("%s: %w: zero amount", op, state.ErrZeroOrBelowFloor)
	}
	if in.Amount > st.StableSupply {
		return Result{}, fmt.Errorf("%s: %w: amount %d > supply %d", op, state.ErrInsufficientSupply, in.Amount, st.StableSupply)
	}

	old, err := state.Compute(st, p)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	rate, price := p.CollateralToBaseRate, p.BasePriceInQuote
	insolvent := old.CRBps < fpmath.BPS

	netIn, fee, feeBps := in.Amount, uint64(0), uint64(0)
	if !insolvent {
		if feeBps, err = dynamicFee(op, st, fpmath.FeeActionStableRedeem, old.CRBps); err != nil {
			return Result{}, err
		}
		var ok bool
		if netIn, fee, ok = fpmath.ApplyFee(in.Amount, feeBps); !ok {
			return Result{}, overflow(op, "fee")
		}
		if netIn == 0 {
			return Result{}, fmt.Errorf("%s: %w: nothing left after fee", op, state.ErrZeroOrBelowFloor)
		}
	}

	// Par value of the burned tokens, conservative
	baseDown, ok := fpmath.MulDivDown(netIn, fpmath.RateScale, price)
	if !ok {
		return Result{}, overflow(op, "par base value")
	}
	collateralDown, ok := fpmath.MulDivDown(baseDown, fpmath.RateScale, rate)
	if !ok {
		return Result{}, overflow(op, "par collateral")
	}

	var (
		payout, reserveDebit  uint64
		haircutBps, poolCover uint64
		kBase, kQuote         uint64 = 2, 1
	)

	if insolvent {
		haircutBps = old.CRBps
		if haircutBps > fpmath.BPS {
			haircutBps = fpmath.BPS
		}
		haircut, ok := fpmath.MulDivDown(baseDown, haircutBps, fpmath.BPS)
		if !ok {
			return Result{}, overflow(op, "haircut")
		}
		// The pool is consulted for the shortfall; whatever it leaves is
		// absorbed by the redeemer
		var remaining uint64
		poolCover, remaining = e.pool.Coverage(baseDown - haircut)
		if poolCover != 0 || remaining != baseDown-haircut {
			return Result{}, fmt.Errorf("%s: %w: pool covered %d of %d", op, state.ErrBalanceSheetViolation, poolCover, baseDown-haircut)
		}
		baseOut := baseDown - remaining
		if payout, ok = fpmath.MulDivDown(baseOut, fpmath.RateScale, rate); !ok {
			return Result{}, overflow(op, "haircut collateral")
		}
		kBase = 3
	} else {
		baseUp, ok := fpmath.MulDivUp(netIn, fpmath.RateScale, price)
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
		} else {
			payout = collateralDown
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
	next.StableSupply = st.StableSupply - netIn
	if next.RoundingReserve, err = state.DebitReserve(st.RoundingReserve, reserveDebit); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	bound, err := state.DeriveRoundingBound(kBase, kQuote, price)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	post, err := state.CheckPostState(next, p, bound)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	committed, err := commit(next, p)
	if err != nil {
		return Result{}, err
	}

	var fx Effects
	fx.transferToken(state.AssetStable, in.User, st.Treasury, fee)
	fx.burn(state.AssetStable, in.User, netIn)
	fx.transferOut(in.User, payout)

	return Result{
		State:   committed,
		Effects: fx,
		Event: &event.OperationEvent{
			Kind:               event.OpRedeemStable,
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
			NAV:                navOrZero(post),
			OldClaimableEquity: old.Claimable,
			NewClaimableEquity: post.Claimable,
			ReserveDebit:       reserveDebit,
			Rate:               rate,
			Price:              price,
			Insolvency:         insolvent,
			HaircutBps:         haircutBps,
			PoolCoverage:       poolCover,
			OperationSlot:      in.CurrentSlot,
			Timestamp:          in.Timestamp,
		},
	}, nil
}
