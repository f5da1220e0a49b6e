package core

import (
	"fmt"
	"laminar/internal/event"
	fpmath "laminar/internal/math"
	"laminar/internal/state"
	"math/big"
)

// MintEquity deposits collateral and issues equity tokens at NAV.
//
// Bootstrap (no equity outstanding): the protocol must be solvent and the
// pre-state must balance within the path bound; any orphan claimable equity
// is swept into the reserve and the mint is priced 1:1.
func (e *Engine) MintEquity(st state.LedgerState, p state.PricingSnapshot, in Input) (Result, error) {
	const op = "mint equity"

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

	bound, err := state.DeriveRoundingBound(2, 0, price)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	bootstrap := st.EquitySupply == 0
	reserve := st.RoundingReserve
	var orphan uint64

	if bootstrap {
		if old.TVL < old.Liability {
			return Result{}, fmt.Errorf("%s: %w: bootstrap with tvl %d < liability %d", op, state.ErrInsolvent, old.TVL, old.Liability)
		}
		// Pre-state must balance without any equity
		if err := state.AssertBalanceSheetHolds(old.TVL, old.Liability, new(big.Int), reserve, bound); err != nil {
			return Result{}, fmt.Errorf("%s: %w: bootstrap pre-state: %v", op, state.ErrInsolvent, err)
		}
		if old.Claimable > 0 {
			orphan = old.Claimable
			if reserve, err = state.CreditReserve(reserve, orphan, st.Risk.MaxRoundingReserve); err != nil {
				return Result{}, fmt.Errorf("%s: sweep orphan equity: %w", op, err)
			}
		}
	}

	baseValue, ok := fpmath.MulDivDown(in.Amount, rate, fpmath.RateScale)
	if !ok {
		return Result{}, overflow(op, "base value")
	}
	baseValueUp, ok := fpmath.MulDivUp(in.Amount, rate, fpmath.RateScale)
	if !ok {
		return Result{}, overflow(op, "base value up")
	}

	var nav, gross, grossUp, reserveCredit uint64
	if bootstrap {
		nav, gross, grossUp = state.BootstrapNAV, baseValue, baseValueUp
		if reserveCredit, ok = fpmath.RoundingDelta(gross, grossUp); !ok {
			return Result{}, overflow(op, "rounding delta")
		}
	} else {
		nav, err = state.NAV(old.TVL, old.Liability, reserve, st.EquitySupply)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
		if nav == 0 {
			return Result{}, fmt.Errorf("%s: %w: nav is zero", op, state.ErrInsolvent)
		}
		if gross, ok = fpmath.MulDivDown(baseValue, fpmath.RateScale, nav); !ok {
			return Result{}, overflow(op, "gross equity")
		}
		if grossUp, ok = fpmath.MulDivUp(baseValueUp, fpmath.RateScale, nav); !ok {
			return Result{}, overflow(op, "gross equity up")
		}
		dust, ok := fpmath.RoundingDelta(gross, grossUp)
		if !ok {
			return Result{}, overflow(op, "rounding delta")
		}
		if reserveCredit, ok = fpmath.EquityDustToBase(dust, nav); !ok {
			return Result{}, overflow(op, "reserve credit")
		}
	}

	feeBps, err := dynamicFee(op, st, fpmath.FeeActionEquityMint, old.CRBps)
	if err != nil {
		return Result{}, err
	}
	net, fee, ok := fpmath.ApplyFee(gross, feeBps)
	if !ok {
		return Result{}, overflow(op, "fee")
	}
	if net < fpmath.MinEquityMint {
		return Result{}, fmt.Errorf("%s: %w: net %d < %d", op, state.ErrZeroOrBelowFloor, net, fpmath.MinEquityMint)
	}
	if net < in.MinOut {
		return Result{}, fmt.Errorf("%s: %w: net %d < min out %d", op, state.ErrSlippageExceeded, net, in.MinOut)
	}

	next := st
	if next.CollateralUnits, ok = fpmath.CheckedAdd(st.CollateralUnits, in.Amount); !ok {
		return Result{}, overflow(op, "collateral units")
	}
	if next.EquitySupply, ok = fpmath.CheckedAdd(st.EquitySupply, gross); !ok {
		return Result{}, overflow(op, "equity supply")
	}
	if next.RoundingReserve, err = state.CreditReserve(reserve, reserveCredit, st.Risk.MaxRoundingReserve); err != nil {
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
	fx.transferIn(in.User, in.Amount)
	fx.mint(state.AssetEquity, in.User, net)
	fx.mint(state.AssetEquity, st.Treasury, fee)

	return Result{
		State:   committed,
		Effects: fx,
		Event: &event.OperationEvent{
			Kind:               event.OpMintEquity,
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
			NAV:                nav,
			OldClaimableEquity: old.Claimable,
			NewClaimableEquity: post.Claimable,
			LeverageBps:        post.LeverageBps(),
			ReserveCredit:      reserveCredit,
			Rate:               rate,
			Price:              price,
			Bootstrap:          bootstrap,
			OrphanEquity:       orphan,
			OperationSlot:      in.CurrentSlot,
			Timestamp:          in.Timestamp,
		},
	}, nil
}
