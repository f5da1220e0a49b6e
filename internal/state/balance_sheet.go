package state

import (
	"errors"
	"fmt"
	fpmath "laminar/internal/math"
	"math/big"
)

// BootstrapNAV prices the first equity mint at one equity unit per base unit.
const BootstrapNAV = fpmath.RateScale

// TVL values raw collateral in base units, rounding down.
func TVL(collateralUnits, rate uint64) (uint64, error) {
	v, ok := fpmath.MulDivDown(collateralUnits, rate, fpmath.RateScale)
	if !ok {
		return 0, fmt.Errorf("tvl: %w", ErrOverflow)
	}
	return v, nil
}

// Liability is what the protocol owes stable holders in base units.
// Rounds up so the debt is never understated.
func Liability(stableSupply, price uint64) (uint64, error) {
	if stableSupply == 0 {
		return 0, nil
	}
	v, ok := fpmath.MulDivUp(stableSupply, fpmath.RateScale, price)
	if !ok {
		return 0, fmt.Errorf("liability: %w", ErrOverflow)
	}
	return v, nil
}

// AccountingEquity = tvl - liability - reserve, signed. Negative under insolvency.
func AccountingEquity(tvl, liability, reserve uint64) *big.Int {
	eq := new(big.Int).SetUint64(tvl)
	eq.Sub(eq, new(big.Int).SetUint64(liability))
	return eq.Sub(eq, new(big.Int).SetUint64(reserve))
}

// ClaimableEquity floors accounting equity at zero.
func ClaimableEquity(tvl, liability, reserve uint64) uint64 {
	eq := AccountingEquity(tvl, liability, reserve)
	if eq.Sign() <= 0 {
		return 0
	}
	// eq <= tvl, so it fits
	return eq.Uint64()
}

// CRBps returns tvl/liability in basis points, or InfiniteCR with no liability.
func CRBps(tvl, liability uint64) (uint64, error) {
	if liability == 0 {
		return InfiniteCR, nil
	}
	v, ok := fpmath.MulDivDown(tvl, fpmath.BPS, liability)
	if !ok {
		return 0, fmt.Errorf("cr: %w", ErrOverflow)
	}
	return v, nil
}

// NAV is the base value of one equity unit (1e9 scale), net of the reserve.
// Returns ErrNAVUndefined while no equity exists; callers apply the bootstrap rule.
func NAV(tvl, liability, reserve, equitySupply uint64) (uint64, error) {
	if equitySupply == 0 {
		return 0, ErrNAVUndefined
	}
	claimable := ClaimableEquity(tvl, liability, reserve)
	v, ok := fpmath.MulDivDown(claimable, fpmath.RateScale, equitySupply)
	if !ok {
		return 0, fmt.Errorf("nav: %w", ErrOverflow)
	}
	return v, nil
}

// BalanceSheet is the derived view of a LedgerState at a given price.
type BalanceSheet struct {
	TVL        uint64
	Liability  uint64
	Reserve    uint64
	Equity     *big.Int
	Claimable  uint64
	CRBps      uint64
	NAV        uint64
	NAVDefined bool
}

// Compute derives the balance sheet of st at pricing p.
func Compute(st LedgerState, p PricingSnapshot) (BalanceSheet, error) {
	tvl, err := TVL(st.CollateralUnits, p.CollateralToBaseRate)
	if err != nil {
		return BalanceSheet{}, err
	}
	liab, err := Liability(st.StableSupply, p.BasePriceInQuote)
	if err != nil {
		return BalanceSheet{}, err
	}
	cr, err := CRBps(tvl, liab)
	if err != nil {
		return BalanceSheet{}, err
	}

	bs := BalanceSheet{
		TVL:       tvl,
		Liability: liab,
		Reserve:   st.RoundingReserve,
		Equity:    AccountingEquity(tvl, liab, st.RoundingReserve),
		Claimable: ClaimableEquity(tvl, liab, st.RoundingReserve),
		CRBps:     cr,
	}

	nav, err := NAV(tvl, liab, st.RoundingReserve, st.EquitySupply)
	switch {
	case err == nil:
		bs.NAV, bs.NAVDefined = nav, true
	case !errors.Is(err, ErrNAVUndefined):
		return BalanceSheet{}, err
	}
	return bs, nil
}

// LeverageBps is tvl / claimable equity in basis points, the effective
// exposure of one equity unit. Zero when there is no claimable equity.
func (bs BalanceSheet) LeverageBps() uint64 {
	if bs.Claimable == 0 {
		return 0
	}
	v, ok := fpmath.MulDivDown(bs.TVL, fpmath.BPS, bs.Claimable)
	if !ok {
		return InfiniteCR
	}
	return v
}
