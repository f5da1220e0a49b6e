package state

import (
	"fmt"
	fpmath "laminar/internal/math"
	"math/big"
)

// DeriveRoundingBound returns the maximum base-unit deviation a call path can
// accumulate: kBase chained base-unit divisions plus kQuote chained quote-unit
// divisions, each quote unit converted to base at ceil(1e9/price).
func DeriveRoundingBound(kBase, kQuote, price uint64) (uint64, error) {
	if price == 0 {
		return 0, fmt.Errorf("rounding bound: %w: zero price", ErrInvalidParameter)
	}
	perQuote, ok := fpmath.MulDivUp(1, fpmath.RateScale, price)
	if !ok {
		return 0, fmt.Errorf("rounding bound: %w", ErrOverflow)
	}
	quotePart, ok := fpmath.MulDivUp(kQuote, perQuote, 1)
	if !ok {
		return 0, fmt.Errorf("rounding bound: %w", ErrOverflow)
	}
	bound, ok := fpmath.CheckedAdd(kBase, quotePart)
	if !ok {
		return 0, fmt.Errorf("rounding bound: %w", ErrOverflow)
	}
	return bound, nil
}

// AssertBalanceSheetHolds requires |tvl - (liability + equity + reserve)| <= bound.
func AssertBalanceSheetHolds(tvl, liability uint64, equity *big.Int, reserve, bound uint64) error {
	rhs := new(big.Int).SetUint64(liability)
	rhs.Add(rhs, equity)
	rhs.Add(rhs, new(big.Int).SetUint64(reserve))

	diff := new(big.Int).SetUint64(tvl)
	diff.Sub(diff, rhs).Abs(diff)

	if diff.Cmp(new(big.Int).SetUint64(bound)) > 0 {
		return fmt.Errorf("%w: deviation %s exceeds bound %d", ErrBalanceSheetViolation, diff, bound)
	}
	return nil
}

// AssertCRAboveMinimum passes automatically when there is no liability.
func AssertCRAboveMinimum(crBps, minCRBps uint64) error {
	if crBps == InfiniteCR {
		return nil
	}
	if crBps < minCRBps {
		return fmt.Errorf("%w: cr %d bps < min %d bps", ErrCollateralRatioTooLow, crBps, minCRBps)
	}
	return nil
}

func AssertNoNegativeEquity(tvl, liability uint64) error {
	if tvl < liability {
		return fmt.Errorf("%w: tvl %d < liability %d", ErrNegativeEquity, tvl, liability)
	}
	return nil
}

func AssertReserveWithinCap(reserve, max uint64) error {
	if reserve > max {
		return fmt.Errorf("%w: reserve %d > cap %d", ErrRoundingReserveExceeded, reserve, max)
	}
	return nil
}

// CheckPostState runs the balance-sheet identity and reserve cap against a
// proposed state. Path-specific checks (CR floor, negative equity) are the
// caller's responsibility since not every path requires them.
func CheckPostState(st LedgerState, p PricingSnapshot, bound uint64) (BalanceSheet, error) {
	bs, err := Compute(st, p)
	if err != nil {
		return BalanceSheet{}, err
	}
	if err := AssertReserveWithinCap(bs.Reserve, st.Risk.MaxRoundingReserve); err != nil {
		return BalanceSheet{}, err
	}
	if err := AssertBalanceSheetHolds(bs.TVL, bs.Liability, bs.Equity, bs.Reserve, bound); err != nil {
		return BalanceSheet{}, err
	}
	return bs, nil
}
