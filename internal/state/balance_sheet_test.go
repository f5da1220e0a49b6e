package state_test

import (
	"errors"
	"laminar/internal/state"
	"math/big"
	"testing"
)

const (
	rate105  = 1_050_000_000
	safe99   = 99_000_000
	oneBase  = 1_000_000_000
	oneQuote = 1_000_000
)

// ============================================================================
// Test: balance-sheet primitives
// ============================================================================

func TestLiability_RoundsUp(t *testing.T) {
	got, err := state.Liability(50_000*oneQuote, safe99)
	if err != nil {
		t.Fatal(err)
	}
	if got != 505_050_505_051 {
		t.Errorf("got %d, want 505_050_505_051", got)
	}
}

func TestLiability_ZeroSupply(t *testing.T) {
	got, err := state.Liability(0, safe99)
	if err != nil || got != 0 {
		t.Errorf("got %d err=%v, want 0", got, err)
	}
}

func TestClaimableEquity_Vector(t *testing.T) {
	tvl, _ := state.TVL(1_000*oneBase, rate105)
	if tvl != 1_050_000_000_000 {
		t.Fatalf("tvl: got %d", tvl)
	}
	liab, _ := state.Liability(50_000*oneQuote, safe99)

	got := state.ClaimableEquity(tvl, liab, 0)
	if got != 544_949_494_949 {
		t.Errorf("got %d, want 544_949_494_949", got)
	}
}

func TestAccountingEquity_CanBeNegative(t *testing.T) {
	eq := state.AccountingEquity(80*oneBase, 100*oneBase, 5)
	want := big.NewInt(-20*oneBase - 5)
	if eq.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", eq, want)
	}
	if c := state.ClaimableEquity(80*oneBase, 100*oneBase, 5); c != 0 {
		t.Errorf("claimable should floor at 0, got %d", c)
	}
}

func TestCRBps(t *testing.T) {
	cr, _ := state.CRBps(150*oneBase, 100*oneBase)
	if cr != 15_000 {
		t.Errorf("got %d, want 15_000", cr)
	}

	inf, _ := state.CRBps(150*oneBase, 0)
	if inf != state.InfiniteCR {
		t.Errorf("zero liability: got %d, want InfiniteCR", inf)
	}
}

func TestNAV_UndefinedAtBootstrap(t *testing.T) {
	_, err := state.NAV(100*oneBase, 0, 0, 0)
	if !errors.Is(err, state.ErrNAVUndefined) {
		t.Errorf("got %v, want ErrNAVUndefined", err)
	}
}

// CR crash from 200% to 80%: equity is wiped out, NAV floors at zero.
func TestNAV_ZeroAfterCrash(t *testing.T) {
	supply := uint64(100 * oneBase)

	before, err := state.NAV(200*oneBase, 100*oneBase, 0, supply)
	if err != nil {
		t.Fatal(err)
	}
	if before != oneBase {
		t.Errorf("pre-crash nav: got %d, want %d", before, oneBase)
	}

	after, err := state.NAV(80*oneBase, 100*oneBase, 0, supply)
	if err != nil {
		t.Fatal(err)
	}
	if after != 0 {
		t.Errorf("post-crash nav: got %d, want 0", after)
	}
}

func TestNAV_NetOfReserve(t *testing.T) {
	nav, _ := state.NAV(10*oneBase, 0, oneBase, 9*oneBase)
	if nav != oneBase {
		t.Errorf("got %d, want %d", nav, oneBase)
	}
}

func TestCompute(t *testing.T) {
	st := state.LedgerState{
		CollateralUnits: 1_000 * oneBase,
		StableSupply:    50_000 * oneQuote,
		EquitySupply:    544_949_494_949,
	}
	p := state.PricingSnapshot{CollateralToBaseRate: rate105, BasePriceInQuote: safe99}

	bs, err := state.Compute(st, p)
	if err != nil {
		t.Fatal(err)
	}
	if !bs.NAVDefined || bs.NAV != oneBase {
		t.Errorf("nav: got %d defined=%v, want %d", bs.NAV, bs.NAVDefined, oneBase)
	}
	if bs.CRBps != 20_789 {
		// 1_050e9 * 1e4 / 505_050_505_051 = 20789.99..
		t.Errorf("cr: got %d, want 20_789", bs.CRBps)
	}
	if bs.LeverageBps() == 0 {
		t.Error("leverage should be positive with claimable equity")
	}
}

// ============================================================================
// Test: invariant checker
// ============================================================================

func TestDeriveRoundingBound(t *testing.T) {
	// ceil(1e9 / 99e6) = 11
	got, err := state.DeriveRoundingBound(2, 1, safe99)
	if err != nil {
		t.Fatal(err)
	}
	if got != 13 {
		t.Errorf("got %d, want 13", got)
	}

	got, _ = state.DeriveRoundingBound(2, 0, safe99)
	if got != 2 {
		t.Errorf("base-only path: got %d, want 2", got)
	}

	if _, err := state.DeriveRoundingBound(2, 1, 0); !errors.Is(err, state.ErrInvalidParameter) {
		t.Errorf("zero price: got %v, want ErrInvalidParameter", err)
	}
}

func TestAssertBalanceSheetHolds(t *testing.T) {
	eq := big.NewInt(40)
	if err := state.AssertBalanceSheetHolds(100, 50, eq, 10, 0); err != nil {
		t.Errorf("exact identity should hold: %v", err)
	}
	if err := state.AssertBalanceSheetHolds(102, 50, eq, 10, 2); err != nil {
		t.Errorf("deviation within bound should hold: %v", err)
	}
	err := state.AssertBalanceSheetHolds(103, 50, eq, 10, 2)
	if !errors.Is(err, state.ErrBalanceSheetViolation) {
		t.Errorf("got %v, want ErrBalanceSheetViolation", err)
	}
	if !state.IsFatal(err) {
		t.Error("balance sheet violation must be fatal-class")
	}
}

func TestAssertCRAboveMinimum(t *testing.T) {
	if err := state.AssertCRAboveMinimum(state.InfiniteCR, 13_000); err != nil {
		t.Errorf("infinite CR should pass: %v", err)
	}
	if err := state.AssertCRAboveMinimum(13_000, 13_000); err != nil {
		t.Errorf("CR at minimum should pass: %v", err)
	}
	if err := state.AssertCRAboveMinimum(12_999, 13_000); !errors.Is(err, state.ErrCollateralRatioTooLow) {
		t.Errorf("got %v, want ErrCollateralRatioTooLow", err)
	}
}

func TestAssertNoNegativeEquity(t *testing.T) {
	if err := state.AssertNoNegativeEquity(10, 10); err != nil {
		t.Errorf("tvl == liability should pass: %v", err)
	}
	if err := state.AssertNoNegativeEquity(9, 10); !errors.Is(err, state.ErrNegativeEquity) {
		t.Errorf("got %v, want ErrNegativeEquity", err)
	}
}

// ============================================================================
// Test: rounding reserve
// ============================================================================

func TestReserve_CreditThenDebit(t *testing.T) {
	credited, err := state.CreditReserve(100, 2, 1_000)
	if err != nil {
		t.Fatal(err)
	}
	debited, err := state.DebitReserve(credited, 2)
	if err != nil {
		t.Fatal(err)
	}
	if debited != 100 {
		t.Errorf("got %d, want 100", debited)
	}
}

func TestReserve_FailsClosed(t *testing.T) {
	if _, err := state.CreditReserve(999, 2, 1_000); !errors.Is(err, state.ErrRoundingReserveExceeded) {
		t.Errorf("credit above cap: got %v", err)
	}
	if _, err := state.DebitReserve(1, 2); !errors.Is(err, state.ErrRoundingReserveUnderflow) {
		t.Errorf("debit below zero: got %v", err)
	}
	if err := state.AssertReserveWithinCap(1_001, 1_000); !errors.Is(err, state.ErrRoundingReserveExceeded) {
		t.Errorf("cap check: got %v", err)
	}
}

func TestExhaustedPool_CoversNothing(t *testing.T) {
	covered, remaining := state.NewExhaustedPool().Coverage(500)
	if covered != 0 || remaining != 500 {
		t.Errorf("got covered=%d remaining=%d, want 0/500", covered, remaining)
	}
}
