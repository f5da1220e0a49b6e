package math_test

import (
	fpmath "laminar/internal/math"
	"testing"

	"pgregory.net/rapid"
)

func testCurve() fpmath.FeeCurve {
	return fpmath.FeeCurve{
		MinCRBps:          13_000,
		TargetCRBps:       15_000,
		MinMultiplierBps:  5_000,
		MaxMultiplierBps:  20_000,
		UncertaintyMaxBps: 20_000,
	}
}

func TestDynamicFee_HalfwayInterpolation(t *testing.T) {
	c := testCurve()

	inc, ok := fpmath.DynamicFeeBps(100, fpmath.FeeActionStableMint, 14_000, c)
	if !ok || inc != 150 {
		t.Errorf("risk-increasing halfway: got %d ok=%v, want 150", inc, ok)
	}

	red, ok := fpmath.DynamicFeeBps(100, fpmath.FeeActionStableRedeem, 14_000, c)
	if !ok || red != 75 {
		t.Errorf("risk-reducing halfway: got %d ok=%v, want 75", red, ok)
	}
}

func TestDynamicFee_AtAndAboveTarget(t *testing.T) {
	c := testCurve()
	for _, action := range []fpmath.FeeAction{
		fpmath.FeeActionStableMint, fpmath.FeeActionStableRedeem,
		fpmath.FeeActionEquityMint, fpmath.FeeActionEquityRedeem,
	} {
		got, ok := fpmath.DynamicFeeBps(100, action, 15_000, c)
		if !ok || got != 100 {
			t.Errorf("%s at target: got %d, want 100", action, got)
		}
	}
}

func TestDynamicFee_ClampedBelowMinimum(t *testing.T) {
	c := testCurve()

	inc, _ := fpmath.DynamicFeeBps(100, fpmath.FeeActionEquityRedeem, 9_000, c)
	if inc != 200 {
		t.Errorf("risk-increasing below min: got %d, want 200", inc)
	}

	red, _ := fpmath.DynamicFeeBps(100, fpmath.FeeActionEquityMint, 9_000, c)
	if red != 50 {
		t.Errorf("risk-reducing below min: got %d, want 50", red)
	}
}

func TestDynamicFee_UncertaintyOnlyForRiskIncreasing(t *testing.T) {
	c := testCurve()
	c.UncertaintyIndexBps = 10_000
	c.UncertaintyMaxBps = 12_000

	inc, ok := fpmath.DynamicFeeBps(100, fpmath.FeeActionEquityRedeem, ^uint64(0), c)
	if !ok || inc != 120 {
		t.Errorf("risk-increasing with uncertainty: got %d, want 120", inc)
	}

	red, ok := fpmath.DynamicFeeBps(100, fpmath.FeeActionEquityMint, ^uint64(0), c)
	if !ok || red != 100 {
		t.Errorf("risk-reducing with uncertainty: got %d, want 100", red)
	}
}

func TestDynamicFee_InvalidCurve(t *testing.T) {
	cases := map[string]func(*fpmath.FeeCurve){
		"min >= target":      func(c *fpmath.FeeCurve) { c.MinCRBps = c.TargetCRBps },
		"min mult > 1x":      func(c *fpmath.FeeCurve) { c.MinMultiplierBps = 12_000 },
		"max mult < 1x":      func(c *fpmath.FeeCurve) { c.MaxMultiplierBps = 9_000 },
		"min mult > max mul": func(c *fpmath.FeeCurve) { c.MinMultiplierBps, c.MaxMultiplierBps = 12_000, 9_000 },
	}

	for name, mutate := range cases {
		c := testCurve()
		mutate(&c)
		if _, ok := fpmath.DynamicFeeBps(100, fpmath.FeeActionStableMint, 14_000, c); ok {
			t.Errorf("%s: expected failure", name)
		}
	}
}

func TestDynamicFee_Monotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := fpmath.FeeCurve{
			MinCRBps:            rapid.Uint64Range(10_000, 14_000).Draw(t, "min_cr"),
			MinMultiplierBps:    rapid.Uint64Range(0, 10_000).Draw(t, "min_mult"),
			MaxMultiplierBps:    rapid.Uint64Range(10_000, fpmath.MaxFeeMultiplierBps).Draw(t, "max_mult"),
			UncertaintyIndexBps: rapid.Uint64Range(0, 1_000).Draw(t, "unc_idx"),
			UncertaintyMaxBps:   rapid.Uint64Range(0, 30_000).Draw(t, "unc_max"),
		}
		c.TargetCRBps = c.MinCRBps + rapid.Uint64Range(1, 10_000).Draw(t, "span")
		base := rapid.Uint64Range(0, 1_000).Draw(t, "base")

		hi := rapid.Uint64Range(0, 30_000).Draw(t, "cr_hi")
		lo := rapid.Uint64Range(0, hi).Draw(t, "cr_lo")

		incHi, ok1 := fpmath.DynamicFeeBps(base, fpmath.FeeActionStableMint, hi, c)
		incLo, ok2 := fpmath.DynamicFeeBps(base, fpmath.FeeActionStableMint, lo, c)
		if !ok1 || !ok2 {
			t.Fatalf("valid curve produced no fee")
		}
		if incLo < incHi {
			t.Fatalf("risk-increasing fee fell as CR dropped: cr %d->%d fee %d->%d", hi, lo, incHi, incLo)
		}
		maxFee, _ := fpmath.MulDivDown(base, c.MaxMultiplierBps, fpmath.BPS)
		if incLo > maxFee {
			t.Fatalf("risk-increasing fee %d above cap %d", incLo, maxFee)
		}

		redHi, _ := fpmath.DynamicFeeBps(base, fpmath.FeeActionStableRedeem, hi, c)
		redLo, _ := fpmath.DynamicFeeBps(base, fpmath.FeeActionStableRedeem, lo, c)
		if redLo > redHi {
			t.Fatalf("risk-reducing fee rose as CR dropped: cr %d->%d fee %d->%d", hi, lo, redHi, redLo)
		}
		minFee, _ := fpmath.MulDivDown(base, c.MinMultiplierBps, fpmath.BPS)
		if redLo < minFee {
			t.Fatalf("risk-reducing fee %d below floor %d", redLo, minFee)
		}
	})
}
