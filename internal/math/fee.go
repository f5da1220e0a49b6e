package math

// FeeAction classifies an operation for the dynamic fee curve
type FeeAction uint8

const (
	FeeActionStableMint FeeAction = iota
	FeeActionStableRedeem
	FeeActionEquityMint
	FeeActionEquityRedeem
)

// RiskIncreasing reports whether the action extends downside exposure
// when CR is already compressed.
func (a FeeAction) RiskIncreasing() bool {
	return a == FeeActionStableMint || a == FeeActionEquityRedeem
}

func (a FeeAction) String() string {
	switch a {
	case FeeActionStableMint:
		return "stable_mint"
	case FeeActionStableRedeem:
		return "stable_redeem"
	case FeeActionEquityMint:
		return "equity_mint"
	case FeeActionEquityRedeem:
		return "equity_redeem"
	default:
		return "unknown"
	}
}

// FeeCurve holds the risk parameters the dynamic fee depends on.
// All values are basis points; 10_000 = 1.0x.
type FeeCurve struct {
	MinCRBps            uint64
	TargetCRBps         uint64
	MinMultiplierBps    uint64
	MaxMultiplierBps    uint64
	UncertaintyIndexBps uint64
	UncertaintyMaxBps   uint64
}

// Valid reports whether the curve can produce a defined fee.
func (c FeeCurve) Valid() bool {
	if c.MinCRBps >= c.TargetCRBps {
		return false
	}
	if c.MinMultiplierBps > BPS || c.MaxMultiplierBps < BPS {
		return false
	}
	return c.MinMultiplierBps <= c.MaxMultiplierBps
}

// DynamicFeeBps scales baseFeeBps by the CR multiplier and, for
// risk-increasing actions, the uncertainty multiplier.
// Returns ok=false for an invalid curve or arithmetic overflow.
func DynamicFeeBps(baseFeeBps uint64, action FeeAction, crBps uint64, c FeeCurve) (uint64, bool) {
	if !c.Valid() {
		return 0, false
	}

	riskIncreasing := action.RiskIncreasing()

	crMult, ok := crMultiplier(riskIncreasing, crBps, c)
	if !ok {
		return 0, false
	}

	uncMult := BPS
	if riskIncreasing {
		uncMult, ok = uncertaintyMultiplier(c.UncertaintyIndexBps, c.UncertaintyMaxBps)
		if !ok {
			return 0, false
		}
	}

	total, ok := MulDivDown(crMult, uncMult, BPS)
	if !ok {
		return 0, false
	}

	// Risk-increasing actions never get a discount, risk-reducing never a surcharge.
	if riskIncreasing && total < BPS {
		total = BPS
	}
	if !riskIncreasing && total > BPS {
		total = BPS
	}

	total = clamp(total, c.MinMultiplierBps, c.MaxMultiplierBps)

	return MulDivDown(baseFeeBps, total, BPS)
}

func crMultiplier(riskIncreasing bool, crBps uint64, c FeeCurve) (uint64, bool) {
	if crBps >= c.TargetCRBps {
		return BPS, true
	}

	if crBps <= c.MinCRBps {
		if riskIncreasing {
			return c.MaxMultiplierBps, true
		}
		return c.MinMultiplierBps, true
	}

	span := c.TargetCRBps - c.MinCRBps
	depth := c.TargetCRBps - crBps

	if riskIncreasing {
		step, ok := MulDivDown(c.MaxMultiplierBps-BPS, depth, span)
		if !ok {
			return 0, false
		}
		return CheckedAdd(BPS, step)
	}

	step, ok := MulDivDown(BPS-c.MinMultiplierBps, depth, span)
	if !ok {
		return 0, false
	}
	return CheckedSub(BPS, step)
}

// uncertaintyMultiplier = 1.0x + index*10 bps, clamped to [1.0x, max(uncMax, 1.0x)].
func uncertaintyMultiplier(indexBps, maxBps uint64) (uint64, bool) {
	step, ok := MulDivDown(indexBps, BPS, 1_000)
	if !ok {
		return 0, false
	}
	mult, ok := CheckedAdd(BPS, step)
	if !ok {
		return 0, false
	}

	upper := maxBps
	if upper < BPS {
		upper = BPS
	}
	return clamp(mult, BPS, upper), true
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
