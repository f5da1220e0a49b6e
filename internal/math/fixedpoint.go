package math

import (
	"math/big"
	"sync"
)

// Precision and protocol floors. All collateral and base-value amounts are in
// 1e9 units (lamports); stable-token amounts are in 1e6 units.
const (
	RateScale    uint64 = 1_000_000_000 // collateral->base rate and NAV scale
	USDPrecision uint64 = 1_000_000     // stable token and quote price scale
	BPS          uint64 = 10_000        // 100% = 10_000 bps

	MinCollateralDeposit uint64 = 100_000   // 0.0001 of the base asset
	MinStableMint        uint64 = 1_000     // 0.001 stable
	MinEquityMint        uint64 = 1_000_000 // 0.001 equity
	MinProtocolTVL       uint64 = 1_000_000 // collateral left after a redemption, unless fully drained
	MinNAV               uint64 = 1_000     // equity is not redeemable below this NAV

	DefaultStableMintFeeBps   uint64 = 50
	DefaultStableRedeemFeeBps uint64 = 25
	DefaultEquityMintFeeBps   uint64 = 30
	DefaultEquityRedeemFeeBps uint64 = 15

	MaxFeeMultiplierBps uint64 = 40_000
	DefaultMinCRBps     uint64 = 13_000
	DefaultTargetCRBps  uint64 = 15_000
)

// RoundingMode selects the direction of the final division
type RoundingMode int

const (
	RoundDown RoundingMode = iota // protocol-favoring
	RoundUp                       // liabilities and user-favoring references
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MulDiv computes a*b/c with a double-width intermediate.
// Returns ok=false when c == 0 or the quotient does not fit in 64 bits.
func MulDiv(a, b, c uint64, mode RoundingMode) (uint64, bool) {
	if c == 0 {
		return 0, false
	}

	product := getInt128()
	divisor := getInt128()
	quotient := getInt128()
	remainder := getInt128()
	defer func() {
		putInt128(product)
		putInt128(divisor)
		putInt128(quotient)
		putInt128(remainder)
	}()

	product.SetUint64(a)
	divisor.SetUint64(b)
	product.Mul(product, divisor)

	divisor.SetUint64(c)
	quotient.QuoRem(product, divisor, remainder)

	if mode == RoundUp && remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}

	if quotient.Cmp(maxUint64) > 0 {
		return 0, false
	}
	return quotient.Uint64(), true
}

// MulDivDown returns floor(a*b/c)
func MulDivDown(a, b, c uint64) (uint64, bool) {
	return MulDiv(a, b, c, RoundDown)
}

// MulDivUp returns ceil(a*b/c)
func MulDivUp(a, b, c uint64) (uint64, bool) {
	return MulDiv(a, b, c, RoundUp)
}

// RoundingDelta is the gap between a user-favoring and a conservative result
// of the same computation. Fails if the favoring value is the smaller one.
func RoundingDelta(conservative, favoring uint64) (uint64, bool) {
	if favoring < conservative {
		return 0, false
	}
	return favoring - conservative, true
}

// ApplyFee splits amount into (net, fee) with the fee rounded down.
func ApplyFee(amount, feeBps uint64) (net uint64, fee uint64, ok bool) {
	fee, ok = MulDivDown(amount, feeBps, BPS)
	if !ok || fee > amount {
		return 0, 0, false
	}
	return amount - fee, fee, true
}

// --- Dust conversion (always rounds up) ---
// The rounding reserve must never be under-credited relative to what a
// user-favoring path could have claimed.

// USDDustToBase converts stable-token dust to base units at price (1e6 quote per base).
func USDDustToBase(delta, price uint64) (uint64, bool) {
	return MulDivUp(delta, RateScale, price)
}

// CollateralDustToBase converts raw collateral dust to base units at rate.
func CollateralDustToBase(delta, rate uint64) (uint64, bool) {
	return MulDivUp(delta, rate, RateScale)
}

// EquityDustToBase converts equity-token dust to base units at nav.
func EquityDustToBase(delta, nav uint64) (uint64, bool) {
	return MulDivUp(delta, nav, RateScale)
}

// CheckedAdd returns a+b or ok=false on overflow.
func CheckedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// CheckedSub returns a-b or ok=false on underflow.
func CheckedSub(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}
