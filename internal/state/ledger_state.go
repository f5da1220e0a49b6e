// internal/state/ledger_state.go
package state

import (
	"encoding/binary"
	"fmt"
	fpmath "laminar/internal/math"
	"math"

	"github.com/google/uuid"
)

// CurrentVersion is the LedgerState schema version this build understands.
const CurrentVersion uint8 = 1

// InfiniteCR is the collateralization ratio reported when there is no liability.
const InfiniteCR = math.MaxUint64

// Asset identifies one of the three instruments the ledger accounts for
type Asset uint8

const (
	AssetCollateral Asset = iota + 1
	AssetStable
	AssetEquity
)

func (a Asset) String() string {
	switch a {
	case AssetCollateral:
		return "collateral"
	case AssetStable:
		return "stable"
	case AssetEquity:
		return "equity"
	default:
		return "unknown"
	}
}

// ParseAsset maps a wire name back to an Asset.
func ParseAsset(s string) (Asset, bool) {
	switch s {
	case "collateral":
		return AssetCollateral, true
	case "stable":
		return AssetStable, true
	case "equity":
		return AssetEquity, true
	default:
		return 0, false
	}
}

// PricingSnapshot is one oracle observation.
// Rate is collateral->base (1e9 scale), Price is base->quote (1e6 scale).
type PricingSnapshot struct {
	CollateralToBaseRate uint64 `json:"collateral_to_base_rate"`
	BasePriceInQuote     uint64 `json:"base_price_in_quote"`
	ConfidenceBps        uint64 `json:"confidence_bps"`
	SnapshotSlot         uint64 `json:"snapshot_slot"`
}

// LedgerState is the protocol balance sheet. It is a plain value: operations
// receive a copy and return a new one.
type LedgerState struct {
	Version             uint8     `json:"version"`
	Authority           string    `json:"authority"`
	Treasury            uuid.UUID `json:"treasury"`
	SupportedCollateral string    `json:"supported_collateral"`

	CollateralUnits uint64 `json:"collateral_units"` // raw collateral, native base units
	StableSupply    uint64 `json:"stable_supply"`    // 1e6 scale
	EquitySupply    uint64 `json:"equity_supply"`    // 1e9 scale
	RoundingReserve uint64 `json:"rounding_reserve"` // base units

	Risk RiskParams `json:"risk"`

	MintPaused   bool `json:"mint_paused"`
	RedeemPaused bool `json:"redeem_paused"`

	OperationCounter uint64          `json:"operation_counter"`
	Pricing          PricingSnapshot `json:"pricing"`
}

// CheckVersion rejects states written by an incompatible schema.
func (s LedgerState) CheckVersion() error {
	if s.Version != CurrentVersion {
		return fmt.Errorf("%w: state version %d, want %d", ErrInvalidParameter, s.Version, CurrentVersion)
	}
	return nil
}

// FeeCurve projects the risk parameters onto the fee engine's inputs.
func (p RiskParams) FeeCurve() fpmath.FeeCurve {
	return fpmath.FeeCurve{
		MinCRBps:            p.MinCRBps,
		TargetCRBps:         p.TargetCRBps,
		MinMultiplierBps:    p.FeeMinMultiplierBps,
		MaxMultiplierBps:    p.FeeMaxMultiplierBps,
		UncertaintyIndexBps: p.UncertaintyIndexBps,
		UncertaintyMaxBps:   p.UncertaintyMaxBps,
	}
}

// BaseFeeBps returns the configured base fee for an action.
func (p RiskParams) BaseFeeBps(action fpmath.FeeAction) uint64 {
	switch action {
	case fpmath.FeeActionStableMint:
		return p.StableMintFeeBps
	case fpmath.FeeActionStableRedeem:
		return p.StableRedeemFeeBps
	case fpmath.FeeActionEquityMint:
		return p.EquityMintFeeBps
	case fpmath.FeeActionEquityRedeem:
		return p.EquityRedeemFeeBps
	default:
		return 0
	}
}

// CanonicalBytes for deterministic hashing
func (s LedgerState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, s.Version)

	// authority, collateral (length-prefixed)
	buf = appendString(buf, s.Authority)
	buf = append(buf, s.Treasury[:]...)
	buf = appendString(buf, s.SupportedCollateral)

	buf = appendUint64LE(buf, s.CollateralUnits)
	buf = appendUint64LE(buf, s.StableSupply)
	buf = appendUint64LE(buf, s.EquitySupply)
	buf = appendUint64LE(buf, s.RoundingReserve)

	for _, v := range s.Risk.fields() {
		buf = appendUint64LE(buf, v)
	}

	buf = append(buf, boolByte(s.MintPaused), boolByte(s.RedeemPaused))
	buf = appendUint64LE(buf, s.OperationCounter)

	buf = appendUint64LE(buf, s.Pricing.CollateralToBaseRate)
	buf = appendUint64LE(buf, s.Pricing.BasePriceInQuote)
	buf = appendUint64LE(buf, s.Pricing.ConfidenceBps)
	buf = appendUint64LE(buf, s.Pricing.SnapshotSlot)

	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}

// appendString writes a uvarint length prefix, which matches a one-byte
// prefix for strings shorter than 128 bytes.
func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
