package state

import (
	"fmt"
	fpmath "laminar/internal/math"
)

// RiskParams holds the administratively mutable protocol configuration.
// Ratios and fees are basis points (10_000 = 100%).
type RiskParams struct {
	MinCRBps    uint64 `json:"min_cr_bps"`
	TargetCRBps uint64 `json:"target_cr_bps"`

	StableMintFeeBps   uint64 `json:"stable_mint_fee_bps"`
	StableRedeemFeeBps uint64 `json:"stable_redeem_fee_bps"`
	EquityMintFeeBps   uint64 `json:"equity_mint_fee_bps"`
	EquityRedeemFeeBps uint64 `json:"equity_redeem_fee_bps"`

	FeeMinMultiplierBps uint64 `json:"fee_min_multiplier_bps"`
	FeeMaxMultiplierBps uint64 `json:"fee_max_multiplier_bps"`
	UncertaintyIndexBps uint64 `json:"uncertainty_index_bps"`
	UncertaintyMaxBps   uint64 `json:"uncertainty_max_bps"`

	MaxRoundingReserve uint64 `json:"max_rounding_reserve"` // base units
	MaxStalenessSlots  uint64 `json:"max_staleness_slots"`
	MaxConfidenceBps   uint64 `json:"max_confidence_bps"`
}

// DefaultRiskParams returns the launch configuration.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		MinCRBps:            fpmath.DefaultMinCRBps,
		TargetCRBps:         fpmath.DefaultTargetCRBps,
		StableMintFeeBps:    fpmath.DefaultStableMintFeeBps,
		StableRedeemFeeBps:  fpmath.DefaultStableRedeemFeeBps,
		EquityMintFeeBps:    fpmath.DefaultEquityMintFeeBps,
		EquityRedeemFeeBps:  fpmath.DefaultEquityRedeemFeeBps,
		FeeMinMultiplierBps: 5_000,
		FeeMaxMultiplierBps: 20_000,
		UncertaintyIndexBps: 0,
		UncertaintyMaxBps:   20_000,
		MaxRoundingReserve:  1_000_000_000, // 1 base asset
		MaxStalenessSlots:   150,
		MaxConfidenceBps:    200,
	}
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// 100% <= min_cr < target_cr, 0 <= min_mult <= 1x <= max_mult <= 4x,
// base fees < 100%, non-zero staleness window and reserve cap.
func ValidateRiskParams(p RiskParams) error {
	if p.MinCRBps < fpmath.BPS {
		return fmt.Errorf("%w: min_cr_bps must be >= %d, got %d", ErrInvalidParameter, fpmath.BPS, p.MinCRBps)
	}
	if p.MinCRBps >= p.TargetCRBps {
		return fmt.Errorf("%w: min_cr_bps (%d) must be < target_cr_bps (%d)", ErrInvalidParameter, p.MinCRBps, p.TargetCRBps)
	}
	if p.FeeMinMultiplierBps > fpmath.BPS {
		return fmt.Errorf("%w: fee_min_multiplier_bps must be <= %d, got %d", ErrInvalidParameter, fpmath.BPS, p.FeeMinMultiplierBps)
	}
	if p.FeeMaxMultiplierBps < fpmath.BPS || p.FeeMaxMultiplierBps > fpmath.MaxFeeMultiplierBps {
		return fmt.Errorf("%w: fee_max_multiplier_bps must be in [%d, %d], got %d",
			ErrInvalidParameter, fpmath.BPS, fpmath.MaxFeeMultiplierBps, p.FeeMaxMultiplierBps)
	}
	if !p.FeeCurve().Valid() {
		return fmt.Errorf("%w: fee curve rejected", ErrInvalidParameter)
	}
	for name, fee := range map[string]uint64{
		"stable_mint_fee_bps":   p.StableMintFeeBps,
		"stable_redeem_fee_bps": p.StableRedeemFeeBps,
		"equity_mint_fee_bps":   p.EquityMintFeeBps,
		"equity_redeem_fee_bps": p.EquityRedeemFeeBps,
	} {
		if fee >= fpmath.BPS {
			return fmt.Errorf("%w: %s must be < %d, got %d", ErrInvalidParameter, name, fpmath.BPS, fee)
		}
	}
	if p.MaxRoundingReserve == 0 {
		return fmt.Errorf("%w: max_rounding_reserve must be > 0", ErrInvalidParameter)
	}
	if p.MaxStalenessSlots == 0 {
		return fmt.Errorf("%w: max_staleness_slots must be > 0", ErrInvalidParameter)
	}
	if p.MaxConfidenceBps > fpmath.BPS {
		return fmt.Errorf("%w: max_confidence_bps must be <= %d, got %d", ErrInvalidParameter, fpmath.BPS, p.MaxConfidenceBps)
	}
	return nil
}

func (p RiskParams) fields() []uint64 {
	return []uint64{
		p.MinCRBps, p.TargetCRBps,
		p.StableMintFeeBps, p.StableRedeemFeeBps, p.EquityMintFeeBps, p.EquityRedeemFeeBps,
		p.FeeMinMultiplierBps, p.FeeMaxMultiplierBps,
		p.UncertaintyIndexBps, p.UncertaintyMaxBps,
		p.MaxRoundingReserve, p.MaxStalenessSlots, p.MaxConfidenceBps,
	}
}
