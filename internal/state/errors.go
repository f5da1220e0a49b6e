package state

import "errors"

// Error kinds returned by the balance-sheet model and the operation engine.
// Callers classify with errors.Is; every returned error wraps exactly one kind.
var (
	ErrPaused                      = errors.New("operation paused")
	ErrZeroOrBelowFloor            = errors.New("amount is zero or below floor")
	ErrOverflow                    = errors.New("arithmetic overflow")
	ErrInsufficientBalance         = errors.New("insufficient balance")
	ErrInsufficientSupply          = errors.New("insufficient supply")
	ErrUnsupported                 = errors.New("unsupported asset")
	ErrInsolvent                   = errors.New("protocol insolvent")
	ErrSlippageExceeded            = errors.New("slippage exceeded")
	ErrBelowMinimumCollateralFloor = errors.New("below minimum collateral floor")
	ErrRoundingReserveExceeded     = errors.New("rounding reserve exceeds cap")
	ErrRoundingReserveUnderflow    = errors.New("rounding reserve underflow")
	ErrBalanceSheetViolation       = errors.New("balance sheet violation")
	ErrCollateralRatioTooLow       = errors.New("collateral ratio below minimum")
	ErrNegativeEquity              = errors.New("negative equity")
	ErrInvalidCallContext          = errors.New("invalid call context")
	ErrStalePricing                = errors.New("stale pricing")
	ErrLowConfidencePricing        = errors.New("pricing confidence too low")
	ErrInvalidParameter            = errors.New("invalid parameter")

	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotInitialized = errors.New("ledger not initialized")

	// ErrNAVUndefined is returned by NAV when no equity has been minted yet.
	ErrNAVUndefined = errors.New("nav undefined: equity supply is zero")
)

// IsFatal reports whether err indicates the arithmetic model itself was
// violated. These are returned like any other error but must be alerted on.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBalanceSheetViolation) || errors.Is(err, ErrOverflow)
}

// Kind returns a short, stable label for the error kind carried by err,
// suitable for metric labels and API error codes.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "internal"
}

var kinds = []struct {
	err   error
	label string
}{
	{ErrPaused, "paused"},
	{ErrZeroOrBelowFloor, "zero_or_below_floor"},
	{ErrOverflow, "overflow"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInsufficientSupply, "insufficient_supply"},
	{ErrUnsupported, "unsupported"},
	{ErrInsolvent, "insolvent"},
	{ErrSlippageExceeded, "slippage_exceeded"},
	{ErrBelowMinimumCollateralFloor, "below_minimum_collateral_floor"},
	{ErrRoundingReserveExceeded, "rounding_reserve_exceeded"},
	{ErrRoundingReserveUnderflow, "rounding_reserve_underflow"},
	{ErrBalanceSheetViolation, "balance_sheet_violation"},
	{ErrCollateralRatioTooLow, "collateral_ratio_too_low"},
	{ErrNegativeEquity, "negative_equity"},
	{ErrInvalidCallContext, "invalid_call_context"},
	{ErrStalePricing, "stale_pricing"},
	{ErrLowConfidencePricing, "low_confidence_pricing"},
	{ErrInvalidParameter, "invalid_parameter"},
	{ErrUnauthorized, "unauthorized"},
	{ErrNotInitialized, "not_initialized"},
	{ErrNAVUndefined, "nav_undefined"},
}
