package query

import (
	"time"

	"github.com/google/uuid"
)

// BalanceSheetView is the protocol balance sheet for API queries. Raw
// fields carry fixed-point integers; string fields are decimal renderings.
type BalanceSheetView struct {
	OperationCounter uint64 `json:"operation_counter"`
	StateHash        string `json:"state_hash"`

	CollateralUnits uint64 `json:"collateral_units"`
	StableSupply    uint64 `json:"stable_supply"`
	EquitySupply    uint64 `json:"equity_supply"`
	RoundingReserve uint64 `json:"rounding_reserve"`

	TVL             string `json:"tvl"`
	Liability       string `json:"liability"`
	Reserve         string `json:"reserve"`
	ClaimableEquity string `json:"claimable_equity"`
	Equity          string `json:"accounting_equity"` // may be negative
	CRBps           uint64 `json:"cr_bps"`
	CollateralRatio string `json:"collateral_ratio"` // "inf" with no liability
	NAV             string `json:"nav,omitempty"`    // empty when no equity outstanding
	LeverageBps     uint64 `json:"leverage_bps"`

	MintPaused   bool `json:"mint_paused"`
	RedeemPaused bool `json:"redeem_paused"`

	Pricing PricingView `json:"pricing"`
}

// PricingView is the pricing snapshot the balance sheet was computed at.
type PricingView struct {
	CollateralToBaseRate string `json:"collateral_to_base_rate"`
	BasePriceInQuote     string `json:"base_price_in_quote"`
	ConfidenceBps        uint64 `json:"confidence_bps"`
	SnapshotSlot         uint64 `json:"snapshot_slot"`
}

// AccountBalances lists one user's custody balances.
type AccountBalances struct {
	UserID       uuid.UUID      `json:"user_id"`
	Balances     []AssetBalance `json:"balances"`
	AsOfSequence uint64         `json:"as_of_sequence"`
}

// AssetBalance is a single asset holding.
type AssetBalance struct {
	Asset  string `json:"asset"`
	Raw    int64  `json:"raw"`
	Amount string `json:"amount"`
}

// OperationView is one committed mint or redeem.
type OperationView struct {
	OperationID      uuid.UUID `json:"operation_id"`
	OperationCounter uint64    `json:"operation_counter"`
	Kind             string    `json:"kind"`
	UserID           uuid.UUID `json:"user_id"`
	AmountIn         uint64    `json:"amount_in"`
	AmountOut        uint64    `json:"amount_out"`
	Fee              uint64    `json:"fee"`
	FeeBps           uint64    `json:"fee_bps"`
	NAV              string    `json:"nav"`
	NewTVL           string    `json:"new_tvl"`
	NewCRBps         uint64    `json:"new_cr_bps"`
	Insolvency       bool      `json:"insolvency"`
	Timestamp        time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	EventsChecked    int64             `json:"events_checked"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
