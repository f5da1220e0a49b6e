package event

import (
	"time"

	"github.com/google/uuid"
)

// OperationKind names the four balance-sheet operations
type OperationKind uint8

const (
	OpMintStable OperationKind = iota + 1
	OpRedeemStable
	OpMintEquity
	OpRedeemEquity
)

func (k OperationKind) String() string {
	switch k {
	case OpMintStable:
		return "mint_stable"
	case OpRedeemStable:
		return "redeem_stable"
	case OpMintEquity:
		return "mint_equity"
	case OpRedeemEquity:
		return "redeem_equity"
	default:
		return "unknown"
	}
}

// ParseOperationKind maps a wire name (as used in request subjects) to a kind.
func ParseOperationKind(s string) (OperationKind, bool) {
	for k := OpMintStable; k <= OpRedeemEquity; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// EventType maps the operation to its committed event type.
func (k OperationKind) EventType() EventType {
	switch k {
	case OpMintStable:
		return EventTypeStableMinted
	case OpRedeemStable:
		return EventTypeStableRedeemed
	case OpMintEquity:
		return EventTypeEquityMinted
	case OpRedeemEquity:
		return EventTypeEquityRedeemed
	default:
		return EventTypeUnknown
	}
}

// OperationEvent is the audit record of one committed mint or redeem.
// Amounts are in the native unit of the token moved (collateral base
// units, stable 1e6, equity 1e9); TVL and equity values are base units.
type OperationEvent struct {
	Kind        OperationKind `json:"kind"`
	OperationID uuid.UUID     `json:"operation_id"`
	UserID      uuid.UUID     `json:"user_id"`

	AmountIn  uint64 `json:"amount_in"`
	AmountOut uint64 `json:"amount_out"`
	Fee       uint64 `json:"fee"`
	FeeBps    uint64 `json:"fee_bps"`

	OldTVL   uint64 `json:"old_tvl"`
	NewTVL   uint64 `json:"new_tvl"`
	OldCRBps uint64 `json:"old_cr_bps"`
	NewCRBps uint64 `json:"new_cr_bps"`

	// Equity token NAV; zero when undefined (no equity outstanding)
	NAV uint64 `json:"nav"`

	OldClaimableEquity uint64 `json:"old_claimable_equity"`
	NewClaimableEquity uint64 `json:"new_claimable_equity"`
	LeverageBps        uint64 `json:"leverage_bps,omitempty"`

	ReserveCredit uint64 `json:"reserve_credit,omitempty"`
	ReserveDebit  uint64 `json:"reserve_debit,omitempty"`

	Rate  uint64 `json:"collateral_to_base_rate"`
	Price uint64 `json:"base_price_in_quote"`

	Bootstrap     bool   `json:"bootstrap,omitempty"`
	Insolvency    bool   `json:"insolvency,omitempty"`
	HaircutBps    uint64 `json:"haircut_bps,omitempty"`
	PoolCoverage  uint64 `json:"pool_coverage,omitempty"`
	OrphanEquity  uint64 `json:"orphan_equity,omitempty"`
	OperationSlot uint64 `json:"slot"`

	Timestamp time.Time `json:"timestamp"`
}

func (o *OperationEvent) IdempotencyKey() string {
	return o.OperationID.String()
}

func (o *OperationEvent) EventType() EventType {
	return o.Kind.EventType()
}
