package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PricingUpdated records an accepted oracle snapshot sync
type PricingUpdated struct {
	OperationID   uuid.UUID `json:"operation_id"`
	OldPrice      uint64    `json:"old_price"`
	NewPrice      uint64    `json:"new_price"`
	OldRate       uint64    `json:"old_rate"`
	NewRate       uint64    `json:"new_rate"`
	ConfidenceBps uint64    `json:"confidence_bps"`
	Slot          uint64    `json:"slot"`
	Timestamp     time.Time `json:"timestamp"`
}

func (p *PricingUpdated) IdempotencyKey() string {
	return p.OperationID.String()
}

func (p *PricingUpdated) EventType() EventType {
	return EventTypePricingUpdated
}

// PriceQuote is one observation pushed by the oracle feed. Not committed to
// the ledger on its own; the service syncs it into state when it is used.
type PriceQuote struct {
	Asset         string `json:"asset"`
	Rate          uint64 `json:"collateral_to_base_rate"`
	Price         uint64 `json:"base_price_in_quote"`
	ConfidenceBps uint64 `json:"confidence_bps"`
	Slot          uint64 `json:"slot"`
}

func (q *PriceQuote) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", q.Asset, q.Slot)
}
