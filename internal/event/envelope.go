package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeStableMinted
	EventTypeStableRedeemed
	EventTypeEquityMinted
	EventTypeEquityRedeemed
	EventTypeProtocolInitialized
	EventTypeParametersUpdated
	EventTypeEmergencyPause
	EventTypePricingUpdated
	EventTypeDepositCredited
	EventTypeWithdrawalDebited
)

// EventEnvelope wraps every committed event in the log
type EventEnvelope struct {
	// Ledger operation counter after this event was committed
	Sequence uint64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	OperationID uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeStableMinted:
		return "StableMinted"
	case EventTypeStableRedeemed:
		return "StableRedeemed"
	case EventTypeEquityMinted:
		return "EquityMinted"
	case EventTypeEquityRedeemed:
		return "EquityRedeemed"
	case EventTypeProtocolInitialized:
		return "ProtocolInitialized"
	case EventTypeParametersUpdated:
		return "ParametersUpdated"
	case EventTypeEmergencyPause:
		return "EmergencyPause"
	case EventTypePricingUpdated:
		return "PricingUpdated"
	case EventTypeDepositCredited:
		return "DepositCredited"
	case EventTypeWithdrawalDebited:
		return "WithdrawalDebited"
	default:
		return "Unknown"
	}
}

// Subject returns the lower_snake token used in message subjects and metrics.
func (et EventType) Subject() string {
	switch et {
	case EventTypeStableMinted:
		return "stable_minted"
	case EventTypeStableRedeemed:
		return "stable_redeemed"
	case EventTypeEquityMinted:
		return "equity_minted"
	case EventTypeEquityRedeemed:
		return "equity_redeemed"
	case EventTypeProtocolInitialized:
		return "protocol_initialized"
	case EventTypeParametersUpdated:
		return "parameters_updated"
	case EventTypeEmergencyPause:
		return "emergency_pause"
	case EventTypePricingUpdated:
		return "pricing_updated"
	case EventTypeDepositCredited:
		return "deposit_credited"
	case EventTypeWithdrawalDebited:
		return "withdrawal_debited"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeStableMinted; et <= EventTypeWithdrawalDebited; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
