package event

import (
	"time"

	"github.com/google/uuid"
)

// ProtocolInitialized is emitted once when the ledger state is created
type ProtocolInitialized struct {
	OperationID         uuid.UUID `json:"operation_id"`
	Authority           string    `json:"authority"`
	Treasury            uuid.UUID `json:"treasury"`
	SupportedCollateral string    `json:"supported_collateral"`
	MinCRBps            uint64    `json:"min_cr_bps"`
	TargetCRBps         uint64    `json:"target_cr_bps"`
	Rate                uint64    `json:"collateral_to_base_rate"`
	Price               uint64    `json:"base_price_in_quote"`
	Timestamp           time.Time `json:"timestamp"`
}

func (p *ProtocolInitialized) IdempotencyKey() string {
	return p.OperationID.String()
}

func (p *ProtocolInitialized) EventType() EventType {
	return EventTypeProtocolInitialized
}

// ParametersUpdated records a risk parameter change
type ParametersUpdated struct {
	OperationID    uuid.UUID `json:"operation_id"`
	Authority      string    `json:"authority"`
	OldMinCRBps    uint64    `json:"old_min_cr_bps"`
	NewMinCRBps    uint64    `json:"new_min_cr_bps"`
	OldTargetCRBps uint64    `json:"old_target_cr_bps"`
	NewTargetCRBps uint64    `json:"new_target_cr_bps"`
	Timestamp      time.Time `json:"timestamp"`
}

func (p *ParametersUpdated) IdempotencyKey() string {
	return p.OperationID.String()
}

func (p *ParametersUpdated) EventType() EventType {
	return EventTypeParametersUpdated
}

// EmergencyPause records a change to either circuit breaker
type EmergencyPause struct {
	OperationID  uuid.UUID `json:"operation_id"`
	Authority    string    `json:"authority"`
	MintPaused   bool      `json:"mint_paused"`
	RedeemPaused bool      `json:"redeem_paused"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *EmergencyPause) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *EmergencyPause) EventType() EventType {
	return EventTypeEmergencyPause
}
