package event

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawalDebited moves funds out of a user's custody wallet to an
// external destination.
type WithdrawalDebited struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	Amount       uint64    `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
}

func (w *WithdrawalDebited) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalDebited) EventType() EventType {
	return EventTypeWithdrawalDebited
}
