// internal/event/deposit.go
package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositCredited funds a user's custody wallet from outside the ledger.
// It moves no balance-sheet value: collateral only enters the vault
// through a mint operation.
type DepositCredited struct {
	DepositID uuid.UUID `json:"deposit_id"`
	UserID    uuid.UUID `json:"user_id"`
	Asset     string    `json:"asset"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DepositCredited) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositCredited) EventType() EventType {
	return EventTypeDepositCredited
}
