package state

import "fmt"

// CreditReserve adds dust to the reserve. Fails closed above the cap.
func CreditReserve(reserve, credit, max uint64) (uint64, error) {
	next := reserve + credit
	if next < reserve {
		return 0, fmt.Errorf("credit reserve: %w", ErrOverflow)
	}
	if next > max {
		return 0, fmt.Errorf("%w: %d + %d > cap %d", ErrRoundingReserveExceeded, reserve, credit, max)
	}
	return next, nil
}

// DebitReserve pays dust out of the reserve. Never saturates.
func DebitReserve(reserve, debit uint64) (uint64, error) {
	if debit > reserve {
		return 0, fmt.Errorf("%w: debit %d > reserve %d", ErrRoundingReserveUnderflow, debit, reserve)
	}
	return reserve - debit, nil
}
