package projection

import (
	"context"
	"laminar/internal/event"
	"laminar/internal/service"
	"sync"

	"github.com/google/uuid"
)

// OperationRecord is one committed mint or redeem as served by queries.
type OperationRecord struct {
	OperationCounter uint64
	Event            event.OperationEvent
}

// OperationHistory keeps the most recent operations in memory. It backs
// history queries when no Postgres projection is configured.
type OperationHistory struct {
	mu       sync.RWMutex
	capacity int
	entries  []OperationRecord // ring buffer, next write at head
	head     int
	full     bool
}

func NewOperationHistory(capacity int) *OperationHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &OperationHistory{
		capacity: capacity,
		entries:  make([]OperationRecord, capacity),
	}
}

func (h *OperationHistory) Name() string { return "operation_history" }

// Deliver records operation events; deposits and admin events are ignored.
func (h *OperationHistory) Deliver(_ context.Context, c service.Committed) error {
	op, ok := c.Event.(*event.OperationEvent)
	if !ok {
		return nil
	}
	h.Add(OperationRecord{OperationCounter: c.Envelope.Sequence, Event: *op})
	return nil
}

// Add records an entry, evicting the oldest when full.
func (h *OperationHistory) Add(rec OperationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.head] = rec
	h.head = (h.head + 1) % h.capacity
	if h.head == 0 {
		h.full = true
	}
}

// Len returns the number of retained entries.
func (h *OperationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return h.capacity
	}
	return h.head
}

// Query returns up to limit entries, newest first. A nil user matches
// everyone; beforeCounter > 0 restricts to older operations (cursor).
func (h *OperationHistory) Query(user uuid.UUID, limit int, beforeCounter uint64) []OperationRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.head
	if h.full {
		n = h.capacity
	}
	result := make([]OperationRecord, 0)
	for i := 1; i <= n && len(result) < limit; i++ {
		rec := h.entries[(h.head-i+h.capacity)%h.capacity]
		if user != uuid.Nil && rec.Event.UserID != user {
			continue
		}
		if beforeCounter > 0 && rec.OperationCounter >= beforeCounter {
			continue
		}
		result = append(result, rec)
	}
	return result
}
