package pricing

import "sync"

// SlotTracker orders price quotes per asset. A quote at or below the last
// accepted slot is stale and ignored; gaps are tolerated and counted.
type SlotTracker struct {
	mu       sync.Mutex
	lastSlot map[string]uint64
	seen     map[string]bool
	gaps     map[string]int64
	stale    map[string]int64
}

func NewSlotTracker() *SlotTracker {
	return &SlotTracker{
		lastSlot: make(map[string]uint64),
		seen:     make(map[string]bool),
		gaps:     make(map[string]int64),
		stale:    make(map[string]int64),
	}
}

// Observe reports whether a quote at slot should be accepted for asset, and
// whether it skipped over one or more slots.
func (st *SlotTracker) Observe(asset string, slot uint64) (accept, gap bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	last, seen := st.lastSlot[asset], st.seen[asset]
	if seen && slot <= last {
		st.stale[asset]++
		return false, false
	}
	if seen && slot > last+1 {
		st.gaps[asset]++
		gap = true
	}
	st.lastSlot[asset] = slot
	st.seen[asset] = true
	return true, gap
}

// LastSlot returns the last accepted slot for asset.
func (st *SlotTracker) LastSlot(asset string) (uint64, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSlot[asset], st.seen[asset]
}

// Restore sets the last accepted slot, used on restart from the ledger's
// recorded pricing.
func (st *SlotTracker) Restore(asset string, slot uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSlot[asset] = slot
	st.seen[asset] = true
}

func (st *SlotTracker) Gaps(asset string) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gaps[asset]
}

func (st *SlotTracker) Stale(asset string) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stale[asset]
}
