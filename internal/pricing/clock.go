package pricing

import (
	"sync"
	"sync/atomic"
	"time"
)

// SlotClock supplies the logical current slot pricing freshness is judged against.
type SlotClock interface {
	CurrentSlot() uint64
}

// SlotObserver is told about every slot the price feed accepts.
type SlotObserver interface {
	Observe(slot uint64)
}

// WallClock derives slots from elapsed wall time since a genesis instant.
type WallClock struct {
	genesis  time.Time
	duration time.Duration
	now      func() time.Time
}

func NewWallClock(genesis time.Time, slotDuration time.Duration) *WallClock {
	if slotDuration <= 0 {
		slotDuration = 400 * time.Millisecond
	}
	return &WallClock{genesis: genesis, duration: slotDuration, now: time.Now}
}

func (c *WallClock) CurrentSlot() uint64 {
	elapsed := c.now().Sub(c.genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.duration)
}

// ManualClock is advanced explicitly, by tests or by the price feed's
// highest observed slot.
type ManualClock struct {
	slot atomic.Uint64
}

func NewManualClock(slot uint64) *ManualClock {
	c := &ManualClock{}
	c.slot.Store(slot)
	return c
}

func (c *ManualClock) CurrentSlot() uint64 {
	return c.slot.Load()
}

func (c *ManualClock) Set(slot uint64) {
	c.slot.Store(slot)
}

// Observe moves the clock forward to slot; it never moves backwards.
func (c *ManualClock) Observe(slot uint64) {
	for {
		cur := c.slot.Load()
		if slot <= cur || c.slot.CompareAndSwap(cur, slot) {
			return
		}
	}
}

// AnchoredClock extrapolates from the last slot it was anchored to using
// wall time, so the current slot keeps advancing while no quotes arrive.
// Observing a slot ahead of the estimate re-anchors the clock; it never
// moves backwards.
type AnchoredClock struct {
	duration time.Duration
	now      func() time.Time

	mu   sync.Mutex
	slot uint64
	at   time.Time
}

// NewAnchoredClock anchors slot at now(). A nil now means time.Now.
func NewAnchoredClock(slot uint64, slotDuration time.Duration, now func() time.Time) *AnchoredClock {
	if slotDuration <= 0 {
		slotDuration = 400 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	return &AnchoredClock{duration: slotDuration, now: now, slot: slot, at: now()}
}

func (c *AnchoredClock) CurrentSlot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimate(c.now())
}

func (c *AnchoredClock) Observe(slot uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if slot > c.estimate(now) {
		c.slot, c.at = slot, now
	}
}

func (c *AnchoredClock) estimate(now time.Time) uint64 {
	elapsed := now.Sub(c.at)
	if elapsed < 0 {
		return c.slot
	}
	return c.slot + uint64(elapsed/c.duration)
}
