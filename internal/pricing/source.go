package pricing

import (
	"context"
	"errors"
	"laminar/internal/state"
	"sync"
)

// ErrNoQuote is returned when a source has not observed any price yet.
var ErrNoQuote = errors.New("pricing: no quote available")

// Source supplies the snapshot an operation is evaluated at. Freshness and
// confidence are judged by the engine, not the source.
type Source interface {
	Quote(ctx context.Context) (state.PricingSnapshot, error)
}

// Static serves a fixed snapshot until Set replaces it.
type Static struct {
	mu   sync.RWMutex
	snap state.PricingSnapshot
	set  bool
}

func NewStatic(snap state.PricingSnapshot) *Static {
	return &Static{snap: snap, set: true}
}

func (s *Static) Set(snap state.PricingSnapshot) {
	s.mu.Lock()
	s.snap = snap
	s.set = true
	s.mu.Unlock()
}

func (s *Static) Quote(_ context.Context) (state.PricingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return state.PricingSnapshot{}, ErrNoQuote
	}
	return s.snap, nil
}
