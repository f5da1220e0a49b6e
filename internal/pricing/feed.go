package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"laminar/internal/event"
	"laminar/internal/observability"
	"laminar/internal/state"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PriceSubject is the subject quotes for asset are published on.
func PriceSubject(asset string) string {
	return "laminar.prices." + asset
}

// Feed keeps the latest quote pushed over NATS for one asset.
type Feed struct {
	asset   string
	tracker *SlotTracker
	clock   SlotObserver
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu     sync.RWMutex
	latest state.PricingSnapshot
	has    bool

	cc jetstream.ConsumeContext
}

// NewFeed creates a feed. clock, when non-nil, observes every accepted slot.
func NewFeed(asset string, clock SlotObserver, metrics *observability.Metrics, logger zerolog.Logger) *Feed {
	return &Feed{
		asset:   asset,
		tracker: NewSlotTracker(),
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// Seed installs the snapshot recorded in the ledger so quotes older than it
// are ignored after a restart.
func (f *Feed) Seed(snap state.PricingSnapshot) {
	f.tracker.Restore(f.asset, snap.SnapshotSlot)
	f.mu.Lock()
	f.latest, f.has = snap, true
	f.mu.Unlock()
	if f.clock != nil {
		f.clock.Observe(snap.SnapshotSlot)
	}
}

func (f *Feed) Quote(_ context.Context) (state.PricingSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.has {
		return state.PricingSnapshot{}, ErrNoQuote
	}
	return f.latest, nil
}

// Handle applies one encoded event.PriceQuote. Stale quotes are dropped
// without error; malformed ones are rejected.
func (f *Feed) Handle(data []byte) error {
	var q event.PriceQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return fmt.Errorf("%w: decode quote: %v", state.ErrInvalidParameter, err)
	}
	if q.Asset != f.asset {
		return fmt.Errorf("%w: quote for %q on %q feed", state.ErrUnsupported, q.Asset, f.asset)
	}
	if q.Rate == 0 || q.Price == 0 {
		return fmt.Errorf("%w: quote rate=%d price=%d", state.ErrInvalidParameter, q.Rate, q.Price)
	}

	accept, gap := f.tracker.Observe(q.Asset, q.Slot)
	if !accept {
		if f.metrics != nil {
			f.metrics.PriceStaleQuotes.WithLabelValues(q.Asset).Inc()
		}
		return nil
	}
	if gap {
		f.logger.Debug().Str("asset", q.Asset).Uint64("slot", q.Slot).Msg("price slot gap")
		if f.metrics != nil {
			f.metrics.PriceSlotGaps.WithLabelValues(q.Asset).Inc()
		}
	}

	f.mu.Lock()
	f.latest = state.PricingSnapshot{
		CollateralToBaseRate: q.Rate,
		BasePriceInQuote:     q.Price,
		ConfidenceBps:        q.ConfidenceBps,
		SnapshotSlot:         q.Slot,
	}
	f.has = true
	f.mu.Unlock()

	if f.clock != nil {
		f.clock.Observe(q.Slot)
	}
	if f.metrics != nil {
		f.metrics.PriceQuotes.WithLabelValues(q.Asset).Inc()
		f.metrics.PriceLastSlot.WithLabelValues(q.Asset).Set(float64(q.Slot))
	}
	return nil
}

// Subscribe attaches a durable consumer on stream for this asset's subject.
// Quotes are acked once applied; malformed quotes are terminated.
func (f *Feed) Subscribe(ctx context.Context, js jetstream.JetStream, stream string) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       "laminar-prices-" + f.asset,
		FilterSubject: PriceSubject(f.asset),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := f.Handle(msg.Data()); err != nil {
			f.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("rejected price quote")
			msg.Term()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}
	f.cc = cc
	f.logger.Info().Str("subject", PriceSubject(f.asset)).Msg("subscribed to price feed")
	return nil
}

func (f *Feed) Stop() {
	if f.cc != nil {
		f.cc.Stop()
	}
}
