package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"laminar/internal/core"
	"laminar/internal/observability"
	"laminar/internal/service"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix is the root of outbound event subjects:
// laminar.ledger.events.<event_type>
const EventSubjectPrefix = "laminar.ledger.events."

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. It is an advisory sink: when the buffer is full the event is
// dropped and counted, since the event log remains the source of truth.
type OutboundPublisher struct {
	js      jetstream.JetStream
	ch      chan PublishableEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// PublishableEvent is the outbound wire form of a committed event.
type PublishableEvent struct {
	Sequence       uint64          `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	OperationID    uuid.UUID       `json:"operation_id"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`

	subject string
}

// Subject is the NATS subject the event is published on.
func (p PublishableEvent) Subject() string { return p.subject }

// NewPublishableEvent flattens a committed operation for the wire.
func NewPublishableEvent(c service.Committed) PublishableEvent {
	env := c.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		OperationID:    env.OperationID,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      core.HexHash(env.StateHash),
		PrevHash:       core.HexHash(env.PrevHash),
		Timestamp:      env.Timestamp,
		subject:        EventSubjectPrefix + env.EventType.Subject(),
	}
}

func NewOutboundPublisher(js jetstream.JetStream, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		ch:      make(chan PublishableEvent, buffer),
		metrics: metrics,
		logger:  logger.With().Str("component", "publisher").Logger(),
	}
}

func (op *OutboundPublisher) Name() string { return "nats_publisher" }

// Deliver enqueues without blocking.
func (op *OutboundPublisher) Deliver(_ context.Context, c service.Committed) error {
	select {
	case op.ch <- NewPublishableEvent(c):
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
		op.logger.Warn().Uint64("seq", c.Envelope.Sequence).Msg("publish buffer full, event dropped")
	}
	if op.metrics != nil {
		op.metrics.SetChannelMetrics("publish", len(op.ch), cap(op.ch))
	}
	return nil
}

// Run publishes queued events until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-op.ch:
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.logger.Warn().Err(err).Uint64("seq", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// publish sends with the idempotency key as the message id, so JetStream
// discards a republished event inside the stream's duplicate window.
func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.EventType+":"+evt.IdempotencyKey))
	return err
}
