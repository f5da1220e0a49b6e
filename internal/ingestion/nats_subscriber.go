package ingestion

import (
	"context"
	"errors"
	"fmt"
	"laminar/internal/event"
	"laminar/internal/observability"
	"laminar/internal/persistence"
	"laminar/internal/service"
	"laminar/internal/state"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream names owned by laminar.
const (
	OpsStream    = "LAMINAR_OPS"
	PricesStream = "LAMINAR_PRICES"
	EventsStream = "LAMINAR_LEDGER_EVENTS"
)

// Executor is the part of the service the subscriber drives.
type Executor interface {
	Execute(ctx context.Context, kind event.OperationKind, req service.OperationRequest) (service.Outcome, error)
	Deposit(ctx context.Context, req service.TransferRequest) (service.Outcome, error)
	Withdraw(ctx context.Context, req service.TransferRequest) (service.Outcome, error)
}

// Disposition is what to tell JetStream about a handled message.
type Disposition uint8

const (
	Ack  Disposition = iota // applied, or already applied
	Nak                     // transient failure; redeliver
	Term                    // can never succeed; drop
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	default:
		return "term"
	}
}

// NATSSubscriber consumes operation requests from JetStream and applies them
// one at a time through the service. Redelivered requests are deduplicated
// by the service's idempotency check.
type NATSSubscriber struct {
	js       jetstream.JetStream
	exec     Executor
	metrics  *observability.Metrics
	logger   zerolog.Logger
	nakDelay time.Duration
	consumer jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, exec Executor, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:       js,
		exec:     exec,
		metrics:  metrics,
		logger:   logger.With().Str("component", "ingest").Logger(),
		nakDelay: time.Second,
	}
}

// Subscribe creates the durable request consumer.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, durable string) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, OpsStream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: SubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		received := time.Now()
		if md, err := msg.Metadata(); err == nil {
			received = md.Timestamp
		}
		switch ns.Dispatch(ctx, msg.Subject(), msg.Data(), received) {
		case Ack:
			msg.Ack()
		case Nak:
			msg.NakWithDelay(ns.nakDelay)
		default:
			msg.Term()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	ns.consumer = cc
	ns.logger.Info().Str("subject", SubjectPrefix+">").Str("consumer", durable).Msg("subscribed")
	return nil
}

// Dispatch parses and applies one request. received is when the broker
// accepted the message, for the ingest latency histogram.
func (ns *NATSSubscriber) Dispatch(ctx context.Context, subject string, data []byte, received time.Time) Disposition {
	req, err := ParseRequest(subject, data)
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", subject).Msg("malformed request dropped")
		return Term
	}

	switch req.Kind {
	case RequestOperation:
		_, err = ns.exec.Execute(ctx, req.Op, req.Operation)
	case RequestDeposit:
		_, err = ns.exec.Deposit(ctx, req.Transfer)
	case RequestWithdrawal:
		_, err = ns.exec.Withdraw(ctx, req.Transfer)
	}

	d := Classify(err)
	if err == nil && ns.metrics != nil && !received.IsZero() {
		ns.metrics.IngestToApply.WithLabelValues(req.Label()).Observe(time.Since(received).Seconds())
	}
	if err != nil {
		ns.logger.Debug().Err(err).Str("subject", subject).Stringer("disposition", d).Msg("request not applied")
	}
	return d
}

// Classify maps a service error to a message disposition. Duplicates are
// acknowledged since the original was applied. Version conflicts, an
// uninitialized ledger and infrastructure failures are retried. Every
// domain rejection is final.
func Classify(err error) Disposition {
	switch {
	case err == nil, errors.Is(err, service.ErrDuplicate):
		return Ack
	case errors.Is(err, persistence.ErrVersionConflict),
		errors.Is(err, state.ErrNotInitialized),
		errors.Is(err, context.DeadlineExceeded):
		return Nak
	case state.IsFatal(err):
		return Term
	case state.Kind(err) == "internal":
		return Nak
	default:
		return Term
	}
}

// Stop stops the consumer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the request, price and outbound streams if they
// don't exist. FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      OpsStream,
			Subjects:  []string{SubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:              PricesStream,
			Subjects:          []string{"laminar.prices.>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxAge:            72 * time.Hour,
			MaxMsgsPerSubject: 16,
			Replicas:          1,
		},
		{
			Name:       EventsStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("laminar"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
