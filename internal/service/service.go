package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"laminar/internal/core"
	"laminar/internal/event"
	"laminar/internal/ledger"
	"laminar/internal/observability"
	"laminar/internal/persistence"
	"laminar/internal/pricing"
	"laminar/internal/state"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrDuplicate is returned for an operation id that has already committed.
var ErrDuplicate = errors.New("duplicate operation")

// Service serializes ledger mutations: load, evaluate, move value, verify,
// commit, then notify sinks. One Service per process; processes sharing a
// store are kept apart by the store's optimistic version check and its
// idempotency keys.
type Service struct {
	mu sync.Mutex

	store   persistence.Store
	custody *ledger.Custody
	engine  *core.Engine
	prices  pricing.Source
	clock   pricing.SlotClock
	idem    *core.IdempotencyChecker
	hasher  *core.StateHasher
	sinks   []EventSink

	sinkTimeout time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Service
type Option func(*Service)

func WithSinks(sinks ...EventSink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithIdempotency(ic *core.IdempotencyChecker) Option {
	return func(s *Service) { s.idem = ic }
}

func WithEngine(e *core.Engine) Option {
	return func(s *Service) { s.engine = e }
}

func WithSinkTimeout(d time.Duration) Option {
	return func(s *Service) { s.sinkTimeout = d }
}

func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store persistence.Store, prices pricing.Source, clock pricing.SlotClock, opts ...Option) (*Service, error) {
	s := &Service{
		store:       store,
		custody:     ledger.NewCustody(nil),
		prices:      prices,
		clock:       clock,
		hasher:      core.NewStateHasher(),
		sinkTimeout: 5 * time.Second,
		logger:      observability.NopLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = core.NewEngine()
	}
	if s.idem == nil {
		ic, err := core.NewIdempotencyChecker(100_000, nil)
		if err != nil {
			return nil, err
		}
		s.idem = ic
	}
	return s, nil
}

// AddSinks registers sinks after construction, for sinks that are themselves
// built on top of the Service.
func (s *Service) AddSinks(sinks ...EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sinks...)
}

// Recover loads the stored checkpoint and verifies custody agrees with it.
// A ledger that was never initialized is not an error.
func (s *Service) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.load(ctx)
	if errors.Is(err, state.ErrNotInitialized) {
		s.logger.Info().Msg("ledger not initialized")
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.custody.Reconcile(cp.State); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	if bs, err := state.Compute(cp.State, cp.State.Pricing); err == nil && s.metrics != nil {
		s.metrics.ObserveLedger(cp.State, bs)
	}
	s.logger.Info().
		Uint64("operation_counter", cp.State.OperationCounter).
		Str("state_hash", core.HexHash(cp.StateHash)).
		Msg("ledger recovered")
	return nil
}

// OperationRequest is a user-initiated mint or redeem
type OperationRequest struct {
	OperationID uuid.UUID
	User        uuid.UUID
	Collateral  string // mint operations only
	Amount      uint64
	MinOut      uint64
	Timestamp   time.Time // defaults to now
}

// Outcome describes a committed mutation
type Outcome struct {
	Envelope event.EventEnvelope
	Event    event.Event
	State    state.LedgerState
}

// Execute runs one of the four balance-sheet operations.
func (s *Service) Execute(ctx context.Context, kind event.OperationKind, req OperationRequest) (Outcome, error) {
	ctx, topLevel := enter(ctx)
	start := s.now()
	label := kind.String()

	if !topLevel {
		// Reentry from a sink would otherwise wait on s.mu forever.
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w", label, state.ErrInvalidCallContext))
	}
	if req.OperationID == uuid.Nil {
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w: missing operation id", label, state.ErrInvalidParameter))
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = start
	}
	snap, err := s.prices.Quote(ctx)
	if err != nil {
		return Outcome{}, s.reject(label, fmt.Errorf("%s: quote: %w", label, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDuplicate(ctx, kind.EventType(), req.OperationID.String()); err != nil {
		return Outcome{}, s.reject(label, err)
	}

	out, err := s.apply(ctx, label, func(st state.LedgerState) (core.Result, error) {
		return s.engine.Execute(kind, st, snap, core.Input{
			TopLevel:    topLevel,
			OperationID: req.OperationID,
			User:        req.User,
			Collateral:  req.Collateral,
			Amount:      req.Amount,
			MinOut:      req.MinOut,
			CurrentSlot: s.clock.CurrentSlot(),
			Timestamp:   req.Timestamp,
		})
	})
	if err != nil {
		return Outcome{}, err
	}

	if s.metrics != nil {
		s.metrics.OpDuration.WithLabelValues(label).Observe(s.now().Sub(start).Seconds())
	}
	return out, nil
}

// apply runs build against the current state and commits the result.
// Caller holds s.mu.
func (s *Service) apply(ctx context.Context, label string, build func(state.LedgerState) (core.Result, error)) (Outcome, error) {
	cp, err := s.load(ctx)
	if err != nil {
		return Outcome{}, s.reject(label, err)
	}

	res, err := build(cp.State)
	if err != nil {
		return Outcome{}, s.reject(label, err)
	}

	ts := eventTime(res.Event, s.now())
	session := s.custody.Begin(res.Event.IdempotencyKey(), res.State.OperationCounter, ts)
	if err := executeLegs(session, res.Effects); err != nil {
		session.Rollback()
		return Outcome{}, s.reject(label, fmt.Errorf("%s: %w", label, err))
	}
	if err := session.Reconcile(res.State); err != nil {
		session.Rollback()
		return Outcome{}, s.reject(label, fmt.Errorf("%s: post-condition: %w", label, err))
	}

	hashStart := time.Now()
	hash := s.hasher.Peek(res.State.OperationCounter, res.State.CanonicalBytes())
	if s.metrics != nil {
		s.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	if err := s.store.Commit(ctx, cp.Version, res.State, persistence.CommitRecord{
		StateHash:      hash,
		Batch:          session.Batch(),
		EventType:      res.Event.EventType().String(),
		IdempotencyKey: res.Event.IdempotencyKey(),
	}); err != nil {
		session.Rollback()
		return Outcome{}, s.reject(label, s.commitError(label, err))
	}

	batch, err := session.Commit()
	if err != nil {
		// The store already holds the new balances; the next load resyncs.
		s.logger.Error().Err(err).Str("op", label).Msg("custody apply after commit failed")
	}
	prev := s.hasher.GetPrevHash()
	s.hasher.ComputeHash(res.State.OperationCounter, res.State.CanonicalBytes())

	out, err := s.finish(ctx, label, res.Event, res.State, batch, hash, prev, ts)
	if err != nil {
		return Outcome{}, err
	}

	if bs, err := state.Compute(res.State, res.State.Pricing); err == nil && s.metrics != nil {
		s.metrics.ObserveLedger(res.State, bs)
	}
	return out, nil
}

// finish records a committed event: dedup key, metrics, sinks.
func (s *Service) finish(ctx context.Context, label string, ev event.Event, st state.LedgerState, batch *ledger.Batch, hash, prev [32]byte, ts time.Time) (Outcome, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: encode event: %w", label, err)
	}

	env := event.EventEnvelope{
		Sequence:       st.OperationCounter,
		IdempotencyKey: ev.IdempotencyKey(),
		EventType:      ev.EventType(),
		OperationID:    operationID(ev),
		Timestamp:      ts,
		Payload:        payload,
		StateHash:      hash,
		PrevHash:       prev,
	}

	s.idem.MarkProcessed(env.EventType.String(), env.IdempotencyKey, st.OperationCounter)

	if s.metrics != nil {
		s.metrics.OpsApplied.WithLabelValues(label).Inc()
		s.metrics.DedupLRUSize.Set(float64(s.idem.Size()))
		if batch != nil {
			for _, j := range batch.Journals {
				s.metrics.CustodyJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	s.logger.Info().
		Str("op", label).
		Str("event", env.EventType.String()).
		Str("idempotency_key", env.IdempotencyKey).
		Uint64("operation_counter", st.OperationCounter).
		Str("state_hash", core.HexHash(hash)).
		Msg("operation committed")

	s.deliver(ctx, Committed{Envelope: env, Event: ev, Batch: batch, State: st})

	return Outcome{Envelope: env, Event: ev, State: st}, nil
}

func (s *Service) deliver(ctx context.Context, c Committed) {
	if len(s.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sinkTimeout)
	defer cancel()

	for _, sink := range s.sinks {
		if err := sink.Deliver(ctx, c); err != nil {
			s.logger.Warn().Err(err).Str("sink", sink.Name()).
				Uint64("operation_counter", c.Envelope.Sequence).
				Msg("sink delivery failed")
			if s.metrics != nil {
				s.metrics.SinkErrors.WithLabelValues(sink.Name()).Inc()
			}
		}
	}
}

// load reads the checkpoint and resyncs custody and the hash chain with it.
// Caller holds s.mu.
func (s *Service) load(ctx context.Context) (persistence.Checkpoint, error) {
	cp, err := s.store.Load(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Checkpoint{}, state.ErrNotInitialized
	}
	if err != nil {
		return persistence.Checkpoint{}, fmt.Errorf("load ledger: %w", err)
	}
	s.custody.Restore(cp.Balances)
	s.hasher = core.ResumeStateHasher(cp.StateHash)
	return cp, nil
}

func (s *Service) checkDuplicate(ctx context.Context, et event.EventType, key string) error {
	start := time.Now()
	dup, err := s.idem.IsDuplicate(ctx, et.String(), key)
	if s.metrics != nil {
		s.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	if dup {
		if s.metrics != nil {
			s.metrics.IdempotencyDuplicates.WithLabelValues(et.String(), "any").Inc()
		}
		return fmt.Errorf("%w: %s %s", ErrDuplicate, et, key)
	}
	return nil
}

// commitError classifies a failed store commit. A key another process
// already committed is a duplicate, not a conflict.
func (s *Service) commitError(label string, err error) error {
	switch {
	case errors.Is(err, persistence.ErrDuplicateKey):
		return fmt.Errorf("%s: %w: %w", label, ErrDuplicate, err)
	case errors.Is(err, persistence.ErrVersionConflict):
		if s.metrics != nil {
			s.metrics.StoreConflicts.Inc()
		}
	}
	return fmt.Errorf("%s: commit: %w", label, err)
}

// reject logs and counts a failed operation and returns err unchanged.
// Fatal kinds are logged at error level for alerting.
func (s *Service) reject(label string, err error) error {
	reason := state.Kind(err)
	if errors.Is(err, ErrDuplicate) {
		reason = "duplicate"
	} else if errors.Is(err, persistence.ErrVersionConflict) {
		reason = "version_conflict"
	}

	if state.IsFatal(err) {
		s.logger.Error().Err(err).Str("op", label).Bool("fatal", true).Msg("operation failed")
		if s.metrics != nil {
			s.metrics.FatalErrors.WithLabelValues(label).Inc()
		}
	} else {
		s.logger.Debug().Err(err).Str("op", label).Str("reason", reason).Msg("operation rejected")
	}
	if s.metrics != nil {
		s.metrics.OpsRejected.WithLabelValues(label, reason).Inc()
	}
	return err
}

// executeLegs stages every leg on the session; the first failure aborts.
func executeLegs(session *ledger.Session, effects core.Effects) error {
	for _, leg := range effects.Legs {
		var err error
		switch leg.Kind {
		case core.LegTransferIn:
			err = session.TransferIn(leg.From, leg.Amount)
		case core.LegTransferOut:
			err = session.TransferOut(leg.To, leg.Amount)
		case core.LegMint:
			err = session.MintTo(leg.Asset, leg.To, leg.Amount)
		case core.LegBurn:
			err = session.BurnFrom(leg.Asset, leg.From, leg.Amount)
		case core.LegTransferToken:
			err = session.TransferToken(leg.Asset, leg.From, leg.To, leg.Amount)
		default:
			err = fmt.Errorf("%w: leg kind %d", state.ErrInvalidParameter, leg.Kind)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", leg.Kind, leg.Asset, err)
		}
	}
	return nil
}

func eventTime(ev event.Event, fallback time.Time) time.Time {
	var ts time.Time
	switch e := ev.(type) {
	case *event.OperationEvent:
		ts = e.Timestamp
	case *event.ProtocolInitialized:
		ts = e.Timestamp
	case *event.ParametersUpdated:
		ts = e.Timestamp
	case *event.EmergencyPause:
		ts = e.Timestamp
	case *event.PricingUpdated:
		ts = e.Timestamp
	case *event.DepositCredited:
		ts = e.Timestamp
	case *event.WithdrawalDebited:
		ts = e.Timestamp
	}
	if ts.IsZero() {
		return fallback
	}
	return ts
}

func operationID(ev event.Event) uuid.UUID {
	switch e := ev.(type) {
	case *event.OperationEvent:
		return e.OperationID
	case *event.ProtocolInitialized:
		return e.OperationID
	case *event.ParametersUpdated:
		return e.OperationID
	case *event.EmergencyPause:
		return e.OperationID
	case *event.PricingUpdated:
		return e.OperationID
	case *event.DepositCredited:
		return e.DepositID
	case *event.WithdrawalDebited:
		return e.WithdrawalID
	}
	return uuid.Nil
}
