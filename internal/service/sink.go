package service

import (
	"context"
	"laminar/internal/event"
	"laminar/internal/ledger"
	"laminar/internal/persistence"
	"laminar/internal/state"
)

// Committed is what sinks receive after an operation has been durably committed.
type Committed struct {
	Envelope event.EventEnvelope
	Event    event.Event
	Batch    *ledger.Batch // nil when no value moved
	State    state.LedgerState
}

// EventSink is an advisory consumer of committed operations. Errors are
// logged and counted; they never fail the operation.
type EventSink interface {
	Name() string
	Deliver(ctx context.Context, c Committed) error
}

// PersistSink feeds the event-log persistence worker. Enqueue blocks while
// the worker is behind so no committed event is skipped.
type PersistSink struct {
	ch      chan<- persistence.Record
	onStall func()
}

func NewPersistSink(ch chan<- persistence.Record, onStall func()) *PersistSink {
	return &PersistSink{ch: ch, onStall: onStall}
}

func (p *PersistSink) Name() string { return "event_log" }

func (p *PersistSink) Deliver(ctx context.Context, c Committed) error {
	rec := persistence.Record{Envelope: c.Envelope, Batch: c.Batch}
	select {
	case p.ch <- rec:
		return nil
	default:
	}
	if p.onStall != nil {
		p.onStall()
	}
	select {
	case p.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
