package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"laminar/internal/event"
	"laminar/internal/ingestion"
	"laminar/internal/observability"
	"laminar/internal/persistence"
	"laminar/internal/pricing"
	"laminar/internal/service"
	"laminar/internal/state"
	"laminar/internal/testutil"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	testUser = uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	testOpID = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseOperationRequest(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"operation_id": testOpID.String(),
		"user_id":      testUser.String(),
		"collateral":   "SOL",
		"amount":       uint64(10_000_000_000),
		"min_out":      uint64(990_000_000),
		"timestamp_us": int64(1700000000000000),
	})

	req, err := ingestion.ParseRequest(ingestion.OperationSubject("mint_stable", testUser), data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.Kind != ingestion.RequestOperation {
		t.Fatalf("kind: got %d, want RequestOperation", req.Kind)
	}
	if req.Op != event.OpMintStable {
		t.Errorf("op: got %v, want mint_stable", req.Op)
	}
	op := req.Operation
	if op.OperationID != testOpID {
		t.Errorf("operation_id: got %s", op.OperationID)
	}
	if op.User != testUser {
		t.Errorf("user: got %s", op.User)
	}
	if op.Collateral != "SOL" {
		t.Errorf("collateral: got %s, want SOL", op.Collateral)
	}
	if op.Amount != 10_000_000_000 {
		t.Errorf("amount: got %d", op.Amount)
	}
	if op.MinOut != 990_000_000 {
		t.Errorf("min_out: got %d", op.MinOut)
	}
	if want := time.UnixMicro(1700000000000000).UTC(); !op.Timestamp.Equal(want) {
		t.Errorf("timestamp: got %v, want %v", op.Timestamp, want)
	}
	if req.Label() != "mint_stable" {
		t.Errorf("label: got %s", req.Label())
	}
}

func TestParseOperationUserFromSubject(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"operation_id": testOpID.String(),
		"amount":       uint64(5),
	})
	req, err := ingestion.ParseRequest(ingestion.OperationSubject("redeem_equity", testUser), data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.Op != event.OpRedeemEquity {
		t.Errorf("op: got %v", req.Op)
	}
	if req.Operation.User != testUser {
		t.Errorf("user: got %s, want %s", req.Operation.User, testUser)
	}
	if !req.Operation.Timestamp.IsZero() {
		t.Errorf("timestamp: got %v, want zero", req.Operation.Timestamp)
	}
}

func TestParseTransferRequests(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"transfer_id": testOpID.String(),
		"asset":       "SOL",
		"amount":      uint64(1_000_000_000),
	})

	for _, tc := range []struct {
		kind string
		want ingestion.RequestKind
	}{
		{"deposit", ingestion.RequestDeposit},
		{"withdraw", ingestion.RequestWithdrawal},
	} {
		req, err := ingestion.ParseRequest(ingestion.OperationSubject(tc.kind, testUser), data)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", tc.kind, err)
		}
		if req.Kind != tc.want {
			t.Errorf("%s: kind got %d, want %d", tc.kind, req.Kind, tc.want)
		}
		if req.Transfer.TransferID != testOpID || req.Transfer.User != testUser {
			t.Errorf("%s: ids got %s/%s", tc.kind, req.Transfer.TransferID, req.Transfer.User)
		}
		if req.Transfer.Asset != "SOL" || req.Transfer.Amount != 1_000_000_000 {
			t.Errorf("%s: got %s %d", tc.kind, req.Transfer.Asset, req.Transfer.Amount)
		}
		if req.Label() != tc.kind {
			t.Errorf("label: got %s, want %s", req.Label(), tc.kind)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	good := mustJSON(t, map[string]interface{}{"operation_id": testOpID.String(), "amount": 1})
	other := uuid.MustParse("770e8400-e29b-41d4-a716-446655440002")

	cases := []struct {
		name    string
		subject string
		data    []byte
	}{
		{"foreign subject", "perp.trades.x", good},
		{"no user token", "laminar.ops.mint_stable", good},
		{"bad user token", "laminar.ops.mint_stable.not-a-uuid", good},
		{"unknown kind", ingestion.OperationSubject("liquidate", testUser), good},
		{"bad json", ingestion.OperationSubject("mint_stable", testUser), []byte("{")},
		{"bad operation id", ingestion.OperationSubject("mint_stable", testUser),
			mustJSON(t, map[string]interface{}{"operation_id": "x", "amount": 1})},
		{"user mismatch", ingestion.OperationSubject("mint_stable", testUser),
			mustJSON(t, map[string]interface{}{"operation_id": testOpID.String(), "user_id": other.String()})},
		{"zero transfer", ingestion.OperationSubject("deposit", testUser),
			mustJSON(t, map[string]interface{}{"transfer_id": testOpID.String(), "asset": "SOL"})},
	}
	for _, tc := range cases {
		_, err := ingestion.ParseRequest(tc.subject, tc.data)
		if !errors.Is(err, state.ErrInvalidParameter) {
			t.Errorf("%s: got %v, want ErrInvalidParameter", tc.name, err)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ingestion.Disposition
	}{
		{nil, ingestion.Ack},
		{fmt.Errorf("%w: seen", service.ErrDuplicate), ingestion.Ack},
		{fmt.Errorf("commit: %w", persistence.ErrVersionConflict), ingestion.Nak},
		{state.ErrNotInitialized, ingestion.Nak},
		{fmt.Errorf("quote: %w", pricing.ErrNoQuote), ingestion.Nak},
		{errors.New("connection refused"), ingestion.Nak},
		{context.DeadlineExceeded, ingestion.Nak},
		{state.ErrSlippageExceeded, ingestion.Term},
		{state.ErrPaused, ingestion.Term},
		{state.ErrInsufficientBalance, ingestion.Term},
		{state.ErrBalanceSheetViolation, ingestion.Term},
	}
	for _, tc := range cases {
		if got := ingestion.Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v): got %s, want %s", tc.err, got, tc.want)
		}
	}
}

type fakeExecutor struct {
	calls []string
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, kind event.OperationKind, req service.OperationRequest) (service.Outcome, error) {
	f.calls = append(f.calls, kind.String()+":"+req.OperationID.String())
	return service.Outcome{}, f.err
}

func (f *fakeExecutor) Deposit(_ context.Context, req service.TransferRequest) (service.Outcome, error) {
	f.calls = append(f.calls, "deposit:"+req.TransferID.String())
	return service.Outcome{}, f.err
}

func (f *fakeExecutor) Withdraw(_ context.Context, req service.TransferRequest) (service.Outcome, error) {
	f.calls = append(f.calls, "withdraw:"+req.TransferID.String())
	return service.Outcome{}, f.err
}

func TestDispatch(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	exec := &fakeExecutor{}
	sub := ingestion.NewNATSSubscriber(nil, exec, metrics, zerolog.Nop())
	ctx := context.Background()

	op := mustJSON(t, map[string]interface{}{"operation_id": testOpID.String(), "amount": 100})
	if d := sub.Dispatch(ctx, ingestion.OperationSubject("mint_equity", testUser), op, time.Now()); d != ingestion.Ack {
		t.Errorf("mint_equity: got %s, want ack", d)
	}
	tr := mustJSON(t, map[string]interface{}{"transfer_id": testOpID.String(), "asset": "SOL", "amount": 7})
	if d := sub.Dispatch(ctx, ingestion.OperationSubject("withdraw", testUser), tr, time.Now()); d != ingestion.Ack {
		t.Errorf("withdraw: got %s, want ack", d)
	}

	want := []string{"mint_equity:" + testOpID.String(), "withdraw:" + testOpID.String()}
	if len(exec.calls) != len(want) {
		t.Fatalf("calls: got %v, want %v", exec.calls, want)
	}
	for i := range want {
		if exec.calls[i] != want[i] {
			t.Errorf("call %d: got %s, want %s", i, exec.calls[i], want[i])
		}
	}

	hist, err := metrics.IngestToApply.GetMetricWithLabelValues("mint_equity")
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.MetricValue(t, hist.(prometheus.Metric)); got != 1 {
		t.Errorf("ingest samples: got %v, want 1", got)
	}

	// Malformed messages never reach the executor.
	if d := sub.Dispatch(ctx, "laminar.ops.mint_stable.bad", op, time.Now()); d != ingestion.Term {
		t.Errorf("malformed: got %s, want term", d)
	}
	if len(exec.calls) != 2 {
		t.Errorf("executor called for malformed message")
	}

	exec.err = fmt.Errorf("commit: %w", persistence.ErrVersionConflict)
	if d := sub.Dispatch(ctx, ingestion.OperationSubject("mint_equity", testUser), op, time.Now()); d != ingestion.Nak {
		t.Errorf("conflict: got %s, want nak", d)
	}
}

func TestPublisherDropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(nil, 1, metrics, zerolog.Nop())

	c := service.Committed{Envelope: event.EventEnvelope{
		Sequence:       4,
		EventType:      event.EventTypeStableMinted,
		IdempotencyKey: testOpID.String(),
		OperationID:    testOpID,
		Payload:        []byte(`{"kind":1}`),
	}}
	for i := 0; i < 3; i++ {
		if err := pub.Deliver(context.Background(), c); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if got := testutil.MetricValue(t, metrics.PublishDrops); got != 2 {
		t.Errorf("drops: got %v, want 2", got)
	}
}

func TestPublishableEvent(t *testing.T) {
	var hash [32]byte
	hash[0] = 0xab
	pe := ingestion.NewPublishableEvent(service.Committed{Envelope: event.EventEnvelope{
		Sequence:       9,
		EventType:      event.EventTypeDepositCredited,
		IdempotencyKey: "k",
		Payload:        []byte(`{"amount":1}`),
		StateHash:      hash,
	}})

	if pe.Subject() != "laminar.ledger.events.deposit_credited" {
		t.Errorf("subject: got %s", pe.Subject())
	}
	if pe.EventType != "DepositCredited" {
		t.Errorf("event_type: got %s", pe.EventType)
	}
	if pe.StateHash[:2] != "ab" {
		t.Errorf("state_hash: got %s", pe.StateHash)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(mustJSON(t, pe), &decoded); err != nil {
		t.Fatal(err)
	}
	payload, ok := decoded["payload"].(map[string]interface{})
	if !ok || payload["amount"] != float64(1) {
		t.Errorf("payload not embedded as JSON: %v", decoded["payload"])
	}
}
