package query_test

import (
	"context"
	"laminar/internal/event"
	"laminar/internal/ledger"
	"laminar/internal/persistence"
	"laminar/internal/projection"
	"laminar/internal/query"
	"laminar/internal/service"
	"laminar/internal/state"
	"laminar/internal/testutil"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectedOperationsAndIntegrity(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	pw := projection.NewProjectionWorker(db, 1, nil, zerolog.Nop())
	bob := uuid.New()
	for i, user := range []uuid.UUID{alice, bob, alice} {
		ev := &event.OperationEvent{
			Kind:        event.OpMintEquity,
			OperationID: uuid.New(),
			UserID:      user,
			AmountIn:    uint64(i+1) * 100,
			AmountOut:   50,
			NAV:         1_000_000_000,
			NewTVL:      5_000_000_000,
			NewCRBps:    18_446_744_073_709_551_615,
			Timestamp:   time.Date(2026, 3, 1, 0, 0, i, 0, time.UTC),
		}
		require.NoError(t, pw.Apply(ctx, service.Committed{
			Envelope: event.EventEnvelope{Sequence: uint64(i + 1), OperationID: ev.OperationID},
			Event:    ev,
		}))
	}

	qs := query.NewQueryService(newFake(), query.WithDB(db))
	ops, err := qs.Operations(ctx, alice, 10, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(3), ops[0].OperationCounter)
	assert.Equal(t, uint64(300), ops[0].AmountIn)
	assert.Equal(t, "mint_equity", ops[0].Kind)
	assert.Equal(t, uint64(18_446_744_073_709_551_615), ops[0].NewCRBps)

	ops, err = qs.Operations(ctx, uuid.Nil, 10, 3)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, bob, ops[0].UserID)

	// A consistent chain and balanced custody is healthy.
	store := persistence.NewPostgresStore(db)
	var genesis [32]byte
	genesis[0] = 1
	require.NoError(t, store.Initialize(ctx, stateAt(0), genesis))

	gen := ledger.NewJournalGenerator("op-1", 1, time.Now())
	_, err = gen.GenerateDeposit(alice, 1_000)
	require.NoError(t, err)
	var h1 [32]byte
	h1[0] = 2
	require.NoError(t, store.Commit(ctx, 0, stateAt(1), persistence.CommitRecord{StateHash: h1, Batch: gen.Batch()}))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	w := persistence.NewEventLogWriter(db)
	require.NoError(t, w.WriteEventBatch(ctx, tx, []persistence.EventRow{
		eventRow(1, "a", [32]byte{}, genesis),
		eventRow(2, "b", genesis, h1),
	}))
	require.NoError(t, tx.Commit())

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, int64(2), report.EventsChecked)

	// A row whose prev_hash skips its predecessor is reported.
	var bogus [32]byte
	bogus[0] = 9
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteEventBatch(ctx, tx, []persistence.EventRow{eventRow(3, "c", bogus, bogus)}))
	require.NoError(t, tx.Commit())

	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Len(t, report.HashChainBreaks, 1)
}

func eventRow(counter uint64, key string, prev, hash [32]byte) persistence.EventRow {
	return persistence.EventRow{
		OperationCounter: counter,
		EventType:        "DepositCredited",
		IdempotencyKey:   key,
		OperationID:      uuid.New().String(),
		Payload:          []byte(`{}`),
		StateHash:        hash[:],
		PrevHash:         prev[:],
		Timestamp:        time.Now(),
	}
}

func stateAt(counter uint64) state.LedgerState {
	return state.LedgerState{
		Version:             state.CurrentVersion,
		SupportedCollateral: "jitosol",
		Risk:                state.DefaultRiskParams(),
		OperationCounter:    counter,
	}
}
