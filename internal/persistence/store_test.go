package persistence_test

import (
	"context"
	"laminar/internal/ledger"
	"laminar/internal/persistence"
	"laminar/internal/state"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	now   = time.Unix(1_700_000_000, 0)
)

func genesis() state.LedgerState {
	return state.LedgerState{
		Version:             state.CurrentVersion,
		Authority:           "admin",
		SupportedCollateral: "jitosol",
		Risk:                state.DefaultRiskParams(),
		Pricing:             state.PricingSnapshot{CollateralToBaseRate: 1_050_000_000, BasePriceInQuote: 100_000_000},
	}
}

// mintBatch stages the custody side of a mint: deposit, vault transfer, issue.
func mintBatch(t *testing.T, seq uint64, collateral, stable uint64) *ledger.Batch {
	t.Helper()
	jg := ledger.NewJournalGenerator("op", seq, now)
	_, err := jg.GenerateDeposit(alice, collateral)
	require.NoError(t, err)
	_, err = jg.GenerateCollateralIn(alice, collateral)
	require.NoError(t, err)
	_, err = jg.GenerateMint(ledger.AssetIDStable, alice, stable)
	require.NoError(t, err)
	return jg.Batch()
}

func stores(t *testing.T) map[string]persistence.Store {
	t.Helper()
	pb, err := persistence.OpenPebbleStore("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { pb.Close() })

	return map[string]persistence.Store{
		"memory": persistence.NewMemoryStore(),
		"pebble": pb,
	}
}

func TestStore_LoadBeforeInitialize(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background())
			require.ErrorIs(t, err, persistence.ErrNotFound)
		})
	}
}

func TestStore_InitializeOnce(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			hash := [32]byte{1}
			require.NoError(t, s.Initialize(ctx, genesis(), hash))
			require.ErrorIs(t, s.Initialize(ctx, genesis(), hash), persistence.ErrAlreadyInitialized)

			cp, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, genesis(), cp.State)
			assert.Equal(t, hash, cp.StateHash)
			assert.Empty(t, cp.Balances)
		})
	}
}

func TestStore_CommitAppliesStateAndBalances(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Initialize(ctx, genesis(), [32]byte{}))

			next := genesis()
			next.OperationCounter = 1
			next.CollateralUnits = 1_000_000
			next.StableSupply = 5_000

			rec := persistence.CommitRecord{StateHash: [32]byte{2}, Batch: mintBatch(t, 1, 1_000_000, 5_000)}
			require.NoError(t, s.Commit(ctx, 0, next, rec))

			cp, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, next, cp.State)
			assert.Equal(t, [32]byte{2}, cp.StateHash)
			assert.Equal(t, int64(1_000_000), cp.Balances[ledger.VaultKey()])
			assert.Equal(t, int64(-5_000), cp.Balances[ledger.IssuanceKey(ledger.AssetIDStable)])
			assert.Equal(t, int64(5_000), cp.Balances[ledger.NewUserAccountKey(alice, ledger.AssetIDStable)])
			assert.Equal(t, int64(0), cp.Balances[ledger.NewUserAccountKey(alice, ledger.AssetIDCollateral)])

			// Balances survive a rebuild of the custody tracker
			custody := ledger.NewCustody(ledger.RestoreBalanceTracker(cp.Balances))
			require.NoError(t, custody.Reconcile(cp.State))
		})
	}
}

func TestStore_CommitRejectsStaleCounter(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Initialize(ctx, genesis(), [32]byte{}))

			next := genesis()
			next.OperationCounter = 1
			require.NoError(t, s.Commit(ctx, 0, next, persistence.CommitRecord{}))

			// A second writer that also loaded version 0 loses
			err := s.Commit(ctx, 0, next, persistence.CommitRecord{})
			require.ErrorIs(t, err, persistence.ErrVersionConflict)

			cp, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), cp.State.OperationCounter)
		})
	}
}

func TestStore_CommitRejectsCounterJump(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Initialize(ctx, genesis(), [32]byte{}))

			next := genesis()
			next.OperationCounter = 5
			err := s.Commit(ctx, 0, next, persistence.CommitRecord{})
			require.ErrorIs(t, err, state.ErrInvalidParameter)
		})
	}
}

func TestStore_CustodyOnlyCommitKeepsCounter(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Initialize(ctx, genesis(), [32]byte{}))

			jg := ledger.NewJournalGenerator("deposit", 0, now)
			_, err := jg.GenerateDeposit(alice, 42)
			require.NoError(t, err)

			require.NoError(t, s.Commit(ctx, 0, genesis(), persistence.CommitRecord{Batch: jg.Batch()}))

			cp, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), cp.State.OperationCounter)
			assert.Equal(t, uint64(1), cp.Version)
			assert.Equal(t, int64(42), cp.Balances[ledger.NewUserAccountKey(alice, ledger.AssetIDCollateral)])

			// Another custody-only writer that loaded version 0 must lose even
			// though the operation counter did not move.
			err = s.Commit(ctx, 0, genesis(), persistence.CommitRecord{Batch: jg.Batch()})
			require.ErrorIs(t, err, persistence.ErrVersionConflict)

			cp, err = s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(42), cp.Balances[ledger.NewUserAccountKey(alice, ledger.AssetIDCollateral)])
		})
	}
}

func TestStore_CommitRecordsIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Initialize(ctx, genesis(), [32]byte{}))

			rec := persistence.CommitRecord{EventType: "DepositCredited", IdempotencyKey: "d-1"}
			require.NoError(t, s.Commit(ctx, 0, genesis(), rec))

			// Same key from a fresh load: rejected, nothing written
			err := s.Commit(ctx, 1, genesis(), rec)
			require.ErrorIs(t, err, persistence.ErrDuplicateKey)

			cp, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), cp.Version)

			// Same key under another event type is a different operation
			rec.EventType = "WithdrawalDebited"
			require.NoError(t, s.Commit(ctx, 1, genesis(), rec))
		})
	}
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStore()
	require.NoError(t, s.Initialize(ctx, genesis(), [32]byte{}))

	jg := ledger.NewJournalGenerator("deposit", 0, now)
	_, err := jg.GenerateDeposit(alice, 7)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, 0, genesis(), persistence.CommitRecord{Batch: jg.Batch()}))

	cp, err := s.Load(ctx)
	require.NoError(t, err)
	cp.Balances[ledger.NewUserAccountKey(alice, ledger.AssetIDCollateral)] = 1_000

	again, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), again.Balances[ledger.NewUserAccountKey(alice, ledger.AssetIDCollateral)])
}

func TestBalancesEncoding(t *testing.T) {
	balances := map[ledger.AccountKey]int64{
		ledger.VaultKey():                                     1_000,
		ledger.IssuanceKey(ledger.AssetIDEquity):              -250,
		ledger.NewUserAccountKey(alice, ledger.AssetIDEquity): 250,
		ledger.NewUserAccountKey(alice, ledger.AssetIDStable): 0,
	}

	encoded := persistence.EncodeBalances(balances)
	assert.Len(t, encoded, 3, "zero balances are dropped")
	assert.Equal(t, int64(1_000), encoded["system:vault:collateral"])

	decoded, err := persistence.DecodeBalances(encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(-250), decoded[ledger.IssuanceKey(ledger.AssetIDEquity)])
	assert.Equal(t, int64(250), decoded[ledger.NewUserAccountKey(alice, ledger.AssetIDEquity)])

	_, err = persistence.DecodeBalances(map[string]int64{"bogus": 1})
	assert.Error(t, err)
}

func TestSnapshotData_RoundTripsCheckpoint(t *testing.T) {
	st := genesis()
	st.OperationCounter = 9
	cp := persistence.Checkpoint{
		Version:   14,
		State:     st,
		StateHash: [32]byte{9, 9},
		Balances:  map[ledger.AccountKey]int64{ledger.VaultKey(): 123},
	}

	snap := persistence.NewSnapshotData(cp, [][2]string{{"StableMinted", "k1"}}, now)
	assert.Equal(t, uint64(9), snap.Sequence)

	back, err := snap.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, cp, back)
}

func TestRowsFromRecord(t *testing.T) {
	batch := mintBatch(t, 3, 1_000_000, 5_000)
	rows := persistence.JournalRowsFrom(batch)
	require.Len(t, rows, 3)
	assert.Equal(t, "user:550e8400-e29b-41d4-a716-446655440000:wallet:collateral", rows[0].DebitAccount)
	assert.Equal(t, "external:deposits:collateral", rows[0].CreditAccount)
	assert.Equal(t, "system:vault:collateral", rows[1].DebitAccount)
	assert.Equal(t, uint64(3), rows[2].Sequence)

	assert.Nil(t, persistence.JournalRowsFrom(nil))
}
