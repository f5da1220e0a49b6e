package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"laminar/internal/config"
	"laminar/internal/core"
	"laminar/internal/observability"
	"laminar/internal/persistence"
	"laminar/internal/pricing"
	"laminar/internal/state"
	"laminar/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("LAMINAR_STORE_BACKEND", "memory")
	t.Setenv("LAMINAR_PRICING_SOURCE", "static")
	t.Setenv("LAMINAR_PRICING_PRICE", "100000000")
	t.Setenv("LAMINAR_PRICING_RATE", "1050000000")
	t.Setenv("LAMINAR_PRICING_CONFIDENCE_BPS", "20")
	t.Setenv("LAMINAR_PRICING_SLOT", "100")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Postgres.DSN = ""
	return cfg
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "laminard dev\n", out.String())
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "init", "snapshot", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestNewPricesStatic(t *testing.T) {
	cfg := testConfig(t)
	px, err := newPrices(context.Background(), cfg.Pricing, nil, observability.NopLogger())
	require.NoError(t, err)
	defer px.Close()

	quote, err := px.source.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.PricingSnapshot{
		CollateralToBaseRate: 1_050_000_000,
		BasePriceInQuote:     100_000_000,
		ConfidenceBps:        20,
		SnapshotSlot:         100,
	}, quote)
	// no genesis: the clock sits at the configured slot
	assert.Equal(t, uint64(100), px.clock.CurrentSlot())
	assert.Nil(t, px.feed)
}

func TestNewPricesFeedSeededFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pricing.Source = config.PricingFeed

	px, err := newPrices(context.Background(), cfg.Pricing, observability.NewMetrics(prometheus.NewRegistry()), observability.NopLogger())
	require.NoError(t, err)
	require.NotNil(t, px.feed)

	quote, err := px.source.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), quote.SnapshotSlot)
	// without genesis the clock runs on wall time from the seeded slot
	assert.IsType(t, &pricing.AnchoredClock{}, px.clock)
	assert.GreaterOrEqual(t, px.clock.CurrentSlot(), uint64(100))

	cfg.Pricing.GenesisUnix = time.Now().Add(-time.Minute).Unix()
	px, err = newPrices(context.Background(), cfg.Pricing, nil, observability.NopLogger())
	require.NoError(t, err)
	assert.IsType(t, &pricing.WallClock{}, px.clock)
	cfg.Pricing.GenesisUnix = 0

	cfg.Pricing.Price = 0
	px, err = newPrices(context.Background(), cfg.Pricing, nil, observability.NopLogger())
	require.NoError(t, err)
	_, err = px.source.Quote(context.Background())
	assert.ErrorIs(t, err, pricing.ErrNoQuote)
}

func TestOpenStoreBackends(t *testing.T) {
	cfg := testConfig(t)

	store, closeStore, err := openStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &persistence.MemoryStore{}, store)
	require.NoError(t, closeStore())

	cfg.Store.Backend = config.BackendPebble
	cfg.Store.PebbleDir = t.TempDir()
	store, closeStore, err = openStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &persistence.PebbleStore{}, store)
	require.NoError(t, closeStore())

	cfg.Store.Backend = config.BackendPostgres
	_, _, err = openStore(cfg, nil)
	assert.Error(t, err)
}

func TestInitOptionsResolve(t *testing.T) {
	cfg := testConfig(t)
	treasury := uuid.New()

	_, _, _, err := initOptions{}.resolve(cfg)
	assert.ErrorIs(t, err, state.ErrInvalidParameter)

	_, _, _, err = initOptions{authority: "ops", treasury: "not-a-uuid"}.resolve(cfg)
	assert.ErrorIs(t, err, state.ErrInvalidParameter)

	cfg.Ledger.Authority = "ops"
	cfg.Ledger.Treasury = treasury.String()
	authority, got, collateral, err := initOptions{collateral: "jitosol"}.resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ops", authority)
	assert.Equal(t, treasury, got)
	assert.Equal(t, "jitosol", collateral)

	authority, _, collateral, err = initOptions{authority: "root"}.resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, "root", authority)
	assert.Equal(t, cfg.Pricing.Asset, collateral)
}

func TestInitializeMemoryLedger(t *testing.T) {
	cfg := testConfig(t)
	out, err := initialize(context.Background(), cfg, initOptions{
		authority: "ops",
		treasury:  uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, core.GenesisHash(), out.Envelope.PrevHash)
	assert.Equal(t, uint64(0), out.State.OperationCounter)
	assert.Equal(t, state.DefaultRiskParams(), out.State.Risk)
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(nil))
	boom := errors.New("boom")
	assert.Equal(t, boom, ignoreCanceled(boom))
}

func TestSnapshotterTakesEveryInterval(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	store := persistence.NewPostgresStore(db)
	st := state.LedgerState{Version: state.CurrentVersion}
	require.NoError(t, store.Initialize(ctx, st, [32]byte{1}))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := newSnapshotter(store, persistence.NewSnapshotManager(db), persistence.NewPostgresIdempotencyChecker(db),
		config.PersistenceConfig{SnapshotInterval: 2, WarmKeys: 10}, metrics, observability.NopLogger())
	s.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

	// counter 0 < 0+2
	require.NoError(t, s.tick(ctx))
	assert.Nil(t, s.pending)

	for counter := uint64(1); counter <= 2; counter++ {
		next := st
		next.OperationCounter = counter
		require.NoError(t, store.Commit(ctx, counter-1, next, persistence.CommitRecord{StateHash: [32]byte{byte(counter + 1)}}))
	}

	require.NoError(t, s.tick(ctx))
	require.NotNil(t, s.pending)
	assert.Equal(t, uint64(2), s.last)
	assert.Equal(t, 1.0, testutil.MetricValue(t, metrics.SnapshotTaken))
	assert.Equal(t, 2.0, testutil.MetricValue(t, metrics.SnapshotLastSeq))
}
