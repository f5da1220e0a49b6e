package query_test

import (
	"context"
	"errors"
	"laminar/internal/event"
	"laminar/internal/ledger"
	"laminar/internal/observability"
	"laminar/internal/projection"
	"laminar/internal/query"
	"laminar/internal/state"
	"laminar/internal/testutil"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = uuid.MustParse("11111111-1111-1111-1111-111111111111")

type fakeLedger struct {
	st       state.LedgerState
	bs       state.BalanceSheet
	balances map[ledger.AssetID]int64
	err      error
}

func (f *fakeLedger) State(context.Context) (state.LedgerState, state.BalanceSheet, error) {
	return f.st, f.bs, f.err
}

func (f *fakeLedger) Balances(context.Context, uuid.UUID) (map[ledger.AssetID]int64, uint64, error) {
	return f.balances, f.st.OperationCounter, f.err
}

func (f *fakeLedger) StateHash() string { return "abcd" }

func newFake() *fakeLedger {
	return &fakeLedger{
		st: state.LedgerState{
			CollateralUnits:  1_000_000_000_000,
			StableSupply:     500_000_000,
			EquitySupply:     500_000_000_000,
			OperationCounter: 7,
			RedeemPaused:     true,
			Pricing: state.PricingSnapshot{
				CollateralToBaseRate: 1_050_000_000,
				BasePriceInQuote:     100_000_000,
				ConfidenceBps:        20,
				SnapshotSlot:         100,
			},
		},
		bs: state.BalanceSheet{
			TVL:        1_050_000_000_000,
			Liability:  500_000_000_000,
			Equity:     big.NewInt(550_000_000_000),
			Claimable:  550_000_000_000,
			CRBps:      21_000,
			NAV:        1_100_000_000,
			NAVDefined: true,
		},
		balances: map[ledger.AssetID]int64{
			ledger.AssetIDStable:     12_500_000,
			ledger.AssetIDCollateral: 3_000_000_000,
		},
	}
}

func TestBalanceSheetView(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	qs := query.NewQueryService(newFake(), query.WithMetrics(metrics))

	v, err := qs.BalanceSheet(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(7), v.OperationCounter)
	assert.Equal(t, "abcd", v.StateHash)
	assert.Equal(t, "1050.000000000", v.TVL)
	assert.Equal(t, "500.000000000", v.Liability)
	assert.Equal(t, "550.000000000", v.ClaimableEquity)
	assert.Equal(t, "550.000000000", v.Equity)
	assert.Equal(t, "2.1000", v.CollateralRatio)
	assert.Equal(t, "1.100000000", v.NAV)
	assert.Equal(t, uint64(19_090), v.LeverageBps)
	assert.True(t, v.RedeemPaused)
	assert.False(t, v.MintPaused)
	assert.Equal(t, "1.050000000", v.Pricing.CollateralToBaseRate)
	assert.Equal(t, "100.000000", v.Pricing.BasePriceInQuote)

	assert.Equal(t, float64(1), testutil.MetricValue(t, metrics.QueryRequests.WithLabelValues("balance_sheet", "ok")))
}

func TestBalanceSheetEmptyProtocol(t *testing.T) {
	f := &fakeLedger{bs: state.BalanceSheet{CRBps: state.InfiniteCR, Equity: big.NewInt(0)}}
	v, err := query.NewQueryService(f).BalanceSheet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "inf", v.CollateralRatio)
	assert.Empty(t, v.NAV)
	assert.Equal(t, "0.000000000", v.TVL)
}

func TestBalanceSheetNegativeEquity(t *testing.T) {
	f := newFake()
	f.bs.Equity = big.NewInt(-1_500_000_000)
	v, err := query.NewQueryService(f).BalanceSheet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "-1.500000000", v.Equity)
}

func TestBalanceSheetError(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := &fakeLedger{err: state.ErrNotInitialized}
	_, err := query.NewQueryService(f, query.WithMetrics(metrics)).BalanceSheet(context.Background())
	require.ErrorIs(t, err, state.ErrNotInitialized)
	assert.Equal(t, float64(1), testutil.MetricValue(t, metrics.QueryErrors.WithLabelValues("balance_sheet", "not_initialized")))
}

func TestAccountBalances(t *testing.T) {
	qs := query.NewQueryService(newFake(), query.WithCollateralDecimals(9))

	got, err := qs.AccountBalances(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, alice, got.UserID)
	assert.Equal(t, uint64(7), got.AsOfSequence)
	require.Len(t, got.Balances, 2)

	assert.Equal(t, "collateral", got.Balances[0].Asset)
	assert.Equal(t, "3.000000000", got.Balances[0].Amount)
	assert.Equal(t, "stable", got.Balances[1].Asset)
	assert.Equal(t, int64(12_500_000), got.Balances[1].Raw)
	assert.Equal(t, "12.500000", got.Balances[1].Amount)

	_, err = qs.AccountBalances(context.Background(), uuid.Nil)
	assert.ErrorIs(t, err, state.ErrInvalidParameter)
}

func TestOperationsFromHistory(t *testing.T) {
	h := projection.NewOperationHistory(16)
	for i := uint64(1); i <= 3; i++ {
		h.Add(projection.OperationRecord{OperationCounter: i, Event: event.OperationEvent{
			Kind:        event.OpMintStable,
			OperationID: uuid.New(),
			UserID:      alice,
			AmountIn:    i * 1_000,
			NAV:         1_000_000_000,
			NewTVL:      2_500_000_000,
			Timestamp:   time.Unix(int64(i), 0).UTC(),
		}})
	}
	qs := query.NewQueryService(newFake(), query.WithHistory(h))

	ops, err := qs.Operations(context.Background(), alice, 2, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(3), ops[0].OperationCounter)
	assert.Equal(t, "mint_stable", ops[0].Kind)
	assert.Equal(t, uint64(3_000), ops[0].AmountIn)
	assert.Equal(t, "1.000000000", ops[0].NAV)
	assert.Equal(t, "2.500000000", ops[0].NewTVL)

	ops, err = qs.Operations(context.Background(), uuid.Nil, 0, 2)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(1), ops[0].OperationCounter)
}

func TestOperationsUnavailable(t *testing.T) {
	qs := query.NewQueryService(newFake())
	_, err := qs.Operations(context.Background(), alice, 10, 0)
	assert.True(t, errors.Is(err, query.ErrUnavailable))

	_, err = qs.VerifyIntegrity(context.Background())
	assert.True(t, errors.Is(err, query.ErrUnavailable))
}

func TestUnitsAndRatio(t *testing.T) {
	cases := []struct {
		v        uint64
		decimals int32
		want     string
	}{
		{0, 6, "0.000000"},
		{1, 9, "0.000000001"},
		{1_234_567, 6, "1.234567"},
		{18_446_744_073_709_551_615, 9, "18446744073.709551615"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, query.Units(tc.v, tc.decimals))
	}
	assert.Equal(t, "1.3500", query.Ratio(13_500))
	assert.Equal(t, "0.9999", query.Ratio(9_999))
	assert.Equal(t, "inf", query.Ratio(state.InfiniteCR))
}
