package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"laminar/internal/event"
	"laminar/internal/ledger"
	fpmath "laminar/internal/math"
	"laminar/internal/observability"
	"laminar/internal/projection"
	"laminar/internal/state"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxPageSize caps history queries.
const MaxPageSize = 500

// ErrUnavailable is returned for queries that need a backend that is not
// configured.
var ErrUnavailable = errors.New("query backend unavailable")

// LedgerReader is the read side of the ledger service.
type LedgerReader interface {
	State(ctx context.Context) (state.LedgerState, state.BalanceSheet, error)
	Balances(ctx context.Context, user uuid.UUID) (map[ledger.AssetID]int64, uint64, error)
	StateHash() string
}

// QueryService serves read models. Balance-sheet and balance queries read
// the committed ledger; operation history reads the Postgres projection
// when one is configured and the in-memory history otherwise.
type QueryService struct {
	ledger             LedgerReader
	db                 *sql.DB
	history            *projection.OperationHistory
	metrics            *observability.Metrics
	collateralDecimals int32
}

type Option func(*QueryService)

func WithDB(db *sql.DB) Option { return func(q *QueryService) { q.db = db } }

func WithHistory(h *projection.OperationHistory) Option {
	return func(q *QueryService) { q.history = h }
}

func WithMetrics(m *observability.Metrics) Option { return func(q *QueryService) { q.metrics = m } }

// WithCollateralDecimals sets how many decimals collateral base units carry (default 9).
func WithCollateralDecimals(d int32) Option {
	return func(q *QueryService) { q.collateralDecimals = d }
}

func NewQueryService(reader LedgerReader, opts ...Option) *QueryService {
	q := &QueryService{ledger: reader, collateralDecimals: 9}
	for _, o := range opts {
		o(q)
	}
	return q
}

// BalanceSheet returns the committed balance sheet at the recorded pricing.
func (qs *QueryService) BalanceSheet(ctx context.Context) (view *BalanceSheetView, err error) {
	defer qs.observe("balance_sheet", time.Now(), &err)

	st, bs, err := qs.ledger.State(ctx)
	if err != nil {
		return nil, err
	}

	view = &BalanceSheetView{
		OperationCounter: st.OperationCounter,
		StateHash:        qs.ledger.StateHash(),
		CollateralUnits:  st.CollateralUnits,
		StableSupply:     st.StableSupply,
		EquitySupply:     st.EquitySupply,
		RoundingReserve:  st.RoundingReserve,
		TVL:              Units(bs.TVL, 9),
		Liability:        Units(bs.Liability, 9),
		Reserve:          Units(bs.Reserve, 9),
		ClaimableEquity:  Units(bs.Claimable, 9),
		Equity:           "0.000000000",
		CRBps:            bs.CRBps,
		CollateralRatio:  Ratio(bs.CRBps),
		LeverageBps:      bs.LeverageBps(),
		MintPaused:       st.MintPaused,
		RedeemPaused:     st.RedeemPaused,
		Pricing: PricingView{
			CollateralToBaseRate: Units(st.Pricing.CollateralToBaseRate, 9),
			BasePriceInQuote:     Units(st.Pricing.BasePriceInQuote, 6),
			ConfidenceBps:        st.Pricing.ConfidenceBps,
			SnapshotSlot:         st.Pricing.SnapshotSlot,
		},
	}
	if bs.Equity != nil {
		view.Equity = decimal.NewFromBigInt(bs.Equity, -9).StringFixed(9)
	}
	if bs.NAVDefined {
		view.NAV = Units(bs.NAV, 9)
	}
	return view, nil
}

// AccountBalances returns a user's committed custody balances.
func (qs *QueryService) AccountBalances(ctx context.Context, user uuid.UUID) (out *AccountBalances, err error) {
	defer qs.observe("account_balances", time.Now(), &err)

	if user == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id required", state.ErrInvalidParameter)
	}
	balances, counter, err := qs.ledger.Balances(ctx, user)
	if err != nil {
		return nil, err
	}

	out = &AccountBalances{UserID: user, AsOfSequence: counter, Balances: make([]AssetBalance, 0, len(balances))}
	for id, raw := range balances {
		name, _ := ledger.GetAssetName(id)
		out.Balances = append(out.Balances, AssetBalance{
			Asset:  name,
			Raw:    raw,
			Amount: decimal.New(raw, -qs.decimalsOf(id)).StringFixed(qs.decimalsOf(id)),
		})
	}
	sort.Slice(out.Balances, func(i, j int) bool { return out.Balances[i].Asset < out.Balances[j].Asset })
	return out, nil
}

// Operations returns committed operations newest first. A nil user lists
// every user; before > 0 pages to operations with a smaller counter.
func (qs *QueryService) Operations(ctx context.Context, user uuid.UUID, limit int, before uint64) (ops []OperationView, err error) {
	defer qs.observe("operations", time.Now(), &err)

	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if qs.db != nil {
		return qs.projectedOperations(ctx, user, limit, before)
	}
	if qs.history == nil {
		return nil, fmt.Errorf("%w: no operation history configured", ErrUnavailable)
	}

	recs := qs.history.Query(user, limit, before)
	ops = make([]OperationView, 0, len(recs))
	for _, r := range recs {
		ops = append(ops, operationView(r.OperationCounter, r.Event))
	}
	return ops, nil
}

func (qs *QueryService) projectedOperations(ctx context.Context, user uuid.UUID, limit int, before uint64) ([]OperationView, error) {
	query := `
		SELECT operation_id, operation_counter, kind, user_id, amount_in, amount_out,
		       fee, fee_bps, nav, new_tvl, new_cr_bps::TEXT, insolvency, timestamp
		FROM projections.operations
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if user != uuid.Nil {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, user)
		argIdx++
	}
	if before > 0 {
		query += fmt.Sprintf(" AND operation_counter < $%d", argIdx)
		args = append(args, int64(before))
		argIdx++
	}
	query += " ORDER BY operation_counter DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]OperationView, 0)
	for rows.Next() {
		var (
			v                                  OperationView
			counter, in, out, fee, feeBps, nav int64
			tvl                                int64
			cr                                 string
		)
		if err := rows.Scan(&v.OperationID, &counter, &v.Kind, &v.UserID, &in, &out,
			&fee, &feeBps, &nav, &tvl, &cr, &v.Insolvency, &v.Timestamp); err != nil {
			return nil, err
		}
		v.OperationCounter = uint64(counter)
		v.AmountIn, v.AmountOut = uint64(in), uint64(out)
		v.Fee, v.FeeBps = uint64(fee), uint64(feeBps)
		v.NAV = Units(uint64(nav), 9)
		v.NewTVL = Units(uint64(tvl), 9)
		crBps, err := decimal.NewFromString(cr)
		if err != nil {
			return nil, fmt.Errorf("decode new_cr_bps: %w", err)
		}
		v.NewCRBps = crBps.BigInt().Uint64()
		v.Timestamp = v.Timestamp.UTC()
		ops = append(ops, v)
	}
	return ops, rows.Err()
}

// VerifyIntegrity checks hash chain continuity of the event log and that
// the persisted custody balances net to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	if qs.db == nil {
		return nil, fmt.Errorf("%w: integrity check needs Postgres", ErrUnavailable)
	}
	report = &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&report.EventsChecked); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence FROM (
			SELECT sequence, prev_hash, LAG(state_hash) OVER (ORDER BY sequence) AS expected
			FROM event_log.events
		) chain
		WHERE expected IS NOT NULL AND prev_hash != expected
		ORDER BY sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM ledger.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

// Units renders a fixed-point amount with the given number of decimals.
func Units(v uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals).StringFixed(decimals)
}

// Ratio renders basis points as a ratio, "inf" for an infinite ratio.
func Ratio(bps uint64) string {
	if bps == state.InfiniteCR {
		return "inf"
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(bps), 0).
		Div(decimal.NewFromInt(int64(fpmath.BPS))).StringFixed(4)
}

func (qs *QueryService) decimalsOf(id ledger.AssetID) int32 {
	switch id {
	case ledger.AssetIDStable:
		return 6
	case ledger.AssetIDEquity:
		return 9
	default:
		return qs.collateralDecimals
	}
}

func operationView(counter uint64, ev event.OperationEvent) OperationView {
	return OperationView{
		OperationID:      ev.OperationID,
		OperationCounter: counter,
		Kind:             ev.Kind.String(),
		UserID:           ev.UserID,
		AmountIn:         ev.AmountIn,
		AmountOut:        ev.AmountOut,
		Fee:              ev.Fee,
		FeeBps:           ev.FeeBps,
		NAV:              Units(ev.NAV, 9),
		NewTVL:           Units(ev.NewTVL, 9),
		NewCRBps:         ev.NewCRBps,
		Insolvency:       ev.Insolvency,
		Timestamp:        ev.Timestamp,
	}
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, state.Kind(*err)).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
