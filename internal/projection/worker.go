package projection

import (
	"context"
	"database/sql"
	"fmt"
	"laminar/internal/event"
	"laminar/internal/ledger"
	"laminar/internal/observability"
	"laminar/internal/service"
	"time"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates projection tables from committed operations.
// Its channel is non-blocking with drop: if projections fall behind they
// can be rebuilt from the event log with RebuildProjections.
type ProjectionWorker struct {
	db      *sql.DB
	ch      chan service.Committed
	metrics *observability.Metrics
	logger  zerolog.Logger
	lastSeq uint64
}

func NewProjectionWorker(db *sql.DB, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:      db,
		ch:      make(chan service.Committed, buffer),
		metrics: metrics,
		logger:  logger.With().Str("component", "projection").Logger(),
	}
}

func (pw *ProjectionWorker) Name() string { return "projections" }

// Deliver enqueues without blocking.
func (pw *ProjectionWorker) Deliver(_ context.Context, c service.Committed) error {
	select {
	case pw.ch <- c:
	default:
		if pw.metrics != nil {
			pw.metrics.ProjectionDrops.WithLabelValues(workerID).Inc()
		}
		pw.logger.Warn().Uint64("seq", c.Envelope.Sequence).Msg("projection buffer full, event dropped")
	}
	if pw.metrics != nil {
		pw.metrics.SetChannelMetrics("projection", len(pw.ch), cap(pw.ch))
	}
	return nil
}

// Run applies queued operations until ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-pw.ch:
			if err := pw.Apply(ctx, c); err != nil {
				// Continue: projections are eventually consistent
				pw.logger.Warn().Err(err).Uint64("seq", c.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = c.Envelope.Sequence
		}
	}
}

// LastSequence is the counter of the last operation applied by Run.
func (pw *ProjectionWorker) LastSequence() uint64 { return pw.lastSeq }

// Apply writes one committed operation to the projection tables in a single
// transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, c service.Committed) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := int64(c.Envelope.Sequence)
	if c.Batch != nil {
		for _, j := range c.Batch.Journals {
			if err := applyJournal(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if op, ok := c.Event.(*event.OperationEvent); ok {
		if err := insertOperation(ctx, tx, seq, op); err != nil {
			return fmt.Errorf("operation projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, $2), updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(workerID).Observe(time.Since(start).Seconds())
	}
	return nil
}

// applyJournal moves one journal into the balance projection. Debit
// accounts increase and credit accounts decrease, matching custody.
func applyJournal(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	if err := upsertBalance(ctx, tx, j.DebitAccount, j.Amount, seq); err != nil {
		return err
	}
	return upsertBalance(ctx, tx, j.CreditAccount, -j.Amount, seq)
}

func upsertBalance(ctx context.Context, tx *sql.Tx, key ledger.AccountKey, delta, seq int64) error {
	var user interface{}
	if id, ok := key.UserID(); ok {
		user = id
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, user_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $4, last_sequence = $5
	`, key.AccountPath(), int16(key.AssetID), user, delta, seq)
	return err
}

func insertOperation(ctx context.Context, tx *sql.Tx, seq int64, op *event.OperationEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.operations
			(operation_id, operation_counter, kind, user_id, amount_in, amount_out, fee, fee_bps,
			 nav, new_tvl, new_cr_bps, insolvency, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (operation_id) DO NOTHING
	`, op.OperationID, seq, op.Kind.String(), op.UserID,
		int64(op.AmountIn), int64(op.AmountOut), int64(op.Fee), int64(op.FeeBps),
		int64(op.NAV), int64(op.NewTVL), fmt.Sprintf("%d", op.NewCRBps), op.Insolvency, op.Timestamp)
	return err
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.operations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits increase, credits decrease.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	// user:<uuid>:... paths carry their owner
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.balances
		SET user_id = split_part(account_path, ':', 2)::uuid
		WHERE account_path LIKE 'user:%'
	`); err != nil {
		return fmt.Errorf("rebuild balance owners: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.operations
			(operation_id, operation_counter, kind, user_id, amount_in, amount_out, fee, fee_bps,
			 nav, new_tvl, new_cr_bps, insolvency, timestamp)
		SELECT operation_id, operation_counter,
		       CASE event_type
		           WHEN 'StableMinted' THEN 'mint_stable'
		           WHEN 'StableRedeemed' THEN 'redeem_stable'
		           WHEN 'EquityMinted' THEN 'mint_equity'
		           ELSE 'redeem_equity'
		       END,
		       (payload->>'user_id')::uuid,
		       (payload->>'amount_in')::bigint, (payload->>'amount_out')::bigint,
		       (payload->>'fee')::bigint, (payload->>'fee_bps')::bigint,
		       (payload->>'nav')::bigint, (payload->>'new_tvl')::bigint,
		       (payload->>'new_cr_bps')::numeric,
		       COALESCE((payload->>'insolvency')::boolean, false),
		       timestamp
		FROM event_log.events
		WHERE event_type IN ('StableMinted', 'StableRedeemed', 'EquityMinted', 'EquityRedeemed')
		ON CONFLICT (operation_id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild operations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(operation_counter), 0), NOW() FROM event_log.events
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
