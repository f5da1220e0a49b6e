package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"laminar/internal/config"
	"laminar/internal/core"
	"laminar/internal/observability"
	"laminar/internal/persistence"
	"laminar/internal/service"
	"laminar/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type initOptions struct {
	authority  string
	treasury   string
	collateral string
}

func newInitCmd(load func() (*config.Config, error)) *cobra.Command {
	var opts initOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the ledger with default risk parameters and the current quote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			out, err := initialize(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger initialized: state_hash=%s\n", core.HexHash(out.Envelope.StateHash))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.authority, "authority", "", "admin authority (default ledger.authority)")
	cmd.Flags().StringVar(&opts.treasury, "treasury", "", "treasury user id (default ledger.treasury)")
	cmd.Flags().StringVar(&opts.collateral, "collateral", "", "supported collateral (default pricing.asset)")
	return cmd
}

func (o initOptions) resolve(cfg *config.Config) (authority string, treasury uuid.UUID, collateral string, err error) {
	authority = firstNonEmpty(o.authority, cfg.Ledger.Authority)
	if authority == "" {
		return "", uuid.Nil, "", fmt.Errorf("%w: authority is required", state.ErrInvalidParameter)
	}
	raw := firstNonEmpty(o.treasury, cfg.Ledger.Treasury)
	treasury, err = uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, "", fmt.Errorf("%w: treasury %q: %v", state.ErrInvalidParameter, raw, err)
	}
	collateral = firstNonEmpty(o.collateral, cfg.Pricing.Asset)
	return authority, treasury, collateral, nil
}

func initialize(ctx context.Context, cfg *config.Config, opts initOptions) (service.Outcome, error) {
	logger := observability.NewLoggerWithLevel("init", observability.ParseLogLevel(cfg.Log.Level))

	authority, treasury, collateral, err := opts.resolve(cfg)
	if err != nil {
		return service.Outcome{}, err
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	px, err := newPrices(ctx, cfg.Pricing, metrics, logger)
	if err != nil {
		return service.Outcome{}, err
	}
	defer px.Close()
	quote, err := px.source.Quote(ctx)
	if err != nil {
		return service.Outcome{}, fmt.Errorf("initial quote (set pricing.price for the feed source): %w", err)
	}

	var (
		db      *sql.DB
		svcOpts []service.Option
	)
	if cfg.UsesPostgres() {
		db, err = openPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return service.Outcome{}, err
		}
		defer db.Close()
		if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger).Up(ctx); err != nil {
			return service.Outcome{}, fmt.Errorf("run migrations: %w", err)
		}

		// The genesis event goes to the event log like any other.
		ch := make(chan persistence.Record, 1)
		worker := persistence.NewPersistenceWorker(db, ch, 1, 10*time.Millisecond, metrics, logger)
		workerCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan error, 1)
		go func() { done <- worker.Run(workerCtx) }()
		defer func() {
			stop()
			<-done
		}()
		svcOpts = append(svcOpts, service.WithSinks(service.NewPersistSink(ch, nil)))
	}

	store, closeStore, err := openStore(cfg, db)
	if err != nil {
		return service.Outcome{}, err
	}
	defer closeStore()

	svcOpts = append(svcOpts, service.WithMetrics(metrics), service.WithLogger(logger))
	svc, err := service.New(store, px.source, px.clock, svcOpts...)
	if err != nil {
		return service.Outcome{}, err
	}

	return svc.Initialize(ctx, core.InitParams{
		OperationID:         uuid.New(),
		Authority:           authority,
		Treasury:            treasury,
		SupportedCollateral: collateral,
		Risk:                state.DefaultRiskParams(),
		Pricing:             quote,
		Timestamp:           time.Now().UTC(),
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
