package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"laminar/internal/config"
	"laminar/internal/core"
	"laminar/internal/ingestion"
	"laminar/internal/observability"
	"laminar/internal/persistence"
	"laminar/internal/projection"
	"laminar/internal/query"
	"laminar/internal/server"
	"laminar/internal/service"
	"laminar/internal/state"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	level := observability.ParseLogLevel(cfg.Log.Level)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(component, level)
	}
	logger := newLogger("laminard")
	logger.Info().Str("version", version).Str("store", cfg.Store.Backend).Str("pricing", cfg.Pricing.Source).
		Msg("laminard starting")

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres: event log, projections, snapshots, tier-2 dedup ---
	var db *sql.DB
	if cfg.UsesPostgres() {
		var err error
		db, err = openPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, newLogger("migrator"))
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	store, closeStore, err := openStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Idempotency: LRU in front of the event log ---
	var (
		tier2  core.DBIdempotencyChecker
		pgIdem *persistence.PostgresIdempotencyChecker
	)
	if db != nil {
		pgIdem = persistence.NewPostgresIdempotencyChecker(db)
		tier2 = pgIdem
	}
	idem, err := core.NewIdempotencyChecker(cfg.Persistence.IdempotencyLRU, tier2)
	if err != nil {
		return err
	}
	if pgIdem != nil && cfg.Persistence.WarmKeys > 0 {
		keys, err := pgIdem.RecentKeys(ctx, cfg.Persistence.WarmKeys)
		if err != nil {
			logger.Warn().Err(err).Msg("idempotency warm-up failed")
		} else {
			idem.Warm(keys)
			logger.Info().Int("keys", len(keys)).Msg("idempotency cache warmed")
		}
	}

	// --- NATS ---
	var js jetstream.JetStream
	if cfg.NATS.URL != "" {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, stream, logger); err != nil {
			return err
		}
		js = stream
	}

	// --- Pricing ---
	px, err := newPrices(ctx, cfg.Pricing, metrics, newLogger("pricing"))
	if err != nil {
		return err
	}
	defer px.Close()

	// --- Sinks ---
	var sinks []service.EventSink

	var (
		persistChan   chan persistence.Record
		persistWorker *persistence.PersistenceWorker
		projWorker    *projection.ProjectionWorker
		publisher     *ingestion.OutboundPublisher
	)
	if db != nil {
		persistChan = make(chan persistence.Record, cfg.Persistence.ChanSize)
		persistWorker = persistence.NewPersistenceWorker(db, persistChan,
			cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics,
			newLogger("persistence"))
		sinks = append(sinks, service.NewPersistSink(persistChan, metrics.PersistBackpressure.Inc))

		projWorker = projection.NewProjectionWorker(db, cfg.Persistence.ProjectionBuffer, metrics,
			newLogger("projection"))
		sinks = append(sinks, projWorker)
	}
	history := projection.NewOperationHistory(cfg.Persistence.HistoryCapacity)
	sinks = append(sinks, history)
	if js != nil {
		publisher = ingestion.NewOutboundPublisher(js, cfg.Persistence.PublishBuffer, metrics,
			newLogger("publisher"))
		sinks = append(sinks, publisher)
	}

	// --- Ledger service ---
	svc, err := service.New(store, px.source, px.clock,
		service.WithSinks(sinks...),
		service.WithIdempotency(idem),
		service.WithMetrics(metrics),
		service.WithLogger(newLogger("service")),
		service.WithSinkTimeout(cfg.Server.SinkTimeout),
	)
	if err != nil {
		return err
	}
	if err := svc.Recover(ctx); err != nil {
		return err
	}

	// --- Read side + wire surfaces ---
	queryOpts := []query.Option{
		query.WithHistory(history),
		query.WithMetrics(metrics),
		query.WithCollateralDecimals(cfg.Ledger.CollateralDecimals),
	}
	if db != nil {
		queryOpts = append(queryOpts, query.WithDB(db))
	}
	queries := query.NewQueryService(svc, queryOpts...)

	var auth *server.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth, err = server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("auth.jwt_secret not set, admin routes disabled")
	}

	handler, err := server.NewHTTPHandler(svc, queries, auth, healthChecker, newLogger("http"))
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, handler, healthChecker,
		newLogger("grpc"))
	svc.AddSinks(grpcServer)

	if st, _, err := svc.State(ctx); err == nil {
		grpcServer.SyncBreakers(st)
		if px.feed != nil {
			px.feed.Seed(st.Pricing)
		}
	} else if !errors.Is(err, state.ErrNotInitialized) {
		return err
	}

	// --- Goroutines ---
	// The persistence worker outlives the group so it can drain what the
	// last operations queued.
	persistCtx, cancelPersist := context.WithCancel(context.WithoutCancel(ctx))
	persistDone := make(chan error, 1)
	if persistWorker != nil {
		go func() { persistDone <- persistWorker.Run(persistCtx) }()
	} else {
		persistDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)

	if projWorker != nil {
		g.Go(func() error { return ignoreCanceled(projWorker.Run(gctx)) })
	}
	if publisher != nil {
		g.Go(func() error { return ignoreCanceled(publisher.Run(gctx)) })
	}

	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		subscriber = ingestion.NewNATSSubscriber(js, svc, metrics, newLogger("ingestion"))
		if err := subscriber.Subscribe(gctx, cfg.NATS.Durable); err != nil {
			return err
		}
		if px.feed != nil {
			if err := px.feed.Subscribe(gctx, js, ingestion.PricesStream); err != nil {
				subscriber.Stop()
				return err
			}
		}
	}

	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })

	if db != nil && cfg.Persistence.SnapshotInterval > 0 {
		snaps := newSnapshotter(store, persistence.NewSnapshotManager(db), pgIdem, cfg.Persistence, metrics,
			newLogger("snapshot"))
		g.Go(func() error { return ignoreCanceled(snaps.Run(gctx, cfg.Persistence.SnapshotPoll)) })
	}

	g.Go(func() error {
		<-gctx.Done()
		healthChecker.SetReady(false)
		if subscriber != nil {
			subscriber.Stop()
		}
		return nil
	})

	healthChecker.SetReady(true)
	logger.Info().
		Str("state_hash", svc.StateHash()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("laminard ready")

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("component failed, shutting down")
	} else {
		logger.Info().Msg("shutting down")
	}

	cancelPersist()
	if perr := ignoreCanceled(<-persistDone); perr != nil {
		logger.Error().Err(perr).Msg("persistence worker")
	}

	logger.Info().Msg("laminard stopped")
	return err
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
