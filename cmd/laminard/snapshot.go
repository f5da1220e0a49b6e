package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"laminar/internal/config"
	"laminar/internal/core"
	"laminar/internal/observability"
	"laminar/internal/persistence"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// snapshotter saves a snapshot whenever the committed counter has moved
// interval operations past the last one, and verifies each snapshot once
// the event log has caught up with it.
type snapshotter struct {
	store    persistence.Store
	mgr      *persistence.SnapshotManager
	keys     *persistence.PostgresIdempotencyChecker
	interval uint64
	warmKeys int
	metrics  *observability.Metrics
	logger   zerolog.Logger

	last    uint64
	pending *persistence.SnapshotData
	now     func() time.Time
}

func newSnapshotter(
	store persistence.Store,
	mgr *persistence.SnapshotManager,
	keys *persistence.PostgresIdempotencyChecker,
	cfg config.PersistenceConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *snapshotter {
	return &snapshotter{
		store:    store,
		mgr:      mgr,
		keys:     keys,
		interval: cfg.SnapshotInterval,
		warmKeys: cfg.WarmKeys,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled.
func (s *snapshotter) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	if latest, err := s.mgr.LoadLatestSnapshot(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("load latest snapshot")
	} else if latest != nil {
		s.last = latest.Sequence
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("snapshot tick failed")
			}
		}
	}
}

func (s *snapshotter) tick(ctx context.Context) error {
	if s.pending != nil {
		ok, err := s.mgr.VerifySnapshot(ctx, s.pending)
		if err != nil {
			return err
		}
		if ok {
			s.logger.Info().Uint64("operation_counter", s.pending.Sequence).Msg("snapshot verified")
			s.pending = nil
		}
	}

	cp, err := s.store.Load(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cp.State.OperationCounter < s.last+s.interval {
		return nil
	}

	snap, err := s.take(ctx, cp)
	if err != nil {
		return err
	}
	s.last = snap.Sequence
	s.pending = snap
	return nil
}

func (s *snapshotter) take(ctx context.Context, cp persistence.Checkpoint) (*persistence.SnapshotData, error) {
	start := time.Now()

	var keys [][2]string
	if s.keys != nil && s.warmKeys > 0 {
		var err error
		keys, err = s.keys.RecentKeys(ctx, s.warmKeys)
		if err != nil {
			return nil, fmt.Errorf("recent idempotency keys: %w", err)
		}
	}

	snap := persistence.NewSnapshotData(cp, keys, s.now())
	size, err := s.mgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().
		Uint64("operation_counter", snap.Sequence).
		Int("size_bytes", size).
		Str("state_hash", core.HexHash(cp.StateHash)).
		Msg("snapshot saved")
	return snap, nil
}

func newSnapshotCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Take or inspect ledger snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "take",
		Short: "Save a snapshot of the committed ledger now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return withSnapshotDeps(cmd.Context(), cfg, func(ctx context.Context, s *snapshotter) error {
				cp, err := s.store.Load(ctx)
				if err != nil {
					return err
				}
				snap, err := s.take(ctx, cp)
				if err != nil {
					return err
				}
				ok, err := s.mgr.VerifySnapshot(ctx, snap)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot at operation %d saved (verified=%t)\n", snap.Sequence, ok)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the latest verified snapshot header",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return withSnapshotDeps(cmd.Context(), cfg, func(ctx context.Context, s *snapshotter) error {
				snap, err := s.mgr.LoadLatestSnapshot(ctx)
				if err != nil {
					return err
				}
				if snap == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "no verified snapshot")
					return nil
				}
				head, err := s.mgr.GetLatestSequence(ctx)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(struct {
					Sequence    uint64    `json:"operation_counter"`
					StateHash   string    `json:"state_hash"`
					Accounts    int       `json:"accounts"`
					Keys        int       `json:"idempotency_keys"`
					CreatedAt   time.Time `json:"created_at"`
					EventLogTip int64     `json:"event_log_tip"`
				}{
					Sequence:    snap.Sequence,
					StateHash:   fmt.Sprintf("%x", snap.StateHash),
					Accounts:    len(snap.Balances),
					Keys:        len(snap.IdempotencyKeys),
					CreatedAt:   snap.CreatedAt,
					EventLogTip: head,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	})
	return cmd
}

func withSnapshotDeps(ctx context.Context, cfg *config.Config, fn func(context.Context, *snapshotter) error) error {
	logger := observability.NewLoggerWithLevel("snapshot", observability.ParseLogLevel(cfg.Log.Level))
	if !cfg.UsesPostgres() {
		return errors.New("snapshots live in postgres: set postgres.dsn")
	}
	db, err := openPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store, closeStore, err := openStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	s := newSnapshotter(store, persistence.NewSnapshotManager(db), persistence.NewPostgresIdempotencyChecker(db),
		cfg.Persistence, nil, logger)
	return fn(ctx, s)
}
