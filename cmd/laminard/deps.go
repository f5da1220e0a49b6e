package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"laminar/internal/config"
	"laminar/internal/observability"
	"laminar/internal/persistence"
	"laminar/internal/pricing"
	"laminar/internal/state"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func openPostgres(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")
	return db, nil
}

// openStore returns the configured ledger store and a close func. The
// Postgres store shares db, which the caller closes.
func openStore(cfg *config.Config, db *sql.DB) (persistence.Store, func() error, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		s := persistence.NewMemoryStore()
		return s, s.Close, nil
	case config.BackendPebble:
		s, err := persistence.OpenPebbleStore(cfg.Store.PebbleDir, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendPostgres:
		if db == nil {
			return nil, nil, errors.New("postgres backend needs postgres.dsn")
		}
		return persistence.NewPostgresStore(db), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// prices bundles the price source with the clock freshness is judged by.
type prices struct {
	source pricing.Source
	clock  pricing.SlotClock
	feed   *pricing.Feed // only for the NATS feed source
	redis  *redis.Client
}

func (p *prices) Close() {
	if p.feed != nil {
		p.feed.Stop()
	}
	if p.redis != nil {
		p.redis.Close()
	}
}

func configuredQuote(p config.PricingConfig) state.PricingSnapshot {
	return state.PricingSnapshot{
		CollateralToBaseRate: p.Rate,
		BasePriceInQuote:     p.Price,
		ConfidenceBps:        p.ConfidenceBps,
		SnapshotSlot:         p.Slot,
	}
}

func newPrices(ctx context.Context, cfg config.PricingConfig, metrics *observability.Metrics, logger zerolog.Logger) (*prices, error) {
	switch cfg.Source {
	case config.PricingStatic:
		var clock pricing.SlotClock = pricing.NewManualClock(cfg.Slot)
		if cfg.GenesisUnix > 0 {
			clock = pricing.NewWallClock(cfg.Genesis(), cfg.SlotDuration)
		}
		return &prices{source: pricing.NewStatic(configuredQuote(cfg)), clock: clock}, nil

	case config.PricingRedis:
		client, err := pricing.DialRedis(ctx, pricing.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("addr", cfg.RedisAddr).Str("asset", cfg.Asset).Msg("redis price source connected")
		return &prices{
			source: pricing.NewRedisSource(client, cfg.RedisPrefix, cfg.Asset),
			clock:  pricing.NewWallClock(cfg.Genesis(), cfg.SlotDuration),
			redis:  client,
		}, nil

	case config.PricingFeed:
		// Without a configured genesis, slots are extrapolated from wall time
		// since the newest accepted quote, so a silent oracle still goes stale.
		var (
			clock    pricing.SlotClock
			observer pricing.SlotObserver
		)
		if cfg.GenesisUnix > 0 {
			clock = pricing.NewWallClock(cfg.Genesis(), cfg.SlotDuration)
		} else {
			anchored := pricing.NewAnchoredClock(cfg.Slot, cfg.SlotDuration, nil)
			clock, observer = anchored, anchored
		}
		feed := pricing.NewFeed(cfg.Asset, observer, metrics, logger)
		if cfg.Price > 0 {
			feed.Seed(configuredQuote(cfg))
		}
		return &prices{source: feed, clock: clock, feed: feed}, nil

	default:
		return nil, fmt.Errorf("unknown pricing source %q", cfg.Source)
	}
}
