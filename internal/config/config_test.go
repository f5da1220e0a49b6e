package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"laminar/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, config.BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, config.PricingFeed, cfg.Pricing.Source)
	assert.Equal(t, 1024, cfg.Persistence.ChanSize)
	assert.Equal(t, 50, cfg.Persistence.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Persistence.FlushTimeout)
	assert.Equal(t, 2048, cfg.Persistence.ProjectionBuffer)
	assert.Equal(t, uint64(100_000), cfg.Persistence.SnapshotInterval)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9091", cfg.Server.MetricsAddr)
	assert.Equal(t, int32(9), cfg.Ledger.CollateralDecimals)
	assert.Equal(t, time.Unix(0, 0).UTC(), cfg.Pricing.Genesis())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LAMINAR_STORE_BACKEND", "pebble")
	t.Setenv("LAMINAR_STORE_PEBBLE_DIR", "/tmp/laminar")
	t.Setenv("LAMINAR_PERSISTENCE_BATCH_SIZE", "200")
	t.Setenv("LAMINAR_PRICING_SLOT_DURATION", "1s")
	t.Setenv("LAMINAR_PRICING_SOURCE", "static")
	t.Setenv("LAMINAR_PRICING_PRICE", "100000000")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.BackendPebble, cfg.Store.Backend)
	assert.Equal(t, "/tmp/laminar", cfg.Store.PebbleDir)
	assert.Equal(t, 200, cfg.Persistence.BatchSize)
	assert.Equal(t, time.Second, cfg.Pricing.SlotDuration)
	assert.Equal(t, uint64(100_000_000), cfg.Pricing.Price)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "laminar.yaml")
	body := `
log:
  level: debug
store:
  backend: memory
pricing:
  source: redis
  asset: JITOSOL
  redis_addr: redis:6379
  genesis_unix: 1700000000
server:
  http_addr: ":18080"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, config.PricingRedis, cfg.Pricing.Source)
	assert.Equal(t, "JITOSOL", cfg.Pricing.Asset)
	assert.Equal(t, "redis:6379", cfg.Pricing.RedisAddr)
	assert.Equal(t, ":18080", cfg.Server.HTTPAddr)
	// untouched keys keep defaults
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg, err := config.Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown backend", func(c *config.Config) { c.Store.Backend = "sqlite" }},
		{"pebble without dir", func(c *config.Config) { c.Store.Backend = config.BackendPebble; c.Store.PebbleDir = "" }},
		{"postgres without dsn", func(c *config.Config) { c.Postgres.DSN = "" }},
		{"unknown pricing source", func(c *config.Config) { c.Pricing.Source = "oracle" }},
		{"static without price", func(c *config.Config) { c.Pricing.Source = config.PricingStatic }},
		{"feed without nats", func(c *config.Config) { c.NATS.URL = "" }},
		{"redis without genesis", func(c *config.Config) { c.Pricing.Source = config.PricingRedis }},
		{"empty asset", func(c *config.Config) { c.Pricing.Asset = "" }},
		{"zero slot duration", func(c *config.Config) { c.Pricing.SlotDuration = 0 }},
		{"zero batch", func(c *config.Config) { c.Persistence.BatchSize = 0 }},
		{"short secret", func(c *config.Config) { c.Auth.JWTSecret = "short" }},
		{"decimals out of range", func(c *config.Config) { c.Ledger.CollateralDecimals = 19 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}
