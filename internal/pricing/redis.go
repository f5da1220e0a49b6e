package pricing

import (
	"context"
	"fmt"
	"laminar/internal/state"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hash fields of a published quote.
const (
	FieldRate       = "rate"
	FieldPrice      = "price"
	FieldConfidence = "confidence_bps"
	FieldSlot       = "slot"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisSource reads the latest quote for one collateral asset from a Redis
// hash written by an oracle relay.
type RedisSource struct {
	client *redis.Client
	key    string
}

func NewRedisSource(client *redis.Client, keyPrefix, asset string) *RedisSource {
	if keyPrefix == "" {
		keyPrefix = "laminar:pricing:"
	}
	return &RedisSource{client: client, key: keyPrefix + asset}
}

func (r *RedisSource) Quote(ctx context.Context) (state.PricingSnapshot, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return state.PricingSnapshot{}, fmt.Errorf("redis quote %s: %w", r.key, err)
	}
	if len(fields) == 0 {
		return state.PricingSnapshot{}, ErrNoQuote
	}
	return SnapshotFromFields(fields)
}

// Publish writes snap as the current quote.
func (r *RedisSource) Publish(ctx context.Context, snap state.PricingSnapshot) error {
	return r.client.HSet(ctx, r.key, FieldsOf(snap)).Err()
}

// SnapshotFromFields decodes a quote hash. Rate, price and slot are required.
func SnapshotFromFields(fields map[string]string) (state.PricingSnapshot, error) {
	var (
		snap state.PricingSnapshot
		err  error
	)
	if snap.CollateralToBaseRate, err = uintField(fields, FieldRate, true); err != nil {
		return state.PricingSnapshot{}, err
	}
	if snap.BasePriceInQuote, err = uintField(fields, FieldPrice, true); err != nil {
		return state.PricingSnapshot{}, err
	}
	if snap.ConfidenceBps, err = uintField(fields, FieldConfidence, false); err != nil {
		return state.PricingSnapshot{}, err
	}
	if snap.SnapshotSlot, err = uintField(fields, FieldSlot, true); err != nil {
		return state.PricingSnapshot{}, err
	}
	return snap, nil
}

// FieldsOf encodes snap as a quote hash.
func FieldsOf(snap state.PricingSnapshot) map[string]interface{} {
	return map[string]interface{}{
		FieldRate:       strconv.FormatUint(snap.CollateralToBaseRate, 10),
		FieldPrice:      strconv.FormatUint(snap.BasePriceInQuote, 10),
		FieldConfidence: strconv.FormatUint(snap.ConfidenceBps, 10),
		FieldSlot:       strconv.FormatUint(snap.SnapshotSlot, 10),
	}
}

func uintField(fields map[string]string, name string, required bool) (uint64, error) {
	raw, ok := fields[name]
	if !ok {
		if required {
			return 0, fmt.Errorf("%w: quote field %q missing", state.ErrInvalidParameter, name)
		}
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: quote field %q: %v", state.ErrInvalidParameter, name, err)
	}
	return v, nil
}
