package core

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU, composite key -> operation counter it committed at
	lru *lru.Cache[string, uint64]

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for the durable dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) (*IdempotencyChecker, error) {
	cache, err := lru.New[string, uint64](capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency lru: %w", err)
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   &IdempotencyMetrics{},
	}, nil
}

// IsDuplicate checks if an operation has already been committed (two-tier lookup).
// A tier-2 error is reported to the caller rather than treated as "not seen":
// for value-moving operations a false negative means a double spend.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	compositeKey := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(compositeKey) {
		ic.metrics.duplicatesLRU.Add(1)
		return true, nil
	}

	if ic.dbChecker == nil {
		return false, nil
	}

	isDup, err := ic.dbChecker.IsDuplicate(ctx, eventType, idempotencyKey)
	if err != nil {
		ic.metrics.tier2Errors.Add(1)
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if isDup {
		ic.metrics.duplicatesDB.Add(1)
		ic.lru.Add(compositeKey, 0)
		return true, nil
	}
	return false, nil
}

// MarkProcessed adds key to LRU after successful commit
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string, counter uint64) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey), counter)
}

// Warm loads recently committed keys (eventType, key pairs) into the LRU on
// restart so the hot path does not fall through to the database.
func (ic *IdempotencyChecker) Warm(keys [][2]string) {
	for _, k := range keys {
		ic.lru.Add(compositeKey(k[0], k[1]), 0)
	}
}

// Size returns current number of LRU entries
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) Metrics() *IdempotencyMetrics {
	return ic.metrics
}

func compositeKey(eventType, key string) string {
	return eventType + ":" + key
}

// IdempotencyMetrics tracks dedup stats
type IdempotencyMetrics struct {
	duplicatesLRU atomic.Int64
	duplicatesDB  atomic.Int64
	tier2Errors   atomic.Int64
}

func (m *IdempotencyMetrics) Duplicates() (memory int64, db int64) {
	return m.duplicatesLRU.Load(), m.duplicatesDB.Load()
}

func (m *IdempotencyMetrics) Tier2Errors() int64 {
	return m.tier2Errors.Load()
}
