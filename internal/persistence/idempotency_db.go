package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the durable dedup tier. It reads
// ledger.processed_keys, which PostgresStore.Commit writes together with the
// state, so a key is visible to every process as soon as its commit is.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether the key has committed.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
        SELECT 1
        FROM ledger.processed_keys
        WHERE event_type = $1 AND idempotency_key = $2
    `, eventType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the newest (event type, idempotency key) pairs, newest
// last, for warming the in-memory tier after a restart.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([][2]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
        SELECT event_type, idempotency_key FROM (
            SELECT version, event_type, idempotency_key
            FROM ledger.processed_keys
            ORDER BY version DESC
            LIMIT $1
        ) recent ORDER BY version ASC
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([][2]string, 0, limit)
	for rows.Next() {
		var k [2]string
		if err := rows.Scan(&k[0], &k[1]); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
