package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"laminar/internal/ledger"
	"laminar/internal/state"

	"github.com/lib/pq"
)

// PostgresStore keeps the ledger row and custody balances in Postgres.
// Commit locks the ledger row and checks the expected version, so two
// processes sharing the database cannot both commit from one snapshot.
// Idempotency keys go into ledger.processed_keys in the same transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context) (Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("begin load: %w", err)
	}
	defer tx.Rollback()

	var (
		version int64
		data    []byte
		hash    []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT version, state, state_hash FROM ledger.state WHERE id = 1
	`).Scan(&version, &data, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load state: %w", err)
	}

	cp := Checkpoint{Version: uint64(version), Balances: make(map[ledger.AccountKey]int64)}
	if err := json.Unmarshal(data, &cp.State); err != nil {
		return Checkpoint{}, fmt.Errorf("decode state: %w", err)
	}
	copy(cp.StateHash[:], hash)

	rows, err := tx.QueryContext(ctx, `SELECT account_path, balance FROM ledger.balances`)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			path    string
			balance int64
		)
		if err := rows.Scan(&path, &balance); err != nil {
			return Checkpoint{}, err
		}
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return Checkpoint{}, err
		}
		cp.Balances[key] = balance
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, err
	}
	return cp, tx.Commit()
}

func (s *PostgresStore) Initialize(ctx context.Context, st state.LedgerState, stateHash [32]byte) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger.state (id, operation_counter, state, state_hash)
		VALUES (1, $1, $2, $3)
	`, int64(st.OperationCounter), data, stateHash[:])

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrAlreadyInitialized
	}
	return err
}

func (s *PostgresStore) Commit(ctx context.Context, expectedVersion uint64, next state.LedgerState, rec CommitRecord) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var version, counter int64
	err = tx.QueryRowContext(ctx, `
		SELECT version, operation_counter FROM ledger.state WHERE id = 1 FOR UPDATE
	`).Scan(&version, &counter)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock state: %w", err)
	}
	if err := checkVersion(uint64(version), expectedVersion, uint64(counter), next); err != nil {
		return err
	}

	if rec.hasKey() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger.processed_keys (event_type, idempotency_key, version)
			VALUES ($1, $2, $3)
		`, rec.EventType, rec.IdempotencyKey, version+1)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s %s", ErrDuplicateKey, rec.EventType, rec.IdempotencyKey)
		}
		if err != nil {
			return fmt.Errorf("record idempotency key: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger.state
		SET version = $1, operation_counter = $2, state = $3, state_hash = $4, updated_at = NOW()
		WHERE id = 1
	`, version+1, int64(next.OperationCounter), data, rec.StateHash[:]); err != nil {
		return fmt.Errorf("update state: %w", err)
	}

	for k, d := range batchDeltas(rec.Batch) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger.balances (account_path, asset_id, balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_path) DO UPDATE SET balance = ledger.balances.balance + EXCLUDED.balance
		`, k.AccountPath(), int16(k.AssetID), d); err != nil {
			return fmt.Errorf("apply balance %s: %w", k.AccountPath(), err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
