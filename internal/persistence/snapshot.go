package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"laminar/internal/state"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading ledger snapshots. A snapshot
// pins the state, hash tip and custody balances at one operation counter so
// an operator can rebuild a store or audit the hash chain from that point.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full ledger at a point in time.
type SnapshotData struct {
	Sequence        uint64            `json:"sequence"` // operation counter
	StoreVersion    uint64            `json:"store_version"`
	StateHash       []byte            `json:"state_hash"`
	State           state.LedgerState `json:"state"`
	Balances        map[string]int64  `json:"balances"`         // AccountPath -> balance
	IdempotencyKeys [][2]string       `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time         `json:"created_at"`
}

// StoredEvent is an event_log.events row with its log position.
type StoredEvent struct {
	LogSequence int64
	EventRow
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// NewSnapshotData captures a checkpoint.
func NewSnapshotData(cp Checkpoint, keys [][2]string, now time.Time) *SnapshotData {
	return &SnapshotData{
		Sequence:        cp.State.OperationCounter,
		StoreVersion:    cp.Version,
		StateHash:       append([]byte{}, cp.StateHash[:]...),
		State:           cp.State,
		Balances:        EncodeBalances(cp.Balances),
		IdempotencyKeys: keys,
		CreatedAt:       now,
	}
}

// Checkpoint converts a snapshot back into a store checkpoint.
func (s *SnapshotData) Checkpoint() (Checkpoint, error) {
	balances, err := DecodeBalances(s.Balances)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{Version: s.StoreVersion, State: s.State, Balances: balances}
	copy(cp.StateHash[:], s.StateHash)
	return cp, nil
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots start unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	const formatVersion = 1 // JSON-encoded SnapshotData
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), int64(snap.Sequence), data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil if none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after its hash was checked
// against the event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence uint64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, int64(sequence))
	return err
}

// VerifySnapshot checks the snapshot hash against the event that committed
// the same operation counter and marks it verified on a match.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, snap *SnapshotData) (bool, error) {
	var hash []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events
		WHERE operation_counter = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, int64(snap.Sequence)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(hash) != string(snap.StateHash) {
		return false, nil
	}
	return true, sm.MarkVerified(ctx, snap.Sequence)
}

// LoadEventsFrom loads events at or after a log position, oldest first.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]StoredEvent, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, operation_counter, event_type, idempotency_key, operation_id,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			e       StoredEvent
			counter int64
		)
		if err := rows.Scan(
			&e.LogSequence, &counter, &e.EventType, &e.IdempotencyKey, &e.OperationID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.OperationCounter = uint64(counter)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest log position in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
