package persistence

import (
	"context"
	"errors"
	"fmt"
	"laminar/internal/ledger"
	"laminar/internal/state"
)

var (
	// ErrVersionConflict means the stored operation counter no longer matches
	// the one the caller loaded; another writer committed first.
	ErrVersionConflict = errors.New("ledger store: version conflict")
	// ErrNotFound means the ledger has not been initialized.
	ErrNotFound = errors.New("ledger store: not found")
	// ErrAlreadyInitialized is returned by Initialize on an existing ledger.
	ErrAlreadyInitialized = errors.New("ledger store: already initialized")
	// ErrDuplicateKey means the commit's idempotency key was recorded by an
	// earlier commit, possibly from another process.
	ErrDuplicateKey = errors.New("ledger store: idempotency key already committed")
)

// Checkpoint is everything a store holds: the ledger state, the tip of the
// state hash chain, and the committed custody balances. Version counts
// commits of any kind, including custody-only ones that leave
// State.OperationCounter alone.
type Checkpoint struct {
	Version   uint64
	State     state.LedgerState
	StateHash [32]byte
	Balances  map[ledger.AccountKey]int64
}

// CommitRecord carries what is persisted alongside a new state
type CommitRecord struct {
	StateHash [32]byte
	Batch     *ledger.Batch // nil when the operation moved no value

	// EventType and IdempotencyKey are recorded in the same write as the
	// state. A pair that is already recorded fails with ErrDuplicateKey.
	// Empty keys are not recorded.
	EventType      string
	IdempotencyKey string
}

// Store is the durable ledger store. Commit is atomic: the state, hash tip,
// balance deltas and idempotency key are written together or not at all,
// and only when the stored version equals expectedVersion. Every successful
// commit advances the version by one.
type Store interface {
	Load(ctx context.Context) (Checkpoint, error)
	Initialize(ctx context.Context, st state.LedgerState, stateHash [32]byte) error
	Commit(ctx context.Context, expectedVersion uint64, next state.LedgerState, rec CommitRecord) error
	Close() error
}

func (rec CommitRecord) hasKey() bool {
	return rec.IdempotencyKey != ""
}

// batchDeltas nets a batch's journals per account.
func batchDeltas(batch *ledger.Batch) map[ledger.AccountKey]int64 {
	if batch == nil {
		return nil
	}
	deltas := make(map[ledger.AccountKey]int64, len(batch.Journals)*2)
	for _, j := range batch.Journals {
		deltas[j.DebitAccount] += j.Amount
		deltas[j.CreditAccount] -= j.Amount
	}
	return deltas
}

// checkVersion guards a commit against the stored version and rejects a
// next state that would rewind or skip the operation counter. Custody-only
// records (deposits, withdrawals) leave the counter unchanged.
func checkVersion(storedVersion, expectedVersion, storedCounter uint64, next state.LedgerState) error {
	if storedVersion != expectedVersion {
		return fmt.Errorf("%w: stored version %d, expected %d", ErrVersionConflict, storedVersion, expectedVersion)
	}
	if next.OperationCounter != storedCounter && next.OperationCounter != storedCounter+1 {
		return fmt.Errorf("%w: next counter %d from stored %d", state.ErrInvalidParameter, next.OperationCounter, storedCounter)
	}
	return nil
}

// EncodeBalances keys balances by account path for JSON storage.
func EncodeBalances(balances map[ledger.AccountKey]int64) map[string]int64 {
	out := make(map[string]int64, len(balances))
	for k, v := range balances {
		if v != 0 {
			out[k.AccountPath()] = v
		}
	}
	return out
}

// DecodeBalances is the inverse of EncodeBalances.
func DecodeBalances(encoded map[string]int64) (map[ledger.AccountKey]int64, error) {
	out := make(map[ledger.AccountKey]int64, len(encoded))
	for path, v := range encoded {
		k, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
