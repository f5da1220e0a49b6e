package persistence

import (
	"context"
	"fmt"
	"laminar/internal/ledger"
	"laminar/internal/state"
	"sync"
)

// MemoryStore keeps the checkpoint in process memory. Used in tests and for
// single-process deployments that rebuild from the event log.
type MemoryStore struct {
	mu          sync.Mutex
	initialized bool
	cp          Checkpoint
	keys        map[[2]string]uint64 // (event type, key) -> version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return Checkpoint{}, ErrNotFound
	}
	balances := make(map[ledger.AccountKey]int64, len(m.cp.Balances))
	for k, v := range m.cp.Balances {
		balances[k] = v
	}
	return Checkpoint{Version: m.cp.Version, State: m.cp.State, StateHash: m.cp.StateHash, Balances: balances}, nil
}

func (m *MemoryStore) Initialize(_ context.Context, st state.LedgerState, stateHash [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return ErrAlreadyInitialized
	}
	m.cp = Checkpoint{State: st, StateHash: stateHash, Balances: make(map[ledger.AccountKey]int64)}
	m.keys = make(map[[2]string]uint64)
	m.initialized = true
	return nil
}

func (m *MemoryStore) Commit(_ context.Context, expectedVersion uint64, next state.LedgerState, rec CommitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrNotFound
	}
	if err := checkVersion(m.cp.Version, expectedVersion, m.cp.State.OperationCounter, next); err != nil {
		return err
	}
	key := [2]string{rec.EventType, rec.IdempotencyKey}
	if rec.hasKey() {
		if v, ok := m.keys[key]; ok {
			return fmt.Errorf("%w: %s %s at version %d", ErrDuplicateKey, key[0], key[1], v)
		}
	}

	for k, d := range batchDeltas(rec.Batch) {
		m.cp.Balances[k] += d
	}
	m.cp.Version++
	m.cp.State = next
	m.cp.StateHash = rec.StateHash
	if rec.hasKey() {
		m.keys[key] = m.cp.Version
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
