package persistence

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"laminar/internal/ledger"
	"laminar/internal/state"
	"sync"

	"github.com/cockroachdb/pebble"
)

var (
	pebbleStateKey   = []byte("ledger/state")
	pebbleHashKey    = []byte("ledger/hash")
	pebbleVersionKey = []byte("ledger/version")
	pebbleBalancePfx = []byte("balance/")
	pebbleKeyPfx     = []byte("processed/")
)

// PebbleStore is an embedded single-node store. Commits go through one
// synced batch under a mutex, so the version check and the write are atomic
// for every writer sharing this process.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenPebbleStore opens (creating if needed) a store at dir. opts may be nil.
func OpenPebbleStore(dir string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Load(_ context.Context) (Checkpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.readState()
	if err != nil {
		return Checkpoint{}, err
	}

	version, err := p.readVersion()
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{Version: version, State: st, Balances: make(map[ledger.AccountKey]int64)}

	val, closer, err := p.db.Get(pebbleHashKey)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read state hash: %w", err)
	}
	copy(cp.StateHash[:], val)
	closer.Close()

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleBalancePfx,
		UpperBound: prefixEnd(pebbleBalancePfx),
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("balance iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		path := string(iter.Key()[len(pebbleBalancePfx):])
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return Checkpoint{}, err
		}
		cp.Balances[key] = decodeBalance(iter.Value())
	}
	return cp, iter.Error()
}

func (p *PebbleStore) Initialize(_ context.Context, st state.LedgerState, stateHash [32]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.readState(); err == nil {
		return ErrAlreadyInitialized
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := writeStateTo(batch, 0, st, stateHash); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Commit(_ context.Context, expectedVersion uint64, next state.LedgerState, rec CommitRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.readState()
	if err != nil {
		return err
	}
	version, err := p.readVersion()
	if err != nil {
		return err
	}
	if err := checkVersion(version, expectedVersion, current.OperationCounter, next); err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	if rec.hasKey() {
		key := processedKey(rec.EventType, rec.IdempotencyKey)
		_, closer, err := p.db.Get(key)
		switch {
		case err == nil:
			closer.Close()
			return fmt.Errorf("%w: %s %s", ErrDuplicateKey, rec.EventType, rec.IdempotencyKey)
		case !errors.Is(err, pebble.ErrNotFound):
			return fmt.Errorf("read idempotency key: %w", err)
		}
		if err := batch.Set(key, encodeBalance(int64(version+1)), nil); err != nil {
			return err
		}
	}

	for k, d := range batchDeltas(rec.Batch) {
		key := balanceKey(k)
		var bal int64
		val, closer, err := p.db.Get(key)
		switch {
		case err == nil:
			bal = decodeBalance(val)
			closer.Close()
		case !errors.Is(err, pebble.ErrNotFound):
			return fmt.Errorf("read balance %s: %w", k.AccountPath(), err)
		}
		if err := batch.Set(key, encodeBalance(bal+d), nil); err != nil {
			return err
		}
	}
	if err := writeStateTo(batch, version+1, next, rec.StateHash); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}

func (p *PebbleStore) readState() (state.LedgerState, error) {
	val, closer, err := p.db.Get(pebbleStateKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return state.LedgerState{}, ErrNotFound
	}
	if err != nil {
		return state.LedgerState{}, fmt.Errorf("read state: %w", err)
	}
	defer closer.Close()

	var st state.LedgerState
	if err := json.Unmarshal(val, &st); err != nil {
		return state.LedgerState{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// readVersion returns 0 for stores written before versions were tracked.
func (p *PebbleStore) readVersion() (uint64, error) {
	val, closer, err := p.db.Get(pebbleVersionKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	defer closer.Close()
	return uint64(decodeBalance(val)), nil
}

func writeStateTo(batch *pebble.Batch, version uint64, st state.LedgerState, stateHash [32]byte) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := batch.Set(pebbleStateKey, data, nil); err != nil {
		return err
	}
	if err := batch.Set(pebbleVersionKey, encodeBalance(int64(version)), nil); err != nil {
		return err
	}
	return batch.Set(pebbleHashKey, stateHash[:], nil)
}

func processedKey(eventType, key string) []byte {
	out := append([]byte{}, pebbleKeyPfx...)
	out = append(out, eventType...)
	out = append(out, '/')
	return append(out, key...)
}

func balanceKey(k ledger.AccountKey) []byte {
	return append(append([]byte{}, pebbleBalancePfx...), k.AccountPath()...)
}

func encodeBalance(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func decodeBalance(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
