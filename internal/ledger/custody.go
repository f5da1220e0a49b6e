package ledger

import (
	"errors"
	"fmt"
	"laminar/internal/state"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSessionClosed = errors.New("custody session already closed")

// Custody is the double-entry ledger that actually holds collateral and
// token balances. Value moves in sessions: legs are staged against an
// overlay and applied to the tracker together on Commit.
type Custody struct {
	mu      sync.RWMutex
	tracker *BalanceTracker
}

func NewCustody(tracker *BalanceTracker) *Custody {
	if tracker == nil {
		tracker = NewBalanceTracker()
	}
	return &Custody{tracker: tracker}
}

// Begin opens a session for one operation
func (c *Custody) Begin(eventRef string, sequence uint64, ts time.Time) *Session {
	return &Session{
		custody: c,
		gen:     NewJournalGenerator(eventRef, sequence, ts),
		delta:   make(map[AccountKey]int64),
	}
}

// Balance returns a committed account balance
func (c *Custody) Balance(key AccountKey) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.GetBalance(key)
}

// UserBalances returns a user's committed wallet balances
func (c *Custody) UserBalances(userID uuid.UUID) map[AssetID]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.GetUserBalances(userID)
}

// Snapshot copies every committed balance
func (c *Custody) Snapshot() map[AccountKey]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.Snapshot()
}

// Restore replaces all balances, used when loading a persisted snapshot
func (c *Custody) Restore(snapshot map[AccountKey]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker = RestoreBalanceTracker(snapshot)
}

// Reconcile checks committed balances against a ledger state
func (c *Custody) Reconcile(st state.LedgerState) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NewInvariantValidator(c.tracker).Reconcile(st)
}

// Apply replays an already-committed batch, used during recovery
func (c *Custody) Apply(batch *Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.ApplyBatch(batch)
}

// Session stages the legs of one operation. Not safe for concurrent use.
type Session struct {
	custody *Custody
	gen     *JournalGenerator
	delta   map[AccountKey]int64
	closed  bool
}

// GetBalance returns the balance as it would be after the staged legs
func (s *Session) GetBalance(key AccountKey) int64 {
	return s.custody.Balance(key) + s.delta[key]
}

func (s *Session) TransferIn(from uuid.UUID, amount uint64) error {
	return s.stage(func() (Journal, error) { return s.gen.GenerateCollateralIn(from, amount) })
}

func (s *Session) TransferOut(to uuid.UUID, amount uint64) error {
	return s.stage(func() (Journal, error) { return s.gen.GenerateCollateralOut(to, amount) })
}

func (s *Session) MintTo(asset state.Asset, to uuid.UUID, amount uint64) error {
	return s.stage(func() (Journal, error) { return s.gen.GenerateMint(AssetIDOf(asset), to, amount) })
}

func (s *Session) BurnFrom(asset state.Asset, from uuid.UUID, amount uint64) error {
	return s.stage(func() (Journal, error) { return s.gen.GenerateBurn(AssetIDOf(asset), from, amount) })
}

func (s *Session) TransferToken(asset state.Asset, from, to uuid.UUID, amount uint64) error {
	return s.stage(func() (Journal, error) { return s.gen.GenerateTokenTransfer(AssetIDOf(asset), from, to, amount) })
}

func (s *Session) Deposit(user uuid.UUID, amount uint64) error {
	return s.stage(func() (Journal, error) { return s.gen.GenerateDeposit(user, amount) })
}

func (s *Session) Withdraw(user uuid.UUID, amount uint64) error {
	return s.stage(func() (Journal, error) { return s.gen.GenerateWithdrawal(user, amount) })
}

// stage generates one journal and rejects it if it would overdraw a user
// wallet or the vault. Issuance and external accounts may go negative.
func (s *Session) stage(generate func() (Journal, error)) error {
	if s.closed {
		return ErrSessionClosed
	}

	n := len(s.gen.batch.Journals)
	j, err := generate()
	if err != nil {
		return err
	}

	credit := j.CreditAccount
	if credit.Scope == AccountScopeUser || credit.SubType == SubTypeSystemVault {
		if have := s.GetBalance(credit); have < j.Amount {
			s.gen.batch.Journals = s.gen.batch.Journals[:n]
			return fmt.Errorf("%s: %w: %s has %d, needs %d",
				j.JournalType, state.ErrInsufficientBalance, credit.AccountPath(), have, j.Amount)
		}
	}

	s.delta[j.DebitAccount] += j.Amount
	s.delta[credit] -= j.Amount
	return nil
}

// Reconcile checks the staged balances against a proposed ledger state
func (s *Session) Reconcile(st state.LedgerState) error {
	return reconcile(s, st)
}

// Batch returns the staged journals
func (s *Session) Batch() *Batch {
	return s.gen.batch
}

// Commit applies every staged leg at once. A session with no legs commits
// nothing and returns a nil batch.
func (s *Session) Commit() (*Batch, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.closed = true

	batch := s.gen.batch
	if len(batch.Journals) == 0 {
		return nil, nil
	}

	s.custody.mu.Lock()
	defer s.custody.mu.Unlock()
	if err := s.custody.tracker.ApplyBatch(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// Rollback discards the staged legs
func (s *Session) Rollback() {
	s.closed = true
	s.delta = nil
}
