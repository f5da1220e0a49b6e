package ledger

import (
	"fmt"
	"laminar/internal/state"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// RestoreBalanceTracker rebuilds a tracker from a snapshot.
func RestoreBalanceTracker(snapshot map[AccountKey]int64) *BalanceTracker {
	bt := NewBalanceTracker()
	for k, v := range snapshot {
		bt.balances[k] = v
	}
	return bt
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === User Balance Queries ===

// GetUserBalance returns a user's wallet balance in one asset
func (bt *BalanceTracker) GetUserBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, assetID))
}

// GetUserBalances returns every non-zero wallet balance of a user, by asset
func (bt *BalanceTracker) GetUserBalances(userID uuid.UUID) map[AssetID]int64 {
	out := make(map[AssetID]int64, 3)
	for _, asset := range []AssetID{AssetIDCollateral, AssetIDStable, AssetIDEquity} {
		if b := bt.GetUserBalance(userID, asset); b != 0 {
			out[asset] = b
		}
	}
	return out
}

// === Protocol Totals ===

// GetVaultCollateral returns the collateral held by the protocol vault
func (bt *BalanceTracker) GetVaultCollateral() int64 {
	return bt.GetBalance(VaultKey())
}

// GetOutstandingSupply returns a token's circulating supply. The issuance
// account carries it with a negative sign.
func (bt *BalanceTracker) GetOutstandingSupply(assetID AssetID) int64 {
	return -bt.GetBalance(IssuanceKey(assetID))
}

// === Invariant Checks ===

// ValidateSufficientBalance checks if a user can pay required out of their wallet
func (bt *BalanceTracker) ValidateSufficientBalance(userID uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetUserBalance(userID, assetID)
	if available < required {
		name, _ := GetAssetName(assetID)
		return fmt.Errorf("%w: user %s has %d %s, needs %d",
			state.ErrInsufficientBalance, userID, available, name, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for persistence and hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
