package ledger

import (
	"fmt"
	"laminar/internal/state"
)

type balanceReader interface {
	GetBalance(key AccountKey) int64
}

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// Reconcile checks committed custody balances against a ledger state
func (v *InvariantValidator) Reconcile(st state.LedgerState) error {
	return reconcile(v.tracker, st)
}

// reconcile requires the vault to hold exactly CollateralUnits and each
// token's outstanding supply to equal the state's supply.
func reconcile(r balanceReader, st state.LedgerState) error {
	checks := []struct {
		what string
		got  int64
		want uint64
	}{
		{"vault collateral", r.GetBalance(VaultKey()), st.CollateralUnits},
		{"stable supply", -r.GetBalance(IssuanceKey(AssetIDStable)), st.StableSupply},
		{"equity supply", -r.GetBalance(IssuanceKey(AssetIDEquity)), st.EquitySupply},
	}
	for _, c := range checks {
		if c.got < 0 || uint64(c.got) != c.want {
			return fmt.Errorf("%w: custody %s %d != ledger %d", state.ErrBalanceSheetViolation, c.what, c.got, c.want)
		}
	}
	return nil
}
