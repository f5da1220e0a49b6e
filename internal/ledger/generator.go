package ledger

import (
	"fmt"
	"laminar/internal/state"
	"math"
	"time"

	"github.com/google/uuid"
)

// JournalGenerator creates the balanced journals of one operation's batch
type JournalGenerator struct {
	batch *Batch
}

func NewJournalGenerator(eventRef string, sequence uint64, ts time.Time) *JournalGenerator {
	return &JournalGenerator{
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: ts.UnixMicro(),
		},
	}
}

// Batch returns the batch built so far
func (jg *JournalGenerator) Batch() *Batch {
	return jg.batch
}

// GenerateDeposit credits a user's collateral wallet from outside the ledger.
// Moves funds: external:deposits -> user:wallet
func (jg *JournalGenerator) GenerateDeposit(userID uuid.UUID, amount uint64) (Journal, error) {
	return jg.generate(
		NewUserAccountKey(userID, AssetIDCollateral),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetIDCollateral),
		amount, JournalTypeDeposit,
	)
}

// GenerateWithdrawal releases collateral from a user's wallet to outside the ledger.
// Moves funds: user:wallet -> external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(userID uuid.UUID, amount uint64) (Journal, error) {
	return jg.generate(
		NewExternalAccountKey(SubTypeExternalWithdrawals, AssetIDCollateral),
		NewUserAccountKey(userID, AssetIDCollateral),
		amount, JournalTypeWithdrawal,
	)
}

// GenerateCollateralIn moves collateral into the protocol vault.
// Moves funds: user:wallet -> system:vault
func (jg *JournalGenerator) GenerateCollateralIn(userID uuid.UUID, amount uint64) (Journal, error) {
	return jg.generate(VaultKey(), NewUserAccountKey(userID, AssetIDCollateral), amount, JournalTypeCollateralIn)
}

// GenerateCollateralOut pays collateral out of the protocol vault.
// Moves funds: system:vault -> user:wallet
func (jg *JournalGenerator) GenerateCollateralOut(userID uuid.UUID, amount uint64) (Journal, error) {
	return jg.generate(NewUserAccountKey(userID, AssetIDCollateral), VaultKey(), amount, JournalTypeCollateralOut)
}

// GenerateMint issues tokens to a user.
// Moves funds: system:issuance -> user:wallet
func (jg *JournalGenerator) GenerateMint(assetID AssetID, to uuid.UUID, amount uint64) (Journal, error) {
	if err := tokenAsset(assetID); err != nil {
		return Journal{}, err
	}
	return jg.generate(NewUserAccountKey(to, assetID), IssuanceKey(assetID), amount, JournalTypeMint)
}

// GenerateBurn destroys tokens held by a user.
// Moves funds: user:wallet -> system:issuance
func (jg *JournalGenerator) GenerateBurn(assetID AssetID, from uuid.UUID, amount uint64) (Journal, error) {
	if err := tokenAsset(assetID); err != nil {
		return Journal{}, err
	}
	return jg.generate(IssuanceKey(assetID), NewUserAccountKey(from, assetID), amount, JournalTypeBurn)
}

// GenerateTokenTransfer moves tokens between two user wallets.
func (jg *JournalGenerator) GenerateTokenTransfer(assetID AssetID, from, to uuid.UUID, amount uint64) (Journal, error) {
	if err := tokenAsset(assetID); err != nil {
		return Journal{}, err
	}
	return jg.generate(NewUserAccountKey(to, assetID), NewUserAccountKey(from, assetID), amount, JournalTypeTokenTransfer)
}

func (jg *JournalGenerator) generate(debit, credit AccountKey, amount uint64, jt JournalType) (Journal, error) {
	if amount == 0 {
		return Journal{}, fmt.Errorf("%s journal: %w: zero amount", jt, state.ErrInvalidParameter)
	}
	if amount > math.MaxInt64 {
		return Journal{}, fmt.Errorf("%s journal: %w: amount %d", jt, state.ErrOverflow, amount)
	}

	j := Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.batch.BatchID,
		EventRef:      jg.batch.EventRef,
		Sequence:      jg.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        int64(amount),
		JournalType:   jt,
		Timestamp:     jg.batch.Timestamp,
	}
	jg.batch.Journals = append(jg.batch.Journals, j)
	return j, nil
}

func tokenAsset(assetID AssetID) error {
	if assetID != AssetIDStable && assetID != AssetIDEquity {
		return fmt.Errorf("%w: asset %d is not a protocol token", state.ErrUnsupported, assetID)
	}
	return nil
}
