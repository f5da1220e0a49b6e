package ledger

import (
	"fmt"
	"laminar/internal/state"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeSystemVault    // collateral held by the protocol
	SubTypeSystemIssuance // negative of a token's outstanding supply

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID is the numeric asset key used in account keys. It shares values
// with state.Asset.
type AssetID uint16

const (
	AssetIDCollateral = AssetID(state.AssetCollateral)
	AssetIDStable     = AssetID(state.AssetStable)
	AssetIDEquity     = AssetID(state.AssetEquity)
)

func GetAssetID(asset string) (AssetID, bool) {
	a, ok := state.ParseAsset(asset)
	if !ok {
		return 0, false
	}
	return AssetID(a), true
}

func GetAssetName(id AssetID) (string, bool) {
	name := state.Asset(id).String()
	return name, name != "unknown"
}

// AssetIDOf converts a core asset to its account key form.
func AssetIDOf(a state.Asset) AssetID {
	return AssetID(a)
}

// AccountKey is the in-memory key for balance tracking (20 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for system and external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a user's wallet in one asset
func NewUserAccountKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for protocol-owned accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// VaultKey is the protocol's collateral vault.
func VaultKey() AccountKey {
	return NewSystemAccountKey(SubTypeSystemVault, AssetIDCollateral)
}

// IssuanceKey is the contra account a token is minted from and burned into.
func IssuanceKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey(SubTypeSystemIssuance, assetID)
}

// UserID returns the owning user for user-scoped keys.
func (k AccountKey) UserID() (uuid.UUID, bool) {
	if k.Scope != AccountScopeUser {
		return uuid.Nil, false
	}
	return uuid.UUID(k.EntityID), true
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	var key AccountKey
	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		key.Scope, key.EntityID = AccountScopeUser, uid
		parts = parts[2:]
	case len(parts) == 3 && parts[0] == "system":
		key.Scope = AccountScopeSystem
		parts = parts[1:]
	case len(parts) == 3 && parts[0] == "external":
		key.Scope = AccountScopeExternal
		parts = parts[1:]
	default:
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	sub, ok := subTypeByName[parts[0]]
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %q", path, parts[0])
	}
	asset, ok := GetAssetID(parts[1])
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, parts[1])
	}
	key.SubType, key.AssetID = sub, asset
	return key, nil
}

var subTypeByName = map[string]AccountSubType{
	"wallet":      SubTypeWallet,
	"vault":       SubTypeSystemVault,
	"issuance":    SubTypeSystemIssuance,
	"deposits":    SubTypeExternalDeposits,
	"withdrawals": SubTypeExternalWithdrawals,
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemVault:
		return "vault"
	case SubTypeSystemIssuance:
		return "issuance"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
