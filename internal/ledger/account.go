package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeHolder accounts hold units of an asset for an owner.
	// Market collateral pools are holder accounts owned by the market address.
	AccountScopeHolder AccountScope = iota

	// AccountScopeIssuance is the counter-account of mint and burn for one asset.
	// Its balance is the negated outstanding supply, which keeps every asset zero-sum.
	AccountScopeIssuance
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Owner   Address // zero for issuance accounts
	AssetID Address
}

// NewHolderAccountKey creates a key for an owner's balance of an asset
func NewHolderAccountKey(owner Address, assetID Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeHolder,
		Owner:   owner,
		AssetID: assetID,
	}
}

// NewIssuanceAccountKey creates the supply counter-account for an asset
func NewIssuanceAccountKey(assetID Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeIssuance,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s", k.Owner, k.AssetID)
	case AccountScopeIssuance:
		return fmt.Sprintf("issuance:%s", k.AssetID)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Used when restoring snapshots.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "holder":
		owner, err := ParseAddress(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		asset, err := ParseAddress(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewHolderAccountKey(owner, asset), nil

	case len(parts) == 2 && parts[0] == "issuance":
		asset, err := ParseAddress(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		return NewIssuanceAccountKey(asset), nil
	}
	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
