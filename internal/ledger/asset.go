package ledger

import (
	fpmath "OutcomeLedger/internal/math"
)

// AssetKind distinguishes collateral from market claim assets
type AssetKind uint8

const (
	AssetKindCollateral AssetKind = iota
	AssetKindClaim
)

func (k AssetKind) String() string {
	switch k {
	case AssetKindCollateral:
		return "collateral"
	case AssetKindClaim:
		return "claim"
	default:
		return "unknown"
	}
}

// Asset is a fungible asset known to the ledger.
// MintAuthority == nil means minting has been revoked for good.
type Asset struct {
	ID            Address
	Name          string
	Kind          AssetKind
	Decimals      uint8
	MintAuthority *Address
}

// CollateralAssetID derives the id of a named collateral asset.
func CollateralAssetID(name string) Address {
	return DeriveAddress([]byte("asset"), []byte(name))
}

// MintRevoked reports whether the asset can never be minted again.
func (a *Asset) MintRevoked() bool {
	return a.MintAuthority == nil
}

// Denomination returns the asset's fixed-point precision.
func (a *Asset) Denomination() fpmath.Denomination {
	return fpmath.Denomination{Decimals: a.Decimals}
}

func (a *Asset) clone() *Asset {
	c := *a
	if a.MintAuthority != nil {
		auth := *a.MintAuthority
		c.MintAuthority = &auth
	}
	return &c
}
