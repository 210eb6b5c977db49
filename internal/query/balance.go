package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"OutcomeLedger/internal/ledger"
	fpmath "OutcomeLedger/internal/math"
)

// BalanceResponse represents a holder's balance of one asset for API queries
type BalanceResponse struct {
	Holder    string `json:"holder"`
	Asset     string `json:"asset"`
	AssetName string `json:"asset_name"`
	Decimals  uint8  `json:"decimals"`

	Balance   int64  `json:"balance"`   // base units
	Formatted string `json:"formatted"` // whole units at the asset's precision

	AsOfSequence int64 `json:"as_of_sequence"` // last projected sequence
}

// assetMeta is the subset of markets.assets the read side needs
type assetMeta struct {
	name     string
	decimals uint8
}

func (qs *QueryService) lookupAsset(ctx context.Context, asset ledger.Address) (assetMeta, error) {
	var m assetMeta
	err := qs.db.QueryRowContext(ctx, `
		SELECT name, decimals FROM markets.assets WHERE asset_id = $1
	`, asset.String()).Scan(&m.name, &m.decimals)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("%w: %s", ErrNotFound, asset.Short())
	}
	return m, err
}

func newBalanceResponse(holder, asset ledger.Address, meta assetMeta, balance, asOf int64) *BalanceResponse {
	return &BalanceResponse{
		Holder:       holder.String(),
		Asset:        asset.String(),
		AssetName:    meta.name,
		Decimals:     meta.decimals,
		Balance:      balance,
		Formatted:    fpmath.Denomination{Decimals: meta.decimals}.Format(balance),
		AsOfSequence: asOf,
	}
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, key.AccountPath(), key.AssetID.String()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
