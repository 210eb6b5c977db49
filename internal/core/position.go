package core

import (
	"fmt"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
)

// handleSplit locks collateral in the market pool and mints one unit of each
// claim per unit locked. Any failing step leaves nothing staged behind
// because the caller rolls back the transaction.
func (c *Core) handleSplit(tx *ledger.Tx, cmd *command.Split) (*effect, error) {
	m, err := c.loadMarket(cmd.Market)
	if err != nil {
		return nil, err
	}
	if err := m.Guard(market.OpSplit); err != nil {
		return nil, err
	}
	if cmd.Amount <= 0 {
		return nil, fmt.Errorf("split %d: %w", cmd.Amount, market.ErrInvalidAmount)
	}

	collateral, ok := tx.Asset(m.CollateralAsset)
	if !ok {
		return nil, fmt.Errorf("split market %s: %w", m.ID, ledger.ErrUnknownAsset)
	}

	if err := tx.TransferChecked(m.CollateralAsset, cmd.Caller, m.Address, cmd.Amount,
		collateral.Decimals, ledger.JournalTypeSplitCollateral); err != nil {
		return nil, fmt.Errorf("split market %s: lock collateral: %w", m.ID, err)
	}
	if err := tx.Mint(m.OutcomeAClaim, cmd.Caller, cmd.Amount, m.Address, ledger.JournalTypeSplitMint); err != nil {
		return nil, fmt.Errorf("split market %s: mint a: %w", m.ID, err)
	}
	if err := tx.Mint(m.OutcomeBClaim, cmd.Caller, cmd.Amount, m.Address, ledger.JournalTypeSplitMint); err != nil {
		return nil, fmt.Errorf("split market %s: mint b: %w", m.ID, err)
	}

	return &effect{market: m}, nil
}

// handleMerge burns one unit of each claim and releases one unit of
// collateral per pair.
func (c *Core) handleMerge(tx *ledger.Tx, cmd *command.Merge) (*effect, error) {
	m, err := c.loadMarket(cmd.Market)
	if err != nil {
		return nil, err
	}
	if err := m.Guard(market.OpMerge); err != nil {
		return nil, err
	}
	if cmd.Amount <= 0 {
		return nil, fmt.Errorf("merge %d: %w", cmd.Amount, market.ErrInvalidAmount)
	}

	collateral, ok := tx.Asset(m.CollateralAsset)
	if !ok {
		return nil, fmt.Errorf("merge market %s: %w", m.ID, ledger.ErrUnknownAsset)
	}

	if err := tx.Burn(m.OutcomeAClaim, cmd.Caller, cmd.Amount, ledger.JournalTypeMergeBurn); err != nil {
		return nil, fmt.Errorf("merge market %s: burn a: %w", m.ID, err)
	}
	if err := tx.Burn(m.OutcomeBClaim, cmd.Caller, cmd.Amount, ledger.JournalTypeMergeBurn); err != nil {
		return nil, fmt.Errorf("merge market %s: burn b: %w", m.ID, err)
	}
	if err := tx.TransferChecked(m.CollateralAsset, m.Address, cmd.Caller, cmd.Amount,
		collateral.Decimals, ledger.JournalTypeMergeRelease); err != nil {
		return nil, fmt.Errorf("merge market %s: release collateral: %w", m.ID, err)
	}

	return &effect{market: m}, nil
}
