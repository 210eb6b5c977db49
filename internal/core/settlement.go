package core

import (
	"fmt"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
)

// RedeemReceipt reports what a redemption burned and paid out
type RedeemReceipt struct {
	BurnedA int64
	BurnedB int64
	Payout  int64
}

// handleSettle records the winning outcome and permanently revokes minting
// of both claims. Only the market authority may settle.
func (c *Core) handleSettle(tx *ledger.Tx, cmd *command.Settle, seq int64) (*effect, error) {
	m, err := c.loadMarket(cmd.Market)
	if err != nil {
		return nil, err
	}
	if err := cmd.Authority.Authorize(m); err != nil {
		return nil, err
	}

	next, err := m.Settled(cmd.Winner, seq)
	if err != nil {
		return nil, err
	}

	for _, claim := range []ledger.Address{m.OutcomeAClaim, m.OutcomeBClaim} {
		if err := tx.RevokeMintAuthority(claim, m.Address); err != nil {
			return nil, fmt.Errorf("settle market %s: %w", m.ID, err)
		}
	}

	assets := make([]ledger.Asset, 0, 2)
	for _, claim := range []ledger.Address{m.OutcomeAClaim, m.OutcomeBClaim} {
		if a, ok := tx.Asset(claim); ok {
			assets = append(assets, a)
		}
	}

	if c.metrics != nil {
		c.metrics.MarketsSettled.WithLabelValues(cmd.Winner.String()).Inc()
	}

	return &effect{market: next, updated: true, assets: assets}, nil
}

// handleRedeem burns the caller's entire balance of both claims and pays one
// unit of collateral per winning claim burned. Losing claims are burned for
// nothing. A caller holding neither claim gets an empty receipt.
func (c *Core) handleRedeem(tx *ledger.Tx, cmd *command.Redeem) (*effect, error) {
	m, err := c.loadMarket(cmd.Market)
	if err != nil {
		return nil, err
	}
	if err := m.Guard(market.OpRedeem); err != nil {
		return nil, err
	}

	a := tx.BalanceOf(m.OutcomeAClaim, cmd.Caller)
	b := tx.BalanceOf(m.OutcomeBClaim, cmd.Caller)

	payout, err := m.Payout(a, b)
	if err != nil {
		return nil, err
	}

	if a > 0 {
		if err := tx.Burn(m.OutcomeAClaim, cmd.Caller, a, ledger.JournalTypeRedeemBurn); err != nil {
			return nil, fmt.Errorf("redeem market %s: burn a: %w", m.ID, err)
		}
	}
	if b > 0 {
		if err := tx.Burn(m.OutcomeBClaim, cmd.Caller, b, ledger.JournalTypeRedeemBurn); err != nil {
			return nil, fmt.Errorf("redeem market %s: burn b: %w", m.ID, err)
		}
	}

	if payout > 0 {
		collateral, ok := tx.Asset(m.CollateralAsset)
		if !ok {
			return nil, fmt.Errorf("redeem market %s: %w", m.ID, ledger.ErrUnknownAsset)
		}
		if err := tx.TransferChecked(m.CollateralAsset, m.Address, cmd.Caller, payout,
			collateral.Decimals, ledger.JournalTypeRedeemPayout); err != nil {
			return nil, fmt.Errorf("redeem market %s: payout: %w", m.ID, err)
		}
	}

	if c.metrics != nil {
		c.metrics.RedemptionPayout.Add(float64(payout))
		c.metrics.RedemptionBurned.WithLabelValues("a").Add(float64(a))
		c.metrics.RedemptionBurned.WithLabelValues("b").Add(float64(b))
	}

	return &effect{
		market:  m,
		receipt: &RedeemReceipt{BurnedA: a, BurnedB: b, Payout: payout},
	}, nil
}
