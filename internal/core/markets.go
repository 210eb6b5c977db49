package core

import (
	"fmt"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
)

// handleRegisterCollateral adds a collateral asset minted by the issuer.
func (c *Core) handleRegisterCollateral(tx *ledger.Tx, cmd *command.RegisterCollateral) (*effect, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("register collateral: %w: empty name", ErrInvalidCommand)
	}
	if cmd.Issuer.IsZero() {
		return nil, fmt.Errorf("register collateral %s: %w: zero issuer", cmd.Name, ErrInvalidCommand)
	}

	issuer := cmd.Issuer
	asset := ledger.Asset{
		ID:            ledger.CollateralAssetID(cmd.Name),
		Name:          cmd.Name,
		Kind:          ledger.AssetKindCollateral,
		Decimals:      cmd.Decimals,
		MintAuthority: &issuer,
	}
	if err := tx.CreateAsset(asset); err != nil {
		return nil, fmt.Errorf("register collateral %s: %w", cmd.Name, err)
	}

	return &effect{assets: []ledger.Asset{asset}}, nil
}

// handleDeposit mints collateral to a holder on the issuer's authority.
// Market accounts only receive collateral through split.
func (c *Core) handleDeposit(tx *ledger.Tx, cmd *command.Deposit) (*effect, error) {
	if cmd.Amount <= 0 {
		return nil, fmt.Errorf("deposit %d: %w", cmd.Amount, market.ErrInvalidAmount)
	}

	asset, ok := tx.Asset(cmd.Asset)
	if !ok {
		return nil, fmt.Errorf("deposit: %w: %s", ledger.ErrUnknownAsset, cmd.Asset.Short())
	}
	if asset.Kind != ledger.AssetKindCollateral {
		return nil, fmt.Errorf("deposit %s: %w: not collateral", asset.Name, ledger.ErrUnknownAsset)
	}
	if c.markets.IsMarketAddress(cmd.To) {
		return nil, fmt.Errorf("deposit to %s: %w", cmd.To.Short(), ErrMarketAccount)
	}

	if err := tx.Mint(cmd.Asset, cmd.To, cmd.Amount, cmd.Issuer, ledger.JournalTypeCollateralDeposit); err != nil {
		return nil, fmt.Errorf("deposit %s: %w", asset.Name, err)
	}

	if c.metrics != nil {
		c.metrics.CollateralDeposited.WithLabelValues(asset.Name).Add(float64(cmd.Amount))
	}

	return &effect{}, nil
}

// handleTransfer moves any asset between two holders. Market accounts are
// excluded on both sides so pools only change through market commands.
func (c *Core) handleTransfer(tx *ledger.Tx, cmd *command.Transfer) (*effect, error) {
	if cmd.Amount <= 0 {
		return nil, fmt.Errorf("transfer %d: %w", cmd.Amount, market.ErrInvalidAmount)
	}
	for _, addr := range []ledger.Address{cmd.From, cmd.To} {
		if c.markets.IsMarketAddress(addr) {
			return nil, fmt.Errorf("transfer via %s: %w", addr.Short(), ErrMarketAccount)
		}
	}

	if err := tx.Transfer(cmd.Asset, cmd.From, cmd.To, cmd.Amount, ledger.JournalTypeTransfer); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	return &effect{}, nil
}

// handleCreateMarket stores a new open market and creates both claim assets
// with the market address as mint authority.
func (c *Core) handleCreateMarket(tx *ledger.Tx, cmd *command.CreateMarket, seq int64) (*effect, error) {
	if c.markets.Exists(cmd.Market) {
		return nil, fmt.Errorf("create market %s: %w", cmd.Market, market.ErrMarketExists)
	}
	if cmd.Authority.IsZero() {
		return nil, fmt.Errorf("create market %s: %w: zero authority", cmd.Market, ErrInvalidCommand)
	}

	collateral, ok := tx.Asset(cmd.CollateralAsset)
	if !ok || collateral.Kind != ledger.AssetKindCollateral {
		return nil, fmt.Errorf("create market %s: collateral %s: %w",
			cmd.Market, cmd.CollateralAsset.Short(), ledger.ErrUnknownAsset)
	}

	m := market.New(cmd.Market, cmd.Authority, cmd.CollateralAsset, seq)
	if bal := tx.Balance(m.CollateralPool); bal != 0 {
		return nil, fmt.Errorf("create market %s: pool holds %d: %w", cmd.Market, bal, market.ErrPoolNotEmpty)
	}

	assets := make([]ledger.Asset, 0, 2)
	for _, side := range []market.Outcome{market.OutcomeA, market.OutcomeB} {
		claim, err := m.ClaimAsset(side)
		if err != nil {
			return nil, err
		}
		if err := tx.CreateAsset(claim); err != nil {
			return nil, fmt.Errorf("create market %s: %w", cmd.Market, err)
		}
		assets = append(assets, claim)
	}

	if c.metrics != nil {
		c.metrics.MarketsCreated.Inc()
	}

	return &effect{market: m, created: true, assets: assets}, nil
}

// loadMarket fetches the record a market command operates on.
func (c *Core) loadMarket(id market.ID) (*market.Market, error) {
	return c.markets.Get(id)
}
