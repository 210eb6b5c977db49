package command

import (
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
)

// RegisterCollateral adds a collateral asset whose supply is minted by Issuer.
type RegisterCollateral struct {
	Header
	Name     string
	Decimals uint8
	Issuer   ledger.Address
}

func (c *RegisterCollateral) CommandType() CommandType { return CommandTypeRegisterCollateral }
func (c *RegisterCollateral) MarketID() *market.ID     { return nil }

// Deposit mints collateral into a holder account on the issuer's authority.
type Deposit struct {
	Header
	Asset  ledger.Address
	To     ledger.Address
	Amount int64
	Issuer ledger.Address
}

func (c *Deposit) CommandType() CommandType { return CommandTypeDeposit }
func (c *Deposit) MarketID() *market.ID     { return nil }

type CreateMarket struct {
	Header
	Market          market.ID
	Authority       ledger.Address
	CollateralAsset ledger.Address
}

func (c *CreateMarket) CommandType() CommandType { return CommandTypeCreateMarket }
func (c *CreateMarket) MarketID() *market.ID     { return &c.Market }

// Split locks Amount collateral and mints Amount of each claim to Caller.
type Split struct {
	Header
	Market market.ID
	Caller ledger.Address
	Amount int64
}

func (c *Split) CommandType() CommandType { return CommandTypeSplit }
func (c *Split) MarketID() *market.ID     { return &c.Market }

// Merge burns Amount of each claim and releases Amount collateral to Caller.
type Merge struct {
	Header
	Market market.ID
	Caller ledger.Address
	Amount int64
}

func (c *Merge) CommandType() CommandType { return CommandTypeMerge }
func (c *Merge) MarketID() *market.ID     { return &c.Market }

type Settle struct {
	Header
	Market    market.ID
	Authority market.Authority
	Winner    market.Outcome
}

func (c *Settle) CommandType() CommandType { return CommandTypeSettle }
func (c *Settle) MarketID() *market.ID     { return &c.Market }

type Redeem struct {
	Header
	Market market.ID
	Caller ledger.Address
}

func (c *Redeem) CommandType() CommandType { return CommandTypeRedeem }
func (c *Redeem) MarketID() *market.ID     { return &c.Market }

// Transfer moves Amount of Asset between two holders on From's authority.
type Transfer struct {
	Header
	Asset  ledger.Address
	From   ledger.Address
	To     ledger.Address
	Amount int64
}

func (c *Transfer) CommandType() CommandType { return CommandTypeTransfer }
func (c *Transfer) MarketID() *market.ID     { return nil }
