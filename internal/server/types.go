package server

import (
	"encoding/hex"

	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ledger"
	fpmath "OutcomeLedger/internal/math"
	"OutcomeLedger/internal/market"
	"OutcomeLedger/internal/query"
)

// --- Write requests ---
// Addresses are 64-char hex, market ids 24-char hex, amounts base units.

type RegisterCollateralRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Name           string         `json:"name"`
	Decimals       uint8          `json:"decimals"`
	Issuer         ledger.Address `json:"issuer"`
}

type DepositRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Asset          string         `json:"asset"` // collateral name
	To             ledger.Address `json:"to"`
	Amount         int64          `json:"amount"`
	AmountDecimal  string         `json:"amount_decimal,omitempty"` // e.g. "1.5", in the asset's denomination
	Issuer         ledger.Address `json:"issuer"`
}

type TransferRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Asset          ledger.Address `json:"asset"`
	From           ledger.Address `json:"from"`
	To             ledger.Address `json:"to"`
	Amount         int64          `json:"amount"`
	AmountDecimal  string         `json:"amount_decimal,omitempty"`
}

type CreateMarketRequest struct {
	IdempotencyKey  string         `json:"idempotency_key"`
	MarketID        market.ID      `json:"market_id"`
	Authority       ledger.Address `json:"authority"`
	CollateralAsset ledger.Address `json:"collateral_asset"`
}

// PositionRequest is a split or merge. Both the user and the market
// authority sign; the transport checks the co-signer.
type PositionRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	MarketID       market.ID      `json:"market_id"`
	User           ledger.Address `json:"user"`
	Authority      ledger.Address `json:"authority"`
	Amount         int64          `json:"amount"`
	AmountDecimal  string         `json:"amount_decimal,omitempty"` // collateral denomination
}

type SettleRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	MarketID       market.ID      `json:"market_id"`
	Authority      ledger.Address `json:"authority"`
	Winner         string         `json:"winner"` // outcome_a | outcome_b
}

type RedeemRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	MarketID       market.ID      `json:"market_id"`
	User           ledger.Address `json:"user"`
	Authority      ledger.Address `json:"authority"`
}

// CommandResponse is returned by every write.
type CommandResponse struct {
	Sequence   int64       `json:"sequence"`
	StateHash  string      `json:"state_hash,omitempty"`
	Duplicate  bool        `json:"duplicate"`
	Market     *MarketView `json:"market,omitempty"`
	Redemption *Redemption `json:"redemption,omitempty"`
}

type Redemption struct {
	BurnedA int64 `json:"burned_a"`
	BurnedB int64 `json:"burned_b"`
	Payout  int64 `json:"payout"`
}

// --- Read requests ---

type GetMarketRequest struct {
	MarketID market.ID `json:"market_id"`
}

// MarketView is the market record plus live pool and supply figures.
type MarketView struct {
	MarketID        string  `json:"market_id"`
	Address         string  `json:"address"`
	Authority       string  `json:"authority"`
	OutcomeAClaim   string  `json:"outcome_a_claim"`
	OutcomeBClaim   string  `json:"outcome_b_claim"`
	CollateralAsset string  `json:"collateral_asset"`
	CollateralPool  string  `json:"collateral_pool"`
	Status          string  `json:"status"`
	WinningOutcome  *string `json:"winning_outcome,omitempty"`
	Version         int64   `json:"version"`
	PoolBalance     int64   `json:"pool_balance"`
	OutstandingA    int64   `json:"outstanding_a"`
	OutstandingB    int64   `json:"outstanding_b"`
}

type GetBalanceRequest struct {
	Holder ledger.Address `json:"holder"`
	Asset  ledger.Address `json:"asset"`
}

type BalanceResponse struct {
	Holder    string `json:"holder"`
	Asset     string `json:"asset"`
	AssetName string `json:"asset_name"`
	Balance   int64  `json:"balance"`
	Formatted string `json:"formatted"`
}

type GetSupplyRequest struct {
	Asset ledger.Address `json:"asset"`
}

type SupplyResponse struct {
	Asset       string `json:"asset"`
	Name        string `json:"name"`
	Outstanding int64  `json:"outstanding"`
	Formatted   string `json:"formatted"`
	MintRevoked bool   `json:"mint_revoked"`
}

type ListJournalsRequest struct {
	Holder         ledger.Address `json:"holder"`
	PageSize       int            `json:"page_size"`
	BeforeSequence int64          `json:"before_sequence"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

func newCommandResponse(res *core.Result, view *MarketView) *CommandResponse {
	resp := &CommandResponse{Sequence: res.Sequence, Duplicate: res.Duplicate, Market: view}
	if !res.Duplicate {
		resp.StateHash = hex.EncodeToString(res.StateHash[:])
	}
	if r := res.Redemption; r != nil {
		resp.Redemption = &Redemption{BurnedA: r.BurnedA, BurnedB: r.BurnedB, Payout: r.Payout}
	}
	return resp
}

func newMarketView(m *market.Market, l Ledger) *MarketView {
	v := &MarketView{
		MarketID:        m.ID.String(),
		Address:         m.Address.String(),
		Authority:       m.Authority.String(),
		OutcomeAClaim:   m.OutcomeAClaim.String(),
		OutcomeBClaim:   m.OutcomeBClaim.String(),
		CollateralAsset: m.CollateralAsset.String(),
		CollateralPool:  m.CollateralPool.AccountPath(),
		Status:          m.Status.String(),
		Version:         m.Version,
		PoolBalance:     l.BalanceOf(m.CollateralAsset, m.Address),
		OutstandingA:    l.Outstanding(m.OutcomeAClaim),
		OutstandingB:    l.Outstanding(m.OutcomeBClaim),
	}
	if m.WinningOutcome != nil {
		w := m.WinningOutcome.String()
		v.WinningOutcome = &w
	}
	return v
}

func format(a ledger.Asset, amount int64) string {
	return fpmath.Denomination{Decimals: a.Decimals}.Format(amount)
}
