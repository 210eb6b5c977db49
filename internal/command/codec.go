package command

import (
	"encoding/json"
	"fmt"
	"time"

	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
)

// --- JSON wire formats ---
// Shared by NATS producers, the event log payload column and replay.
// Addresses are 64-char hex, market ids 24-char hex, amounts are base units.

type headerJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func (h headerJSON) header() Header {
	return Header{Key: h.IdempotencyKey, Timestamp: time.UnixMicro(h.TimestampUs).UTC()}
}

func newHeaderJSON(h Header) headerJSON {
	return headerJSON{IdempotencyKey: h.Key, TimestampUs: h.Timestamp.UnixMicro()}
}

type registerCollateralJSON struct {
	headerJSON
	Name     string         `json:"name"`
	Decimals uint8          `json:"decimals"`
	Issuer   ledger.Address `json:"issuer"`
}

type depositJSON struct {
	headerJSON
	Asset  ledger.Address `json:"asset"`
	To     ledger.Address `json:"to"`
	Amount int64          `json:"amount"`
	Issuer ledger.Address `json:"issuer"`
}

type createMarketJSON struct {
	headerJSON
	MarketID        market.ID      `json:"market_id"`
	Authority       ledger.Address `json:"authority"`
	CollateralAsset ledger.Address `json:"collateral_asset"`
}

type positionJSON struct {
	headerJSON
	MarketID market.ID      `json:"market_id"`
	Caller   ledger.Address `json:"caller"`
	Amount   int64          `json:"amount"`
}

type settleJSON struct {
	headerJSON
	MarketID  market.ID      `json:"market_id"`
	Authority ledger.Address `json:"authority"`
	Winner    string         `json:"winner"`
}

type redeemJSON struct {
	headerJSON
	MarketID market.ID      `json:"market_id"`
	Caller   ledger.Address `json:"caller"`
}

type transferJSON struct {
	headerJSON
	Asset  ledger.Address `json:"asset"`
	From   ledger.Address `json:"from"`
	To     ledger.Address `json:"to"`
	Amount int64          `json:"amount"`
}

// Marshal encodes a command in its wire format
func Marshal(cmd Command) ([]byte, error) {
	var v interface{}
	switch c := cmd.(type) {
	case *RegisterCollateral:
		v = registerCollateralJSON{newHeaderJSON(c.Header), c.Name, c.Decimals, c.Issuer}
	case *Deposit:
		v = depositJSON{newHeaderJSON(c.Header), c.Asset, c.To, c.Amount, c.Issuer}
	case *CreateMarket:
		v = createMarketJSON{newHeaderJSON(c.Header), c.Market, c.Authority, c.CollateralAsset}
	case *Split:
		v = positionJSON{newHeaderJSON(c.Header), c.Market, c.Caller, c.Amount}
	case *Merge:
		v = positionJSON{newHeaderJSON(c.Header), c.Market, c.Caller, c.Amount}
	case *Settle:
		v = settleJSON{newHeaderJSON(c.Header), c.Market, c.Authority.Address(), c.Winner.String()}
	case *Redeem:
		v = redeemJSON{newHeaderJSON(c.Header), c.Market, c.Caller}
	case *Transfer:
		v = transferJSON{newHeaderJSON(c.Header), c.Asset, c.From, c.To, c.Amount}
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
	return json.Marshal(v)
}

// Unmarshal decodes a wire payload of the given type
func Unmarshal(ct CommandType, data []byte) (Command, error) {
	switch ct {
	case CommandTypeRegisterCollateral:
		var j registerCollateralJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ct, err)
		}
		return &RegisterCollateral{Header: j.header(), Name: j.Name, Decimals: j.Decimals, Issuer: j.Issuer}, nil

	case CommandTypeDeposit:
		var j depositJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ct, err)
		}
		return &Deposit{Header: j.header(), Asset: j.Asset, To: j.To, Amount: j.Amount, Issuer: j.Issuer}, nil

	case CommandTypeCreateMarket:
		var j createMarketJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ct, err)
		}
		return &CreateMarket{Header: j.header(), Market: j.MarketID, Authority: j.Authority, CollateralAsset: j.CollateralAsset}, nil

	case CommandTypeSplit, CommandTypeMerge:
		var j positionJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ct, err)
		}
		if ct == CommandTypeSplit {
			return &Split{Header: j.header(), Market: j.MarketID, Caller: j.Caller, Amount: j.Amount}, nil
		}
		return &Merge{Header: j.header(), Market: j.MarketID, Caller: j.Caller, Amount: j.Amount}, nil

	case CommandTypeSettle:
		var j settleJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ct, err)
		}
		winner, err := market.ParseOutcome(j.Winner)
		if err != nil {
			return nil, fmt.Errorf("parse winner: %w", err)
		}
		return &Settle{Header: j.header(), Market: j.MarketID, Authority: market.NewAuthority(j.Authority), Winner: winner}, nil

	case CommandTypeRedeem:
		var j redeemJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ct, err)
		}
		return &Redeem{Header: j.header(), Market: j.MarketID, Caller: j.Caller}, nil

	case CommandTypeTransfer:
		var j transferJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ct, err)
		}
		return &Transfer{Header: j.header(), Asset: j.Asset, From: j.From, To: j.To, Amount: j.Amount}, nil

	default:
		return nil, fmt.Errorf("unknown command type: %s", ct)
	}
}
