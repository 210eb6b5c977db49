package persistence

import (
	"fmt"
	"time"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
)

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded command (command.Marshal)
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

// MarketRow represents a row in markets.records. The first nine columns are
// the market record contract; the rest is bookkeeping.
type MarketRow struct {
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
	CreatedSeq      int64   `json:"created_seq"`
	SettledSeq      int64   `json:"settled_seq"`
}

// AssetRow represents a row in markets.assets
type AssetRow struct {
	AssetID       string  `json:"asset_id"`
	Name          string  `json:"name"`
	Kind          string  `json:"kind"`
	Decimals      uint8   `json:"decimals"`
	MintAuthority *string `json:"mint_authority,omitempty"`
}

// Output mirrors core.CoreOutput in row form.
// The orchestrator bridges between the two with FromCoreOutput.
type Output struct {
	EventRow    EventRow
	JournalRows []JournalRow
	MarketRow   *MarketRow
	AssetRows   []AssetRow
}

// FromCoreOutput converts one applied command into rows.
func FromCoreOutput(out core.CoreOutput) Output {
	env := out.Envelope

	var marketID *string
	if env.MarketID != nil {
		id := env.MarketID.String()
		marketID = &id
	}

	o := Output{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       marketID,
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
		},
	}

	if out.Batch != nil {
		o.JournalRows = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			o.JournalRows = append(o.JournalRows, NewJournalRow(j))
		}
	}

	if out.Market != nil {
		row := NewMarketRow(out.Market)
		o.MarketRow = &row
	}

	for _, a := range out.Assets {
		o.AssetRows = append(o.AssetRows, NewAssetRow(a))
	}

	return o
}

// Envelope rebuilds the logged envelope for replay.
func (r EventRow) Envelope() (*command.Envelope, error) {
	ct, err := command.ParseCommandType(r.CommandType)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", r.Sequence, err)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: hash is not 32 bytes", r.Sequence)
	}

	env := &command.Envelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		CommandType:    ct,
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	if r.MarketID != nil {
		id, err := market.ParseID(*r.MarketID)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", r.Sequence, err)
		}
		env.MarketID = &id
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

func NewJournalRow(j ledger.Journal) JournalRow {
	return JournalRow{
		JournalID:     j.JournalID.String(),
		BatchID:       j.BatchID.String(),
		EventRef:      j.EventRef,
		Sequence:      j.Sequence,
		DebitAccount:  j.DebitAccount.AccountPath(),
		CreditAccount: j.CreditAccount.AccountPath(),
		AssetID:       j.AssetID.String(),
		Amount:        j.Amount,
		JournalType:   j.JournalType.String(),
		Timestamp:     j.Timestamp,
	}
}

func NewMarketRow(m *market.Market) MarketRow {
	row := MarketRow{
		MarketID:        m.ID.String(),
		Address:         m.Address.String(),
		Authority:       m.Authority.String(),
		OutcomeAClaim:   m.OutcomeAClaim.String(),
		OutcomeBClaim:   m.OutcomeBClaim.String(),
		CollateralAsset: m.CollateralAsset.String(),
		CollateralPool:  m.CollateralPool.AccountPath(),
		Status:          m.Status.String(),
		Version:         m.Version,
		CreatedSeq:      m.CreatedSeq,
		SettledSeq:      m.SettledSeq,
	}
	if m.WinningOutcome != nil {
		w := m.WinningOutcome.String()
		row.WinningOutcome = &w
	}
	return row
}

// Market parses the row back into a record.
func (r MarketRow) Market() (*market.Market, error) {
	id, err := market.ParseID(r.MarketID)
	if err != nil {
		return nil, err
	}

	m := &market.Market{
		ID:         id,
		Version:    r.Version,
		CreatedSeq: r.CreatedSeq,
		SettledSeq: r.SettledSeq,
	}

	addrs := []struct {
		dst *ledger.Address
		src string
	}{
		{&m.Address, r.Address},
		{&m.Authority, r.Authority},
		{&m.OutcomeAClaim, r.OutcomeAClaim},
		{&m.OutcomeBClaim, r.OutcomeBClaim},
		{&m.CollateralAsset, r.CollateralAsset},
	}
	for _, a := range addrs {
		if *a.dst, err = ledger.ParseAddress(a.src); err != nil {
			return nil, fmt.Errorf("market %s: %w", r.MarketID, err)
		}
	}

	if m.CollateralPool, err = ledger.ParseAccountPath(r.CollateralPool); err != nil {
		return nil, fmt.Errorf("market %s: %w", r.MarketID, err)
	}
	if m.Status, err = market.ParseStatus(r.Status); err != nil {
		return nil, fmt.Errorf("market %s: %w", r.MarketID, err)
	}
	if r.WinningOutcome != nil {
		w, err := market.ParseOutcome(*r.WinningOutcome)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", r.MarketID, err)
		}
		m.WinningOutcome = &w
	}

	return m, nil
}

func NewAssetRow(a ledger.Asset) AssetRow {
	row := AssetRow{
		AssetID:  a.ID.String(),
		Name:     a.Name,
		Kind:     a.Kind.String(),
		Decimals: a.Decimals,
	}
	if a.MintAuthority != nil {
		auth := a.MintAuthority.String()
		row.MintAuthority = &auth
	}
	return row
}

// Asset parses the row back into a ledger asset.
func (r AssetRow) Asset() (ledger.Asset, error) {
	id, err := ledger.ParseAddress(r.AssetID)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("asset %s: %w", r.Name, err)
	}

	a := ledger.Asset{ID: id, Name: r.Name, Decimals: r.Decimals}
	switch r.Kind {
	case ledger.AssetKindCollateral.String():
		a.Kind = ledger.AssetKindCollateral
	case ledger.AssetKindClaim.String():
		a.Kind = ledger.AssetKindClaim
	default:
		return ledger.Asset{}, fmt.Errorf("asset %s: unknown kind %q", r.Name, r.Kind)
	}

	if r.MintAuthority != nil {
		auth, err := ledger.ParseAddress(*r.MintAuthority)
		if err != nil {
			return ledger.Asset{}, fmt.Errorf("asset %s: %w", r.Name, err)
		}
		a.MintAuthority = &auth
	}
	return a, nil
}
