package projection

import (
	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ledger"
)

// Output mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type Output struct {
	Sequence       int64
	CommandType    string
	JournalEntries []JournalEntry
	Market         *MarketState // nil for asset commands
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       string
	Amount        int64
	JournalType   string
}

// MarketState is the market record as the projection needs it: the status
// columns plus the account paths its aggregates are read from.
type MarketState struct {
	MarketID       string
	Status         string
	WinningOutcome *string
	PoolAccount    string
	IssuanceA      string
	IssuanceB      string
}

// MarketDelta is the change one command made to a market's aggregates.
type MarketDelta struct {
	Pool          int64
	OutstandingA  int64
	OutstandingB  int64
	TotalRedeemed int64
}

// FromCoreOutput converts one applied command into projection input.
func FromCoreOutput(out core.CoreOutput) Output {
	o := Output{
		Sequence:    out.Envelope.Sequence,
		CommandType: out.Envelope.CommandType.String(),
	}

	if out.Batch != nil {
		o.JournalEntries = make([]JournalEntry, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			o.JournalEntries = append(o.JournalEntries, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       j.AssetID.String(),
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
			})
		}
	}

	if m := out.Market; m != nil {
		state := &MarketState{
			MarketID:    m.ID.String(),
			Status:      m.Status.String(),
			PoolAccount: m.CollateralPool.AccountPath(),
			IssuanceA:   ledger.NewIssuanceAccountKey(m.OutcomeAClaim).AccountPath(),
			IssuanceB:   ledger.NewIssuanceAccountKey(m.OutcomeBClaim).AccountPath(),
		}
		if m.WinningOutcome != nil {
			w := m.WinningOutcome.String()
			state.WinningOutcome = &w
		}
		o.Market = state
	}

	return o
}

// Delta folds the journals of one output into market aggregate changes.
// A debit raises an account balance and a credit lowers it; outstanding
// supply is the negated issuance balance.
func (o Output) Delta() MarketDelta {
	var d MarketDelta
	if o.Market == nil {
		return d
	}
	m := o.Market

	for _, j := range o.JournalEntries {
		switch m.PoolAccount {
		case j.DebitAccount:
			d.Pool += j.Amount
		case j.CreditAccount:
			d.Pool -= j.Amount
			if j.JournalType == ledger.JournalTypeRedeemPayout.String() {
				d.TotalRedeemed += j.Amount
			}
		}

		switch m.IssuanceA {
		case j.CreditAccount:
			d.OutstandingA += j.Amount
		case j.DebitAccount:
			d.OutstandingA -= j.Amount
		}

		switch m.IssuanceB {
		case j.CreditAccount:
			d.OutstandingB += j.Amount
		case j.DebitAccount:
			d.OutstandingB -= j.Amount
		}
	}
	return d
}
