package market

import (
	"fmt"

	"OutcomeLedger/internal/ledger"
)

// Operation is a market-facing command kind gated by lifecycle state
type Operation uint8

const (
	OpSplit Operation = iota
	OpMerge
	OpSettle
	OpRedeem
)

func (op Operation) String() string {
	switch op {
	case OpSplit:
		return "split"
	case OpMerge:
		return "merge"
	case OpSettle:
		return "settle"
	case OpRedeem:
		return "redeem"
	default:
		return "unknown"
	}
}

// Guard reports whether op is legal in the market's current state.
//
//	          Open      Settled
//	split     ok        ErrMarketAlreadySettled
//	merge     ok        ErrMarketAlreadySettled
//	settle    ok        ErrMarketAlreadySettled
//	redeem    ErrMarketNotSettled  ok
func (m *Market) Guard(op Operation) error {
	switch op {
	case OpSplit, OpMerge, OpSettle:
		if m.Status != StatusOpen {
			return fmt.Errorf("%s market %s: %w", op, m.ID, ErrMarketAlreadySettled)
		}
	case OpRedeem:
		if m.Status != StatusSettled {
			return fmt.Errorf("%s market %s: %w", op, m.ID, ErrMarketNotSettled)
		}
	default:
		return fmt.Errorf("unknown operation %d", op)
	}
	return nil
}

// Settled returns a copy of m transitioned to Settled with winner.
// m itself is not modified.
func (m *Market) Settled(winner Outcome, seq int64) (*Market, error) {
	if err := m.Guard(OpSettle); err != nil {
		return nil, err
	}
	if winner != OutcomeA && winner != OutcomeB {
		return nil, fmt.Errorf("settle market %s with %s: %w", m.ID, winner, ErrInvalidOutcome)
	}

	next := m.Clone()
	next.Status = StatusSettled
	next.WinningOutcome = &winner
	next.SettledSeq = seq
	return next, nil
}

// Payout returns the collateral owed for redeeming a units of A and b units of B.
func (m *Market) Payout(a, b int64) (int64, error) {
	if m.WinningOutcome == nil {
		return 0, fmt.Errorf("market %s is %s: %w", m.ID, m.Status, ErrWinningOutcomeNotSet)
	}
	switch *m.WinningOutcome {
	case OutcomeA:
		return a, nil
	case OutcomeB:
		return b, nil
	case Neither:
		return 0, nil
	}
	return 0, fmt.Errorf("market %s has stored outcome %d: %w", m.ID, *m.WinningOutcome, ErrWinningOutcomeNotSet)
}

// WinningClaim returns the asset of the winning side, or false for Neither.
func (m *Market) WinningClaim() (claim ledger.Address, ok bool) {
	if m.WinningOutcome == nil {
		return claim, false
	}
	switch *m.WinningOutcome {
	case OutcomeA:
		return m.OutcomeAClaim, true
	case OutcomeB:
		return m.OutcomeBClaim, true
	}
	return claim, false
}
