package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes the event log, journals and the durable market and
// asset records using multi-row INSERTs.
type EventLogWriter struct{}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// placeholders renders "($1, $2, ...), ($n+1, ...)" for rows of width cols.
func placeholders(rows, cols int) string {
	values := make([]string, 0, rows)
	for i := 0; i < rows; i++ {
		ph := make([]string, cols)
		for c := 0; c < cols; c++ {
			ph[c] = fmt.Sprintf("$%d", i*cols+c+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
	}
	return strings.Join(values, ", ")
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(events)*8)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp)
		VALUES ` + placeholders(len(events), 8) +
		` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 10) +
		` ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// UpsertMarkets writes the latest version of each market record. A row is
// only replaced by a higher version.
func (w *EventLogWriter) UpsertMarkets(ctx context.Context, ex execer, markets []MarketRow) error {
	for _, m := range markets {
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO markets.records
				(market_id, address, authority, outcome_a_claim, outcome_b_claim, collateral_asset,
				 collateral_pool, status, winning_outcome, version, created_seq, settled_seq, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
			ON CONFLICT (market_id) DO UPDATE SET
				status = EXCLUDED.status,
				winning_outcome = EXCLUDED.winning_outcome,
				version = EXCLUDED.version,
				settled_seq = EXCLUDED.settled_seq,
				updated_at = NOW()
			WHERE markets.records.version < EXCLUDED.version
		`, m.MarketID, m.Address, m.Authority, m.OutcomeAClaim, m.OutcomeBClaim, m.CollateralAsset,
			m.CollateralPool, m.Status, m.WinningOutcome, m.Version, m.CreatedSeq, m.SettledSeq,
		); err != nil {
			return fmt.Errorf("upsert market %s: %w", m.MarketID, err)
		}
	}
	return nil
}

// UpsertAssets writes asset metadata. Mint authority only ever goes from set
// to cleared.
func (w *EventLogWriter) UpsertAssets(ctx context.Context, ex execer, assets []AssetRow) error {
	for _, a := range assets {
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO markets.assets (asset_id, name, kind, decimals, mint_authority)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (asset_id) DO UPDATE SET mint_authority = EXCLUDED.mint_authority
			WHERE EXCLUDED.mint_authority IS NULL
		`, a.AssetID, a.Name, a.Kind, int16(a.Decimals), a.MintAuthority); err != nil {
			return fmt.Errorf("upsert asset %s: %w", a.Name, err)
		}
	}
	return nil
}
