package projection

import (
	"context"
	"database/sql"
	"fmt"

	"OutcomeLedger/internal/observability"

	"github.com/rs/zerolog"
)

// ProjectionWorker updates projection tables from processed commands.
// The projection channel is non-blocking with drop; if projections fall
// behind they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan Output
	lastSeq   int64
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan Output) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent; a rebuild from the event log repairs gaps
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}

			pw.lastSeq = output.Sequence
		}
	}
}

// LastSequence returns the last sequence the worker consumed.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if output.Market != nil {
		if err := updateMarketProjection(ctx, tx, output.Market, output.Delta(), output.Sequence); err != nil {
			return fmt.Errorf("market projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	// Debit account: increase balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	// Credit account: decrease balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3::BIGINT, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

func updateMarketProjection(ctx context.Context, tx *sql.Tx, m *MarketState, d MarketDelta, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_id, status, winning_outcome, pool_balance, outstanding_a, outstanding_b, total_redeemed, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (market_id) DO UPDATE SET
			status          = EXCLUDED.status,
			winning_outcome = EXCLUDED.winning_outcome,
			pool_balance    = projections.markets.pool_balance + EXCLUDED.pool_balance,
			outstanding_a   = projections.markets.outstanding_a + EXCLUDED.outstanding_a,
			outstanding_b   = projections.markets.outstanding_b + EXCLUDED.outstanding_b,
			total_redeemed  = projections.markets.total_redeemed + EXCLUDED.total_redeemed,
			last_sequence   = EXCLUDED.last_sequence
	`, m.MarketID, m.Status, m.WinningOutcome, d.Pool, d.OutstandingA, d.OutstandingB, d.TotalRedeemed, seq)
	return err
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	logger := observability.NewLogger("projection")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.markets`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits add, credits subtract
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence
			FROM event_log.journal
		) moves
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_id, status, winning_outcome, pool_balance, outstanding_a, outstanding_b, total_redeemed, last_sequence)
		SELECT
			r.market_id,
			r.status,
			r.winning_outcome,
			COALESCE((SELECT balance FROM projections.balances b
				WHERE b.account_path = r.collateral_pool AND b.asset_id = r.collateral_asset), 0),
			-COALESCE((SELECT balance FROM projections.balances b
				WHERE b.account_path = 'issuance:' || r.outcome_a_claim), 0),
			-COALESCE((SELECT balance FROM projections.balances b
				WHERE b.account_path = 'issuance:' || r.outcome_b_claim), 0),
			COALESCE((SELECT SUM(amount) FROM event_log.journal j
				WHERE j.credit_account = r.collateral_pool AND j.journal_type = 'redeem_payout'), 0),
			COALESCE((SELECT MAX(sequence) FROM event_log.events e WHERE e.market_id = r.market_id), r.created_seq)
		FROM markets.records r
	`); err != nil {
		return fmt.Errorf("rebuild markets: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', MAX(sequence), NOW() FROM event_log.events
		HAVING MAX(sequence) IS NOT NULL
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
