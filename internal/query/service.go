package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"OutcomeLedger/internal/ledger"
	fpmath "OutcomeLedger/internal/math"
	"OutcomeLedger/internal/market"
	"OutcomeLedger/internal/observability"
)

var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to projection tables.
// Queries are served via gRPC and HTTP/JSON (grpc-gateway) and read from
// Postgres projections. All responses include as_of_sequence for freshness.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// observe records one request; call as defer qs.observe("m", time.Now(), &err)
func (qs *QueryService) observe(method string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if *err != nil {
		code := "internal"
		if errors.Is(*err, ErrNotFound) {
			code = "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(method, code).Inc()
	}
}

// GetBalance returns a holder's balance of one asset.
func (qs *QueryService) GetBalance(ctx context.Context, holder, asset ledger.Address) (_ *BalanceResponse, err error) {
	defer qs.observe("get_balance", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	meta, err := qs.lookupAsset(ctx, asset)
	if err != nil {
		return nil, err
	}

	balance, err := qs.getProjectedBalance(ctx, ledger.NewHolderAccountKey(holder, asset))
	if err != nil {
		return nil, err
	}

	return newBalanceResponse(holder, asset, meta, balance, asOfSeq), nil
}

// GetHolderBalances returns every non-zero balance of a holder.
func (qs *QueryService) GetHolderBalances(ctx context.Context, holder ledger.Address) (_ []BalanceResponse, err error) {
	defer qs.observe("get_holder_balances", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT b.asset_id, a.name, a.decimals, b.balance
		FROM projections.balances b
		JOIN markets.assets a ON a.asset_id = b.asset_id
		WHERE b.account_path LIKE $1 AND b.balance != 0
		ORDER BY a.name
	`, fmt.Sprintf("holder:%s:%%", holder))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		var (
			assetID string
			meta    assetMeta
			balance int64
		)
		if err := rows.Scan(&assetID, &meta.name, &meta.decimals, &balance); err != nil {
			return nil, err
		}
		asset, err := ledger.ParseAddress(assetID)
		if err != nil {
			return nil, err
		}
		out = append(out, *newBalanceResponse(holder, asset, meta, balance, asOfSeq))
	}
	return out, rows.Err()
}

// GetMarket returns a market record with its projected aggregates.
func (qs *QueryService) GetMarket(ctx context.Context, id market.ID) (_ *MarketResponse, err error) {
	defer qs.observe("get_market", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var m MarketResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT r.market_id, r.address, r.authority, r.outcome_a_claim, r.outcome_b_claim,
		       r.collateral_asset, r.collateral_pool, r.status, r.winning_outcome, r.version,
		       COALESCE(p.pool_balance, 0), COALESCE(p.outstanding_a, 0),
		       COALESCE(p.outstanding_b, 0), COALESCE(p.total_redeemed, 0)
		FROM markets.records r
		LEFT JOIN projections.markets p ON p.market_id = r.market_id
		WHERE r.market_id = $1
	`, id.String()).Scan(
		&m.MarketID, &m.Address, &m.Authority, &m.OutcomeAClaim, &m.OutcomeBClaim,
		&m.CollateralAsset, &m.CollateralPool, &m.Status, &m.WinningOutcome, &m.Version,
		&m.PoolBalance, &m.OutstandingA, &m.OutstandingB, &m.TotalRedeemed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	m.AsOfSequence = asOfSeq
	return &m, nil
}

// GetSupply returns the outstanding supply of an asset, the negated balance
// of its issuance account.
func (qs *QueryService) GetSupply(ctx context.Context, asset ledger.Address) (_ *SupplyResponse, err error) {
	defer qs.observe("get_supply", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := qs.lookupAsset(ctx, asset)
	if err != nil {
		return nil, err
	}
	issuance, err := qs.getProjectedBalance(ctx, ledger.NewIssuanceAccountKey(asset))
	if err != nil {
		return nil, err
	}

	return &SupplyResponse{
		Asset:        asset.String(),
		Name:         meta.name,
		Outstanding:  -issuance,
		Formatted:    fpmath.Denomination{Decimals: meta.decimals}.Format(-issuance),
		AsOfSequence: asOfSeq,
	}, nil
}

// GetJournalHistory returns journal entries touching a holder, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	holder ledger.Address,
	limit int,
	beforeSequence *int64,
) (_ []JournalHistoryEntry, err error) {
	defer qs.observe("get_journal_history", time.Now(), &err)

	accountPrefix := fmt.Sprintf("holder:%s:%%", holder)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity, the per-asset zero sum and
// the backing of every projected market.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (_ *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	marketRows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, status, winning_outcome, pool_balance, outstanding_a, outstanding_b
		FROM projections.markets
		ORDER BY market_id
	`)
	if err != nil {
		return nil, err
	}
	defer marketRows.Close()

	for marketRows.Next() {
		var m MarketResponse
		if err := marketRows.Scan(&m.MarketID, &m.Status, &m.WinningOutcome,
			&m.PoolBalance, &m.OutstandingA, &m.OutstandingB); err != nil {
			return nil, err
		}
		if reason := CheckBacking(m); reason != "" {
			report.MarketViolations = append(report.MarketViolations, MarketViolation{
				MarketID: m.MarketID,
				Reason:   reason,
			})
		}
	}
	if err := marketRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		len(report.MarketViolations) == 0
	return report, nil
}

// CheckBacking returns why a market's pool fails to back its claims, or ""
// when it holds. Open markets need pool == outstanding A == outstanding B;
// settled markets need the pool to cover the winning claim.
func CheckBacking(m MarketResponse) string {
	switch m.Status {
	case market.StatusOpen.String():
		if m.PoolBalance != m.OutstandingA || m.PoolBalance != m.OutstandingB {
			return fmt.Sprintf("open pool %d != outstanding %d/%d", m.PoolBalance, m.OutstandingA, m.OutstandingB)
		}
	case market.StatusSettled.String():
		if m.WinningOutcome == nil {
			return "settled without winner"
		}
		var need int64
		switch *m.WinningOutcome {
		case market.OutcomeA.String():
			need = m.OutstandingA
		case market.OutcomeB.String():
			need = m.OutstandingB
		default:
			return fmt.Sprintf("settled with %s", *m.WinningOutcome)
		}
		if m.PoolBalance < need {
			return fmt.Sprintf("pool %d below winning outstanding %d", m.PoolBalance, need)
		}
	default:
		return fmt.Sprintf("unknown status %q", m.Status)
	}
	if m.PoolBalance < 0 {
		return fmt.Sprintf("negative pool %d", m.PoolBalance)
	}
	return ""
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
