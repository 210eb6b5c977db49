package query

// MarketResponse is the market record joined with its projected aggregates.
type MarketResponse struct {
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

	// Projected aggregates, base units of the collateral asset
	PoolBalance   int64 `json:"pool_balance"`
	OutstandingA  int64 `json:"outstanding_a"`
	OutstandingB  int64 `json:"outstanding_b"`
	TotalRedeemed int64 `json:"total_redeemed"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// SupplyResponse is the outstanding supply of one asset.
type SupplyResponse struct {
	Asset        string `json:"asset"`
	Name         string `json:"name"`
	Outstanding  int64  `json:"outstanding"`
	Formatted    string `json:"formatted"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       string `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	MarketViolations []MarketViolation `json:"market_violations,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   string `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}

// MarketViolation names a market whose pool does not back its claims.
type MarketViolation struct {
	MarketID string `json:"market_id"`
	Reason   string `json:"reason"`
}
