package projection_test

import (
	"context"
	"testing"
	"time"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
	"OutcomeLedger/internal/persistence"
	"OutcomeLedger/internal/projection"
	"OutcomeLedger/internal/testutil"
)

var (
	issuer    = testutil.Addr("issuer")
	authority = testutil.Addr("authority")
	alice     = testutil.Addr("alice")
	usdc      = ledger.CollateralAssetID("USDC")
	marketID  = market.ID{0x01}
)

func scenario(t *testing.T) []core.CoreOutput {
	t.Helper()
	ch := make(chan core.CoreOutput, 16)
	c := core.NewCore(core.Options{PersistChan: ch})

	cmds := []command.Command{
		&command.RegisterCollateral{Header: command.Header{Key: "reg"}, Name: "USDC", Decimals: 6, Issuer: issuer},
		&command.Deposit{Header: command.Header{Key: "dep"}, Asset: usdc, To: alice, Amount: 1000, Issuer: issuer},
		&command.CreateMarket{Header: command.Header{Key: "create"}, Market: marketID, Authority: authority, CollateralAsset: usdc},
		&command.Split{Header: command.Header{Key: "split"}, Market: marketID, Caller: alice, Amount: 100},
		&command.Merge{Header: command.Header{Key: "merge"}, Market: marketID, Caller: alice, Amount: 30},
		&command.Settle{Header: command.Header{Key: "settle"}, Market: marketID, Authority: market.NewAuthority(authority), Winner: market.OutcomeB},
		&command.Redeem{Header: command.Header{Key: "redeem"}, Market: marketID, Caller: alice},
	}
	for _, cmd := range cmds {
		if _, err := c.Apply(context.Background(), cmd); err != nil {
			t.Fatalf("%s: %v", cmd.CommandType(), err)
		}
	}
	close(ch)

	var outs []core.CoreOutput
	for o := range ch {
		outs = append(outs, o)
	}
	return outs
}

// ============================================================================
// Test: Market deltas
// ============================================================================

func TestDelta_PerCommand(t *testing.T) {
	outs := scenario(t)

	tests := []struct {
		name string
		idx  int
		want projection.MarketDelta
	}{
		{"create", 2, projection.MarketDelta{}},
		{"split", 3, projection.MarketDelta{Pool: 100, OutstandingA: 100, OutstandingB: 100}},
		{"merge", 4, projection.MarketDelta{Pool: -30, OutstandingA: -30, OutstandingB: -30}},
		{"settle", 5, projection.MarketDelta{}},
		{"redeem", 6, projection.MarketDelta{Pool: -70, OutstandingA: -70, OutstandingB: -70, TotalRedeemed: 70}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := projection.FromCoreOutput(outs[tt.idx]).Delta()
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDelta_SumsToFinalState(t *testing.T) {
	var total projection.MarketDelta
	for _, o := range scenario(t) {
		d := projection.FromCoreOutput(o).Delta()
		total.Pool += d.Pool
		total.OutstandingA += d.OutstandingA
		total.OutstandingB += d.OutstandingB
		total.TotalRedeemed += d.TotalRedeemed
	}
	want := projection.MarketDelta{TotalRedeemed: 70}
	if total != want {
		t.Errorf("got %+v, want %+v", total, want)
	}
}

func TestFromCoreOutput_AssetCommand(t *testing.T) {
	outs := scenario(t)

	dep := projection.FromCoreOutput(outs[1])
	if dep.Market != nil {
		t.Error("deposit should carry no market state")
	}
	if len(dep.JournalEntries) != 1 || dep.JournalEntries[0].JournalType != "collateral_deposit" {
		t.Errorf("journals: %+v", dep.JournalEntries)
	}
	if dep.Delta() != (projection.MarketDelta{}) {
		t.Error("asset command should have zero market delta")
	}

	settle := projection.FromCoreOutput(outs[5])
	if settle.Market.Status != "settled" || *settle.Market.WinningOutcome != "outcome_b" {
		t.Errorf("settle state: %+v", settle.Market)
	}
}

// ============================================================================
// Test: Postgres (integration)
// ============================================================================

type marketProjection struct {
	status                string
	pool, outA, outB, red int64
}

func TestProjection_LiveMatchesRebuild(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	outs := scenario(t)

	// Event log for the rebuild
	persistIn := make(chan persistence.Output, len(outs))
	projIn := make(chan projection.Output, len(outs))
	for _, o := range outs {
		persistIn <- persistence.FromCoreOutput(o)
		projIn <- projection.FromCoreOutput(o)
	}
	close(persistIn)
	close(projIn)

	if err := persistence.NewPersistenceWorker(db, persistIn, 10, time.Millisecond, nil).Run(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	pw := projection.NewProjectionWorker(db, projIn)
	if err := pw.Run(ctx); err != nil {
		t.Fatalf("project: %v", err)
	}
	if pw.LastSequence() != int64(len(outs)-1) {
		t.Errorf("last sequence: got %d", pw.LastSequence())
	}

	load := func() marketProjection {
		var m marketProjection
		if err := db.QueryRowContext(ctx, `
			SELECT status, pool_balance, outstanding_a, outstanding_b, total_redeemed
			FROM projections.markets WHERE market_id = $1
		`, marketID.String()).Scan(&m.status, &m.pool, &m.outA, &m.outB, &m.red); err != nil {
			t.Fatalf("read market projection: %v", err)
		}
		return m
	}

	live := load()
	want := marketProjection{status: "settled", red: 70}
	if live != want {
		t.Errorf("live projection: got %+v, want %+v", live, want)
	}

	if err := projection.RebuildProjections(ctx, db); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt := load(); rebuilt != live {
		t.Errorf("rebuilt %+v differs from live %+v", rebuilt, live)
	}

	var bal int64
	path := ledger.NewHolderAccountKey(alice, usdc).AccountPath()
	if err := db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, path).Scan(&bal); err != nil || bal != 1000 {
		t.Errorf("alice collateral: got %d (%v), want 1000", bal, err)
	}
}
