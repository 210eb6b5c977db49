package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
)

// --- Test helpers ---

var (
	issuer    = ledger.DeriveAddress([]byte("issuer"))
	authority = ledger.DeriveAddress([]byte("authority"))
	alice     = ledger.DeriveAddress([]byte("alice"))
	bob       = ledger.DeriveAddress([]byte("bob"))
	usdc      = ledger.CollateralAssetID("USDC")
	marketID  = market.ID{0x01, 0x02, 0x03}
)

// fixture drives a core with unique idempotency keys and deterministic timestamps.
type fixture struct {
	t       *testing.T
	c       *core.Core
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	n       int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	c := core.NewCore(core.Options{PersistChan: persist, ProjectionChan: proj})
	return &fixture{t: t, c: c, persist: persist, proj: proj}
}

func (f *fixture) header() command.Header {
	f.n++
	return command.Header{
		Key:       fmt.Sprintf("cmd-%d", f.n),
		Timestamp: time.UnixMicro(1_000_000 + int64(f.n)*1_000).UTC(),
	}
}

func (f *fixture) apply(cmd command.Command) (*core.Result, error) {
	return f.c.Apply(context.Background(), cmd)
}

func (f *fixture) mustApply(cmd command.Command) *core.Result {
	f.t.Helper()
	res, err := f.apply(cmd)
	if err != nil {
		f.t.Fatalf("%s failed: %v", cmd.CommandType(), err)
	}
	return res
}

// setup registers USDC, funds alice and bob and opens marketID.
func (f *fixture) setup() *market.Market {
	f.t.Helper()
	f.mustApply(&command.RegisterCollateral{Header: f.header(), Name: "USDC", Decimals: 6, Issuer: issuer})
	f.mustApply(&command.Deposit{Header: f.header(), Asset: usdc, To: alice, Amount: 1_000, Issuer: issuer})
	f.mustApply(&command.Deposit{Header: f.header(), Asset: usdc, To: bob, Amount: 1_000, Issuer: issuer})
	res := f.mustApply(&command.CreateMarket{Header: f.header(), Market: marketID, Authority: authority, CollateralAsset: usdc})
	return res.Market
}

func (f *fixture) split(caller ledger.Address, amount int64) (*core.Result, error) {
	return f.apply(&command.Split{Header: f.header(), Market: marketID, Caller: caller, Amount: amount})
}

func (f *fixture) merge(caller ledger.Address, amount int64) (*core.Result, error) {
	return f.apply(&command.Merge{Header: f.header(), Market: marketID, Caller: caller, Amount: amount})
}

func (f *fixture) settle(by ledger.Address, winner market.Outcome) (*core.Result, error) {
	return f.apply(&command.Settle{Header: f.header(), Market: marketID, Authority: market.NewAuthority(by), Winner: winner})
}

func (f *fixture) redeem(caller ledger.Address) (*core.Result, error) {
	return f.apply(&command.Redeem{Header: f.header(), Market: marketID, Caller: caller})
}

func (f *fixture) assertConservation(m *market.Market) {
	f.t.Helper()
	pool := f.c.BalanceOf(m.CollateralAsset, m.Address)
	outA := f.c.Outstanding(m.OutcomeAClaim)
	outB := f.c.Outstanding(m.OutcomeBClaim)
	if pool != outA || pool != outB {
		f.t.Errorf("conservation broken: pool=%d outstanding_a=%d outstanding_b=%d", pool, outA, outB)
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Collateral & Market Creation
// ============================================================================

func TestDeposit_MintsCollateral(t *testing.T) {
	f := newFixture(t)
	f.setup()

	if got := f.c.BalanceOf(usdc, alice); got != 1_000 {
		t.Errorf("alice usdc: got %d, want 1000", got)
	}
	if got := f.c.Outstanding(usdc); got != 2_000 {
		t.Errorf("usdc outstanding: got %d, want 2000", got)
	}
}

func TestDeposit_WrongIssuer_Fails(t *testing.T) {
	f := newFixture(t)
	f.setup()

	_, err := f.apply(&command.Deposit{Header: f.header(), Asset: usdc, To: alice, Amount: 1, Issuer: bob})
	if !errors.Is(err, ledger.ErrMintAuthorityMismatch) {
		t.Fatalf("got %v, want ErrMintAuthorityMismatch", err)
	}
}

func TestDeposit_ToMarketAccount_Fails(t *testing.T) {
	f := newFixture(t)
	m := f.setup()

	_, err := f.apply(&command.Deposit{Header: f.header(), Asset: usdc, To: m.Address, Amount: 1, Issuer: issuer})
	if !errors.Is(err, core.ErrMarketAccount) {
		t.Fatalf("got %v, want ErrMarketAccount", err)
	}
}

func TestCreateMarket_DerivesRecord(t *testing.T) {
	f := newFixture(t)
	m := f.setup()

	if m.Status != market.StatusOpen || m.WinningOutcome != nil {
		t.Errorf("new market: status %s winner %v", m.Status, m.WinningOutcome)
	}
	if m.Authority != authority || m.CollateralAsset != usdc {
		t.Errorf("record fields not taken from command")
	}

	for _, claim := range []ledger.Address{m.OutcomeAClaim, m.OutcomeBClaim} {
		a, ok := f.c.Asset(claim)
		if !ok {
			t.Fatalf("claim asset %s not registered", claim.Short())
		}
		if a.MintAuthority == nil || *a.MintAuthority != m.Address {
			t.Errorf("claim %s: mint authority should be the market address", a.Name)
		}
		if a.Decimals != market.ClaimDecimals {
			t.Errorf("claim %s decimals: got %d, want %d", a.Name, a.Decimals, market.ClaimDecimals)
		}
	}
}

func TestCreateMarket_Duplicate_Fails(t *testing.T) {
	f := newFixture(t)
	f.setup()

	_, err := f.apply(&command.CreateMarket{Header: f.header(), Market: marketID, Authority: authority, CollateralAsset: usdc})
	if !errors.Is(err, market.ErrMarketExists) {
		t.Fatalf("got %v, want ErrMarketExists", err)
	}
}

func TestCreateMarket_UnknownCollateral_Fails(t *testing.T) {
	f := newFixture(t)

	_, err := f.apply(&command.CreateMarket{Header: f.header(), Market: marketID, Authority: authority, CollateralAsset: usdc})
	if !errors.Is(err, ledger.ErrUnknownAsset) {
		t.Fatalf("got %v, want ErrUnknownAsset", err)
	}
	if _, err := f.c.Market(marketID); !errors.Is(err, market.ErrMarketNotFound) {
		t.Errorf("rejected create should not store a record: %v", err)
	}
}

// ============================================================================
// Test: Split / Merge
// ============================================================================

func TestSplit_LocksCollateralAndMintsPair(t *testing.T) {
	f := newFixture(t)
	m := f.setup()
	drainOutputs(f.persist)

	if _, err := f.split(alice, 300); err != nil {
		t.Fatalf("split: %v", err)
	}

	if got := f.c.BalanceOf(usdc, alice); got != 700 {
		t.Errorf("alice usdc: got %d, want 700", got)
	}
	if got := f.c.BalanceOf(m.OutcomeAClaim, alice); got != 300 {
		t.Errorf("alice a: got %d, want 300", got)
	}
	if got := f.c.BalanceOf(m.OutcomeBClaim, alice); got != 300 {
		t.Errorf("alice b: got %d, want 300", got)
	}
	f.assertConservation(m)

	outputs := drainOutputs(f.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	journals := outputs[0].Batch.Journals
	if len(journals) != 3 {
		t.Fatalf("expected 3 journals, got %d", len(journals))
	}
	want := []ledger.JournalType{ledger.JournalTypeSplitCollateral, ledger.JournalTypeSplitMint, ledger.JournalTypeSplitMint}
	for i, j := range journals {
		if j.JournalType != want[i] {
			t.Errorf("journal %d: got %s, want %s", i, j.JournalType, want[i])
		}
	}
}

func TestSplit_InsufficientCollateral_NoEffect(t *testing.T) {
	f := newFixture(t)
	m := f.setup()
	seq := f.c.GetSequence()
	hash := f.c.GetStateHash()

	_, err := f.split(alice, 1_001)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	if got := f.c.BalanceOf(m.OutcomeAClaim, alice); got != 0 {
		t.Errorf("claims minted by failed split: %d", got)
	}
	if got := f.c.BalanceOf(usdc, alice); got != 1_000 {
		t.Errorf("collateral moved by failed split: %d", got)
	}
	if f.c.GetSequence() != seq || f.c.GetStateHash() != hash {
		t.Error("rejected command must not advance the sequence or hash chain")
	}
	f.assertConservation(m)
}

func TestSplit_ZeroAmount_Rejected(t *testing.T) {
	f := newFixture(t)
	f.setup()

	for _, amount := range []int64{0, -5} {
		if _, err := f.split(alice, amount); !errors.Is(err, market.ErrInvalidAmount) {
			t.Errorf("split(%d): got %v, want ErrInvalidAmount", amount, err)
		}
		if _, err := f.merge(alice, amount); !errors.Is(err, market.ErrInvalidAmount) {
			t.Errorf("merge(%d): got %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestSplitMerge_InverseLaw(t *testing.T) {
	f := newFixture(t)
	m := f.setup()

	if _, err := f.split(alice, 400); err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := f.merge(alice, 400); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if got := f.c.BalanceOf(usdc, alice); got != 1_000 {
		t.Errorf("alice usdc after round trip: got %d, want 1000", got)
	}
	for _, claim := range []ledger.Address{m.OutcomeAClaim, m.OutcomeBClaim} {
		if got := f.c.BalanceOf(claim, alice); got != 0 {
			t.Errorf("alice claim after round trip: got %d, want 0", got)
		}
	}
	if got := f.c.BalanceOf(usdc, m.Address); got != 0 {
		t.Errorf("pool after round trip: got %d, want 0", got)
	}
	f.assertConservation(m)
}

func TestMerge_MissingOneSide_NoEffect(t *testing.T) {
	f := newFixture(t)
	m := f.setup()

	if _, err := f.split(alice, 100); err != nil {
		t.Fatalf("split: %v", err)
	}
	f.mustApply(&command.Transfer{Header: f.header(), Asset: m.OutcomeBClaim, From: alice, To: bob, Amount: 60})

	_, err := f.merge(alice, 100)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := f.c.BalanceOf(m.OutcomeAClaim, alice); got != 100 {
		t.Errorf("a burned by failed merge: got %d, want 100", got)
	}
	f.assertConservation(m)
}

func TestConservation_RandomSequence(t *testing.T) {
	f := newFixture(t)
	m := f.setup()

	ops := []struct {
		split  bool
		caller ledger.Address
		amount int64
	}{
		{true, alice, 100}, {true, bob, 250}, {false, alice, 40},
		{true, alice, 500}, {false, bob, 250}, {false, alice, 560},
		{false, alice, 1}, {true, bob, 1_000},
	}
	for _, op := range ops {
		if op.split {
			f.split(op.caller, op.amount)
		} else {
			f.merge(op.caller, op.amount)
		}
		f.assertConservation(m)
	}
}

func TestConcurrentSplits_PreserveConservation(t *testing.T) {
	f := newFixture(t)
	m := f.setup()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller := alice
			if i%2 == 1 {
				caller = bob
			}
			cmd := &command.Split{
				Header: command.Header{Key: fmt.Sprintf("concurrent-%d", i), Timestamp: time.UnixMicro(int64(i))},
				Market: marketID, Caller: caller, Amount: 10,
			}
			if _, err := f.c.Apply(context.Background(), cmd); err != nil {
				t.Errorf("split %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := f.c.BalanceOf(usdc, m.Address); got != 500 {
		t.Errorf("pool: got %d, want 500", got)
	}
	f.assertConservation(m)
}

// ============================================================================
// Test: Settlement
// ============================================================================

func TestSettle_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.setup()

	res, err := f.settle(authority, market.OutcomeA)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Market.Status != market.StatusSettled || *res.Market.WinningOutcome != market.OutcomeA {
		t.Fatalf("settled record: %+v", res.Market)
	}

	if _, err := f.settle(authority, market.OutcomeB); !errors.Is(err, market.ErrMarketAlreadySettled) {
		t.Fatalf("second settle: got %v, want ErrMarketAlreadySettled", err)
	}

	m, _ := f.c.Market(marketID)
	if *m.WinningOutcome != market.OutcomeA {
		t.Errorf("winner changed by second settle: %s", *m.WinningOutcome)
	}
	if m.Version != 2 {
		t.Errorf("version: got %d, want 2", m.Version)
	}
}

func TestSettle_Neither_Rejected(t *testing.T) {
	f := newFixture(t)
	f.setup()

	if _, err := f.settle(authority, market.Neither); !errors.Is(err, market.ErrInvalidOutcome) {
		t.Fatalf("got %v, want ErrInvalidOutcome", err)
	}
	m, _ := f.c.Market(marketID)
	if m.Status != market.StatusOpen {
		t.Errorf("market should remain open, got %s", m.Status)
	}
}

func TestSettle_Unauthorized(t *testing.T) {
	f := newFixture(t)
	f.setup()

	if _, err := f.settle(alice, market.OutcomeA); !errors.Is(err, market.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	m, _ := f.c.Market(marketID)
	if m.Status != market.StatusOpen {
		t.Errorf("market should remain open, got %s", m.Status)
	}
}

func TestSettle_FreezesSupply(t *testing.T) {
	f := newFixture(t)
	m := f.setup()

	if _, err := f.split(alice, 100); err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := f.settle(authority, market.OutcomeB); err != nil {
		t.Fatalf("settle: %v", err)
	}

	for _, claim := range []ledger.Address{m.OutcomeAClaim, m.OutcomeBClaim} {
		a, _ := f.c.Asset(claim)
		if !a.MintRevoked() {
			t.Errorf("claim %s still mintable after settle", a.Name)
		}
	}
	if _, err := f.split(alice, 1); !errors.Is(err, market.ErrMarketAlreadySettled) {
		t.Errorf("split after settle: got %v, want ErrMarketAlreadySettled", err)
	}
	if _, err := f.merge(alice, 1); !errors.Is(err, market.ErrMarketAlreadySettled) {
		t.Errorf("merge after settle: got %v, want ErrMarketAlreadySettled", err)
	}
	if got := f.c.Outstanding(m.OutcomeBClaim); got != 100 {
		t.Errorf("outstanding b: got %d, want 100", got)
	}
	if got := f.c.BalanceOf(usdc, m.Address); got != 100 {
		t.Errorf("settle must not move collateral: pool %d", got)
	}
}

// ============================================================================
// Test: Redemption
// ============================================================================

func TestRedeem_OpenMarket_Fails(t *testing.T) {
	f := newFixture(t)
	f.setup()

	if _, err := f.redeem(alice); !errors.Is(err, market.ErrMarketNotSettled) {
		t.Fatalf("got %v, want ErrMarketNotSettled", err)
	}
}

func TestRedeem_WinnerAndLoser(t *testing.T) {
	f := newFixture(t)
	m := f.setup()

	// alice ends with a=50, b=30
	if _, err := f.split(alice, 50); err != nil {
		t.Fatalf("split: %v", err)
	}
	f.mustApply(&command.Transfer{Header: f.header(), Asset: m.OutcomeBClaim, From: alice, To: bob, Amount: 20})
	if _, err := f.settle(authority, market.OutcomeA); err != nil {
		t.Fatalf("settle: %v", err)
	}

	res, err := f.redeem(alice)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	r := res.Redemption
	if r.BurnedA != 50 || r.BurnedB != 30 || r.Payout != 50 {
		t.Errorf("receipt: got %+v, want {50 30 50}", *r)
	}
	if got := f.c.BalanceOf(usdc, alice); got != 1_000 {
		t.Errorf("alice usdc: got %d, want 1000", got)
	}
	for _, claim := range []ledger.Address{m.OutcomeAClaim, m.OutcomeBClaim} {
		if got := f.c.BalanceOf(claim, alice); got != 0 {
			t.Errorf("alice claim left after redeem: %d", got)
		}
	}

	// bob holds only losing claims
	res, err = f.redeem(bob)
	if err != nil {
		t.Fatalf("redeem bob: %v", err)
	}
	if res.Redemption.Payout != 0 || res.Redemption.BurnedB != 20 {
		t.Errorf("losing receipt: got %+v, want burned_b=20 payout=0", *res.Redemption)
	}
	if got := f.c.BalanceOf(usdc, bob); got != 1_000 {
		t.Errorf("bob usdc: got %d, want 1000", got)
	}
	if got := f.c.BalanceOf(usdc, m.Address); got != 0 {
		t.Errorf("pool after all redemptions: got %d, want 0", got)
	}
}

func TestRedeem_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.setup()

	if _, err := f.split(alice, 70); err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := f.settle(authority, market.OutcomeB); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := f.redeem(alice); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	res, err := f.redeem(alice)
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if res.Redemption.Payout != 0 {
		t.Errorf("second redeem paid %d", res.Redemption.Payout)
	}
	if len(res.Batch.Journals) != 0 {
		t.Errorf("second redeem journals: got %d, want 0", len(res.Batch.Journals))
	}
	if got := f.c.BalanceOf(usdc, alice); got != 1_000 {
		t.Errorf("alice usdc: got %d, want 1000", got)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateKey_Ignored(t *testing.T) {
	f := newFixture(t)
	f.setup()

	cmd := &command.Split{Header: f.header(), Market: marketID, Caller: alice, Amount: 10}
	if _, err := f.apply(cmd); err != nil {
		t.Fatalf("split: %v", err)
	}
	res, err := f.apply(cmd)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if !res.Duplicate {
		t.Error("expected duplicate result")
	}
	if got := f.c.BalanceOf(usdc, alice); got != 990 {
		t.Errorf("duplicate applied twice: alice usdc %d", got)
	}
}

func TestIdempotency_MissingKey_Rejected(t *testing.T) {
	f := newFixture(t)
	f.setup()

	_, err := f.apply(&command.Split{Market: marketID, Caller: alice, Amount: 10})
	if !errors.Is(err, core.ErrMissingIdempotencyKey) {
		t.Fatalf("got %v, want ErrMissingIdempotencyKey", err)
	}
}

type stubDB struct{ keys map[string]bool }

func (s stubDB) IsDuplicate(_ context.Context, commandType, key string) (bool, error) {
	return s.keys[commandType+":"+key], nil
}

func TestIdempotency_PostgresTier(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	c := core.NewCore(core.Options{
		PersistChan: persist,
		DBChecker:   stubDB{keys: map[string]bool{"register_collateral:seen": true}},
	})

	res, err := c.Apply(context.Background(), &command.RegisterCollateral{
		Header: command.Header{Key: "seen"}, Name: "USDC", Decimals: 6, Issuer: issuer,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Duplicate {
		t.Error("key known to postgres should be a duplicate")
	}
	if _, ok := c.Asset(usdc); ok {
		t.Error("duplicate must not register the asset")
	}
}

type failingDB struct{}

func (failingDB) IsDuplicate(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestIdempotency_PostgresTierErrorFallsThrough(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	c := core.NewCore(core.Options{PersistChan: persist, DBChecker: failingDB{}})

	res, err := c.Apply(context.Background(), &command.RegisterCollateral{
		Header: command.Header{Key: "k1"}, Name: "USDC", Decimals: 6, Issuer: issuer,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Duplicate {
		t.Error("failed lookup must not be treated as a duplicate")
	}
	if got := c.IdempotencyDBErrors(); got != 1 {
		t.Errorf("db errors: got %d, want 1", got)
	}

	// LRU hit never reaches Postgres.
	if _, err := c.Apply(context.Background(), &command.RegisterCollateral{
		Header: command.Header{Key: "k1"}, Name: "USDC", Decimals: 6, Issuer: issuer,
	}); err != nil {
		t.Fatalf("apply dup: %v", err)
	}
	if got := c.IdempotencyDBErrors(); got != 1 {
		t.Errorf("db errors after lru hit: got %d, want 1", got)
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func runScenario(t *testing.T) *fixture {
	f := newFixture(t)
	f.setup()
	f.split(alice, 100)
	f.split(bob, 50)
	f.merge(alice, 25)
	f.settle(authority, market.OutcomeA)
	f.redeem(alice)
	return f
}

func TestStateHashChain_Deterministic(t *testing.T) {
	a := runScenario(t)
	b := runScenario(t)

	if a.c.GetStateHash() != b.c.GetStateHash() {
		t.Fatal("same command stream produced different state hashes")
	}

	outputs := drainOutputs(a.persist)
	prev := core.GenesisHash()
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d has sequence %d", i, o.Envelope.Sequence)
		}
		if o.Envelope.PrevHash != prev {
			t.Errorf("seq %d: prev hash does not link to previous state hash", o.Envelope.Sequence)
		}
		prev = o.Envelope.StateHash
	}
	if prev != a.c.GetStateHash() {
		t.Error("chain tip does not match last envelope")
	}
}

func TestReplay_ReproducesHashes(t *testing.T) {
	src := runScenario(t)
	outputs := drainOutputs(src.persist)

	dst := core.NewCore(core.Options{})
	for _, o := range outputs {
		if err := dst.Replay(context.Background(), o.Envelope); err != nil {
			t.Fatalf("replay seq %d: %v", o.Envelope.Sequence, err)
		}
	}
	if dst.GetStateHash() != src.c.GetStateHash() {
		t.Error("replayed core diverged")
	}
	if got := dst.BalanceOf(usdc, alice); got != src.c.BalanceOf(usdc, alice) {
		t.Errorf("replayed alice usdc: got %d, want %d", got, src.c.BalanceOf(usdc, alice))
	}
}

func TestReplay_KeysAlreadyInEventLog(t *testing.T) {
	src := runScenario(t)
	outputs := drainOutputs(src.persist)

	// On restart every logged key is visible to the Postgres tier.
	logged := make(map[string]bool, len(outputs))
	for _, o := range outputs {
		logged[o.Envelope.CommandType.String()+":"+o.Envelope.IdempotencyKey] = true
	}

	dst := core.NewCore(core.Options{DBChecker: stubDB{keys: logged}})
	for _, o := range outputs {
		if err := dst.Replay(context.Background(), o.Envelope); err != nil {
			t.Fatalf("replay seq %d: %v", o.Envelope.Sequence, err)
		}
	}
	if dst.GetStateHash() != src.c.GetStateHash() {
		t.Error("replayed core diverged")
	}
	if got, want := dst.GetSequence(), int64(len(outputs)); got != want {
		t.Errorf("next sequence: got %d, want %d", got, want)
	}

	// Replayed keys still dedup live traffic afterwards.
	first := outputs[0].Envelope
	cmd, err := command.Unmarshal(first.CommandType, first.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	res, err := dst.Apply(context.Background(), cmd)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Duplicate {
		t.Error("re-sent logged command should be a duplicate after replay")
	}
}

func TestReplay_TamperedHash_Detected(t *testing.T) {
	src := runScenario(t)
	outputs := drainOutputs(src.persist)
	outputs[2].Envelope.StateHash[0] ^= 0xff

	dst := core.NewCore(core.Options{})
	var err error
	for _, o := range outputs {
		if err = dst.Replay(context.Background(), o.Envelope); err != nil {
			break
		}
	}
	if !errors.Is(err, core.ErrReplayDivergence) {
		t.Fatalf("got %v, want ErrReplayDivergence", err)
	}
}

// ============================================================================
// Test: Snapshot Restore
// ============================================================================

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	f := newFixture(t)
	m := f.setup()
	f.split(alice, 100)

	snap := f.c.CreateSnapshotState()

	restored := core.NewCore(core.Options{})
	restored.RestoreFromSnapshot(snap)

	if restored.GetSequence() != f.c.GetSequence() {
		t.Errorf("sequence: got %d, want %d", restored.GetSequence(), f.c.GetSequence())
	}
	if restored.GetStateHash() != f.c.GetStateHash() {
		t.Error("state hash not restored")
	}

	// same next command lands on the same hash in both cores
	next := &command.Merge{Header: f.header(), Market: marketID, Caller: alice, Amount: 30}
	r1, err := f.c.Apply(context.Background(), next)
	if err != nil {
		t.Fatalf("apply original: %v", err)
	}
	r2, err := restored.Apply(context.Background(), next)
	if err != nil {
		t.Fatalf("apply restored: %v", err)
	}
	if r1.StateHash != r2.StateHash {
		t.Error("restored core diverged on next command")
	}

	// idempotency keys survive the snapshot
	res, err := restored.Apply(context.Background(), &command.Deposit{
		Header: command.Header{Key: "cmd-2"}, Asset: usdc, To: alice, Amount: 1_000, Issuer: issuer,
	})
	if err != nil || !res.Duplicate {
		t.Errorf("replayed key after restore: res=%+v err=%v", res, err)
	}

	if _, err := restored.Apply(context.Background(), &command.Split{
		Header: command.Header{Key: "after-restore"}, Market: marketID, Caller: alice, Amount: 5,
	}); err != nil {
		t.Fatalf("split after restore: %v", err)
	}
	pool := restored.BalanceOf(usdc, m.Address)
	if pool != restored.Outstanding(m.OutcomeAClaim) {
		t.Errorf("restored conservation broken: pool=%d", pool)
	}
}

// ============================================================================
// Test: Output Channels
// ============================================================================

func TestEnvelope_HasCorrectFields(t *testing.T) {
	f := newFixture(t)
	f.setup()
	drainOutputs(f.persist)

	cmd := &command.Split{Header: f.header(), Market: marketID, Caller: alice, Amount: 10}
	res, err := f.apply(cmd)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	o := drainOutputs(f.persist)[0]
	env := o.Envelope
	if env.Sequence != res.Sequence || env.StateHash != res.StateHash {
		t.Error("envelope does not match result")
	}
	if env.IdempotencyKey != cmd.Key || env.CommandType != command.CommandTypeSplit {
		t.Errorf("envelope header: %s %s", env.IdempotencyKey, env.CommandType)
	}
	if env.MarketID == nil || *env.MarketID != marketID {
		t.Error("envelope market id missing")
	}
	if !env.Timestamp.Equal(cmd.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", env.Timestamp, cmd.Timestamp)
	}

	decoded, err := command.Unmarshal(env.CommandType, env.Payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if s := decoded.(*command.Split); s.Amount != 10 || s.Caller != alice {
		t.Errorf("payload round trip: %+v", s)
	}
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	proj := make(chan core.CoreOutput, 1)
	c := core.NewCore(core.Options{PersistChan: persist, ProjectionChan: proj})

	for i, name := range []string{"USDC", "USDT", "DAI"} {
		_, err := c.Apply(context.Background(), &command.RegisterCollateral{
			Header: command.Header{Key: fmt.Sprintf("reg-%d", i)}, Name: name, Decimals: 6, Issuer: issuer,
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	if got := len(drainOutputs(persist)); got != 3 {
		t.Errorf("persist outputs: got %d, want 3", got)
	}
	if got := len(drainOutputs(proj)); got != 1 {
		t.Errorf("projection outputs: got %d, want 1", got)
	}
}
