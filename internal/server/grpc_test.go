package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ingestion"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
	"OutcomeLedger/internal/server"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	issuer    = ledger.DeriveAddress([]byte("issuer"))
	authority = ledger.DeriveAddress([]byte("authority"))
	alice     = ledger.DeriveAddress([]byte("alice"))
	usdc      = ledger.CollateralAssetID("USDC")
	marketID  = market.ID{0x0a, 0x0b, 0x0c}
)

func fixedNow() time.Time {
	return time.UnixMicro(1_700_000_000_000_000).UTC()
}

func newServer(t *testing.T) (*server.GRPCServer, *core.Core) {
	t.Helper()
	c := core.NewCore(core.Options{})
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		Ingest: ingestion.NewDirectIngest(c, nil),
		Ledger: c,
		Now:    fixedNow,
	})
	return srv, c
}

func dialBufconn(t *testing.T, srv *server.GRPCServer) *server.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go srv.Server().Serve(lis)
	t.Cleanup(srv.Server().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return server.NewClient(conn)
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Errorf("code: got %v, want %v (err=%v)", got, want, err)
	}
}

// ============================================================================
// gRPC round trip
// ============================================================================

func TestGRPC_MarketLifecycle(t *testing.T) {
	srv, _ := newServer(t)
	client := dialBufconn(t, srv)
	ctx := context.Background()

	if _, err := client.RegisterCollateral(ctx, &server.RegisterCollateralRequest{
		IdempotencyKey: "reg", Name: "USDC", Decimals: 6, Issuer: issuer,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := client.Deposit(ctx, &server.DepositRequest{
		IdempotencyKey: "dep", Asset: "USDC", To: alice, Amount: 1_000, Issuer: issuer,
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	created, err := client.CreateMarket(ctx, &server.CreateMarketRequest{
		IdempotencyKey: "create", MarketID: marketID, Authority: authority, CollateralAsset: usdc,
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	if created.Sequence != 2 {
		t.Errorf("create sequence: got %d, want 2", created.Sequence)
	}
	if created.Market == nil || created.Market.Status != "open" {
		t.Fatalf("create market view: got %+v", created.Market)
	}

	// Resubmitting the same key is a no-op
	dup, err := client.CreateMarket(ctx, &server.CreateMarketRequest{
		IdempotencyKey: "create", MarketID: marketID, Authority: authority, CollateralAsset: usdc,
	})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if !dup.Duplicate || dup.Sequence != -1 {
		t.Errorf("duplicate: got duplicate=%v seq=%d", dup.Duplicate, dup.Sequence)
	}

	_, err = client.Split(ctx, &server.PositionRequest{
		IdempotencyKey: "split-unsigned", MarketID: marketID, User: alice, Amount: 400,
	})
	wantCode(t, err, codes.PermissionDenied)

	split, err := client.Split(ctx, &server.PositionRequest{
		IdempotencyKey: "split", MarketID: marketID, User: alice, Authority: authority, Amount: 400,
	})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if m := split.Market; m.PoolBalance != 400 || m.OutstandingA != 400 || m.OutstandingB != 400 {
		t.Errorf("after split: pool=%d a=%d b=%d, want 400 each", m.PoolBalance, m.OutstandingA, m.OutstandingB)
	}

	_, err = client.Split(ctx, &server.PositionRequest{
		IdempotencyKey: "split-zero", MarketID: marketID, User: alice, Authority: authority, Amount: 0,
	})
	wantCode(t, err, codes.InvalidArgument)

	_, err = client.Settle(ctx, &server.SettleRequest{
		IdempotencyKey: "settle-alice", MarketID: marketID, Authority: alice, Winner: "outcome_a",
	})
	wantCode(t, err, codes.PermissionDenied)

	_, err = client.Settle(ctx, &server.SettleRequest{
		IdempotencyKey: "settle-neither", MarketID: marketID, Authority: authority, Winner: "neither",
	})
	wantCode(t, err, codes.InvalidArgument)

	settled, err := client.Settle(ctx, &server.SettleRequest{
		IdempotencyKey: "settle", MarketID: marketID, Authority: authority, Winner: "outcome_a",
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Market.Status != "settled" || settled.Market.WinningOutcome == nil || *settled.Market.WinningOutcome != "outcome_a" {
		t.Errorf("settled view: got %+v", settled.Market)
	}

	_, err = client.Settle(ctx, &server.SettleRequest{
		IdempotencyKey: "settle-again", MarketID: marketID, Authority: authority, Winner: "outcome_b",
	})
	wantCode(t, err, codes.FailedPrecondition)

	redeemed, err := client.Redeem(ctx, &server.RedeemRequest{
		IdempotencyKey: "redeem", MarketID: marketID, User: alice, Authority: authority,
	})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if r := redeemed.Redemption; r == nil || r.Payout != 400 || r.BurnedA != 400 || r.BurnedB != 400 {
		t.Errorf("redemption: got %+v, want payout 400 burning 400/400", redeemed.Redemption)
	}

	bal, err := client.GetBalance(ctx, &server.GetBalanceRequest{Holder: alice, Asset: usdc})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 1_000 || bal.Formatted != "0.001000" || bal.AssetName != "USDC" {
		t.Errorf("balance: got %+v", bal)
	}

	supply, err := client.GetSupply(ctx, &server.GetSupplyRequest{Asset: usdc})
	if err != nil {
		t.Fatalf("get supply: %v", err)
	}
	if supply.Outstanding != 1_000 || supply.MintRevoked {
		t.Errorf("supply: got %+v", supply)
	}

	_, err = client.GetMarket(ctx, &server.GetMarketRequest{MarketID: market.ID{0xff}})
	wantCode(t, err, codes.NotFound)

	_, err = client.GetBalance(ctx, &server.GetBalanceRequest{Holder: alice, Asset: ledger.CollateralAssetID("EUR")})
	wantCode(t, err, codes.NotFound)
}

func TestGRPC_DecimalAmounts(t *testing.T) {
	srv, c := newServer(t)
	client := dialBufconn(t, srv)
	ctx := context.Background()

	if _, err := client.RegisterCollateral(ctx, &server.RegisterCollateralRequest{
		IdempotencyKey: "reg", Name: "USDC", Decimals: 6, Issuer: issuer,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := client.Deposit(ctx, &server.DepositRequest{
		IdempotencyKey: "dep", Asset: "USDC", To: alice, AmountDecimal: "2.5", Issuer: issuer,
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := c.BalanceOf(usdc, alice); got != 2_500_000 {
		t.Errorf("balance after deposit: got %d, want 2500000", got)
	}

	if _, err := client.CreateMarket(ctx, &server.CreateMarketRequest{
		IdempotencyKey: "create", MarketID: marketID, Authority: authority, CollateralAsset: usdc,
	}); err != nil {
		t.Fatalf("create market: %v", err)
	}

	split, err := client.Split(ctx, &server.PositionRequest{
		IdempotencyKey: "split", MarketID: marketID, User: alice, Authority: authority, AmountDecimal: "1.25",
	})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if split.Market.PoolBalance != 1_250_000 {
		t.Errorf("pool after split: got %d, want 1250000", split.Market.PoolBalance)
	}

	if _, err := client.Transfer(ctx, &server.TransferRequest{
		IdempotencyKey: "xfer", Asset: usdc, From: alice, To: issuer, AmountDecimal: "0.000001",
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := c.BalanceOf(usdc, issuer); got != 1 {
		t.Errorf("issuer balance: got %d, want 1", got)
	}

	_, err = client.Split(ctx, &server.PositionRequest{
		IdempotencyKey: "split-precise", MarketID: marketID, User: alice, Authority: authority, AmountDecimal: "0.0000001",
	})
	wantCode(t, err, codes.InvalidArgument)

	_, err = client.Split(ctx, &server.PositionRequest{
		IdempotencyKey: "split-both", MarketID: marketID, User: alice, Authority: authority,
		Amount: 10, AmountDecimal: "0.00001",
	})
	wantCode(t, err, codes.InvalidArgument)

	_, err = client.Deposit(ctx, &server.DepositRequest{
		IdempotencyKey: "dep-eur", Asset: "EUR", To: alice, AmountDecimal: "1", Issuer: issuer,
	})
	wantCode(t, err, codes.NotFound)
}

func TestGRPC_ListJournalsWithoutDatabase(t *testing.T) {
	srv, _ := newServer(t)

	// The client has no ListJournals stub; the HTTP route covers it.
	handler, err := srv.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/journals/"+alice.String(), nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

// ============================================================================
// HTTP gateway
// ============================================================================

func TestHTTPGateway_Routes(t *testing.T) {
	srv, _ := newServer(t)
	handler, err := srv.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	post := func(path string, body any) *http.Response {
		t.Helper()
		buf, _ := json.Marshal(body)
		resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		return resp
	}
	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		return resp
	}
	expect := func(resp *http.Response, want int, out any) {
		t.Helper()
		defer resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s %s: status %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				t.Fatalf("decode: %v", err)
			}
		}
	}

	expect(post("/v1/assets", server.RegisterCollateralRequest{
		IdempotencyKey: "reg", Name: "USDC", Decimals: 6, Issuer: issuer,
	}), http.StatusOK, nil)
	expect(post("/v1/assets/USDC:deposit", server.DepositRequest{
		IdempotencyKey: "dep", To: alice, Amount: 500, Issuer: issuer,
	}), http.StatusOK, nil)
	expect(post("/v1/markets", server.CreateMarketRequest{
		IdempotencyKey: "create", MarketID: marketID, Authority: authority, CollateralAsset: usdc,
	}), http.StatusOK, nil)

	base := "/v1/markets/" + marketID.String()

	expect(post(base+":split", server.PositionRequest{
		IdempotencyKey: "split-unsigned", User: alice, Amount: 100,
	}), http.StatusForbidden, nil)

	var split server.CommandResponse
	expect(post(base+":split", server.PositionRequest{
		IdempotencyKey: "split", User: alice, Authority: authority, Amount: 100,
	}), http.StatusOK, &split)
	if split.Sequence != 3 || split.Market == nil || split.Market.PoolBalance != 100 {
		t.Errorf("split response: got %+v", split)
	}

	expect(post(base+":merge", server.PositionRequest{
		IdempotencyKey: "merge", User: alice, Authority: authority, Amount: 40,
	}), http.StatusOK, nil)

	var view server.MarketView
	expect(get(base), http.StatusOK, &view)
	if view.PoolBalance != 60 || view.OutstandingA != 60 || view.Status != "open" {
		t.Errorf("market view: got %+v", view)
	}

	expect(post(base+":redeem", server.RedeemRequest{
		IdempotencyKey: "redeem-open", User: alice, Authority: authority,
	}), http.StatusBadRequest, nil)

	expect(post(base+":settle", server.SettleRequest{
		IdempotencyKey: "settle", Authority: authority, Winner: "outcome_b",
	}), http.StatusOK, nil)

	var redeemed server.CommandResponse
	expect(post(base+":redeem", server.RedeemRequest{
		IdempotencyKey: "redeem", User: alice, Authority: authority,
	}), http.StatusOK, &redeemed)
	if redeemed.Redemption == nil || redeemed.Redemption.Payout != 60 {
		t.Errorf("redeem response: got %+v", redeemed.Redemption)
	}

	var bal server.BalanceResponse
	expect(get("/v1/balances/"+alice.String()+"/"+usdc.String()), http.StatusOK, &bal)
	if bal.Balance != 500 {
		t.Errorf("balance: got %d, want 500", bal.Balance)
	}

	var supply server.SupplyResponse
	expect(get("/v1/supply/"+usdc.String()), http.StatusOK, &supply)
	if supply.Outstanding != 500 {
		t.Errorf("supply: got %d, want 500", supply.Outstanding)
	}

	expect(get("/v1/markets/"+market.ID{0xee}.String()), http.StatusNotFound, nil)
	expect(get("/v1/markets/not-hex"), http.StatusBadRequest, nil)
	expect(get("/healthz"), http.StatusOK, nil)
}
