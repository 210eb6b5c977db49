package server

import (
	"context"
	"time"

	"OutcomeLedger/internal/command"
	"OutcomeLedger/internal/ingestion"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
	"OutcomeLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "outcomeledger.market.v1.MarketService"

// MarketServiceServer is the server API for the market service.
type MarketServiceServer interface {
	RegisterCollateral(context.Context, *RegisterCollateralRequest) (*CommandResponse, error)
	Deposit(context.Context, *DepositRequest) (*CommandResponse, error)
	Transfer(context.Context, *TransferRequest) (*CommandResponse, error)
	CreateMarket(context.Context, *CreateMarketRequest) (*CommandResponse, error)
	Split(context.Context, *PositionRequest) (*CommandResponse, error)
	Merge(context.Context, *PositionRequest) (*CommandResponse, error)
	Settle(context.Context, *SettleRequest) (*CommandResponse, error)
	Redeem(context.Context, *RedeemRequest) (*CommandResponse, error)
	GetMarket(context.Context, *GetMarketRequest) (*MarketView, error)
	GetBalance(context.Context, *GetBalanceRequest) (*BalanceResponse, error)
	GetSupply(context.Context, *GetSupplyRequest) (*SupplyResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
}

// unary builds a method descriptor that decodes Req and dispatches to call
func unary[Req, Resp any](name string, call func(MarketServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MarketServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MarketServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// MarketServiceDesc is the grpc.ServiceDesc for the market service.
var MarketServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RegisterCollateral", MarketServiceServer.RegisterCollateral),
		unary("Deposit", MarketServiceServer.Deposit),
		unary("Transfer", MarketServiceServer.Transfer),
		unary("CreateMarket", MarketServiceServer.CreateMarket),
		unary("Split", MarketServiceServer.Split),
		unary("Merge", MarketServiceServer.Merge),
		unary("Settle", MarketServiceServer.Settle),
		unary("Redeem", MarketServiceServer.Redeem),
		unary("GetMarket", MarketServiceServer.GetMarket),
		unary("GetBalance", MarketServiceServer.GetBalance),
		unary("GetSupply", MarketServiceServer.GetSupply),
		unary("ListJournals", MarketServiceServer.ListJournals),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "outcomeledger/market/v1/market_service",
}

// Ledger is the read side of the core.
type Ledger interface {
	Market(id market.ID) (*market.Market, error)
	BalanceOf(asset, holder ledger.Address) int64
	Outstanding(asset ledger.Address) int64
	Asset(id ledger.Address) (ledger.Asset, bool)
}

// ============================================================================
// MarketService implementation
// ============================================================================

type marketService struct {
	ingest  *ingestion.DirectIngest
	ledger  Ledger
	queries *query.QueryService // nil without Postgres
	now     func() time.Time
}

func (s *marketService) header(key string) command.Header {
	return command.Header{Key: key, Timestamp: s.now().UTC()}
}

func (s *marketService) submit(ctx context.Context, cmd command.Command, id *market.ID) (*CommandResponse, error) {
	res, err := s.ingest.Submit(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	var view *MarketView
	if id != nil {
		if m, err := s.ledger.Market(*id); err == nil {
			view = newMarketView(m, s.ledger)
		}
	}
	return newCommandResponse(res, view), nil
}

// coSign checks the second signer of a user-initiated market operation.
// The core engines never see it.
func (s *marketService) coSign(id market.ID, signer ledger.Address) (*market.Market, error) {
	m, err := s.ledger.Market(id)
	if err != nil {
		return nil, toStatus(err)
	}
	if signer.IsZero() || signer != m.Authority {
		return nil, status.Errorf(codes.PermissionDenied, "market %s: authority co-signature missing", id)
	}
	return m, nil
}

// amount resolves a request amount given either in base units or as a
// decimal string in the asset's denomination.
func (s *marketService) amount(asset ledger.Address, units int64, dec string) (int64, error) {
	if dec == "" {
		return units, nil
	}
	if units != 0 {
		return 0, status.Error(codes.InvalidArgument, "set amount or amount_decimal, not both")
	}
	a, ok := s.ledger.Asset(asset)
	if !ok {
		return 0, status.Errorf(codes.NotFound, "asset %s not found", asset.Short())
	}
	v, err := a.Denomination().Parse(dec)
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}
	return v, nil
}

func (s *marketService) RegisterCollateral(ctx context.Context, req *RegisterCollateralRequest) (*CommandResponse, error) {
	return s.submit(ctx, &command.RegisterCollateral{
		Header:   s.header(req.IdempotencyKey),
		Name:     req.Name,
		Decimals: req.Decimals,
		Issuer:   req.Issuer,
	}, nil)
}

func (s *marketService) Deposit(ctx context.Context, req *DepositRequest) (*CommandResponse, error) {
	if req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}
	asset := ledger.CollateralAssetID(req.Asset)
	amount, err := s.amount(asset, req.Amount, req.AmountDecimal)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &command.Deposit{
		Header: s.header(req.IdempotencyKey),
		Asset:  asset,
		To:     req.To,
		Amount: amount,
		Issuer: req.Issuer,
	}, nil)
}

func (s *marketService) Transfer(ctx context.Context, req *TransferRequest) (*CommandResponse, error) {
	amount, err := s.amount(req.Asset, req.Amount, req.AmountDecimal)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &command.Transfer{
		Header: s.header(req.IdempotencyKey),
		Asset:  req.Asset,
		From:   req.From,
		To:     req.To,
		Amount: amount,
	}, nil)
}

func (s *marketService) CreateMarket(ctx context.Context, req *CreateMarketRequest) (*CommandResponse, error) {
	return s.submit(ctx, &command.CreateMarket{
		Header:          s.header(req.IdempotencyKey),
		Market:          req.MarketID,
		Authority:       req.Authority,
		CollateralAsset: req.CollateralAsset,
	}, &req.MarketID)
}

func (s *marketService) Split(ctx context.Context, req *PositionRequest) (*CommandResponse, error) {
	m, err := s.coSign(req.MarketID, req.Authority)
	if err != nil {
		return nil, err
	}
	amount, err := s.amount(m.CollateralAsset, req.Amount, req.AmountDecimal)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &command.Split{
		Header: s.header(req.IdempotencyKey),
		Market: req.MarketID,
		Caller: req.User,
		Amount: amount,
	}, &req.MarketID)
}

func (s *marketService) Merge(ctx context.Context, req *PositionRequest) (*CommandResponse, error) {
	m, err := s.coSign(req.MarketID, req.Authority)
	if err != nil {
		return nil, err
	}
	amount, err := s.amount(m.CollateralAsset, req.Amount, req.AmountDecimal)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &command.Merge{
		Header: s.header(req.IdempotencyKey),
		Market: req.MarketID,
		Caller: req.User,
		Amount: amount,
	}, &req.MarketID)
}

func (s *marketService) Settle(ctx context.Context, req *SettleRequest) (*CommandResponse, error) {
	winner, err := market.ParseOutcome(req.Winner)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.submit(ctx, &command.Settle{
		Header:    s.header(req.IdempotencyKey),
		Market:    req.MarketID,
		Authority: market.NewAuthority(req.Authority),
		Winner:    winner,
	}, &req.MarketID)
}

func (s *marketService) Redeem(ctx context.Context, req *RedeemRequest) (*CommandResponse, error) {
	if _, err := s.coSign(req.MarketID, req.Authority); err != nil {
		return nil, err
	}
	return s.submit(ctx, &command.Redeem{
		Header: s.header(req.IdempotencyKey),
		Market: req.MarketID,
		Caller: req.User,
	}, &req.MarketID)
}

func (s *marketService) GetMarket(ctx context.Context, req *GetMarketRequest) (*MarketView, error) {
	m, err := s.ledger.Market(req.MarketID)
	if err != nil {
		return nil, toStatus(err)
	}
	return newMarketView(m, s.ledger), nil
}

func (s *marketService) GetBalance(ctx context.Context, req *GetBalanceRequest) (*BalanceResponse, error) {
	a, ok := s.ledger.Asset(req.Asset)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "asset %s not found", req.Asset.Short())
	}
	bal := s.ledger.BalanceOf(req.Asset, req.Holder)
	return &BalanceResponse{
		Holder:    req.Holder.String(),
		Asset:     req.Asset.String(),
		AssetName: a.Name,
		Balance:   bal,
		Formatted: format(a, bal),
	}, nil
}

func (s *marketService) GetSupply(ctx context.Context, req *GetSupplyRequest) (*SupplyResponse, error) {
	a, ok := s.ledger.Asset(req.Asset)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "asset %s not found", req.Asset.Short())
	}
	out := s.ledger.Outstanding(req.Asset)
	return &SupplyResponse{
		Asset:       req.Asset.String(),
		Name:        a.Name,
		Outstanding: out,
		Formatted:   format(a, out),
		MintRevoked: a.MintRevoked(),
	}, nil
}

func (s *marketService) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "journal history requires the query database")
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 100
	}

	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}

	entries, err := s.queries.GetJournalHistory(ctx, req.Holder, pageSize, before)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

// ============================================================================
// Client
// ============================================================================

// Client calls the market service with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RegisterCollateral(ctx context.Context, req *RegisterCollateralRequest) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "RegisterCollateral", req)
}

func (c *Client) Deposit(ctx context.Context, req *DepositRequest) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "Deposit", req)
}

func (c *Client) Transfer(ctx context.Context, req *TransferRequest) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "Transfer", req)
}

func (c *Client) CreateMarket(ctx context.Context, req *CreateMarketRequest) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "CreateMarket", req)
}

func (c *Client) Split(ctx context.Context, req *PositionRequest) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "Split", req)
}

func (c *Client) Merge(ctx context.Context, req *PositionRequest) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "Merge", req)
}

func (c *Client) Settle(ctx context.Context, req *SettleRequest) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "Settle", req)
}

func (c *Client) Redeem(ctx context.Context, req *RedeemRequest) (*CommandResponse, error) {
	return invoke[CommandResponse](ctx, c, "Redeem", req)
}

func (c *Client) GetMarket(ctx context.Context, req *GetMarketRequest) (*MarketView, error) {
	return invoke[MarketView](ctx, c, "GetMarket", req)
}

func (c *Client) GetBalance(ctx context.Context, req *GetBalanceRequest) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, c, "GetBalance", req)
}

func (c *Client) GetSupply(ctx context.Context, req *GetSupplyRequest) (*SupplyResponse, error) {
	return invoke[SupplyResponse](ctx, c, "GetSupply", req)
}
