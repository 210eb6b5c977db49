package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"OutcomeLedger/internal/ingestion"
	"OutcomeLedger/internal/ledger"
	"OutcomeLedger/internal/market"
	"OutcomeLedger/internal/observability"
	"OutcomeLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *marketService
	healthChecker *observability.HealthChecker
	gwMux         *runtime.ServeMux
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Ingest        *ingestion.DirectIngest
	Ledger        Ledger
	QueryService  *query.QueryService
	HealthChecker *observability.HealthChecker
	Now           func() time.Time // defaults to time.Now
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	svc := &marketService{
		ingest:  deps.Ingest,
		ledger:  deps.Ledger,
		queries: deps.QueryService,
		now:     now,
	}

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&MarketServiceDesc, svc)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       svc,
		healthChecker: deps.HealthChecker,
		logger:        observability.NewLogger("server"),
	}
}

// Server exposes the underlying gRPC server, e.g. to serve on a bufconn.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler builds the HTTP/JSON routes plus health endpoints.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	s.gwMux = mux

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"POST", "/v1/assets", s.httpRegisterCollateral},
		{"POST", "/v1/assets/{name}:deposit", s.httpDeposit},
		{"POST", "/v1/transfers", s.httpTransfer},
		{"POST", "/v1/markets", s.httpCreateMarket},
		{"GET", "/v1/markets/{id}", s.httpGetMarket},
		{"POST", "/v1/markets/{id}:split", s.httpSplit},
		{"POST", "/v1/markets/{id}:merge", s.httpMerge},
		{"POST", "/v1/markets/{id}:settle", s.httpSettle},
		{"POST", "/v1/markets/{id}:redeem", s.httpRedeem},
		{"GET", "/v1/balances/{holder}/{asset}", s.httpGetBalance},
		{"GET", "/v1/supply/{asset}", s.httpGetSupply},
		{"GET", "/v1/journals/{holder}", s.httpListJournals},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register route %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// ============================================================================
// HTTP/JSON handlers
// ============================================================================

var errorMarshaler = &runtime.JSONPb{}

func (s *GRPCServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	runtime.HTTPError(r.Context(), s.gwMux, errorMarshaler, w, r, toStatus(err))
}

func (s *GRPCServer) writeJSON(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return nil
}

func marketParam(params map[string]string) (market.ID, error) {
	id, err := market.ParseID(params["id"])
	if err != nil {
		return market.ID{}, status.Errorf(codes.InvalidArgument, "market id: %v", err)
	}
	return id, nil
}

func addressParam(params map[string]string, name string) (ledger.Address, error) {
	addr, err := ledger.ParseAddress(params[name])
	if err != nil {
		return ledger.Address{}, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return addr, nil
}

func (s *GRPCServer) httpRegisterCollateral(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req RegisterCollateralRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.service.RegisterCollateral(r.Context(), &req)
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpDeposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req DepositRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Asset = params["name"]
	resp, err := s.service.Deposit(r.Context(), &req)
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpTransfer(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req TransferRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.service.Transfer(r.Context(), &req)
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpCreateMarket(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req CreateMarketRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.service.CreateMarket(r.Context(), &req)
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpGetMarket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := marketParam(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.service.GetMarket(r.Context(), &GetMarketRequest{MarketID: id})
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpSplit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	s.httpPosition(w, r, params, s.service.Split)
}

func (s *GRPCServer) httpMerge(w http.ResponseWriter, r *http.Request, params map[string]string) {
	s.httpPosition(w, r, params, s.service.Merge)
}

func (s *GRPCServer) httpPosition(
	w http.ResponseWriter, r *http.Request, params map[string]string,
	call func(context.Context, *PositionRequest) (*CommandResponse, error),
) {
	id, err := marketParam(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req PositionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.MarketID = id
	resp, err := call(r.Context(), &req)
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpSettle(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := marketParam(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req SettleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.MarketID = id
	resp, err := s.service.Settle(r.Context(), &req)
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpRedeem(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := marketParam(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req RedeemRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.MarketID = id
	resp, err := s.service.Redeem(r.Context(), &req)
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpGetBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	holder, err := addressParam(params, "holder")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := addressParam(params, "asset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.service.GetBalance(r.Context(), &GetBalanceRequest{Holder: holder, Asset: asset})
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpGetSupply(w http.ResponseWriter, r *http.Request, params map[string]string) {
	asset, err := addressParam(params, "asset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.service.GetSupply(r.Context(), &GetSupplyRequest{Asset: asset})
	s.writeJSON(w, r, resp, err)
}

func (s *GRPCServer) httpListJournals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	holder, err := addressParam(params, "holder")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req := &ListJournalsRequest{Holder: holder}
	q := r.URL.Query()
	if v := q.Get("page_size"); v != "" {
		req.PageSize, _ = strconv.Atoi(v)
	}
	if v := q.Get("before_sequence"); v != "" {
		req.BeforeSequence, _ = strconv.ParseInt(v, 10, 64)
	}
	resp, err := s.service.ListJournals(r.Context(), req)
	s.writeJSON(w, r, resp, err)
}
