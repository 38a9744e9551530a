package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"FortyAcres/internal/core"
	"FortyAcres/internal/ingestion"
	"FortyAcres/internal/loan"
	"FortyAcres/internal/observability"
	"FortyAcres/internal/projection"
	"FortyAcres/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service. Messages are JSON;
// clients select the codec with grpc.CallContentSubtype(CodecName).
const ServiceName = "fortyacres.ledger.v1.Ledger"

const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Projections is the projection-backed read surface.
type Projections interface {
	GetBalances(ctx context.Context, holder common.Address) ([]query.BalanceResponse, error)
	GetJournalHistory(ctx context.Context, holder common.Address, limit int, before *int64) ([]query.JournalHistoryEntry, error)
	GetLoans(ctx context.Context, borrower common.Address) ([]query.LoanResponse, error)
	GetLoan(ctx context.Context, market common.Address, key string) (*query.LoanResponse, error)
	GetEvent(ctx context.Context, sequence int64) (*query.EventResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
	GetSystemStatus(ctx context.Context) (*query.SystemStatus, error)
}

// Deps holds everything the RPC and HTTP surfaces serve from. A nil
// Projections answers projection reads with Unavailable.
type Deps struct {
	Projections Projections
	Live        *query.LiveReader
	Ingest      *ingestion.GRPCIngestService
	History     *projection.LoanHistoryProjection
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// --- messages ---

type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type HolderRequest struct {
	Holder string `json:"holder"`
	Limit  int    `json:"limit,omitempty"`
	Before *int64 `json:"before,omitempty"`
}

type LoanRequest struct {
	Market string `json:"market"`
	// Ref is a token id or, in account-keyed markets, an account address.
	Ref string `json:"ref"`
}

type VaultRequest struct {
	Vault  string `json:"vault"`
	Holder string `json:"holder,omitempty"`
}

type FlashFeeRequest struct {
	Market string `json:"market"`
	Amount string `json:"amount"`
}

type EventRequest struct {
	Sequence int64 `json:"sequence"`
}

type Empty struct{}

type BalancesResponse struct {
	Balances []query.BalanceResponse `json:"balances"`
}

type JournalResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type LoansResponse struct {
	Loans []query.LoanResponse `json:"loans"`
}

// LedgerServer is implemented by ledgerService.
type LedgerServer interface {
	Submit(context.Context, *SubmitRequest) (*core.Receipt, error)
	GetBalances(context.Context, *HolderRequest) (*BalancesResponse, error)
	GetJournal(context.Context, *HolderRequest) (*JournalResponse, error)
	GetLoans(context.Context, *HolderRequest) (*LoansResponse, error)
	GetLoan(context.Context, *LoanRequest) (*query.LoanView, error)
	GetMaxLoan(context.Context, *LoanRequest) (*query.MaxLoanView, error)
	GetVault(context.Context, *VaultRequest) (*query.VaultView, error)
	GetFlashFee(context.Context, *FlashFeeRequest) (*query.FlashFeeView, error)
	GetEvent(context.Context, *EventRequest) (*query.EventResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	GetSystemStatus(context.Context, *Empty) (*query.SystemStatus, error)
}

func unary[Req any, Resp any](name string, call func(LedgerServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc describes the ledger service for grpc.Server.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", LedgerServer.Submit),
		unary("GetBalances", LedgerServer.GetBalances),
		unary("GetJournal", LedgerServer.GetJournal),
		unary("GetLoans", LedgerServer.GetLoans),
		unary("GetLoan", LedgerServer.GetLoan),
		unary("GetMaxLoan", LedgerServer.GetMaxLoan),
		unary("GetVault", LedgerServer.GetVault),
		unary("GetFlashFee", LedgerServer.GetFlashFee),
		unary("GetEvent", LedgerServer.GetEvent),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
		unary("GetSystemStatus", LedgerServer.GetSystemStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fortyacres/ledger/v1/ledger.json",
}

// GRPCServer wraps the gRPC server with the ledger and health services.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(addr string, deps *Deps) *GRPCServer {
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&LedgerServiceDesc, &ledgerService{deps: deps})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     deps.Logger,
	}
}

// Serve serves on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Start listens on the configured address and serves (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// ============================================================================
// Ledger service implementation
// ============================================================================

type ledgerService struct {
	deps *Deps
}

func (s *ledgerService) Submit(ctx context.Context, req *SubmitRequest) (*core.Receipt, error) {
	if s.deps.Ingest == nil {
		return nil, status.Error(codes.Unimplemented, "submission disabled")
	}
	r, err := s.deps.Ingest.Submit(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return r, nil
}

func (s *ledgerService) projections() (Projections, error) {
	if s.deps.Projections == nil {
		return nil, status.Error(codes.Unavailable, "projections unavailable")
	}
	return s.deps.Projections, nil
}

func (s *ledgerService) GetBalances(ctx context.Context, req *HolderRequest) (*BalancesResponse, error) {
	p, err := s.projections()
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, toStatus(err)
	}
	balances, err := p.GetBalances(ctx, holder)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalancesResponse{Balances: balances}, nil
}

func (s *ledgerService) GetJournal(ctx context.Context, req *HolderRequest) (*JournalResponse, error) {
	p, err := s.projections()
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, toStatus(err)
	}
	entries, err := p.GetJournalHistory(ctx, holder, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalResponse{Entries: entries}, nil
}

func (s *ledgerService) GetLoans(ctx context.Context, req *HolderRequest) (*LoansResponse, error) {
	p, err := s.projections()
	if err != nil {
		return nil, err
	}
	borrower, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, toStatus(err)
	}
	loans, err := p.GetLoans(ctx, borrower)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LoansResponse{Loans: loans}, nil
}

func (s *ledgerService) GetLoan(ctx context.Context, req *LoanRequest) (*query.LoanView, error) {
	market, ref, err := parseLoanRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := s.deps.Live.Loan(ctx, market, ref)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *ledgerService) GetMaxLoan(ctx context.Context, req *LoanRequest) (*query.MaxLoanView, error) {
	market, ref, err := parseLoanRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := s.deps.Live.MaxLoan(ctx, market, ref)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *ledgerService) GetVault(ctx context.Context, req *VaultRequest) (*query.VaultView, error) {
	addr, err := parseAddress("vault", req.Vault)
	if err != nil {
		return nil, toStatus(err)
	}
	var holder *common.Address
	if req.Holder != "" {
		h, err := parseAddress("holder", req.Holder)
		if err != nil {
			return nil, toStatus(err)
		}
		holder = &h
	}
	v, err := s.deps.Live.Vault(ctx, addr, holder)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *ledgerService) GetFlashFee(ctx context.Context, req *FlashFeeRequest) (*query.FlashFeeView, error) {
	market, err := parseAddress("market", req.Market)
	if err != nil {
		return nil, toStatus(err)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := s.deps.Live.FlashFee(ctx, market, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *ledgerService) GetEvent(ctx context.Context, req *EventRequest) (*query.EventResponse, error) {
	p, err := s.projections()
	if err != nil {
		return nil, err
	}
	e, err := p.GetEvent(ctx, req.Sequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return e, nil
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	p, err := s.projections()
	if err != nil {
		return nil, err
	}
	r, err := p.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return r, nil
}

func (s *ledgerService) GetSystemStatus(ctx context.Context, _ *Empty) (*query.SystemStatus, error) {
	p, err := s.projections()
	if err != nil {
		return nil, err
	}
	st, err := p.GetSystemStatus(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}

// --- argument parsing and error mapping ---

var errBadArgument = errors.New("invalid argument")

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", errBadArgument, field, s)
	}
	return common.HexToAddress(s), nil
}

// parseRef accepts a decimal token id or a hex account address.
func parseRef(s string) (loan.CollateralRef, error) {
	if strings.HasPrefix(s, "0x") {
		addr, err := parseAddress("ref", s)
		if err != nil {
			return loan.CollateralRef{}, err
		}
		return loan.AccountRef(addr), nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return loan.CollateralRef{}, fmt.Errorf("%w: ref %q is neither a token id nor an address", errBadArgument, s)
	}
	return loan.NFT(id), nil
}

func parseLoanRequest(req *LoanRequest) (common.Address, loan.CollateralRef, error) {
	market, err := parseAddress("market", req.Market)
	if err != nil {
		return common.Address{}, loan.CollateralRef{}, err
	}
	ref, err := parseRef(req.Ref)
	if err != nil {
		return common.Address{}, loan.CollateralRef{}, err
	}
	return market, ref, nil
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", errBadArgument, s, err)
	}
	return v, nil
}

// toStatus maps package errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, errBadArgument),
		errors.Is(err, ingestion.ErrInvalidEvent),
		errors.Is(err, ingestion.ErrUnknownEventType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrSequenceGap):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, core.ErrOutOfOrder):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}
