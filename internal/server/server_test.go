package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FortyAcres/internal/core"
	"FortyAcres/internal/event"
	"FortyAcres/internal/ingestion"
	"FortyAcres/internal/observability"
	"FortyAcres/internal/projection"
	"FortyAcres/internal/query"
	"FortyAcres/internal/server"
	"FortyAcres/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	lp    = testutil.Addr(0x1f)
	alice = testutil.Addr(0xa1)
)

type fakeProjections struct {
	balances []query.BalanceResponse
}

func (f *fakeProjections) GetBalances(context.Context, common.Address) ([]query.BalanceResponse, error) {
	return f.balances, nil
}

func (f *fakeProjections) GetJournalHistory(_ context.Context, _ common.Address, limit int, before *int64) ([]query.JournalHistoryEntry, error) {
	entry := query.JournalHistoryEntry{Sequence: int64(limit)}
	if before != nil {
		entry.Timestamp = *before
	}
	return []query.JournalHistoryEntry{entry}, nil
}

func (f *fakeProjections) GetLoans(context.Context, common.Address) ([]query.LoanResponse, error) {
	return nil, nil
}

func (f *fakeProjections) GetLoan(context.Context, common.Address, string) (*query.LoanResponse, error) {
	return nil, query.ErrNotFound
}

func (f *fakeProjections) GetEvent(_ context.Context, seq int64) (*query.EventResponse, error) {
	if seq > 10 {
		return nil, query.ErrNotFound
	}
	return &query.EventResponse{Sequence: seq, EventType: "TokenMinted"}, nil
}

func (f *fakeProjections) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true}, nil
}

func (f *fakeProjections) GetSystemStatus(context.Context) (*query.SystemStatus, error) {
	return &query.SystemStatus{LatestSequence: 7, ProjectionSequence: 5, ProjectionLag: 2}, nil
}

// fixture runs a core with a funded vault and one open loan.
type fixture struct {
	deps    *server.Deps
	tokenID uint64
}

func newFixture(t *testing.T, projections server.Projections) *fixture {
	t.Helper()
	c := testutil.NewCore(t)
	seq := testutil.NewSequencer()
	locked := testutil.E(100, 21)

	testutil.Apply(t, c, &event.TokenMinted{Header: seq.Header(lp, testutil.USDC), To: lp, Amount: testutil.U(100_000_000)})
	testutil.Apply(t, c, &event.VaultDeposited{Header: seq.Header(lp, testutil.Vault), Assets: testutil.U(100_000_000), Receiver: lp})
	testutil.Apply(t, c, &event.TokenMinted{Header: seq.Header(alice, testutil.AERO), To: alice, Amount: locked})
	r := testutil.Apply(t, c, &event.LockCreated{Header: seq.Header(alice, testutil.Escrow), Amount: locked, Permanent: true, To: alice})
	tokenID := r.Result.(map[string]uint64)["token_id"]
	testutil.Apply(t, c, &event.NftApproved{Header: seq.Header(alice, testutil.Escrow), Spender: testutil.Market, TokenID: tokenID})
	testutil.Apply(t, c, &event.LoanRequested{Header: seq.Header(alice, testutil.Market), TokenID: tokenID, Amount: testutil.U(5_000_000)})

	ctx, cancel := context.WithCancel(context.Background())
	cmds := make(chan core.Command)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, cmds)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{
		deps: &server.Deps{
			Projections: projections,
			Live:        query.NewLiveReader(cmds).WithClock(testutil.Clock()),
			Ingest:      ingestion.NewGRPCIngestService(cmds),
			History:     projection.NewLoanHistoryProjection(16),
			Logger:      zerolog.Nop(),
		},
		tokenID: tokenID,
	}
}

func (f *fixture) httpServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := server.NewHTTPServer(server.HTTPConfig{SubmitRateLimit: 100, SubmitBurst: 10}, f.deps, observability.NewHealthChecker(), server.NewHub(4, zerolog.Nop()))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTP_LiveReads(t *testing.T) {
	f := newFixture(t, &fakeProjections{})
	ts := f.httpServer(t)

	var vault query.VaultView
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/vaults/"+testutil.Vault.Hex()+"?holder="+lp.Hex(), &vault))
	assert.Equal(t, "95000000", vault.Idle.Raw)
	require.NotNil(t, vault.Shares)
	assert.Equal(t, "100000000", *vault.Shares)

	var loanView query.LoanView
	url := fmt.Sprintf("%s/v1/markets/%s/loans/%d", ts.URL, testutil.Market.Hex(), f.tokenID)
	require.Equal(t, http.StatusOK, getJSON(t, url, &loanView))
	assert.Equal(t, alice, loanView.Details.Borrower)
	assert.Equal(t, "5040000", loanView.Details.Balance.Dec())

	var fee query.FlashFeeView
	url = fmt.Sprintf("%s/v1/markets/%s/flash-fee?amount=1000000", ts.URL, testutil.Market.Hex())
	require.Equal(t, http.StatusOK, getJSON(t, url, &fee))
	assert.Equal(t, "900", fee.Fee.Raw)
}

func TestHTTP_Errors(t *testing.T) {
	f := newFixture(t, &fakeProjections{})
	ts := f.httpServer(t)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/markets/not-an-address/loans/1", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/markets/"+testutil.Market.Hex()+"/loans/999", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/listings/1", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/offers/abc", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/events/11", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/markets/"+testutil.Market.Hex()+"/flash-fee?amount=-1", nil))
}

func TestHTTP_ProjectionReads(t *testing.T) {
	f := newFixture(t, &fakeProjections{balances: []query.BalanceResponse{{Holder: lp.Hex(), Symbol: "USDC"}}})
	ts := f.httpServer(t)

	var balances server.BalancesResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/holders/"+lp.Hex()+"/balances", &balances))
	require.Len(t, balances.Balances, 1)
	assert.Equal(t, "USDC", balances.Balances[0].Symbol)

	var journal server.JournalResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/holders/"+lp.Hex()+"/journal?limit=5&before=9", &journal))
	require.Len(t, journal.Entries, 1)
	assert.Equal(t, int64(5), journal.Entries[0].Sequence)
	assert.Equal(t, int64(9), journal.Entries[0].Timestamp)

	var st query.SystemStatus
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/admin/status", &st))
	assert.Equal(t, int64(2), st.ProjectionLag)
}

func TestHTTP_Metrics(t *testing.T) {
	f := newFixture(t, &fakeProjections{})
	m := observability.NewMetrics(prometheus.NewRegistry())
	f.deps.Metrics = m
	ts := f.httpServer(t)

	vault := "/v1/vaults/{vault}"
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/vaults/"+testutil.Vault.Hex(), nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/vaults/nope", nil))

	assert.Equal(t, 1.0, promtest.ToFloat64(m.QueryRequests.WithLabelValues(vault, "200")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.QueryRequests.WithLabelValues(vault, "400")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.QueryErrors.WithLabelValues(vault, "400")))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.QueryErrors.WithLabelValues(vault, "200")))
}

func TestHTTP_NoProjections(t *testing.T) {
	f := newFixture(t, nil)
	ts := f.httpServer(t)

	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/v1/holders/"+lp.Hex()+"/balances", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/v1/admin/integrity", nil))
}

func TestHTTP_Submit(t *testing.T) {
	f := newFixture(t, nil)
	ts := f.httpServer(t)

	body := fmt.Sprintf(`{"event_id":"6f1c3b9e-7e1f-4a55-9a0e-2d4c1b7e9f10","sender":"%s","contract":"%s","sequence":-1,"timestamp_us":%d,"to":"%s","amount":"250"}`,
		lp.Hex(), testutil.USDC.Hex(), int64(testutil.GenesisTime)*1_000_000, alice.Hex())
	resp, err := http.Post(ts.URL+"/v1/events/TokenMinted", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var receipt core.Receipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	assert.Empty(t, receipt.Revert)
	assert.False(t, receipt.Duplicate)
	assert.Positive(t, receipt.Sequence)

	resp2, err := http.Post(ts.URL+"/v1/events/NoSuchEvent", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestHTTP_Health(t *testing.T) {
	f := newFixture(t, nil)
	health := observability.NewHealthChecker()
	s := server.NewHTTPServer(server.HTTPConfig{}, f.deps, health, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/readyz", nil))
	health.SetReady(true)
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/readyz", nil))
}

func TestStream_FiltersByType(t *testing.T) {
	hub := server.NewHub(4, zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?type=LoanRequested"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(ingestion.PublishableEvent{Sequence: 1, EventType: "TokenMinted"})
	hub.Broadcast(ingestion.PublishableEvent{Sequence: 2, EventType: "LoanRequested"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got ingestion.PublishableEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, int64(2), got.Sequence)
	assert.Equal(t, "LoanRequested", got.EventType)
}

func TestGRPC_JSONCodec(t *testing.T) {
	f := newFixture(t, &fakeProjections{})
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.NewGRPCServer("bufnet", f.deps).Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	defer conn.Close()

	method := func(name string) string { return "/" + server.ServiceName + "/" + name }

	var vault query.VaultView
	require.NoError(t, conn.Invoke(ctx, method("GetVault"), &server.VaultRequest{Vault: testutil.Vault.Hex()}, &vault))
	assert.Equal(t, "5000000", vault.Outstanding.Raw)

	var maxLoan query.MaxLoanView
	err = conn.Invoke(ctx, method("GetMaxLoan"), &server.LoanRequest{Market: testutil.Market.Hex(), Ref: "nope"}, &maxLoan)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	var receipt core.Receipt
	err = conn.Invoke(ctx, method("Submit"), &server.SubmitRequest{EventType: "TokenMinted", Payload: json.RawMessage(`{"bogus":true}`)}, &receipt)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	var report query.IntegrityReport
	require.NoError(t, conn.Invoke(ctx, method("VerifyIntegrity"), &server.Empty{}, &report))
	assert.True(t, report.IsHealthy)
}
