package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"FortyAcres/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxSubmitBody = 1 << 20

// HTTPConfig tunes the HTTP surface.
type HTTPConfig struct {
	Addr            string
	SubmitRateLimit float64
	SubmitBurst     int
}

// HTTPServer serves the JSON API, health probes and the event stream.
type HTTPServer struct {
	cfg    HTTPConfig
	svc    *ledgerService
	health *observability.HealthChecker
	hub    *Hub
	server *http.Server
}

func NewHTTPServer(cfg HTTPConfig, deps *Deps, health *observability.HealthChecker, hub *Hub) *HTTPServer {
	s := &HTTPServer{
		cfg:    cfg,
		svc:    &ledgerService{deps: deps},
		health: health,
		hub:    hub,
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the router.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if m := s.svc.deps.Metrics; m != nil {
		r.Use(instrument(m))
	}

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(rateLimit(s.cfg.SubmitRateLimit, s.cfg.SubmitBurst)).Post("/events/{type}", s.submit)
		r.Get("/events/{seq}", s.getEvent)

		r.Get("/holders/{addr}/balances", s.getBalances)
		r.Get("/holders/{addr}/journal", s.getJournal)
		r.Get("/borrowers/{addr}/loans", s.getLoans)
		r.Get("/borrowers/{addr}/history", s.getHistory)

		r.Get("/markets/{market}", s.getMarket)
		r.Get("/markets/{market}/loans/{ref}", s.getLoan)
		r.Get("/markets/{market}/max-loan/{ref}", s.getMaxLoan)
		r.Get("/markets/{market}/flash-fee", s.getFlashFee)
		r.Get("/vaults/{vault}", s.getVault)
		r.Get("/listings/{id}", s.getListing)
		r.Get("/offers/{id}", s.getOffer)
		r.Get("/community/{ledger}/earned", s.getEarned)

		r.Get("/admin/integrity", s.verifyIntegrity)
		r.Get("/admin/status", s.systemStatus)

		if s.hub != nil {
			r.Get("/stream", s.hub.ServeWS)
		}
	})
	return r
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.svc.deps.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.svc.deps.Logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instrument records request counts and latency per route pattern.
func instrument(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			endpoint := chi.RouteContext(r.Context()).RoutePattern()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			code := strconv.Itoa(ww.Status())
			m.QueryRequests.WithLabelValues(endpoint, code).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if ww.Status() >= http.StatusBadRequest {
				m.QueryErrors.WithLabelValues(endpoint, code).Inc()
			}
		})
	}
}

// rateLimit sheds requests beyond perSecond with 429.
func rateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// --- handlers ---

func (s *HTTPServer) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.svc.Submit(r.Context(), &SubmitRequest{
		EventType: chi.URLParam(r, "type"),
		Payload:   body,
	})
	respond(w, receipt, err)
}

func (s *HTTPServer) getEvent(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "sequence must be an integer")
		return
	}
	e, err := s.svc.GetEvent(r.Context(), &EventRequest{Sequence: seq})
	respond(w, e, err)
}

func holderRequest(r *http.Request) (*HolderRequest, error) {
	req := &HolderRequest{Holder: chi.URLParam(r, "addr")}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "limit must be an integer")
		}
		req.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "before must be an integer")
		}
		req.Before = &n
	}
	return req, nil
}

func (s *HTTPServer) getBalances(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GetBalances(r.Context(), &HolderRequest{Holder: chi.URLParam(r, "addr")})
	respond(w, resp, err)
}

func (s *HTTPServer) getJournal(w http.ResponseWriter, r *http.Request) {
	req, err := holderRequest(r)
	if err != nil {
		respond(w, nil, err)
		return
	}
	resp, err := s.svc.GetJournal(r.Context(), req)
	respond(w, resp, err)
}

func (s *HTTPServer) getLoans(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.GetLoans(r.Context(), &HolderRequest{Holder: chi.URLParam(r, "addr")})
	respond(w, resp, err)
}

// getHistory serves the in-memory loan history, newest first.
func (s *HTTPServer) getHistory(w http.ResponseWriter, r *http.Request) {
	req, err := holderRequest(r)
	if err != nil {
		respond(w, nil, err)
		return
	}
	borrower, err := parseAddress("borrower", req.Holder)
	if err != nil {
		respond(w, nil, toStatus(err))
		return
	}
	if s.svc.deps.History == nil {
		respond(w, nil, status.Error(codes.Unavailable, "loan history disabled"))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"borrower": borrower.Hex(),
		"entries":  s.svc.deps.History.QueryByBorrower(borrower, limit),
	})
}

func (s *HTTPServer) getMarket(w http.ResponseWriter, r *http.Request) {
	market, err := parseAddress("market", chi.URLParam(r, "market"))
	if err != nil {
		respond(w, nil, toStatus(err))
		return
	}
	v, err := s.svc.deps.Live.Market(r.Context(), market)
	respond(w, v, wrapStatus(err))
}

func (s *HTTPServer) getLoan(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.GetLoan(r.Context(), &LoanRequest{
		Market: chi.URLParam(r, "market"),
		Ref:    chi.URLParam(r, "ref"),
	})
	respond(w, v, err)
}

func (s *HTTPServer) getMaxLoan(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.GetMaxLoan(r.Context(), &LoanRequest{
		Market: chi.URLParam(r, "market"),
		Ref:    chi.URLParam(r, "ref"),
	})
	respond(w, v, err)
}

func (s *HTTPServer) getFlashFee(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.GetFlashFee(r.Context(), &FlashFeeRequest{
		Market: chi.URLParam(r, "market"),
		Amount: r.URL.Query().Get("amount"),
	})
	respond(w, v, err)
}

func (s *HTTPServer) getVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.GetVault(r.Context(), &VaultRequest{
		Vault:  chi.URLParam(r, "vault"),
		Holder: r.URL.Query().Get("holder"),
	})
	respond(w, v, err)
}

func (s *HTTPServer) getListing(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	v, err := s.svc.deps.Live.Listing(r.Context(), id)
	respond(w, v, wrapStatus(err))
}

func (s *HTTPServer) getOffer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	v, err := s.svc.deps.Live.Offer(r.Context(), id)
	respond(w, v, wrapStatus(err))
}

func (s *HTTPServer) getEarned(w http.ResponseWriter, r *http.Request) {
	var addrs [3]common.Address
	for i, f := range []struct{ name, value string }{
		{"ledger", chi.URLParam(r, "ledger")},
		{"token", r.URL.Query().Get("token")},
		{"owner", r.URL.Query().Get("owner")},
	} {
		a, err := parseAddress(f.name, f.value)
		if err != nil {
			respond(w, nil, toStatus(err))
			return
		}
		addrs[i] = a
	}
	v, err := s.svc.deps.Live.Earned(r.Context(), addrs[0], addrs[1], addrs[2])
	respond(w, v, wrapStatus(err))
}

func (s *HTTPServer) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.VerifyIntegrity(r.Context(), &Empty{})
	respond(w, v, err)
}

func (s *HTTPServer) systemStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.GetSystemStatus(r.Context(), &Empty{})
	respond(w, v, err)
}

// --- encoding ---

var httpStatus = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.NotFound:           http.StatusNotFound,
	codes.FailedPrecondition: http.StatusConflict,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.Unimplemented:      http.StatusNotImplemented,
	codes.Canceled:           499,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
}

func wrapStatus(err error) error {
	if err == nil {
		return nil
	}
	return toStatus(err)
}

// respond writes v, or the HTTP form of a gRPC status error.
func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		st, _ := status.FromError(err)
		code, ok := httpStatus[st.Code()]
		if !ok {
			code = http.StatusInternalServerError
		}
		writeError(w, code, st.Message())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
