package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"walletsync/internal/connectflow"
	"walletsync/internal/hmacauth"
	"walletsync/internal/lifecycle"
	"walletsync/internal/metrics"
	"walletsync/internal/ratelimit"
	"walletsync/internal/wallet"
)

// Service is the wallet session API the HTTP surface exposes.
type Service interface {
	State() wallet.UnifiedState
	Subscribe(fn func(wallet.UnifiedState)) lifecycle.Subscription
	RequestConnect(ctx context.Context, target wallet.ProviderID) (<-chan connectflow.Attempt, error)
	ConnectAttempt() connectflow.Attempt
	Disconnect(ctx context.Context, target wallet.ProviderID) (wallet.UnifiedState, error)
	NotifyFocus()
}

type Options struct {
	HTTPPort      int
	HMACSecret    string
	HMACClockSkew time.Duration
	RateLimit     float64
	RateBurst     int

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Registry

	// Optional dependency checks reported by /health.
	StorageHealth func(context.Context) error
	RPCHealth     func(context.Context) error
}

type Server struct {
	svc         Service
	logger      *zap.Logger
	hmac        *hmacauth.Verifier
	limiter     *ratelimit.Limiter
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(svc Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	logger := opts.Logger.Named("http")

	s := &Server{
		svc:    svc,
		logger: logger,
		hmac: &hmacauth.Verifier{
			Secret:   opts.HMACSecret,
			MaxSkew:  opts.HMACClockSkew,
			Clock:    opts.Clock,
			Logger:   logger,
			OnReject: func(w http.ResponseWriter, _ *http.Request, err error) { writeError(w, http.StatusUnauthorized, err) },
		},
		limiter:     ratelimit.New(opts.RateLimit, opts.RateBurst, opts.Clock),
		dbHealthFn:  opts.StorageHealth,
		rpcHealthFn: opts.RPCHealth,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/wallet/state", s.handleState)
	mux.HandleFunc("GET /api/v1/wallet/events", s.handleEvents)
	mux.Handle("POST /api/v1/wallet/connect", s.control(s.handleConnect))
	mux.Handle("POST /api/v1/wallet/disconnect", s.control(s.handleDisconnect))
	mux.Handle("POST /api/v1/wallet/focus", s.control(s.handleFocus))
	mux.Handle("GET /api/v1/metrics", opts.Metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(opts.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// control wraps a state-changing route: rate limit first, then signature.
func (s *Server) control(h http.HandlerFunc) http.Handler {
	return s.limiter.Middleware(s.hmac.Middleware(h))
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// stateResponse adds display fields derived from the active provider.
type stateResponse struct {
	wallet.UnifiedState
	ShortAddress string `json:"shortAddress,omitempty"`
	Network      string `json:"network,omitempty"`
	Gasless      bool   `json:"gasless,omitempty"`
}

func newStateResponse(st wallet.UnifiedState) stateResponse {
	resp := stateResponse{UnifiedState: st}
	if !st.Connected {
		return resp
	}
	resp.ShortAddress = wallet.ShortAddress(st.Address)
	resp.Network = wallet.NetworkName(st.ActiveProvider.Family(), st.ChainID)
	if st.ActiveProvider == wallet.GenericWalletKit {
		resp.Gasless = wallet.GaslessSupported(st.ChainID)
	}
	return resp
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStateResponse(s.svc.State()))
}

type targetRequest struct {
	Target wallet.ProviderID `json:"target"`
}

// decodeTarget accepts an empty body as "any provider".
func decodeTarget(r *http.Request) (wallet.ProviderID, error) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return wallet.NoProvider, fmt.Errorf("invalid json payload: %w", err)
	}
	return req.Target, nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target, err := decodeTarget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updates, err := s.svc.RequestConnect(r.Context(), target)
	var dup *connectflow.DuplicateConnectError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, struct {
			Error   string              `json:"error"`
			Attempt connectflow.Attempt `json:"attempt"`
		}{Error: err.Error(), Attempt: dup.Current})
		return
	case errors.Is(err, wallet.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if r.URL.Query().Get("wait") == "" {
		// Idle then Probing are queued before RequestConnect returns.
		var last connectflow.Attempt
		for i := 0; i < 2; i++ {
			last = <-updates
		}
		writeJSON(w, http.StatusAccepted, last)
		return
	}

	var last connectflow.Attempt
	for {
		select {
		case a, ok := <-updates:
			if !ok {
				writeJSON(w, http.StatusOK, last)
				return
			}
			last = a
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	target, err := decodeTarget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	st, err := s.svc.Disconnect(r.Context(), target)
	switch {
	case errors.Is(err, wallet.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		s.logger.Warn("disconnect incomplete", zap.String("target", target.String()), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, struct {
			Error string        `json:"error"`
			State stateResponse `json:"state"`
		}{Error: err.Error(), State: newStateResponse(st)})
	default:
		writeJSON(w, http.StatusOK, newStateResponse(st))
	}
}

func (s *Server) handleFocus(w http.ResponseWriter, _ *http.Request) {
	s.svc.NotifyFocus()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status  string              `json:"status"`
		RPC     any                 `json:"rpc"`
		Storage any                 `json:"storage"`
		Wallet  stateResponse       `json:"wallet"`
		Connect connectflow.Attempt `json:"connect"`
	}{
		Status:  status,
		RPC:     rpcInfo,
		Storage: dbInfo,
		Wallet:  newStateResponse(s.svc.State()),
		Connect: s.svc.ConnectAttempt(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
