// Package httpapi serves the public HTTP surface: run admission, device
// endpoints, the Telegram webhook and the live SSE and WebSocket bridges.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"athena/internal/domain"
	"athena/internal/infra/config"
	"athena/internal/infra/metrics"
	"athena/internal/infra/middleware"
	"athena/internal/usecase/admission"
	"athena/internal/usecase/bridge"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Admitter is the admission surface the HTTP handlers call.
type Admitter interface {
	bridge.Submitter
	DeviceAttempt(ctx context.Context, actor string, ev admission.DeviceEvent) (*admission.AttemptReceipt, error)
	Permit(eventID string, ttlMinutes int) admission.PermitGrant
}

// ChatActor shows a transient chat status such as "typing".
type ChatActor interface {
	ChatAction(ctx context.Context, chatID, action string) error
}

// Deps wires a Server. Chat is optional.
type Deps struct {
	Admission Admitter
	Events    domain.Subscriber
	Chat      ChatActor
	HTTP      config.HTTPConfig
	Webhook   config.WebhookConfig
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Server is the HTTP front door.
type Server struct {
	deps      Deps
	sse       *bridge.Pump
	ws        *bridge.Pump
	httpSrv   *http.Server
	boundAddr atomic.Value // string
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	sseEvery := deps.HTTP.SSEHeartbeat
	if sseEvery <= 0 {
		sseEvery = bridge.SSEInterval
	}
	wsEvery := deps.HTTP.WSPollInterval
	if wsEvery <= 0 {
		wsEvery = bridge.WSInterval
	}
	return &Server{
		deps: deps,
		sse:  bridge.NewPump(deps.Events, sseEvery, deps.Logger),
		ws:   bridge.NewPump(deps.Events, wsEvery, deps.Logger),
	}
}

// Handler returns the routed and hardened handler. ctx bounds the rate
// limiter's cleanup goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/runs", s.handleCreateRun)
	s.route(mux, "POST /api/device/attempt", s.handleDeviceAttempt)
	s.route(mux, "POST /api/device/permit", s.handleDevicePermit)
	s.route(mux, "GET /api/runs/{run_id}/events", s.handleRunEvents)
	s.route(mux, "GET /ws/{agent}/{session_id}", s.handleSocket)
	s.route(mux, "POST /api/webhooks/telegram", s.handleTelegram)
	s.route(mux, "GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	mw := []func(http.Handler) http.Handler{
		middleware.RequestLogger(s.deps.Logger),
		middleware.SecurityHeaders,
		middleware.CORS(s.deps.HTTP.CORSOrigins),
	}
	if s.deps.HTTP.RateLimitRPM > 0 {
		mw = append(mw, middleware.RateLimit(ctx, s.deps.HTTP.RateLimitRPM, s.deps.HTTP.RateLimitBurst))
	}
	return middleware.Chain(mux, mw...)
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.deps.Metrics.Instrument(pattern, h))
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.deps.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.deps.HTTP.Addr, err)
	}
	s.boundAddr.Store(ln.Addr().String())

	readHeader := s.deps.HTTP.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 10 * time.Second
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: readHeader,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	s.deps.Logger.Info("http api started", "addr", s.BoundAddr())
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the listening address. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and writes its detail.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error("request failed", "op", op, "error", err)
	}
	msg := err.Error()
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" && status < http.StatusInternalServerError {
		msg = de.Detail
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON object body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.NewDomainError("httpapi.decode", domain.ErrInvalidInput, "request body too large (max 1MB)")
		}
		return domain.NewDomainError("httpapi.decode", domain.ErrInvalidInput, "invalid JSON: "+err.Error())
	}
	return nil
}
