// Package api is the HTTP surface shared by all three services: the single
// JSON-RPC protocol endpoint, a health endpoint, and Prometheus metrics. The
// manager additionally mounts its WebSocket event feed here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/events"
	"github.com/openbracket/openbracket/internal/jsonrpc"
	"github.com/openbracket/openbracket/internal/metrics"
	"github.com/openbracket/openbracket/internal/protocol"
)

// MessageHandler processes one validated-shape protocol message and returns
// the reply envelope and payload. League-level failures come back as a
// *protocol.Error and are delivered to the peer as an ERROR envelope inside
// a successful JSON-RPC response.
type MessageHandler interface {
	Handle(ctx context.Context, env protocol.Envelope, payload json.RawMessage) (protocol.Envelope, any, *protocol.Error)
	// ErrorReply builds the ERROR envelope for a rejected request.
	ErrorReply(env protocol.Envelope) protocol.Envelope
}

// ServerConfig holds everything needed to build a service's HTTP server.
type ServerConfig struct {
	Service string // "manager", "referee", or "player"
	Host    string
	Port    int
	Handler MessageHandler
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Ping reports database liveness for the health endpoint. Nil for
	// services without a database.
	Ping func(ctx context.Context) error

	// EventsHub, when set, mounts GET /ws/events. Manager only.
	EventsHub *events.Hub
}

// Server wraps the HTTP listener for one service.
type Server struct {
	cfg     ServerConfig
	httpSrv *http.Server
	logger  *zap.Logger
	started time.Time
}

// NewServer builds the router and server. Start must be called to listen.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Post("/mcp", s.handleRPC)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", cfg.Metrics.Handler())

	if cfg.EventsHub != nil {
		r.Get("/ws/events", s.handleEvents)
	}

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens until the server is shut down. Returns nil on graceful stop.
func (s *Server) Start() error {
	s.started = time.Now()
	s.logger.Info("listening", zap.String("addr", s.httpSrv.Addr), zap.String("service", s.cfg.Service))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpSrv.Addr }

// handleRPC is the single protocol endpoint. JSON-RPC shape errors get
// JSON-RPC error objects; everything past that point is a league-level
// conversation and travels inside successful responses.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	req, rpcErr := jsonrpc.DecodeRequest(r)
	if rpcErr != nil {
		jsonrpc.WriteError(w, nil, rpcErr)
		return
	}

	env := req.Params.Envelope
	replyEnv, payload, perr := s.cfg.Handler.Handle(r.Context(), env, req.Params.Payload)
	if perr != nil {
		s.cfg.Metrics.ObserveMessage(string(env.MessageType), "rejected:"+string(perr.Code))
		jsonrpc.WriteResult(w, req.ID, s.cfg.Handler.ErrorReply(env), perr)
		return
	}

	s.cfg.Metrics.ObserveMessage(string(env.MessageType), "accepted")
	jsonrpc.WriteResult(w, req.ID, replyEnv, payload)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string  `json:"status"`
	Service       string  `json:"service"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Database      string  `json:"database,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Service:       s.cfg.Service,
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	status := http.StatusOK
	if s.cfg.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	client, err := events.NewClient(s.cfg.EventsHub, w, r, s.logger)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
