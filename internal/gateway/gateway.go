// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package gateway serves the WebSocket endpoint and the internal push API.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/core"
)

// Defaults.
const (
	DefaultPingInterval    = 30 * time.Second
	DefaultPongTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultSendBuffer      = 256
	DefaultMaxMessageBytes = 64 << 10
	DefaultInboundRate     = 20
	DefaultInboundBurst    = 40
)

// SessionCookie is the cookie carrying the session credential.
const SessionCookie = "session"

// Engine is the connection lifecycle the gateway drives.
type Engine interface {
	Admit(ctx context.Context, creds auth.Credentials) (auth.Admission, error)
	Attach(ctx context.Context, admission auth.Admission, sink core.Sink) (*core.Connection, error)
	Detach(ctx context.Context, conn *core.Connection)
	Heartbeat(ctx context.Context, conn *core.Connection)
	Dispatch(ctx context.Context, conn *core.Connection, event string, raw json.RawMessage) error
}

// Pusher is the outbound push API exposed on the internal endpoint.
type Pusher interface {
	EmitToUser(ctx context.Context, userID, event string, payload any)
	EmitToRoom(ctx context.Context, roomID, event string, payload any)
	Broadcast(ctx context.Context, event string, payload any)
}

// Config configures the gateway.
type Config struct {
	Addr            string
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	// InboundRate and InboundBurst throttle frames per connection.
	InboundRate  float64
	InboundBurst int
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
	// PushSecret enables the internal push endpoint when set.
	PushSecret string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.InboundRate <= 0 {
		c.InboundRate = DefaultInboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = DefaultInboundBurst
	}
	return c
}

var (
	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_gateway_rejections_total",
			Help: "Handshakes rejected before upgrade, by error code",
		},
		[]string{"code"},
	)
	throttled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomcast_gateway_throttled_frames_total",
		Help: "Inbound frames dropped by the per-connection flood limit",
	})
	pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_gateway_push_requests_total",
			Help: "Internal push requests by status code",
		},
		[]string{"status"},
	)
)

// RegisterMetrics registers gateway metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(rejections, throttled, pushes)
}

// Server is the public listener.
type Server struct {
	engine   Engine
	pusher   Pusher
	cfg      Config
	upgrader websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool

	mu       sync.Mutex
	closing  bool
	sessions map[*client]struct{}
}

// New creates a gateway. pusher may be nil when the push endpoint is unused.
func New(engine Engine, pusher Pusher, cfg Config) (*Server, error) {
	if engine == nil {
		return nil, core.ErrNilDependency("engine")
	}
	if cfg.PushSecret != "" && pusher == nil {
		return nil, core.ErrNilDependency("pusher")
	}
	cfg = cfg.withDefaults()
	s := &Server{engine: engine, pusher: pusher, cfg: cfg, sessions: make(map[*client]struct{})}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.cfg.PushSecret != "" {
		mux.HandleFunc("POST /internal/v1/emit", s.handleEmit)
	}
	return mux
}

// Start begins serving. The returned channel receives a serve error, if any,
// and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("gateway already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.cfg.Addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("gateway server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("gateway started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop shuts the listener down, then closes every WebSocket with 1001 and
// waits until each connection has been detached or ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_gateway").Wrap(err)
		}
	}

	s.mu.Lock()
	s.closing = true
	open := make([]*client, 0, len(s.sessions))
	for c := range s.sessions {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	for _, c := range open {
		select {
		case <-c.finished:
		case <-ctx.Done():
			return oops.With("operation", "drain_gateway").With("open", len(open)).Wrap(ctx.Err())
		}
	}
	slog.Info("gateway stopped", "drained", len(open))
	return nil
}

// track registers c for draining. It fails once Stop has begun.
func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.sessions, c)
	s.mu.Unlock()
	close(c.finished)
}

// Addr returns the listening address, or "" when not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// CredentialsFromRequest extracts the session credential from the bearer
// header, the session cookie or the token query parameter, in that order.
func CredentialsFromRequest(r *http.Request) auth.Credentials {
	creds := auth.Credentials{ClientVersion: r.URL.Query().Get("client_version")}
	if token, ok := bearerToken(r); ok {
		creds.Token = token
		return creds
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		creds.Token = c.Value
		return creds
	}
	creds.Token = r.URL.Query().Get("token")
	return creds
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AdmissionStatus maps an admission error to the HTTP status returned
// before the upgrade.
func AdmissionStatus(err error) int {
	switch core.ErrorCode(err) {
	case core.CodeAuthInvalid:
		return http.StatusUnauthorized
	case core.CodeClientUnsupported:
		return http.StatusUpgradeRequired
	case core.CodeRateLimited:
		return http.StatusTooManyRequests
	case core.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case core.CodeAdmissionTimeout:
		return http.StatusGatewayTimeout
	case core.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	code := core.ErrorCode(err)
	rejections.WithLabelValues(code).Inc()
	status := AdmissionStatus(err)
	if retry := core.RetryAfter(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	slog.InfoContext(r.Context(), "connection rejected",
		"code", code, "status", status, "remote", r.RemoteAddr, "error", err)
	writeJSON(w, status, core.NewErrorPayload("", err))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client may have gone away
	json.NewEncoder(w).Encode(body)
}
