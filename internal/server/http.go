// Package server exposes health, metrics and analysis over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/dmmcquay/pikafish-mcp/internal/engine"
	"github.com/dmmcquay/pikafish-mcp/internal/health"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
	"github.com/dmmcquay/pikafish-mcp/internal/metrics"
	"github.com/dmmcquay/pikafish-mcp/internal/ratelimit"
)

// maxConnections caps concurrent connections, open WebSocket streams
// included.
const maxConnections = 256

// HTTPServer serves the health, metrics and analysis endpoints.
type HTTPServer struct {
	server   *http.Server
	router   *httprouter.Router
	upgrader websocket.Upgrader
	logger   logging.ContextLogger
	checker  *health.Checker
	engine   engine.EngineInterface
	limiter  *ratelimit.Limiter
	metrics  *metrics.PrometheusCollector

	mu       sync.Mutex
	listener net.Listener
}

// Option configures an HTTPServer.
type Option func(*HTTPServer)

// WithRateLimiter guards the analysis endpoints.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *HTTPServer) { s.limiter = l }
}

// WithMetrics replaces the shared Prometheus collector.
func WithMetrics(m *metrics.PrometheusCollector) Option {
	return func(s *HTTPServer) { s.metrics = m }
}

// NewHTTPServer creates a server listening on addr.
func NewHTTPServer(addr string, logger logging.ContextLogger, checker *health.Checker, eng engine.EngineInterface, opts ...Option) *HTTPServer {
	s := &HTTPServer{
		router:  httprouter.New(),
		logger:  logger,
		checker: checker,
		engine:  eng,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewPrometheusCollector()
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           PrometheusMiddleware(s.metrics)(s.router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *HTTPServer) setupRoutes() {
	s.router.HandlerFunc(http.MethodGet, "/health", s.checker.LivenessHandler())
	s.router.HandlerFunc(http.MethodGet, "/ready", s.checker.ReadinessHandler())
	s.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.GET("/api/engine", s.handleEngineStatus)
	s.router.POST("/api/analysis", s.handleAnalysis)
	s.router.POST("/api/review", s.handleReview)
	s.router.GET("/api/game/starting-fen", s.handleStartingFEN)
	s.router.GET("/ws/analysis", s.handleAnalysisSocket)
}

// Handler returns the routed handler with middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves in the background.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, maxConnections)
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server. Open WebSocket streams are
// hijacked connections and are closed by their handlers when the engine
// session stops.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
