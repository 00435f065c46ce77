package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dmmcquay/pikafish-mcp/internal/logging"
	"github.com/dmmcquay/pikafish-mcp/internal/metrics"
	"github.com/dmmcquay/pikafish-mcp/internal/retry"
)

// Supervisor keeps an engine running. It restarts the engine when it stops,
// fails a health ping, or is left suspect by a failed search. The session
// never retries on its own; this is the caller side policy.
type Supervisor struct {
	engine       EngineInterface
	logger       logging.ContextLogger
	retryManager *retry.Manager
	metrics      *metrics.PrometheusCollector

	mu                  sync.Mutex
	running             bool
	stopCh              chan struct{}
	doneCh              chan struct{}
	restartCh           chan struct{}
	healthCheckInterval time.Duration
	pingTimeout         time.Duration
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithHealthCheckInterval sets how often the engine is pinged.
func WithHealthCheckInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.healthCheckInterval = d
	}
}

// WithRetryConfig replaces the restart backoff policy.
func WithRetryConfig(cfg retry.Config) SupervisorOption {
	return func(s *Supervisor) {
		s.retryManager = retry.NewManager(cfg)
	}
}

// WithSupervisorMetrics records restarts on the given collector.
func WithSupervisorMetrics(m *metrics.PrometheusCollector) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// NewSupervisor creates a supervisor for engine.
func NewSupervisor(engine EngineInterface, logger logging.ContextLogger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		engine:              engine,
		logger:              logger,
		retryManager:        retry.NewManager(retry.DefaultConfig()),
		restartCh:           make(chan struct{}, 1),
		healthCheckInterval: 30 * time.Second,
		pingTimeout:         10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retryManager.OnRetry(func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("Engine start failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
	return s
}

// Start launches the engine in the background and begins supervising it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("supervisor already running")
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.supervise(ctx, s.stopCh, s.doneCh)

	return nil
}

// Stop ends supervision and stops the engine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
	}

	s.engine.Stop(ctx)
	return nil
}

// GetEngine returns the supervised engine.
func (s *Supervisor) GetEngine() EngineInterface {
	return s.engine
}

// Restart requests a restart of the engine.
func (s *Supervisor) Restart() {
	select {
	case s.restartCh <- struct{}{}:
		s.logger.Info("Manual restart requested")
	default:
		// restart already pending
	}
}

func (s *Supervisor) supervise(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	s.logger.Info("Starting engine supervisor", "interval", s.healthCheckInterval)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	s.startEngineWithRetry(runCtx)

	healthTicker := time.NewTicker(s.healthCheckInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-runCtx.Done():
			s.logger.Info("Engine supervisor stopped")
			return

		case <-s.restartCh:
			s.logger.Info("Processing restart request")
			s.restart(runCtx)

		case <-healthTicker.C:
			s.check(runCtx)
		}
	}
}

// check pings the engine and restarts it when the ping fails.
func (s *Supervisor) check(ctx context.Context) {
	if !s.engine.IsRunning() {
		s.logger.Warn("Engine not running, restarting")
		s.restart(ctx)
		return
	}

	suspect := s.engine.NeedsRestart()
	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	err := s.engine.Ping(pingCtx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("Engine health check failed", "error", err, "suspect", suspect)
		s.restart(ctx)
	}
}

func (s *Supervisor) restart(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.RecordEngineRestart()
	}
	s.engine.Stop(ctx)
	s.startEngineWithRetry(ctx)
}

func (s *Supervisor) startEngineWithRetry(ctx context.Context) {
	err := s.retryManager.Run(ctx, func(retryCtx context.Context) error {
		s.logger.Info("Starting engine")

		if err := s.engine.Start(retryCtx); err != nil {
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
				return retry.Permanent(err)
			}
			return err
		}

		pingCtx, cancel := context.WithTimeout(retryCtx, s.pingTimeout)
		defer cancel()
		if err := s.engine.Ping(pingCtx); err != nil {
			s.engine.Stop(retryCtx)
			return err
		}

		s.logger.Info("Engine started successfully", "engine", s.engine.Info().Name)
		return nil
	})

	if err != nil && ctx.Err() == nil {
		s.logger.Error("Failed to start engine", "error", err)
	}
}
