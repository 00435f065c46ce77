// Package shutdown runs registered cleanup steps when the server exits.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmmcquay/pikafish-mcp/internal/logging"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager runs shutdown steps in reverse registration order, so a component
// registered after its dependencies is stopped before them. All steps share
// one deadline.
type Manager struct {
	logger logging.ContextLogger

	mu    sync.Mutex
	steps []step

	once sync.Once
	done chan struct{}
	err  error
}

// NewManager creates a new shutdown manager.
func NewManager(logger logging.ContextLogger) *Manager {
	return &Manager{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Register adds a named shutdown step.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// HandleSignals shuts down on SIGINT or SIGTERM. Cancelling ctx stops
// listening without shutting down.
func (m *Manager) HandleSignals(ctx context.Context, timeout time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			m.logger.Info("Received shutdown signal", "signal", sig.String())
			_ = m.Shutdown(timeout)
		case <-ctx.Done():
		}
	}()
}

// Shutdown runs every step once. Later calls wait for the first and return
// its result. A step that fails does not prevent the ones after it.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.once.Do(func() {
		defer close(m.done)

		m.mu.Lock()
		steps := append([]step(nil), m.steps...)
		m.mu.Unlock()

		m.logger.Info("Starting graceful shutdown", "timeout", timeout, "steps", len(steps))
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			if err := m.run(ctx, steps[i]); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", steps[i].name, err))
			}
		}
		m.err = errors.Join(errs...)

		if m.err != nil {
			m.logger.Error("Graceful shutdown completed with errors", "errors", len(errs))
		} else {
			m.logger.Info("Graceful shutdown completed")
		}
	})
	<-m.done
	return m.err
}

func (m *Manager) run(ctx context.Context, s step) error {
	m.logger.Info("Shutting down component", "component", s.name)
	start := time.Now()
	err := s.fn(ctx)
	if err != nil {
		m.logger.Error("Failed to shut down component", "component", s.name, "error", err, "elapsed", time.Since(start))
		return err
	}
	m.logger.Debug("Component shut down", "component", s.name, "elapsed", time.Since(start))
	return nil
}

// Done is closed once shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
