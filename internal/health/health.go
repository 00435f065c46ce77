// Package health aggregates component checks for the liveness and
// readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dmmcquay/pikafish-mcp/internal/engine"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded means the component works but needs attention.
	StatusDegraded Status = "degraded"
)

// Check reports a component failure as an error. Wrap the error with
// Degraded to report a working but impaired component.
type Check func(ctx context.Context) error

// MetadataFunc supplies extra fields shown with a component.
type MetadataFunc func() map[string]interface{}

type degradedError struct {
	err error
}

func (e *degradedError) Error() string { return e.err.Error() }
func (e *degradedError) Unwrap() error { return e.err }

// Degraded marks err as a degraded rather than failed check.
func Degraded(err error) error {
	return &degradedError{err: err}
}

// Component is the result of one check.
type Component struct {
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    string                 `json:"duration"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Response is the body of the health endpoints.
type Response struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components,omitempty"`
	Version    string      `json:"version,omitempty"`
	GitCommit  string      `json:"git_commit,omitempty"`
}

type registration struct {
	check    Check
	metadata MetadataFunc
}

// Checker runs registered checks.
type Checker struct {
	logger       logging.ContextLogger
	checks       map[string]registration
	mu           sync.RWMutex
	version      string
	gitCommit    string
	checkTimeout time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(logger logging.ContextLogger, version, gitCommit string) *Checker {
	return &Checker{
		logger:       logger,
		checks:       make(map[string]registration),
		version:      version,
		gitCommit:    gitCommit,
		checkTimeout: 5 * time.Second,
	}
}

// SetCheckTimeout bounds each check.
func (c *Checker) SetCheckTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkTimeout = d
}

// RegisterCheck registers a health check for a component.
func (c *Checker) RegisterCheck(name string, check Check) {
	c.RegisterCheckWithMetadata(name, check, nil)
}

// RegisterCheckWithMetadata registers a check whose component carries the
// fields returned by metadata.
func (c *Checker) RegisterCheckWithMetadata(name string, check Check, metadata MetadataFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registration{check: check, metadata: metadata}
}

// EngineCheck reports the engine session. A session that answers but was
// left suspect by a failed search is degraded.
func EngineCheck(e engine.EngineInterface) Check {
	return func(ctx context.Context) error {
		if !e.IsRunning() {
			return engine.ErrNotReady
		}
		suspect := e.NeedsRestart()
		if err := e.Ping(ctx); err != nil {
			return err
		}
		if suspect && e.NeedsRestart() {
			return Degraded(errors.New("engine needs restart"))
		}
		return nil
	}
}

// EngineMetadata exposes engine identity on the engine component.
func EngineMetadata(e engine.EngineInterface) MetadataFunc {
	return func() map[string]interface{} {
		info := e.Info()
		return map[string]interface{}{
			"name":   info.Name,
			"binary": info.Binary,
			"state":  info.State,
		}
	}
}

// CheckHealth runs all checks in parallel. The overall status is the worst
// component status.
func (c *Checker) CheckHealth(ctx context.Context) Response {
	c.mu.RLock()
	checks := make(map[string]registration, len(c.checks))
	for name, reg := range c.checks {
		checks[name] = reg
	}
	timeout := c.checkTimeout
	c.mu.RUnlock()

	response := Response{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Version:    c.version,
		GitCommit:  c.gitCommit,
		Components: make([]Component, 0, len(checks)),
	}

	results := make(chan Component, len(checks))
	var wg sync.WaitGroup
	for name, reg := range checks {
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()
			results <- c.run(ctx, name, reg, timeout)
		}(name, reg)
	}
	wg.Wait()
	close(results)

	for component := range results {
		response.Components = append(response.Components, component)
		switch component.Status {
		case StatusUnhealthy:
			response.Status = StatusUnhealthy
		case StatusDegraded:
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		}
	}
	sort.Slice(response.Components, func(i, j int) bool {
		return response.Components[i].Name < response.Components[j].Name
	})

	return response
}

func (c *Checker) run(ctx context.Context, name string, reg registration, timeout time.Duration) Component {
	started := time.Now()
	component := Component{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: started.UTC(),
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := reg.check(checkCtx); err != nil {
		component.Message = err.Error()
		var degraded *degradedError
		if errors.As(err, &degraded) {
			component.Status = StatusDegraded
			c.logger.WithField("component", name).Warn("Health check degraded", "error", err)
		} else {
			component.Status = StatusUnhealthy
			c.logger.WithField("component", name).Error("Health check failed", "error", err)
		}
	}
	component.Duration = time.Since(started).String()
	if reg.metadata != nil {
		component.Metadata = reg.metadata()
	}
	return component
}

// LivenessHandler reports that the process can serve requests.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.write(w, http.StatusOK, Response{
			Status:    StatusHealthy,
			Timestamp: time.Now().UTC(),
			Version:   c.version,
			GitCommit: c.gitCommit,
		}, c.logger)
	}
}

// ReadinessHandler runs all checks. Degraded components still report ready.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithCorrelationID(r.Context(), logging.GenerateCorrelationID())
		logger := c.logger.WithContext(ctx)
		logger.Debug("Performing readiness check")

		response := c.CheckHealth(ctx)
		statusCode := http.StatusOK
		if response.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.write(w, statusCode, response, logger)
	}
}

func (c *Checker) write(w http.ResponseWriter, statusCode int, response Response, logger logging.ContextLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("Failed to encode health response", "error", err)
	}
}
