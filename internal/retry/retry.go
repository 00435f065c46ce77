// Package retry runs an operation with exponential backoff. The engine
// supervisor uses it to restart a failed engine.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (0 = infinite).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to delays (0-1).
	Jitter float64
}

// DefaultConfig returns the engine restart policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  0,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Run returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// NotifyFunc is called after a failed attempt, before sleeping.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Manager handles retry logic with exponential backoff.
type Manager struct {
	config Config
	notify NotifyFunc
}

// NewManager creates a new retry manager.
func NewManager(config Config) *Manager {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Manager{config: config}
}

// OnRetry registers fn to observe failed attempts.
func (m *Manager) OnRetry(fn NotifyFunc) *Manager {
	m.notify = fn
	return m
}

// Run calls fn until it succeeds, returns a Permanent error, the attempts
// run out, or ctx ends. It returns the last error from fn, or ctx.Err().
func (m *Manager) Run(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if m.config.MaxAttempts > 0 && attempt >= m.config.MaxAttempts {
			return err
		}

		delay := m.calculateDelay(attempt)
		if m.notify != nil {
			m.notify(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) calculateDelay(attempt int) time.Duration {
	delay := float64(m.config.InitialDelay) * math.Pow(m.config.Multiplier, float64(attempt-1))
	if m.config.MaxDelay > 0 && delay > float64(m.config.MaxDelay) {
		delay = float64(m.config.MaxDelay)
	}

	if m.config.Jitter > 0 {
		jitter := delay * m.config.Jitter
		// uniform in [-jitter, +jitter]
		if span := int64(jitter * 2); span > 0 {
			if n, err := rand.Int(rand.Reader, big.NewInt(span)); err == nil {
				delay += float64(n.Int64()) - jitter
			}
		}
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// NextDelay returns the delay used after the given failed attempt.
func (m *Manager) NextDelay(attempt int) time.Duration {
	return m.calculateDelay(attempt)
}
