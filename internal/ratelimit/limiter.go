// Package ratelimit throttles analysis requests per client and per tool.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/dmmcquay/pikafish-mcp/internal/config"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
)

const (
	staleClientTimeout = 30 * time.Minute
	cleanupInterval    = 5 * time.Minute
)

// Decision is the outcome of Allow.
type Decision struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Duration
}

// Err describes a rejection, or nil when the request was allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%s rate limit exceeded, retry after %s", d.Scope, d.RetryAfter.Round(time.Second))
}

// Limiter applies a global bucket, optional per-tool buckets, and the same
// pair of limits again for each client. A nil Limiter allows everything.
type Limiter struct {
	logger logging.ContextLogger
	cfg    *config.RateLimitConfig
	now    func() time.Time

	global *TokenBucket
	tools  map[string]*TokenBucket

	mu      sync.Mutex
	clients map[string]*clientLimits

	stop     chan struct{}
	stopOnce sync.Once
}

type clientLimits struct {
	global   *TokenBucket
	tools    map[string]*TokenBucket
	lastSeen time.Time
}

// NewLimiter returns nil when rate limiting is disabled.
func NewLimiter(cfg *config.RateLimitConfig, logger logging.ContextLogger) *Limiter {
	if cfg == nil || !cfg.Enabled || cfg.RequestsPerMin <= 0 {
		return nil
	}
	l := newLimiter(cfg, logger, time.Now)
	go l.cleanupLoop()
	return l
}

func newLimiter(cfg *config.RateLimitConfig, logger logging.ContextLogger, now func() time.Time) *Limiter {
	l := &Limiter{
		logger:  logger,
		cfg:     cfg,
		now:     now,
		global:  newTokenBucket(cfg.BurstSize, perSecond(cfg.RequestsPerMin), now),
		tools:   make(map[string]*TokenBucket),
		clients: make(map[string]*clientLimits),
		stop:    make(chan struct{}),
	}
	for tool, limit := range cfg.PerToolLimits {
		l.tools[tool] = l.toolBucket(limit)
	}
	return l
}

func perSecond(perMinute int) float64 {
	return float64(perMinute) / 60
}

// toolBucket scales the burst with the tool's share of the global rate.
func (l *Limiter) toolBucket(limit int) *TokenBucket {
	burst := l.cfg.BurstSize * limit / l.cfg.RequestsPerMin
	return newTokenBucket(burst, perSecond(limit), l.now)
}

// Allow takes a token from every bucket that applies to the request.
// Tokens already taken are refunded when a later bucket rejects.
func (l *Limiter) Allow(clientID, tool string) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}

	var taken []*TokenBucket
	try := func(scope string, b *TokenBucket) (Decision, bool) {
		ok, wait := b.Take()
		if ok {
			taken = append(taken, b)
			return Decision{}, true
		}
		for _, t := range taken {
			t.Refund()
		}
		l.logger.Warn("Rate limit exceeded", "scope", scope, "client", clientID, "tool", tool)
		return Decision{Scope: scope, RetryAfter: wait}, false
	}

	if d, ok := try("global", l.global); !ok {
		return d
	}
	if b, ok := l.tools[tool]; ok {
		if d, ok := try("tool "+tool, b); !ok {
			return d
		}
	}
	if clientID != "" {
		global, toolBucket := l.clientBuckets(clientID, tool)
		if d, ok := try("client", global); !ok {
			return d
		}
		if toolBucket != nil {
			if d, ok := try("client tool "+tool, toolBucket); !ok {
				return d
			}
		}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) clientBuckets(clientID, tool string) (*TokenBucket, *TokenBucket) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[clientID]
	if !ok {
		c = &clientLimits{
			global: newTokenBucket(l.cfg.BurstSize, perSecond(l.cfg.RequestsPerMin), l.now),
			tools:  make(map[string]*TokenBucket),
		}
		l.clients[clientID] = c
	}
	c.lastSeen = l.now()

	limit, ok := l.cfg.PerToolLimits[tool]
	if !ok {
		return c.global, nil
	}
	b, ok := c.tools[tool]
	if !ok {
		b = l.toolBucket(limit)
		c.tools[tool] = b
	}
	return c.global, b
}

// Reset refills every bucket.
func (l *Limiter) Reset() {
	if l == nil {
		return
	}
	l.global.Reset()
	for _, b := range l.tools {
		b.Reset()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.clients {
		c.global.Reset()
		for _, b := range c.tools {
			b.Reset()
		}
	}
}

// Close stops the stale client sweeper.
func (l *Limiter) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.removeStaleClients()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) removeStaleClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	now := l.now()
	for id, c := range l.clients {
		if now.Sub(c.lastSeen) > staleClientTimeout {
			delete(l.clients, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("Removed stale rate limit clients", "count", removed)
	}
	return removed
}

// Status summarises the limiter for the engine status tool.
func (l *Limiter) Status() map[string]interface{} {
	if l == nil {
		return map[string]interface{}{"enabled": false}
	}

	tools := make(map[string]interface{}, len(l.tools))
	for tool, b := range l.tools {
		tools[tool] = map[string]interface{}{
			"limit":  l.cfg.PerToolLimits[tool],
			"tokens": b.Tokens(),
		}
	}

	l.mu.Lock()
	clients := len(l.clients)
	l.mu.Unlock()

	return map[string]interface{}{
		"enabled":          true,
		"requests_per_min": l.cfg.RequestsPerMin,
		"burst_size":       l.cfg.BurstSize,
		"global_tokens":    l.global.Tokens(),
		"active_clients":   clients,
		"tools":            tools,
	}
}
