package cache

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dmmcquay/pikafish-mcp/internal/config"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
)

// Manager caches batch analysis results. A disabled manager stores nothing.
type Manager struct {
	cache   *LRU
	logger  logging.ContextLogger
	enabled bool
}

// NewManager creates a cache manager from configuration.
func NewManager(cfg *config.CacheConfig, logger logging.ContextLogger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return &Manager{logger: logger}
	}

	return &Manager{
		cache:   NewLRU(cfg.MaxItems, cfg.MaxSizeBytes, time.Duration(cfg.TTLSeconds)*time.Second),
		logger:  logger,
		enabled: true,
	}
}

// AnalysisKey derives the cache key of a depth search. Depth and MultiPV
// must already be normalised so equivalent requests share a key.
func AnalysisKey(fen string, moves []string, depth, multiPV int) string {
	d := xxhash.New()
	for _, part := range []string{
		strings.Join(strings.Fields(fen), " "),
		strings.Join(moves, " "),
		strconv.Itoa(depth),
		strconv.Itoa(multiPV),
	} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// Get retrieves a cached result.
func (m *Manager) Get(key string) (interface{}, bool) {
	if !m.enabled {
		return nil, false
	}
	val, ok := m.cache.Get(key)
	if ok {
		m.logger.Debug("Cache hit", "key", shortKey(key))
	}
	return val, ok
}

// Put stores a result.
func (m *Manager) Put(key string, value interface{}, size int64) {
	if !m.enabled {
		return
	}
	m.cache.Put(key, value, size)
	m.logger.Debug("Cached analysis result", "key", shortKey(key), "size", size)
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	if !m.enabled {
		return Stats{}
	}
	return m.cache.Stats()
}

// Purge drops expired entries.
func (m *Manager) Purge() int {
	if !m.enabled {
		return 0
	}
	return m.cache.Purge()
}

// Clear empties the cache.
func (m *Manager) Clear() {
	if m.enabled {
		m.cache.Clear()
	}
}

// IsEnabled returns whether caching is enabled.
func (m *Manager) IsEnabled() bool {
	return m.enabled
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// EstimateSize approximates the memory used by value from its JSON size.
func EstimateSize(value interface{}) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return 1024
	}
	return int64(len(data))
}
