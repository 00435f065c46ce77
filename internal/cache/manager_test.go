package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmmcquay/pikafish-mcp/internal/config"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
)

const startFEN = "rnbakabnr/9/1c5c1/p1p1p1p1p/9/9/P1P1P1P1P/1C5C1/9/RNBAKABNR w - - 0 1"

func TestAnalysisKey(t *testing.T) {
	key := AnalysisKey(startFEN, nil, 20, 1)
	assert.NotEmpty(t, key)
	assert.Equal(t, key, AnalysisKey(startFEN, nil, 20, 1))
	assert.Equal(t, key, AnalysisKey(startFEN, []string{}, 20, 1))
	assert.Equal(t, key, AnalysisKey("  "+startFEN+" ", nil, 20, 1))

	assert.NotEqual(t, key, AnalysisKey(startFEN, []string{"h2e2"}, 20, 1))
	assert.NotEqual(t, key, AnalysisKey(startFEN, nil, 21, 1))
	assert.NotEqual(t, key, AnalysisKey(startFEN, nil, 20, 3))
	// field boundaries are kept
	assert.NotEqual(t,
		AnalysisKey(startFEN, []string{"h2e2 h9g7"}, 2, 1),
		AnalysisKey(startFEN, []string{"h2e2"}, 2, 1))
}

func TestManagerPutGet(t *testing.T) {
	manager := NewManager(&config.CacheConfig{
		Enabled:      true,
		MaxItems:     10,
		MaxSizeBytes: 1024,
		TTLSeconds:   60,
	}, logging.NewNopLogger())
	require.True(t, manager.IsEnabled())

	key := AnalysisKey(startFEN, nil, 10, 1)
	_, ok := manager.Get(key)
	assert.False(t, ok)

	manager.Put(key, "result", 100)
	v, ok := manager.Get(key)
	require.True(t, ok)
	assert.Equal(t, "result", v)

	stats := manager.Stats()
	assert.Equal(t, 1, stats.Items)
	assert.Equal(t, int64(100), stats.Size)
	assert.Equal(t, 0, manager.Purge())

	manager.Clear()
	_, ok = manager.Get(key)
	assert.False(t, ok)
}

func TestManagerDisabled(t *testing.T) {
	for _, cfg := range []*config.CacheConfig{nil, {Enabled: false, MaxItems: 10}} {
		manager := NewManager(cfg, logging.NewNopLogger())
		assert.False(t, manager.IsEnabled())

		manager.Put("k", "v", 1)
		_, ok := manager.Get("k")
		assert.False(t, ok)
		assert.Equal(t, Stats{}, manager.Stats())
		assert.Equal(t, 0, manager.Purge())
		manager.Clear()
	}
}

func TestEstimateSize(t *testing.T) {
	assert.Equal(t, int64(len(`{"fen":"x"}`)), EstimateSize(map[string]string{"fen": "x"}))
	assert.Equal(t, int64(1024), EstimateSize(make(chan int)))
}
