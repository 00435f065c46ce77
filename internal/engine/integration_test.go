//go:build integration

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmmcquay/pikafish-mcp/internal/config"
)

func TestPikafishIntegration(t *testing.T) {
	setup, err := DetectPikafish()
	if err != nil {
		t.Skipf("pikafish not available: %v", err)
	}

	cfg := config.Default().Engine
	cfg.BinaryPath = setup.BinaryPath
	cfg.Threads = 1
	cfg.HashMB = 16
	if setup.NNUEPath != "" {
		cfg.Options["EvalFile"] = setup.NNUEPath
	}

	s := NewSession(&cfg, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())
	assert.Contains(t, s.Info().Name, "Pikafish")

	res, err := s.Analyse(ctx, AnalysisRequest{FEN: testFEN, Depth: 8, MultiPV: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, res.BestMove)
	require.Len(t, res.Lines, 2)
	assert.GreaterOrEqual(t, res.Depth, 1)

	events, err := s.AnalyseStream(ctx, testFEN, 6)
	require.NoError(t, err)
	var final *AnalysisResult
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Result != nil {
			final = ev.Result
		}
	}
	require.NotNil(t, final)
	assert.NotEmpty(t, final.BestMove)

	require.NoError(t, s.Ping(ctx))
}
