package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmmcquay/pikafish-mcp/internal/retry"
)

func fastSupervisor(engine EngineInterface) *Supervisor {
	return NewSupervisor(engine, newTestLogger(),
		WithHealthCheckInterval(20*time.Millisecond),
		WithRetryConfig(retry.Config{
			MaxAttempts:  0,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2.0,
		}),
	)
}

func TestSupervisorStartsEngine(t *testing.T) {
	mock := NewMockEngine()
	sup := fastSupervisor(mock)

	require.NoError(t, sup.Start(context.Background()))
	assert.Error(t, sup.Start(context.Background()), "second start should fail")

	require.Eventually(t, mock.IsRunning, time.Second, 5*time.Millisecond)
	assert.Same(t, mock, sup.GetEngine())

	require.NoError(t, sup.Stop(context.Background()))
	assert.False(t, mock.IsRunning())
	assert.NoError(t, sup.Stop(context.Background()))
}

func TestSupervisorRetriesFailedStart(t *testing.T) {
	mock := NewMockEngine()
	mock.SetStartError(errors.New("handshake timeout"))
	sup := fastSupervisor(mock)

	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())

	require.Eventually(t, func() bool { return mock.GetStartCallCount() >= 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, mock.IsRunning())

	mock.SetStartError(nil)
	require.Eventually(t, mock.IsRunning, time.Second, 5*time.Millisecond)
}

func TestSupervisorGivesUpOnMissingBinary(t *testing.T) {
	mock := NewMockEngine()
	mock.SetStartError(fmt.Errorf("engine start: %w", exec.ErrNotFound))
	sup := NewSupervisor(mock, newTestLogger(),
		WithHealthCheckInterval(time.Hour),
		WithRetryConfig(retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}),
	)

	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())

	require.Eventually(t, func() bool { return mock.GetStartCallCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, mock.GetStartCallCount(), "a missing binary is not retried")
	assert.False(t, mock.IsRunning())
}

func TestSupervisorRestartsOnFailedPing(t *testing.T) {
	mock := NewMockEngine()
	sup := fastSupervisor(mock)

	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())
	require.Eventually(t, mock.IsRunning, time.Second, 5*time.Millisecond)

	starts := mock.GetStartCallCount()
	mock.SetPingError(ErrReadTimeout)
	require.Eventually(t, func() bool { return mock.GetStopCallCount() > 0 }, time.Second, 5*time.Millisecond)

	mock.SetPingError(nil)
	require.Eventually(t, func() bool {
		return mock.IsRunning() && mock.GetStartCallCount() > starts
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisorRestartsStoppedEngine(t *testing.T) {
	mock := NewMockEngine()
	sup := fastSupervisor(mock)

	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())
	require.Eventually(t, mock.IsRunning, time.Second, 5*time.Millisecond)

	mock.SetRunning(false)
	require.Eventually(t, mock.IsRunning, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, mock.GetStartCallCount(), 2)
}

func TestSupervisorManualRestart(t *testing.T) {
	mock := NewMockEngine()
	sup := NewSupervisor(mock, newTestLogger(), WithHealthCheckInterval(time.Hour))

	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(context.Background())
	require.Eventually(t, mock.IsRunning, time.Second, 5*time.Millisecond)

	sup.Restart()
	require.Eventually(t, func() bool { return mock.GetStartCallCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, mock.GetStopCallCount(), 1)
}

func TestSupervisorWithSession(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{})
	sup := fastSupervisor(s)

	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, s.IsRunning, time.Second, 5*time.Millisecond)

	res, err := s.Analyse(context.Background(), AnalysisRequest{FEN: testFEN, Depth: 1})
	require.NoError(t, err)
	assert.Equal(t, "h2e2", res.BestMove)

	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Contains(t, l.last().Received(), "quit")
}
