package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStartHandshake(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{})
	assert.Equal(t, StateStopped, s.State())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.Equal(t, StateReady, s.State())
	assert.True(t, s.IsRunning())
	assert.False(t, s.NeedsRestart())

	info := s.Info()
	assert.Equal(t, "Fakefish 1.0", info.Name)
	assert.Equal(t, "Tests", info.Author)
	assert.Equal(t, "ready", info.State)

	received := l.last().Received()
	require.NotEmpty(t, received)
	assert.Equal(t, "uci", received[0])
	assert.Equal(t, "isready", received[len(received)-1])

	wdl := indexOf(received, "setoption name UCI_ShowWDL value true")
	threads := indexOf(received, "setoption name Threads value 2")
	hash := indexOf(received, "setoption name Hash value 64")
	assert.Greater(t, wdl, 0)
	assert.Greater(t, threads, 0)
	assert.Greater(t, hash, 0)
	assert.Equal(t, "ucinewgame", received[len(received)-2])
}

func TestSessionStartIsIdempotent(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.Equal(t, 1, l.launches())
}

func TestSessionSendsExtraOptions(t *testing.T) {
	l := &fakeLauncher{}
	cfg := testEngineConfig()
	cfg.Options = map[string]string{"EvalFile": "pikafish.nnue"}
	s := NewSession(cfg, newTestLogger(), WithLauncher(l.launch))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.GreaterOrEqual(t, indexOf(l.last().Received(), "setoption name EvalFile value pikafish.nnue"), 0)
}

func TestSessionHandshakeTimeout(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{silentHandshake: true})

	start := time.Now()
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	var se *SessionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "start", se.Op)

	assert.Equal(t, StateStopped, s.State())
	assert.True(t, l.last().killed.Load(), "half-started process should be killed")
}

func TestSessionHandshakeDeadlineIsPerLine(t *testing.T) {
	// five reply lines at 120ms each exceed one 300ms timeout in total
	s, _ := newTestSession(t, fakeOptions{handshakeDelay: 120 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	assert.Equal(t, StateReady, s.State())
}

func TestSessionHandshakeProcessDied(t *testing.T) {
	s, _ := newTestSession(t, fakeOptions{dieOnUCI: true})

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrProcessDied)
	assert.Equal(t, StateStopped, s.State())
}

func TestSessionLaunchError(t *testing.T) {
	l := &fakeLauncher{err: errors.New("exec: \"pikafish\": executable file not found in $PATH")}
	s := NewSession(testEngineConfig(), newTestLogger(), WithLauncher(l.launch))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, s.State())

	// a failed start can be retried
	l.err = nil
	require.NoError(t, s.Start(context.Background()))
	s.Stop(context.Background())
}

func TestSessionStopSendsQuit(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{})
	require.NoError(t, s.Start(context.Background()))

	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())

	f := l.last()
	assert.Contains(t, f.Received(), "quit")
	assert.False(t, f.killed.Load(), "engine that honours quit should not be killed")

	// stopping twice is a no-op
	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())
}

func TestSessionStopKillsUnresponsiveEngine(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{ignoreQuit: true})
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, l.last().killed.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestSessionStopKillsBusyEngine(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{scripts: []goScript{{
		lines: []string{infoLine(1, 1, 5, "h2e2")},
		hang:  true,
	}}})
	s.cfg.ReadTimeoutSeconds = 5
	require.NoError(t, s.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Analyse(context.Background(), AnalysisRequest{FEN: testFEN, Depth: 10})
		errCh <- err
	}()

	f := l.last()
	require.Eventually(t, func() bool { return f.count("go") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	assert.Equal(t, StateStopped, s.State())
	assert.True(t, f.killed.Load())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrProcessDied)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight search did not observe the killed process")
	}
}

func TestSessionPing(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{})

	assert.ErrorIs(t, s.Ping(context.Background()), ErrNotReady)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	before := l.last().count("isready")
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, before+1, l.last().count("isready"))
}

func TestSessionPingBusyEngine(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{scripts: []goScript{{hang: true}}})
	s.cfg.ReadTimeoutSeconds = 5
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Analyse(ctx, AnalysisRequest{FEN: testFEN, Depth: 10})
	}()

	f := l.last()
	require.Eventually(t, func() bool { return f.count("go") == 1 }, time.Second, 5*time.Millisecond)

	before := f.count("isready")
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, before, f.count("isready"), "busy engine should not be sent isready")

	cancel()
	<-done
}

func TestSessionRecoversAfterPingTimeout(t *testing.T) {
	// the handshake isready is answered, the first ping's is not
	s, l := newTestSession(t, fakeOptions{unanswered: []int{2}})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.True(t, s.NeedsRestart())
	assert.True(t, s.IsRunning())

	for i := 0; i < 3; i++ {
		res, err := s.Analyse(context.Background(), AnalysisRequest{FEN: testFEN, Depth: 4 + i})
		require.NoError(t, err, "analyse %d", i)
		assert.Equal(t, "h2e2", res.BestMove)
		assert.False(t, s.NeedsRestart())
	}

	// an idle engine owes no bestmove, so it is never sent stop
	f := l.last()
	assert.Equal(t, 0, f.count("stop"))
	assert.Equal(t, 3, f.count("go"))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSessionNotReady(t *testing.T) {
	s, l := newTestSession(t, fakeOptions{})

	_, err := s.Analyse(context.Background(), AnalysisRequest{FEN: testFEN, Depth: 5})
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = s.AnalyseStream(context.Background(), testFEN, 5)
	assert.ErrorIs(t, err, ErrNotReady)

	assert.Equal(t, 0, l.launches())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, "success"},
		{opError("start", ErrHandshakeTimeout), "handshake_timeout"},
		{opError("search", ErrReadTimeout), "read_timeout"},
		{opError("search", ErrProcessDied), "process_died"},
		{ErrNotReady, "not_ready"},
		{ErrInvalidRequest, "invalid_request"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, errorKind(tt.err))
	}

	wrapped := opError("search", opError("ping", ErrReadTimeout))
	var se *SessionError
	require.True(t, errors.As(wrapped, &se))
	assert.Equal(t, "ping", se.Op)
	assert.Equal(t, "engine ping: engine read timeout", wrapped.Error())
	assert.Nil(t, opError("x", nil))
}
