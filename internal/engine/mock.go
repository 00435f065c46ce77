package engine

import (
	"context"
	"sync"

	"github.com/dmmcquay/pikafish-mcp/internal/uci"
)

// MockEngine is a mock implementation of EngineInterface for testing.
type MockEngine struct {
	mu             sync.Mutex
	running        bool
	suspect        bool
	pingErr        error
	analyseResp    *AnalysisResult
	analyseErr     error
	streamLines    []uci.Variation
	startErr       error
	pingCallCount  int
	startCallCount int
	stopCallCount  int
	analyseCalls   int
	lastRequest    AnalysisRequest
}

// NewMockEngine creates a new mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// SetRunning sets the running state of the mock engine.
func (m *MockEngine) SetRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
}

// SetNeedsRestart marks the mock as suspect.
func (m *MockEngine) SetNeedsRestart(suspect bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspect = suspect
}

// SetPingError sets the error to return from Ping.
func (m *MockEngine) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// SetAnalyseResponse sets the response to return from Analyse and the final
// event of AnalyseStream.
func (m *MockEngine) SetAnalyseResponse(resp *AnalysisResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyseResp = resp
	m.analyseErr = err
}

// SetStreamLines sets the variations AnalyseStream emits before its result.
func (m *MockEngine) SetStreamLines(lines []uci.Variation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamLines = lines
}

// SetStartError sets the error to return from Start.
func (m *MockEngine) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// GetPingCallCount returns the number of times Ping was called.
func (m *MockEngine) GetPingCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingCallCount
}

// GetStartCallCount returns the number of times Start was called.
func (m *MockEngine) GetStartCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCallCount
}

// GetStopCallCount returns the number of times Stop was called.
func (m *MockEngine) GetStopCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCallCount
}

// GetAnalyseCallCount returns the number of times Analyse was called.
func (m *MockEngine) GetAnalyseCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.analyseCalls
}

// LastRequest returns the last request passed to Analyse.
func (m *MockEngine) LastRequest() AnalysisRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// Start implements EngineInterface.
func (m *MockEngine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCallCount++
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	m.suspect = false
	return nil
}

// Stop implements EngineInterface.
func (m *MockEngine) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCallCount++
	m.running = false
	m.suspect = false
}

// IsRunning implements EngineInterface.
func (m *MockEngine) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// NeedsRestart implements EngineInterface.
func (m *MockEngine) NeedsRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspect
}

// Ping implements EngineInterface.
func (m *MockEngine) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingCallCount++
	if !m.running {
		return opError("ping", ErrNotReady)
	}
	return m.pingErr
}

// Info implements EngineInterface.
func (m *MockEngine) Info() EngineInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := StateStopped
	if m.running {
		state = StateReady
	}
	return EngineInfo{Name: "Mockfish", Binary: "mockfish", State: state.String(), Suspect: m.suspect}
}

// Analyse implements EngineInterface.
func (m *MockEngine) Analyse(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRequest = req
	m.analyseCalls++
	if !m.running {
		return nil, opError("analyse", ErrNotReady)
	}
	if m.analyseResp == nil && m.analyseErr == nil {
		return &AnalysisResult{FEN: req.FEN, Lines: []uci.Variation{}, Depth: req.Depth}, nil
	}
	return m.analyseResp, m.analyseErr
}

// AnalyseStream implements EngineInterface.
func (m *MockEngine) AnalyseStream(ctx context.Context, fen string, depth int) (<-chan StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRequest = AnalysisRequest{FEN: fen, Depth: depth}
	if !m.running {
		return nil, opError("stream", ErrNotReady)
	}

	lines := append([]uci.Variation(nil), m.streamLines...)
	final := StreamEvent{Result: m.analyseResp, Err: m.analyseErr}
	if final.Result == nil && final.Err == nil {
		final.Result = &AnalysisResult{FEN: fen, Lines: []uci.Variation{}, Depth: depth}
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		for i := range lines {
			select {
			case events <- StreamEvent{Line: &lines[i]}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case events <- final:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

var _ EngineInterface = (*MockEngine)(nil)
