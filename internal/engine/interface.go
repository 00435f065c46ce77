package engine

import (
	"context"
)

// EngineInterface is the session surface used by the servers and the
// supervisor. It allows for mocking in tests.
type EngineInterface interface {
	// Start launches the engine and completes the handshake
	Start(ctx context.Context) error

	// Stop shuts the engine down; it never fails
	Stop(ctx context.Context)

	// IsRunning returns whether the engine accepts searches
	IsRunning() bool

	// NeedsRestart reports an engine left in an unknown protocol state
	NeedsRestart() bool

	// Ping checks if the engine is responsive
	Ping(ctx context.Context) error

	// Info returns the engine identity and state
	Info() EngineInfo

	// Analyse runs a batch search
	Analyse(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error)

	// AnalyseStream runs a streaming search. The engine stays reserved
	// until the consumer has read the terminal event or cancelled ctx; a
	// consumer that stops reading must cancel ctx.
	AnalyseStream(ctx context.Context, fen string, depth int) (<-chan StreamEvent, error)
}

var _ EngineInterface = (*Session)(nil)
