package engine

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmmcquay/pikafish-mcp/internal/config"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
)

const testFEN = "rnbakabnr/9/1c5c1/p1p1p1p1p/9/9/P1P1P1P1P/1C5C1/9/RNBAKABNR w - - 0 1"

// goScript is the fake engine's answer to one go command.
type goScript struct {
	lines    []string
	bestmove string
	// hang withholds bestmove until stop arrives.
	hang bool
	// die closes stdout after the lines are written.
	die   bool
	delay time.Duration
}

type fakeOptions struct {
	silentHandshake bool
	dieOnUCI        bool
	ignoreQuit      bool
	// handshakeDelay is slept before each handshake reply line.
	handshakeDelay time.Duration
	// unanswered lists isready commands, counted from 1, that get no readyok.
	unanswered []int
	scripts    []goScript
}

// fakeEngine is an in-memory UCI engine behind io.Pipe.
type fakeEngine struct {
	opts fakeOptions

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu       sync.Mutex
	log      []string
	scripts  []goScript
	pending  string
	multiPV  string
	isReady  int
	exited   chan struct{}
	exitOnce sync.Once
	killed   atomic.Bool
}

func newFakeEngine(opts fakeOptions) *fakeEngine {
	f := &fakeEngine{
		opts:    opts,
		scripts: append([]goScript(nil), opts.scripts...),
		multiPV: "1",
		exited:  make(chan struct{}),
	}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	go f.loop()
	return f
}

func (f *fakeEngine) Stdin() io.WriteCloser { return f.stdinW }
func (f *fakeEngine) Stdout() io.Reader      { return f.stdoutR }
func (f *fakeEngine) Stderr() io.Reader      { return nil }

func (f *fakeEngine) Wait() error {
	<-f.exited
	return nil
}

func (f *fakeEngine) Kill() error {
	f.killed.Store(true)
	f.exit()
	return nil
}

func (f *fakeEngine) exit() {
	f.exitOnce.Do(func() {
		_ = f.stdoutW.Close()
		_ = f.stdinR.Close()
		close(f.exited)
	})
}

func (f *fakeEngine) record(entry string) {
	f.mu.Lock()
	f.log = append(f.log, entry)
	f.mu.Unlock()
}

// Log returns received commands and, prefixed with "> ", emitted bestmoves.
func (f *fakeEngine) Log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// Received returns only the commands the engine was sent.
func (f *fakeEngine) Received() []string {
	var out []string
	for _, entry := range f.Log() {
		if !strings.HasPrefix(entry, "> ") {
			out = append(out, entry)
		}
	}
	return out
}

func (f *fakeEngine) count(prefix string) int {
	n := 0
	for _, cmd := range f.Received() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeEngine) write(lines ...string) {
	for _, line := range lines {
		if strings.HasPrefix(line, "bestmove") {
			f.record("> " + line)
		}
		if _, err := io.WriteString(f.stdoutW, line+"\n"); err != nil {
			return
		}
	}
}

func (f *fakeEngine) writeSlowly(lines ...string) {
	for _, line := range lines {
		if f.opts.handshakeDelay > 0 {
			time.Sleep(f.opts.handshakeDelay)
		}
		f.write(line)
	}
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

func (f *fakeEngine) nextScript() goScript {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) == 0 {
		return goScript{
			lines:    []string{"info depth 1 score cp 10 nodes 20 nps 2000 pv h2e2"},
			bestmove: "bestmove h2e2",
		}
	}
	s := f.scripts[0]
	f.scripts = f.scripts[1:]
	return s
}

func (f *fakeEngine) loop() {
	scanner := bufio.NewScanner(f.stdinR)
	for scanner.Scan() {
		cmd := scanner.Text()
		f.record(cmd)

		switch {
		case cmd == "uci":
			if f.opts.dieOnUCI {
				f.exit()
				return
			}
			if f.opts.silentHandshake {
				continue
			}
			f.writeSlowly("id name Fakefish 1.0", "id author Tests", "option name MultiPV type spin default 1 min 1 max 128", "uciok")
		case cmd == "isready":
			f.mu.Lock()
			f.isReady++
			n := f.isReady
			f.mu.Unlock()
			if !f.opts.silentHandshake && !containsInt(f.opts.unanswered, n) {
				f.writeSlowly("readyok")
			}
		case strings.HasPrefix(cmd, "setoption name MultiPV value "):
			f.mu.Lock()
			f.multiPV = strings.TrimPrefix(cmd, "setoption name MultiPV value ")
			f.mu.Unlock()
		case strings.HasPrefix(cmd, "go"):
			f.runScript(f.nextScript())
		case cmd == "stop":
			f.mu.Lock()
			pending := f.pending
			f.pending = ""
			f.mu.Unlock()
			if pending != "" {
				f.write(pending)
			}
		case cmd == "quit":
			if f.opts.ignoreQuit {
				continue
			}
			f.exit()
			return
		}
	}
}

func (f *fakeEngine) runScript(s goScript) {
	for _, line := range s.lines {
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		f.write(line)
	}
	if s.die {
		f.exit()
		return
	}
	bestmove := s.bestmove
	if bestmove == "" {
		bestmove = "bestmove h2e2"
	}
	if s.hang {
		f.mu.Lock()
		f.pending = bestmove
		f.mu.Unlock()
		return
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	f.write(bestmove)
}

// fakeLauncher hands out a new fakeEngine per launch.
type fakeLauncher struct {
	mu      sync.Mutex
	opts    fakeOptions
	engines []*fakeEngine
	err     error
}

func (l *fakeLauncher) launch(cfg *config.EngineConfig) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	f := newFakeEngine(l.opts)
	l.engines = append(l.engines, f)
	return f, nil
}

func (l *fakeLauncher) last() *fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.engines) == 0 {
		return nil
	}
	return l.engines[len(l.engines)-1]
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engines)
}

func testEngineConfig() *config.EngineConfig {
	cfg := config.Default().Engine
	cfg.ReadTimeoutSeconds = 0.3
	cfg.QuitGraceSeconds = 0.2
	return &cfg
}

func newTestSession(t *testing.T, opts fakeOptions, sessionOpts ...Option) (*Session, *fakeLauncher) {
	t.Helper()
	l := &fakeLauncher{opts: opts}
	s := NewSession(testEngineConfig(), newTestLogger(), append([]Option{WithLauncher(l.launch)}, sessionOpts...)...)
	return s, l
}

func newTestLogger() logging.ContextLogger {
	return logging.NewNopLogger()
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}

func infoLine(depth, multipv, cp int, pv string) string {
	return fmt.Sprintf("info depth %d seldepth %d multipv %d score cp %d nodes %d nps 100000 pv %s",
		depth, depth+4, multipv, cp, depth*1000, pv)
}
