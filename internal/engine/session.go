// Package engine manages a single Pikafish process: its lifecycle, the UCI
// handshake, and the searches run against it.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dmmcquay/pikafish-mcp/internal/cache"
	"github.com/dmmcquay/pikafish-mcp/internal/config"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
	"github.com/dmmcquay/pikafish-mcp/internal/metrics"
	"github.com/dmmcquay/pikafish-mcp/internal/uci"
)

// maxLineBytes bounds a single line of engine output.
const maxLineBytes = 1 << 20

// State is the lifecycle state of a Session.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// EngineInfo describes the running engine.
type EngineInfo struct {
	Name    string `json:"name,omitempty"`
	Author  string `json:"author,omitempty"`
	Binary  string `json:"binary"`
	State   string `json:"state"`
	Suspect bool   `json:"needs_restart"`
}

// Session owns one engine process. All protocol exchanges go through the
// gate, so at most one of Start, Stop, Ping or a search talks to the
// process at a time.
type Session struct {
	cfg     *config.EngineConfig
	logger  logging.ContextLogger
	launch  Launcher
	metrics *metrics.PrometheusCollector
	cache   *cache.Manager
	gate    *gate

	mu      sync.Mutex
	state   State
	conn    *conn
	info    EngineInfo
	suspect bool
}

// Option configures a Session.
type Option func(*Session)

// WithLauncher replaces the process launcher. Tests use it to run an
// in-memory engine.
func WithLauncher(l Launcher) Option {
	return func(s *Session) {
		s.launch = l
	}
}

// WithMetrics records session activity on the given collector.
func WithMetrics(m *metrics.PrometheusCollector) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithCache serves repeated batch analyses from the given cache.
func WithCache(c *cache.Manager) Option {
	return func(s *Session) {
		s.cache = c
	}
}

// NewSession creates a stopped session.
func NewSession(cfg *config.EngineConfig, logger logging.ContextLogger, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg,
		logger: logger,
		launch: ExecLauncher,
		gate:   newGate(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the engine and completes the handshake. It does nothing
// when the session is already running.
func (s *Session) Start(ctx context.Context) error {
	if err := s.gate.Acquire(ctx); err != nil {
		return opError("start", err)
	}
	defer s.gate.Release()

	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	started := time.Now()
	proc, err := s.launch(s.cfg)
	if err != nil {
		s.setState(StateStopped)
		s.recordError("start", err)
		return opError("start", err)
	}

	c := newConn(proc)
	go c.readStdout()
	go c.wait()
	go s.drainStderr(proc.Stderr())

	info, err := s.handshake(ctx, c)
	if err != nil {
		c.kill()
		s.setState(StateStopped)
		s.recordError("start", err)
		s.logger.Error("Engine handshake failed", "binary", s.cfg.BinaryPath, "error", err)
		return opError("start", err)
	}

	s.mu.Lock()
	s.conn = c
	s.info = info
	s.state = StateReady
	s.suspect = false
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordEngineStatus(true, "pikafish")
	}
	s.logger.Info("Engine started",
		"name", info.Name,
		"binary", s.cfg.BinaryPath,
		"threads", s.cfg.Threads,
		"hash_mb", s.cfg.HashMB,
		"duration", time.Since(started),
	)
	return nil
}

// handshake runs uci/uciok, sends the option set and ucinewgame, then
// isready/readyok. Every line must arrive within the read timeout.
func (s *Session) handshake(ctx context.Context, c *conn) (EngineInfo, error) {
	info := EngineInfo{Binary: s.cfg.BinaryPath}
	timeout := s.cfg.ReadTimeout()

	if err := c.send(uci.UCI()); err != nil {
		return info, err
	}
	for {
		line, err := c.next(ctx, timeout, ErrHandshakeTimeout)
		if err != nil {
			return info, err
		}
		reply, err := uci.Parse(line)
		if err != nil {
			continue
		}
		if reply.Kind == uci.KindID {
			switch reply.IDKey {
			case "name":
				info.Name = reply.IDValue
			case "author":
				info.Author = reply.IDValue
			}
			continue
		}
		if reply.Kind == uci.KindUCIOK {
			break
		}
	}

	for _, cmd := range append(s.optionCommands(), uci.NewGame()) {
		if err := c.send(cmd); err != nil {
			return info, err
		}
	}

	if err := c.send(uci.IsReady()); err != nil {
		return info, err
	}
	if err := c.waitFor(ctx, timeout, ErrHandshakeTimeout, uci.KindReadyOK); err != nil {
		return info, err
	}
	return info, nil
}

func (s *Session) optionCommands() []uci.Command {
	cmds := []uci.Command{
		uci.SetOption("UCI_ShowWDL", fmt.Sprintf("%t", s.cfg.ShowWDL)),
		uci.SetOption("Threads", fmt.Sprintf("%d", s.cfg.Threads)),
		uci.SetOption("Hash", fmt.Sprintf("%d", s.cfg.HashMB)),
	}
	for name, value := range s.cfg.Options {
		cmd, err := uci.NewSetOption(name, value)
		if err != nil {
			s.logger.Warn("Skipping engine option", "option", name, "error", err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// Stop shuts the engine down and always leaves the session Stopped. If the
// gate cannot be acquired before ctx ends, the process is killed without a
// quit, and the search holding the gate fails with ErrProcessDied.
func (s *Session) Stop(ctx context.Context) {
	acquired := s.gate.Acquire(ctx) == nil
	if acquired {
		defer s.gate.Release()
	}

	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.state = StateStopped
	s.suspect = false
	s.mu.Unlock()

	if c == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEngineStatus(false, "pikafish")
	}

	if !acquired {
		s.logger.Warn("Engine busy, killing without quit")
		c.kill()
		return
	}

	_ = c.send(uci.Quit())
	_ = c.stdin.Close()

	grace := time.NewTimer(s.cfg.QuitGrace())
	defer grace.Stop()
	select {
	case <-c.exited:
		s.logger.Info("Engine stopped")
	case <-grace.C:
		s.logger.Warn("Engine did not exit after quit, killing", "grace", s.cfg.QuitGrace())
		c.kill()
	}
	c.close()
}

// Ping checks that the engine answers isready. A session left suspect by
// an earlier failure is resynchronised first and cleared on success. An
// engine busy with a search counts as alive, since the search is itself
// bounded by the read deadline.
func (s *Session) Ping(ctx context.Context) error {
	if !s.gate.TryAcquire() {
		if s.IsRunning() {
			return nil
		}
		if err := s.gate.Acquire(ctx); err != nil {
			return opError("ping", err)
		}
	}
	defer s.gate.Release()

	s.mu.Lock()
	c, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateReady || c == nil {
		return opError("ping", ErrNotReady)
	}

	err := s.sync(ctx, c)
	if s.metrics != nil {
		s.metrics.RecordEngineHealthCheck(err == nil)
	}
	if err != nil {
		s.fail(c, "ping", err)
		return opError("ping", err)
	}
	return nil
}

// sync waits for readyok. When a search is still outstanding it is stopped
// and drained to its bestmove first; otherwise readyok is the only barrier
// and late replies to earlier commands are skipped.
func (s *Session) sync(ctx context.Context, c *conn) error {
	timeout := s.cfg.ReadTimeout()
	if c.searching {
		if err := c.send(uci.Stop()); err != nil {
			return err
		}
		if err := c.waitFor(ctx, timeout, ErrReadTimeout, uci.KindBestMove); err != nil {
			return err
		}
		c.searching = false
	}
	if err := c.send(uci.IsReady()); err != nil {
		return err
	}
	if err := c.waitFor(ctx, timeout, ErrReadTimeout, uci.KindReadyOK); err != nil {
		return err
	}
	if n := c.discardPending(); n > 0 {
		s.logger.Debug("Discarded stale engine output", "lines", n)
	}

	s.mu.Lock()
	s.suspect = false
	s.mu.Unlock()
	return nil
}

// acquire takes the gate and returns the live connection. The caller must
// release the gate when err is nil.
func (s *Session) acquire(ctx context.Context) (*conn, error) {
	waitStart := time.Now()
	if err := s.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordGateWait(time.Since(waitStart).Seconds())
	}

	s.mu.Lock()
	c, state := s.conn, s.state
	s.mu.Unlock()

	if state != StateReady || c == nil {
		s.gate.Release()
		return nil, ErrNotReady
	}
	return c, nil
}

// fail applies the session consequences of a failed exchange. It must be
// called with the gate held.
func (s *Session) fail(c *conn, op string, err error) {
	s.recordError(op, err)

	switch errorKind(err) {
	case "process_died":
		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
			s.state = StateStopped
			s.suspect = false
		}
		s.mu.Unlock()
		c.kill()
		if s.metrics != nil {
			s.metrics.RecordEngineStatus(false, "pikafish")
		}
		s.logger.Error("Engine process died", "op", op)
	case "read_timeout":
		s.markSuspect()
		s.logger.Warn("Engine read timeout", "op", op, "timeout", s.cfg.ReadTimeout())
	}
}

func (s *Session) markSuspect() {
	s.mu.Lock()
	s.suspect = true
	s.mu.Unlock()
}

func (s *Session) recordError(op string, err error) {
	if s.metrics != nil && err != nil {
		s.metrics.RecordEngineError(op, errorKind(err))
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether the session accepts searches.
func (s *Session) IsRunning() bool {
	return s.State() == StateReady
}

// NeedsRestart reports whether a read timeout or a failed cancellation left
// the engine in an unknown protocol state. The next search or ping
// resynchronises it.
func (s *Session) NeedsRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspect
}

// Info returns the engine identity reported during the handshake.
func (s *Session) Info() EngineInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	if info.Binary == "" {
		info.Binary = s.cfg.BinaryPath
	}
	info.State = s.state.String()
	info.Suspect = s.suspect
	return info
}

func (s *Session) drainStderr(r io.Reader) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("Engine stderr", "line", scanner.Text())
	}
}

// conn is one launched process and the goroutines reading from it.
type conn struct {
	proc  Process
	stdin io.WriteCloser

	// lines carries stdout; it is closed when stdout ends.
	lines chan string
	// done stops the reader once nobody will consume its lines.
	done      chan struct{}
	readDone  chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	// multiPV is the MultiPV value last sent to the engine.
	multiPV int
	// searching is set from go until its bestmove has been read.
	searching bool
}

func newConn(proc Process) *conn {
	return &conn{
		proc:     proc,
		stdin:    proc.Stdin(),
		lines:    make(chan string, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
		multiPV:  1,
	}
}

func (c *conn) readStdout() {
	defer close(c.readDone)
	defer close(c.lines)

	scanner := bufio.NewScanner(c.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.done:
			return
		}
	}
}

// wait reaps the process once stdout is finished.
func (c *conn) wait() {
	<-c.readDone
	_ = c.proc.Wait()
	close(c.exited)
}

func (c *conn) send(cmd uci.Command) error {
	if _, err := io.WriteString(c.stdin, cmd.String()+"\n"); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrProcessDied, cmd.Verb(), err)
	}
	return nil
}

// next returns the next output line. It fails with timeoutErr when no
// line arrives within timeout and with ErrProcessDied when stdout has
// closed.
func (c *conn) next(ctx context.Context, timeout time.Duration, timeoutErr error) (string, error) {
	if timeout <= 0 {
		return "", timeoutErr
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", ErrProcessDied
		}
		return line, nil
	case <-timer.C:
		return "", timeoutErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// waitFor discards lines until one of the given kind arrives. The timeout
// applies to each line.
func (c *conn) waitFor(ctx context.Context, timeout time.Duration, timeoutErr error, kind uci.Kind) error {
	for {
		line, err := c.next(ctx, timeout, timeoutErr)
		if err != nil {
			return err
		}
		if reply, err := uci.Parse(line); err == nil && reply.Kind == kind {
			return nil
		}
	}
}

// discardPending drops lines already buffered without blocking.
func (c *conn) discardPending() int {
	n := 0
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func (c *conn) kill() {
	_ = c.proc.Kill()
	c.close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
