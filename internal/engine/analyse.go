package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmmcquay/pikafish-mcp/internal/cache"
	"github.com/dmmcquay/pikafish-mcp/internal/uci"
)

// AnalysisRequest asks for a fixed depth search of a position.
type AnalysisRequest struct {
	FEN   string   `json:"fen"`
	Moves []string `json:"moves,omitempty"`
	// Depth 0 uses the configured default depth.
	Depth int `json:"depth"`
	// MultiPV 0 means a single variation.
	MultiPV int `json:"multipv"`
}

// SearchRequest is the general form of a search with any limit.
type SearchRequest struct {
	FEN     string
	Moves   []string
	Limits  uci.SearchLimits
	MultiPV int
}

// AnalysisResult is the outcome of one completed search.
type AnalysisResult struct {
	FEN      string          `json:"fen"`
	BestMove string          `json:"best_move"`
	Ponder   string          `json:"ponder,omitempty"`
	Lines    []uci.Variation `json:"lines"`
	Depth    int             `json:"depth"`
}

// Primary returns the first variation, or nil when none was reported.
func (r *AnalysisResult) Primary() *uci.Variation {
	if len(r.Lines) == 0 {
		return nil
	}
	return &r.Lines[0]
}

func (r *AnalysisResult) clone() *AnalysisResult {
	out := *r
	out.Lines = make([]uci.Variation, len(r.Lines))
	for i, line := range r.Lines {
		line.PV = append([]string(nil), line.PV...)
		out.Lines[i] = line
	}
	return &out
}

// StreamEvent is one element of a streaming analysis. Exactly one of the
// fields is set; Result and Err are terminal.
type StreamEvent struct {
	Line   *uci.Variation
	Result *AnalysisResult
	Err    error
}

// Analyse runs a fixed depth search and returns the final result. With
// MultiPV above one the engine option is set for this search and restored
// to one before the session is released.
func (s *Session) Analyse(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	depth, multiPV, err := s.normalize(req.FEN, req.Moves, req.Depth, req.MultiPV)
	if err != nil {
		return nil, opError("analyse", err)
	}
	// cached results are only served by a running session
	if !s.IsRunning() {
		return nil, opError("analyse", ErrNotReady)
	}

	var key string
	if s.cache != nil && s.cache.IsEnabled() {
		key = cache.AnalysisKey(req.FEN, req.Moves, depth, multiPV)
		if cached, ok := s.cache.Get(key); ok {
			if res, ok := cached.(*AnalysisResult); ok {
				if s.metrics != nil {
					s.metrics.RecordCacheHit()
				}
				return res.clone(), nil
			}
		}
		if s.metrics != nil {
			s.metrics.RecordCacheMiss()
		}
	}

	res, err := s.Search(ctx, SearchRequest{
		FEN:     req.FEN,
		Moves:   req.Moves,
		Limits:  uci.SearchLimits{Depth: depth},
		MultiPV: multiPV,
	})
	if err != nil {
		return nil, err
	}

	if key != "" {
		s.cache.Put(key, res.clone(), cache.EstimateSize(res))
		if s.metrics != nil {
			stats := s.cache.Stats()
			s.metrics.SetCacheStats(float64(stats.Items), float64(stats.Size))
		}
	}
	return res, nil
}

// Search runs one search with arbitrary limits and waits for bestmove.
func (s *Session) Search(ctx context.Context, req SearchRequest) (*AnalysisResult, error) {
	if err := validateSearch(req); err != nil {
		return nil, opError("search", err)
	}

	c, err := s.acquire(ctx)
	if err != nil {
		return nil, opError("search", err)
	}
	defer s.gate.Release()

	return s.run(ctx, c, req, nil)
}

// AnalyseStream starts a single variation search and returns its events.
// The session is held until the terminal event has been delivered or ctx
// is cancelled, so a consumer must either drain the channel or cancel ctx.
// Cancelling stops the engine and drains the aborted search before the
// session is released. The channel is closed after the terminal event.
func (s *Session) AnalyseStream(ctx context.Context, fen string, depth int) (<-chan StreamEvent, error) {
	depth, _, err := s.normalize(fen, nil, depth, 1)
	if err != nil {
		return nil, opError("stream", err)
	}
	req := SearchRequest{FEN: fen, Limits: uci.SearchLimits{Depth: depth}, MultiPV: 1}

	c, err := s.acquire(ctx)
	if err != nil {
		return nil, opError("stream", err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer s.gate.Release()

		if s.metrics != nil {
			s.metrics.StreamStarted()
			defer s.metrics.StreamFinished()
		}

		res, err := s.run(ctx, c, req, func(v *uci.Variation) error {
			select {
			case events <- StreamEvent{Line: v}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		final := StreamEvent{Result: res, Err: err}
		select {
		case events <- final:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// run drives one search on c. The gate must be held. onLine, when set, is
// called for every reported variation; an error from it aborts the search.
func (s *Session) run(ctx context.Context, c *conn, req SearchRequest, onLine func(*uci.Variation) error) (*AnalysisResult, error) {
	mode := req.Limits.Mode()
	started := time.Now()

	res, idle, err := s.search(ctx, c, req, onLine)

	// The engine only accepts options between searches; a search that did
	// not reach bestmove leaves the restore to the next sync.
	if idle && c.multiPV != 1 {
		if werr := c.send(uci.SetOption("MultiPV", "1")); werr != nil {
			if err == nil {
				err = werr
			}
		} else {
			c.multiPV = 1
		}
	}

	if s.metrics != nil {
		s.metrics.RecordSearch(mode, errorKind(err), time.Since(started).Seconds())
		if err == nil {
			s.metrics.RecordSearchDepth(res.Depth)
		}
	}

	if err != nil {
		s.fail(c, "search", err)
		s.logger.Debug("Search failed", "fen", req.FEN, "mode", mode, "error", err)
		return nil, opError("search", err)
	}

	s.logger.Debug("Search finished",
		"fen", req.FEN,
		"mode", mode,
		"best_move", res.BestMove,
		"depth", res.Depth,
		"duration", time.Since(started),
	)
	return res, nil
}

// search sends the position and go command and consumes output up to
// bestmove. idle reports whether the engine is known to have finished.
func (s *Session) search(ctx context.Context, c *conn, req SearchRequest, onLine func(*uci.Variation) error) (*AnalysisResult, bool, error) {
	if s.NeedsRestart() {
		if err := s.sync(ctx, c); err != nil {
			return nil, false, err
		}
	} else if n := c.discardPending(); n > 0 {
		s.logger.Debug("Discarded stale engine output", "lines", n)
	}

	multiPV := req.MultiPV
	if multiPV < 1 {
		multiPV = 1
	}
	if c.multiPV != multiPV {
		if err := c.send(uci.SetOption("MultiPV", strconv.Itoa(multiPV))); err != nil {
			return nil, false, err
		}
		c.multiPV = multiPV
	}

	position, err := uci.NewPosition(req.FEN, req.Moves...)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := c.send(position); err != nil {
		return nil, false, err
	}
	if err := c.send(uci.Go(req.Limits)); err != nil {
		return nil, false, err
	}
	c.searching = true

	latest := make(map[int]*uci.Variation)
	for {
		line, err := c.next(ctx, s.cfg.ReadTimeout(), ErrReadTimeout)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil, s.abort(c), err
			}
			return nil, false, err
		}

		reply, err := uci.Parse(line)
		if err != nil {
			continue
		}

		switch reply.Kind {
		case uci.KindInfo:
			// currmove and hashfull reports carry no variation
			if len(reply.Info.PV) == 0 {
				continue
			}
			latest[reply.Info.MultiPV] = reply.Info
			if onLine != nil {
				if err := onLine(reply.Info); err != nil {
					return nil, s.abort(c), err
				}
			}
		case uci.KindBestMove:
			c.searching = false
			return buildResult(req, latest, reply.BestMove), true, nil
		}
	}
}

// abort stops the running search and drains output up to its bestmove so
// the next search does not read the tail. It reports whether the engine is
// idle afterwards; when it is not the session is marked suspect.
func (s *Session) abort(c *conn) bool {
	err := c.send(uci.Stop())
	if err == nil {
		err = c.waitFor(context.Background(), s.cfg.ReadTimeout(), ErrReadTimeout, uci.KindBestMove)
	}
	if err == nil {
		c.searching = false
		s.logger.Debug("Cancelled search drained")
		return true
	}

	s.logger.Warn("Failed to drain cancelled search", "error", err)
	if errorKind(err) == "process_died" {
		s.fail(c, "abort", err)
	} else {
		s.markSuspect()
	}
	return false
}

func buildResult(req SearchRequest, latest map[int]*uci.Variation, bm *uci.BestMove) *AnalysisResult {
	indexes := make([]int, 0, len(latest))
	for idx := range latest {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	res := &AnalysisResult{
		FEN:   req.FEN,
		Lines: make([]uci.Variation, 0, len(indexes)),
		Depth: req.Limits.Depth,
	}
	for _, idx := range indexes {
		res.Lines = append(res.Lines, *latest[idx])
	}
	if len(res.Lines) > 0 {
		res.Depth = res.Lines[0].Depth
	}
	if bm != nil && bm.Move != "(none)" {
		res.BestMove = bm.Move
		res.Ponder = bm.Ponder
	}
	return res
}

// normalize applies defaults and bounds to a depth search request.
func (s *Session) normalize(fen string, moves []string, depth, multiPV int) (int, int, error) {
	if strings.TrimSpace(fen) == "" {
		return 0, 0, fmt.Errorf("%w: fen is empty", ErrInvalidRequest)
	}
	for _, m := range moves {
		if strings.TrimSpace(m) == "" {
			return 0, 0, fmt.Errorf("%w: empty move", ErrInvalidRequest)
		}
	}
	if depth == 0 {
		depth = s.cfg.DefaultDepth
	}
	if depth < 0 || depth > s.cfg.MaxDepth {
		return 0, 0, fmt.Errorf("%w: depth %d outside 1..%d", ErrInvalidRequest, depth, s.cfg.MaxDepth)
	}
	if multiPV == 0 {
		multiPV = 1
	}
	if multiPV < 0 || multiPV > s.cfg.MaxMultiPV {
		return 0, 0, fmt.Errorf("%w: multipv %d outside 1..%d", ErrInvalidRequest, multiPV, s.cfg.MaxMultiPV)
	}
	return depth, multiPV, nil
}

func validateSearch(req SearchRequest) error {
	if strings.TrimSpace(req.FEN) == "" {
		return fmt.Errorf("%w: fen is empty", ErrInvalidRequest)
	}
	if err := req.Limits.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.MultiPV < 0 {
		return fmt.Errorf("%w: negative multipv", ErrInvalidRequest)
	}
	return nil
}
