package server

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/dmmcquay/pikafish-mcp/internal/engine"
)

const (
	analysisTool   = "analyzePosition"
	reviewTool     = "reviewGame"
	maxRequestBody = 64 << 10
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *HTTPServer) handleEngineStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.engine.Info())
}

func (s *HTTPServer) handleStartingFEN(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string]string{"fen": engine.StartingFEN})
}

func (s *HTTPServer) handleAnalysis(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.allow(w, r, analysisTool) {
		return
	}

	var req engine.AnalysisRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.engine.Analyse(r.Context(), req)
	if err != nil {
		s.logger.WithContext(r.Context()).Warn("Analysis request failed", "fen", req.FEN, "error", err)
		s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleReview scores every move of a posted game. The engine is searched
// once per position, so a long game holds the request for a while.
func (s *HTTPServer) handleReview(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.allow(w, r, reviewTool) {
		return
	}

	var req engine.ReviewRequest
	if !s.decode(w, r, &req) {
		return
	}

	review, err := engine.ReviewGame(r.Context(), s.engine, req, nil)
	if err != nil {
		s.logger.WithContext(r.Context()).Warn("Review request failed", "moves", len(req.Moves), "error", err)
		s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, review)
}

// decode reads a strict JSON body into v and writes 400 on failure.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// allow applies the rate limiter and writes 429 on rejection.
func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, tool string) bool {
	client := clientID(r)
	d := s.limiter.Allow(client, tool)
	if s.limiter != nil {
		s.metrics.RecordRateLimit(client, tool, !d.Allowed)
	}
	if d.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: d.Err().Error()})
	return false
}

func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotReady), errors.Is(err, engine.ErrProcessDied):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrReadTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
