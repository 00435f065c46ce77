package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmmcquay/pikafish-mcp/internal/config"
	"github.com/dmmcquay/pikafish-mcp/internal/engine"
	"github.com/dmmcquay/pikafish-mcp/internal/health"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
	"github.com/dmmcquay/pikafish-mcp/internal/ratelimit"
	"github.com/dmmcquay/pikafish-mcp/internal/uci"
)

const testFEN = "rnbakabnr/9/1c5c1/p1p1p1p1p/9/9/P1P1P1P1P/1C5C1/9/RNBAKABNR w - - 0 1"

func newTestServer(t *testing.T, mock *engine.MockEngine, opts ...Option) *httptest.Server {
	t.Helper()
	logger := logging.NewNopLogger()
	checker := health.NewChecker(logger, "1.0.0", "abc123")
	checker.RegisterCheck("engine", health.EngineCheck(mock))

	s := NewHTTPServer(":0", logger, checker, mock, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func runningMock() *engine.MockEngine {
	mock := engine.NewMockEngine()
	_ = mock.Start(context.Background())
	return mock
}

func TestHTTPServerStartStop(t *testing.T) {
	logger := logging.NewNopLogger()
	checker := health.NewChecker(logger, "1.0.0", "abc123")
	s := NewHTTPServer("127.0.0.1:0", logger, checker, engine.NewMockEngine())

	require.NoError(t, s.Start())
	addr := s.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestHealthEndpoints(t *testing.T) {
	mock := engine.NewMockEngine()
	ts := newTestServer(t, mock)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, mock.Start(context.Background()))
	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body health.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, health.StatusHealthy, body.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, runningMock())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pikafish_mcp_http_requests_total")
}

func TestEngineStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, runningMock())

	resp, err := http.Get(ts.URL + "/api/engine")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info engine.EngineInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "Mockfish", info.Name)
	assert.Equal(t, "ready", info.State)
}

func postAnalysis(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/analysis", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func TestAnalysisEndpoint(t *testing.T) {
	mock := runningMock()
	mock.SetAnalyseResponse(&engine.AnalysisResult{
		FEN:      testFEN,
		BestMove: "h2e2",
		Lines:    []uci.Variation{{Depth: 12, MultiPV: 1, ScoreCP: 30, PV: []string{"h2e2"}}},
		Depth:    12,
	}, nil)
	ts := newTestServer(t, mock)

	resp := postAnalysis(t, ts.URL, fmt.Sprintf(`{"fen":%q,"moves":["h2e2"],"depth":12,"multipv":2}`, testFEN))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res engine.AnalysisResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "h2e2", res.BestMove)
	assert.Equal(t, 12, res.Depth)

	req := mock.LastRequest()
	assert.Equal(t, []string{"h2e2"}, req.Moves)
	assert.Equal(t, 2, req.MultiPV)
}

func TestAnalysisEndpointErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"bad json", `{"fen":`, nil, http.StatusBadRequest},
		{"unknown field", `{"position":"x"}`, nil, http.StatusBadRequest},
		{"invalid request", `{"fen":"x"}`, engine.ErrInvalidRequest, http.StatusBadRequest},
		{"not ready", `{"fen":"x"}`, engine.ErrNotReady, http.StatusServiceUnavailable},
		{"timeout", `{"fen":"x"}`, engine.ErrReadTimeout, http.StatusGatewayTimeout},
		{"other", `{"fen":"x"}`, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := runningMock()
			mock.SetAnalyseResponse(nil, tt.err)
			ts := newTestServer(t, mock)

			resp := postAnalysis(t, ts.URL, tt.body)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestReviewEndpoint(t *testing.T) {
	mock := runningMock()
	mock.SetAnalyseResponse(&engine.AnalysisResult{
		FEN:      testFEN,
		BestMove: "h2e2",
		Lines:    []uci.Variation{{Depth: 10, MultiPV: 1, ScoreCP: 30, PV: []string{"h2e2"}}},
		Depth:    10,
	}, nil)
	ts := newTestServer(t, mock)

	resp, err := http.Post(ts.URL+"/api/review", "application/json",
		bytes.NewBufferString(`{"moves":["h2e2","h9g7"],"depth":10}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var review engine.GameReview
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&review))
	assert.Equal(t, engine.StartingFEN, review.FEN)
	require.Len(t, review.Moves, 2)
	// every position scores +30 for the side to move, so each move loses 60
	assert.Equal(t, 60, review.Moves[0].LossCP)
	assert.Equal(t, engine.QualityGood, review.Moves[1].Quality)
	assert.Equal(t, 80.0, review.Summary.RedAccuracy)
	assert.Equal(t, 80.0, review.Summary.BlackAccuracy)

	assert.Equal(t, 3, mock.GetAnalyseCallCount())
	assert.Equal(t, []string{"h2e2", "h9g7"}, mock.LastRequest().Moves)
	assert.Equal(t, 10, mock.LastRequest().Depth)
}

func TestReviewEndpointErrors(t *testing.T) {
	mock := runningMock()
	ts := newTestServer(t, mock)

	resp, err := http.Post(ts.URL+"/api/review", "application/json", bytes.NewBufferString(`{"moves":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	mock.SetRunning(false)
	resp, err = http.Post(ts.URL+"/api/review", "application/json", bytes.NewBufferString(`{"moves":["h2e2"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStartingFENEndpoint(t *testing.T) {
	ts := newTestServer(t, engine.NewMockEngine())

	resp, err := http.Get(ts.URL + "/api/game/starting-fen")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, testFEN, body["fen"])
}

func TestAnalysisEndpointRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(&config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, BurstSize: 1}, logging.NewNopLogger())
	defer limiter.Close()

	mock := runningMock()
	mock.SetAnalyseResponse(&engine.AnalysisResult{FEN: testFEN, BestMove: "h2e2"}, nil)
	ts := newTestServer(t, mock, WithRateLimiter(limiter))

	body := fmt.Sprintf(`{"fen":%q}`, testFEN)
	resp := postAnalysis(t, ts.URL, body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postAnalysis(t, ts.URL, body)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, runningMock())

	resp, err := http.Get(ts.URL + "/api/analysis")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/analysis"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestAnalysisSocket(t *testing.T) {
	mock := runningMock()
	mock.SetStreamLines([]uci.Variation{
		{Depth: 1, MultiPV: 1, ScoreCP: 10, PV: []string{"h2e2"}},
		{Depth: 2, MultiPV: 1, ScoreCP: 15, PV: []string{"h2e2", "h9g7"}},
	})
	mock.SetAnalyseResponse(&engine.AnalysisResult{FEN: testFEN, BestMove: "h2e2", Depth: 2}, nil)
	ts := newTestServer(t, mock)
	conn := dialStream(t, ts)

	require.NoError(t, conn.WriteJSON(streamRequest{FEN: testFEN, Depth: 2}))

	var msgs []streamMessage
	for {
		var msg streamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		msgs = append(msgs, msg)
		if msg.Type != "info" {
			break
		}
	}

	require.Len(t, msgs, 3)
	assert.Equal(t, 1, msgs[0].Line.Depth)
	assert.Equal(t, []string{"h2e2", "h9g7"}, msgs[1].Line.PV)
	assert.Equal(t, "bestmove", msgs[2].Type)
	assert.Equal(t, "h2e2", msgs[2].Result.BestMove)
	assert.Equal(t, 2, mock.LastRequest().Depth)

	// the connection accepts another request after the first finishes
	require.NoError(t, conn.WriteJSON(streamRequest{FEN: testFEN, Depth: 3}))
	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "info", msg.Type)
}

func TestAnalysisSocketEngineNotReady(t *testing.T) {
	ts := newTestServer(t, engine.NewMockEngine())
	conn := dialStream(t, ts)

	require.NoError(t, conn.WriteJSON(streamRequest{FEN: testFEN, Depth: 2}))

	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "not ready")
}

func TestMetricPath(t *testing.T) {
	assert.Equal(t, "/api/analysis", metricPath("/api/analysis"))
	assert.Equal(t, "/api/review", metricPath("/api/review"))
	assert.Equal(t, "other", metricPath("/random/1234"))
}
