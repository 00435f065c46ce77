package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/dmmcquay/pikafish-mcp/internal/engine"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
	"github.com/dmmcquay/pikafish-mcp/internal/uci"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 8192
)

// streamRequest is a client message on /ws/analysis. Action "stop" cancels
// the running stream; anything else starts one.
type streamRequest struct {
	Action string `json:"action,omitempty"`
	FEN    string `json:"fen"`
	Depth  int    `json:"depth"`
}

type streamMessage struct {
	Type   string                 `json:"type"`
	Line   *uci.Variation         `json:"line,omitempty"`
	Result *engine.AnalysisResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// handleAnalysisSocket serves streaming analysis, one stream at a time per
// connection. Only this goroutine writes to the connection.
func (s *HTTPServer) handleAnalysisSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade WebSocket", "error", err)
		return
	}
	defer conn.Close()

	client := clientID(r)
	ctx, cancel := context.WithCancel(logging.NewRequestContext(context.Background()))
	defer cancel()
	logger := s.logger.WithContext(ctx).WithField("client", client)

	requests := make(chan streamRequest)
	go s.readRequests(ctx, cancel, conn, requests, logger)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(conn); err != nil {
				return
			}
		case req, ok := <-requests:
			if !ok {
				return
			}
			if req.Action == "stop" {
				continue
			}
			if err := s.stream(ctx, conn, client, req, requests, ticker.C, logger); err != nil {
				logger.Debug("WebSocket closed during stream", "error", err)
				return
			}
		}
	}
}

func (s *HTTPServer) readRequests(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- streamRequest, logger logging.ContextLogger) {
	defer cancel()
	defer close(out)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req streamRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return
		}
	}
}

// stream runs one analysis and relays its events. A write error is
// returned; engine errors are reported to the client.
func (s *HTTPServer) stream(ctx context.Context, conn *websocket.Conn, client string, req streamRequest, requests <-chan streamRequest, pings <-chan time.Time, logger logging.ContextLogger) error {
	d := s.limiter.Allow(client, analysisTool)
	if s.limiter != nil {
		s.metrics.RecordRateLimit(client, analysisTool, !d.Allowed)
	}
	if !d.Allowed {
		return s.send(conn, streamMessage{Type: "error", Error: d.Err().Error()})
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := s.engine.AnalyseStream(streamCtx, req.FEN, req.Depth)
	if err != nil {
		return s.send(conn, streamMessage{Type: "error", Error: err.Error()})
	}
	logger.Debug("Stream started", "fen", req.FEN, "depth", req.Depth)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// cancelled before the terminal event was delivered
				return s.send(conn, streamMessage{Type: "error", Error: "stopped"})
			}
			switch {
			case ev.Line != nil:
				if err := s.send(conn, streamMessage{Type: "info", Line: ev.Line}); err != nil {
					return err
				}
			case ev.Err != nil:
				if errors.Is(ev.Err, context.Canceled) {
					return s.send(conn, streamMessage{Type: "error", Error: "stopped"})
				}
				return s.send(conn, streamMessage{Type: "error", Error: ev.Err.Error()})
			default:
				return s.send(conn, streamMessage{Type: "bestmove", Result: ev.Result})
			}
		case next, ok := <-requests:
			if !ok {
				return nil
			}
			if next.Action == "stop" {
				cancel()
				continue
			}
			if err := s.send(conn, streamMessage{Type: "error", Error: "analysis already running"}); err != nil {
				return err
			}
		case <-pings:
			if err := s.ping(conn); err != nil {
				return err
			}
		}
	}
}

func (s *HTTPServer) send(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (s *HTTPServer) ping(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.PingMessage, nil)
}
