package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dmmcquay/pikafish-mcp/internal/logging"
	"github.com/dmmcquay/pikafish-mcp/internal/metrics"
	"github.com/dmmcquay/pikafish-mcp/internal/ratelimit"
)

// ErrRateLimited is returned when a tool call is rejected by the limiter.
var ErrRateLimited = errors.New("rate limit exceeded")

type clientIDKey struct{}

// ContextWithClientID attaches a client identifier used for rate limiting.
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// Middleware wraps tool handlers with logging, rate limiting and metrics.
type Middleware struct {
	logger      logging.ContextLogger
	metrics     *metrics.PrometheusCollector
	rateLimiter *ratelimit.Limiter
}

// NewMiddleware creates a new middleware instance. rateLimiter may be nil.
func NewMiddleware(logger logging.ContextLogger, metrics *metrics.PrometheusCollector, rateLimiter *ratelimit.Limiter) *Middleware {
	return &Middleware{
		logger:      logger,
		metrics:     metrics,
		rateLimiter: rateLimiter,
	}
}

// ToolHandler is the function signature for MCP tool handlers.
type ToolHandler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// WrapTool wraps a tool handler with middleware functionality.
func (m *Middleware) WrapTool(toolName string, handler ToolHandler) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		clientID := extractClientID(ctx, request)
		logger := m.logger.WithFields(map[string]interface{}{"tool": toolName, "client": clientID})

		logger.Debug("Tool request received", "arguments", request.Params.Arguments)

		if m.rateLimiter != nil {
			d := m.rateLimiter.Allow(clientID, toolName)
			m.metrics.RecordRateLimit(clientID, toolName, !d.Allowed)
			if !d.Allowed {
				m.metrics.RecordToolCall(toolName, "rate_limited", time.Since(start).Seconds())
				return nil, errors.Join(ErrRateLimited, d.Err())
			}
		}

		result, err := handler(ctx, request)

		status := "success"
		switch {
		case err != nil:
			status = "error"
			logger.Error("Tool request failed", "error", err, "duration", time.Since(start))
		case result != nil && result.IsError:
			status = "tool_error"
			logger.Warn("Tool request rejected", "duration", time.Since(start))
		default:
			logger.Info("Tool request completed", "duration", time.Since(start))
		}
		m.metrics.RecordToolCall(toolName, status, time.Since(start).Seconds())

		return result, err
	}
}

// extractClientID prefers an explicit context value, then the MCP session.
func extractClientID(ctx context.Context, request mcp.CallToolRequest) string {
	if clientID, ok := ctx.Value(clientIDKey{}).(string); ok && clientID != "" {
		return clientID
	}
	if session := server.ClientSessionFromContext(ctx); session != nil && session.SessionID() != "" {
		return session.SessionID()
	}
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		if clientID, ok := args["clientID"].(string); ok && clientID != "" {
			return clientID
		}
	}
	return "anonymous"
}
