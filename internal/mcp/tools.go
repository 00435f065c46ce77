// Package mcp exposes the engine session as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dmmcquay/pikafish-mcp/internal/engine"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
)

// ToolsHandler serves the engine tools.
type ToolsHandler struct {
	engine     engine.EngineInterface
	logger     logging.ContextLogger
	middleware *Middleware
}

// NewToolsHandler creates a new tools handler.
func NewToolsHandler(eng engine.EngineInterface, logger logging.ContextLogger) *ToolsHandler {
	return &ToolsHandler{
		engine: eng,
		logger: logger,
	}
}

// SetMiddleware sets the middleware applied to every tool.
func (h *ToolsHandler) SetMiddleware(middleware *Middleware) {
	h.middleware = middleware
}

func (h *ToolsHandler) add(s *server.MCPServer, tool mcp.Tool, handler ToolHandler) {
	if h.middleware != nil {
		handler = h.middleware.WrapTool(tool.Name, handler)
	}
	s.AddTool(tool, server.ToolHandlerFunc(handler))
}

// RegisterTools registers all tools with the MCP server.
func (h *ToolsHandler) RegisterTools(s *server.MCPServer) {
	h.add(s, mcp.NewTool("analyzePosition",
		mcp.WithDescription("Analyze a xiangqi position with Pikafish and return the best move and principal variations."),
		mcp.WithString("fen",
			mcp.Description("Position in FEN notation"),
			mcp.Required(),
		),
		mcp.WithArray("moves",
			mcp.Description("Moves in coordinate notation (e.g. h2e2) played from the FEN position"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithNumber("depth",
			mcp.Description("Search depth in plies (default from config)"),
		),
		mcp.WithNumber("multipv",
			mcp.Description("Number of principal variations to report (default 1)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: text (default) or json"),
			mcp.Enum("text", "json"),
		),
	), h.HandleAnalyzePosition)

	h.add(s, mcp.NewTool("reviewGame",
		mcp.WithDescription("Review a xiangqi game move by move: centipawn loss and quality of each move, the mistakes and blunders, and each side's accuracy."),
		mcp.WithString("fen",
			mcp.Description("Start position in FEN notation (default: the standard starting position)"),
		),
		mcp.WithArray("moves",
			mcp.Description("Moves of the game in coordinate notation (e.g. h2e2)"),
			mcp.Items(map[string]any{"type": "string"}),
			mcp.Required(),
		),
		mcp.WithNumber("depth",
			mcp.Description("Search depth per position (default from config)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: text (default) or json"),
			mcp.Enum("text", "json"),
		),
	), h.HandleReviewGame)

	h.add(s, mcp.NewTool("getEngineStatus",
		mcp.WithDescription("Get the state and identity of the Pikafish engine"),
	), h.HandleGetEngineStatus)

	h.add(s, mcp.NewTool("startEngine",
		mcp.WithDescription("Start the Pikafish engine if not already running"),
	), h.HandleStartEngine)

	h.add(s, mcp.NewTool("stopEngine",
		mcp.WithDescription("Stop the Pikafish engine"),
	), h.HandleStopEngine)
}

func toolContext(ctx context.Context) context.Context {
	return logging.NewRequestContext(ctx)
}

// HandleAnalyzePosition handles the analyzePosition tool.
func (h *ToolsHandler) HandleAnalyzePosition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = toolContext(ctx)
	logger := h.logger.WithContext(ctx).WithField("tool", "analyzePosition")

	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("missing arguments"), nil
	}
	req, format, err := parseAnalysisArgs(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !h.engine.IsRunning() {
		logger.Info("Starting engine for analysis")
		if err := h.engine.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start engine: %w", err)
		}
	}

	res, err := h.engine.Analyse(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}
	logger.Debug("Analysis complete", "best_move", res.BestMove, "depth", res.Depth)

	if format == "json" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to format result: %w", err)
		}
		return mcp.NewToolResultText(string(data)), nil
	}
	return mcp.NewToolResultText(FormatAnalysis(res)), nil
}

func parseAnalysisArgs(args map[string]interface{}) (engine.AnalysisRequest, string, error) {
	var req engine.AnalysisRequest

	fen, ok := args["fen"].(string)
	if !ok || strings.TrimSpace(fen) == "" {
		return req, "", fmt.Errorf("fen is required")
	}
	req.FEN = strings.TrimSpace(fen)

	var err error
	if req.Moves, err = movesArg(args); err != nil {
		return req, "", err
	}
	if req.Depth, err = intArg(args, "depth"); err != nil {
		return req, "", err
	}
	if req.MultiPV, err = intArg(args, "multipv"); err != nil {
		return req, "", err
	}
	format, err := formatArg(args)
	if err != nil {
		return req, "", err
	}
	return req, format, nil
}

func parseReviewArgs(args map[string]interface{}) (engine.ReviewRequest, string, error) {
	var req engine.ReviewRequest

	if fen, ok := args["fen"].(string); ok {
		req.FEN = strings.TrimSpace(fen)
	}

	var err error
	if req.Moves, err = movesArg(args); err != nil {
		return req, "", err
	}
	if len(req.Moves) == 0 {
		return req, "", fmt.Errorf("moves are required")
	}
	if req.Depth, err = intArg(args, "depth"); err != nil {
		return req, "", err
	}
	format, err := formatArg(args)
	if err != nil {
		return req, "", err
	}
	return req, format, nil
}

// movesArg accepts a JSON array of moves or one space separated string.
func movesArg(args map[string]interface{}) ([]string, error) {
	raw, ok := args["moves"]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []interface{}:
		moves := make([]string, 0, len(v))
		for _, m := range v {
			move, ok := m.(string)
			if !ok {
				return nil, fmt.Errorf("moves must be strings")
			}
			moves = append(moves, move)
		}
		return moves, nil
	case []string:
		return append([]string(nil), v...), nil
	case string:
		return strings.Fields(v), nil
	}
	return nil, fmt.Errorf("moves must be an array of strings")
}

func formatArg(args map[string]interface{}) (string, error) {
	format := "text"
	if v, ok := args["format"].(string); ok && v != "" {
		format = v
	}
	if format != "text" && format != "json" {
		return "", fmt.Errorf("format must be text or json")
	}
	return format, nil
}

func intArg(args map[string]interface{}, name string) (int, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer", name)
		}
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", name)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s must be a number", name)
}

// HandleReviewGame handles the reviewGame tool.
func (h *ToolsHandler) HandleReviewGame(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = toolContext(ctx)
	logger := h.logger.WithContext(ctx).WithField("tool", "reviewGame")

	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("missing arguments"), nil
	}
	req, format, err := parseReviewArgs(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !h.engine.IsRunning() {
		logger.Info("Starting engine for review")
		if err := h.engine.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start engine: %w", err)
		}
	}

	logger.Info("Reviewing game", "moves", len(req.Moves), "depth", req.Depth)
	review, err := engine.ReviewGame(ctx, h.engine, req, nil)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return nil, fmt.Errorf("review failed: %w", err)
	}
	logger.Info("Review complete",
		"mistakes", len(review.Mistakes),
		"red_accuracy", review.Summary.RedAccuracy,
		"black_accuracy", review.Summary.BlackAccuracy,
	)

	if format == "json" {
		data, err := json.MarshalIndent(review, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to format review: %w", err)
		}
		return mcp.NewToolResultText(string(data)), nil
	}
	return mcp.NewToolResultText(FormatReview(review)), nil
}

// HandleGetEngineStatus handles the getEngineStatus tool.
func (h *ToolsHandler) HandleGetEngineStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := h.engine.Info()

	var b strings.Builder
	fmt.Fprintf(&b, "Engine state: %s\n", info.State)
	if info.Name != "" {
		fmt.Fprintf(&b, "Engine: %s\n", info.Name)
	}
	if info.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", info.Author)
	}
	fmt.Fprintf(&b, "Binary: %s\n", info.Binary)
	if info.Suspect {
		b.WriteString("Warning: the last search did not finish cleanly; the engine will resync before the next search\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandleStartEngine handles the startEngine tool.
func (h *ToolsHandler) HandleStartEngine(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = toolContext(ctx)
	logger := h.logger.WithContext(ctx).WithField("tool", "startEngine")

	if h.engine.IsRunning() {
		return mcp.NewToolResultText("Pikafish engine is already running"), nil
	}
	if err := h.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	logger.Info("Engine started")
	return mcp.NewToolResultText("Pikafish engine started successfully"), nil
}

// HandleStopEngine handles the stopEngine tool.
func (h *ToolsHandler) HandleStopEngine(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = toolContext(ctx)
	logger := h.logger.WithContext(ctx).WithField("tool", "stopEngine")

	if !h.engine.IsRunning() {
		return mcp.NewToolResultText("Pikafish engine is not running"), nil
	}
	h.engine.Stop(ctx)
	logger.Info("Engine stopped")
	return mcp.NewToolResultText("Pikafish engine stopped successfully"), nil
}
