package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/term"

	"github.com/dmmcquay/pikafish-mcp/internal/cache"
	"github.com/dmmcquay/pikafish-mcp/internal/config"
	"github.com/dmmcquay/pikafish-mcp/internal/engine"
	"github.com/dmmcquay/pikafish-mcp/internal/health"
	"github.com/dmmcquay/pikafish-mcp/internal/logging"
	mcptools "github.com/dmmcquay/pikafish-mcp/internal/mcp"
	"github.com/dmmcquay/pikafish-mcp/internal/metrics"
	"github.com/dmmcquay/pikafish-mcp/internal/ratelimit"
	httpserver "github.com/dmmcquay/pikafish-mcp/internal/server"
	"github.com/dmmcquay/pikafish-mcp/internal/shutdown"
)

var (
	// Version information injected at build time.
	GitCommit string = "unknown"
	BuildTime string = "unknown"
)

const cachePurgeInterval = time.Minute

func main() {
	var showVersion bool
	var configPath string
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.Parse()

	if showVersion {
		fmt.Printf("pikafish-mcp version %s\n", config.Default().Server.Version)
		fmt.Printf("Git commit: %s\n", GitCommit)
		fmt.Printf("Build time: %s\n", BuildTime)
		os.Exit(0)
	}

	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerFromConfig(&logging.Config{
		Level:   cfg.Logging.Level,
		Format:  logging.LogFormat(cfg.Logging.Format),
		Service: cfg.Server.Name,
		Version: cfg.Server.Version,
		Prefix:  cfg.Logging.Prefix,
	})
	logger.Info("Starting Pikafish MCP server", "version", cfg.Server.Version, "commit", GitCommit, "built", BuildTime)

	resolveBinary(&cfg.Engine, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownManager := shutdown.NewManager(logger)
	shutdownManager.HandleSignals(ctx, shutdown.DefaultTimeout)

	collector := metrics.NewPrometheusCollector()
	analysisCache := cache.NewManager(&cfg.Cache, logger)
	go purgeCache(ctx, analysisCache, collector)

	session := engine.NewSession(&cfg.Engine, logger,
		engine.WithMetrics(collector),
		engine.WithCache(analysisCache),
	)
	shutdownManager.Register("engine", func(ctx context.Context) error {
		session.Stop(ctx)
		return nil
	})

	supervisor := engine.NewSupervisor(session, logger, engine.WithSupervisorMetrics(collector))
	if err := supervisor.Start(ctx); err != nil {
		logger.Error("Failed to start engine supervisor", "error", err)
		os.Exit(1)
	}
	shutdownManager.Register("supervisor", supervisor.Stop)

	rateLimiter := ratelimit.NewLimiter(&cfg.RateLimit, logger)
	shutdownManager.Register("rate limiter", func(context.Context) error {
		rateLimiter.Close()
		return nil
	})

	checker := health.NewChecker(logger, cfg.Server.Version, GitCommit)
	checker.RegisterCheckWithMetadata("engine", health.EngineCheck(session), health.EngineMetadata(session))

	if cfg.Server.HTTPAddr != "" {
		httpServer := httpserver.NewHTTPServer(cfg.Server.HTTPAddr, logger, checker, session,
			httpserver.WithRateLimiter(rateLimiter),
			httpserver.WithMetrics(collector),
		)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", "error", err)
			_ = shutdownManager.Shutdown(shutdown.DefaultTimeout)
			os.Exit(1)
		}
		shutdownManager.Register("http", httpServer.Stop)
	}

	if cfg.Server.EnableStdio {
		mcpServer := newMCPServer(cfg, session, checker, rateLimiter, collector, logger)
		stdio := server.NewStdioServer(mcpServer)

		if term.IsTerminal(int(os.Stdin.Fd())) {
			logger.Warn("Stdin is a terminal; the MCP transport expects JSON-RPC from a client")
		}
		logger.Info("Pikafish MCP server ready")
		go func() {
			if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				logger.Error("MCP server error", "error", err)
			}
			// stdin closed: the client is gone
			_ = shutdownManager.Shutdown(shutdown.DefaultTimeout)
		}()
	}

	<-shutdownManager.Done()
	logger.Info("Pikafish MCP server stopped")
}

// resolveBinary falls back to detection when the configured binary is the
// bare default name, and points the engine at a network found beside it.
func resolveBinary(cfg *config.EngineConfig, logger logging.ContextLogger) {
	if cfg.BinaryPath != "" && cfg.BinaryPath != "pikafish" {
		return
	}

	setup, err := engine.DetectPikafish()
	if err != nil {
		logger.Warn("Pikafish detection failed, using configured binary", "binary", cfg.BinaryPath, "error", err)
		return
	}
	for _, warning := range setup.Errors {
		logger.Warn("Detection warning", "detail", warning)
	}

	cfg.BinaryPath = setup.BinaryPath
	logger.Info("Found Pikafish binary", "path", setup.BinaryPath)
	if setup.NNUEPath != "" {
		if cfg.Options == nil {
			cfg.Options = make(map[string]string)
		}
		if _, ok := cfg.Options["EvalFile"]; !ok {
			cfg.Options["EvalFile"] = setup.NNUEPath
			logger.Info("Found Pikafish network", "path", setup.NNUEPath)
		}
	}
}

func newMCPServer(cfg *config.Config, eng engine.EngineInterface, checker *health.Checker, limiter *ratelimit.Limiter, collector *metrics.PrometheusCollector, logger logging.ContextLogger) *server.MCPServer {
	mcpServer := server.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	middleware := mcptools.NewMiddleware(logger, collector, limiter)
	tools := mcptools.NewToolsHandler(eng, logger)
	tools.SetMiddleware(middleware)
	tools.RegisterTools(mcpServer)

	healthTool := mcp.NewTool("health",
		mcp.WithDescription("Check server and engine health, including rate limit state"),
	)
	mcpServer.AddTool(healthTool, server.ToolHandlerFunc(middleware.WrapTool("health",
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			report := struct {
				Health    health.Response        `json:"health"`
				RateLimit map[string]interface{} `json:"rate_limit"`
				BuildTime string                 `json:"build_time"`
			}{
				Health:    checker.CheckHealth(ctx),
				RateLimit: limiter.Status(),
				BuildTime: BuildTime,
			}
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("failed to format health report: %w", err)
			}
			return mcp.NewToolResultText(string(data)), nil
		})))

	return mcpServer
}

func purgeCache(ctx context.Context, c *cache.Manager, collector *metrics.PrometheusCollector) {
	if !c.IsEnabled() {
		return
	}
	ticker := time.NewTicker(cachePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Purge()
			stats := c.Stats()
			collector.SetCacheStats(float64(stats.Items), float64(stats.Size))
		case <-ctx.Done():
			return
		}
	}
}
