package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Engine process configuration
	Engine EngineConfig `json:"engine"`

	// Server configuration
	Server ServerConfig `json:"server"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `json:"rateLimit"`

	// Analysis cache configuration
	Cache CacheConfig `json:"cache"`
}

type EngineConfig struct {
	BinaryPath string            `json:"binaryPath"`
	Threads    int               `json:"threads"`
	HashMB     int               `json:"hashMB"`
	ShowWDL    bool              `json:"showWDL"`
	Options    map[string]string `json:"options"`

	// ReadTimeoutSeconds bounds every wait for a single line of engine output.
	ReadTimeoutSeconds float64 `json:"readTimeoutSeconds"`
	// QuitGraceSeconds is how long Stop waits for the engine to exit after quit.
	QuitGraceSeconds float64 `json:"quitGraceSeconds"`

	DefaultDepth int `json:"defaultDepth"`
	MaxDepth     int `json:"maxDepth"`
	MaxMultiPV   int `json:"maxMultiPV"`
}

// ReadTimeout returns the per-line read deadline.
func (e *EngineConfig) ReadTimeout() time.Duration {
	return time.Duration(e.ReadTimeoutSeconds * float64(time.Second))
}

// QuitGrace returns the exit grace period after quit.
func (e *EngineConfig) QuitGrace() time.Duration {
	return time.Duration(e.QuitGraceSeconds * float64(time.Second))
}

type ServerConfig struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	HTTPAddr    string `json:"httpAddr"`
	// EnableStdio serves the MCP tools on stdin/stdout.
	EnableStdio bool `json:"enableStdio"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Prefix string `json:"prefix"`
}

type RateLimitConfig struct {
	Enabled        bool           `json:"enabled"`
	RequestsPerMin int            `json:"requestsPerMin"`
	BurstSize      int            `json:"burstSize"`
	PerToolLimits  map[string]int `json:"perToolLimits"`
}

type CacheConfig struct {
	Enabled      bool  `json:"enabled"`
	MaxItems     int   `json:"maxItems"`
	MaxSizeBytes int64 `json:"maxSizeBytes"`
	TTLSeconds   int   `json:"ttlSeconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			BinaryPath:         "pikafish",
			Threads:            2,
			HashMB:             64,
			ShowWDL:            true,
			Options:            make(map[string]string),
			ReadTimeoutSeconds: 30,
			QuitGraceSeconds:   3,
			DefaultDepth:       20,
			MaxDepth:           40,
			MaxMultiPV:         5,
		},
		Server: ServerConfig{
			Name:        "pikafish-mcp",
			Version:     "0.1.0",
			Description: "Pikafish xiangqi analysis server",
			HTTPAddr:    ":8080",
			EnableStdio: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Prefix: "[pikafish-mcp] ",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 60,
			BurstSize:      10,
			// a review runs one search per move
			PerToolLimits: map[string]int{"reviewGame": 6},
		},
		Cache: CacheConfig{
			Enabled:      true,
			MaxItems:     500,
			MaxSizeBytes: 16 * 1024 * 1024,
			TTLSeconds:   3600,
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from JSON file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath) // #nosec G304 -- path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	// Engine settings
	if v := os.Getenv("PIKAFISH_PATH"); v != "" {
		c.Engine.BinaryPath = v
	}
	if v, err := strconv.Atoi(os.Getenv("PIKAFISH_THREADS")); err == nil {
		c.Engine.Threads = v
	}
	if v, err := strconv.Atoi(os.Getenv("PIKAFISH_HASH_MB")); err == nil {
		c.Engine.HashMB = v
	}

	// Server settings
	if v := os.Getenv("PIKAFISH_MCP_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}

	// Logging settings
	if v := os.Getenv("PIKAFISH_MCP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PIKAFISH_MCP_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	// Rate limit settings
	if v := os.Getenv("PIKAFISH_MCP_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = strings.ToLower(v) == "true"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Engine.BinaryPath) == "" {
		return fmt.Errorf("engine binary path is empty")
	}
	if filepath.IsAbs(c.Engine.BinaryPath) {
		if _, err := os.Stat(c.Engine.BinaryPath); err != nil {
			return fmt.Errorf("engine binary not found at %s", c.Engine.BinaryPath)
		}
	}

	// Clamp numeric ranges
	if c.Engine.Threads < 1 {
		c.Engine.Threads = 1
	}
	if c.Engine.HashMB < 1 {
		c.Engine.HashMB = 1
	}
	if c.Engine.ReadTimeoutSeconds <= 0 {
		c.Engine.ReadTimeoutSeconds = 30
	}
	if c.Engine.QuitGraceSeconds <= 0 {
		c.Engine.QuitGraceSeconds = 3
	}
	if c.Engine.MaxDepth < 1 {
		c.Engine.MaxDepth = 1
	}
	if c.Engine.DefaultDepth < 1 {
		c.Engine.DefaultDepth = 1
	}
	if c.Engine.DefaultDepth > c.Engine.MaxDepth {
		c.Engine.DefaultDepth = c.Engine.MaxDepth
	}
	if c.Engine.MaxMultiPV < 1 {
		c.Engine.MaxMultiPV = 1
	}
	if c.Engine.Options == nil {
		c.Engine.Options = make(map[string]string)
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMin < 1 {
			c.RateLimit.RequestsPerMin = 1
		}
		if c.RateLimit.BurstSize < 1 {
			c.RateLimit.BurstSize = 1
		}
	}
	if c.RateLimit.PerToolLimits == nil {
		c.RateLimit.PerToolLimits = make(map[string]int)
	}

	if c.Cache.MaxItems < 0 {
		c.Cache.MaxItems = 0
	}

	return nil
}

func GetConfigPath() string {
	// Check environment variable first
	if path := os.Getenv("PIKAFISH_MCP_CONFIG"); path != "" {
		return path
	}

	// Check current directory
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}

	// Check home directory
	if home, err := os.UserHomeDir(); err == nil {
		configPath := filepath.Join(home, ".pikafish-mcp", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return ""
}
