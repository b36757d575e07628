// Package config provides configuration management for the Stagehand Agent.
// Agent tunables are loaded from environment variables with sensible
// defaults; provider endpoints and credentials come from a YAML file (see
// providers.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8686
	DefaultLogLevel = "info"
	DefaultDataDir  = ".stagehand"

	// Environment variable names
	EnvPort          = "STAGEHAND_PORT"
	EnvLogLevel      = "STAGEHAND_LOG_LEVEL"
	EnvDataDir       = "STAGEHAND_DATA_DIR"
	EnvOutputDir     = "STAGEHAND_OUTPUT_DIR"
	EnvProvidersFile = "STAGEHAND_PROVIDERS_FILE"

	// Orchestrator environment variable names
	EnvMaxWorkers        = "STAGEHAND_MAX_WORKERS"
	EnvPollInterval      = "STAGEHAND_POLL_INTERVAL_S"
	EnvImageTimeout      = "STAGEHAND_IMAGE_TIMEOUT_S"
	EnvVideoTimeout      = "STAGEHAND_VIDEO_TIMEOUT_S"
	EnvMaxRetryOnTimeout = "STAGEHAND_MAX_RETRY_ON_TIMEOUT"
	EnvTimeoutRetry      = "STAGEHAND_TIMEOUT_RETRY"

	// Database filename
	DBFilename = "stagehand.db"

	// Orchestrator defaults. Video generation is materially slower than
	// image generation, so its deadline is three times longer.
	DefaultMaxWorkers        = 50
	DefaultPollInterval      = 10   // seconds
	DefaultImageTimeout      = 600  // 10 minutes
	DefaultVideoTimeout      = 1800 // 30 minutes
	DefaultMaxRetryOnTimeout = 3
	DefaultSubmitRetries     = 2  // immediate retries on transient submit errors
	DefaultMaxPollErrors     = 10 // consecutive poll failures before a job is failed
	DefaultProvidersFile     = "providers.yaml"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	OutputDir() string
	ProvidersFile() string
	MaxWorkers() int
	PollInterval() time.Duration
	ImageTimeout() time.Duration
	VideoTimeout() time.Duration
	MaxRetryOnTimeout() int
	TimeoutRetryEnabled() bool
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port          int
	logLevel      string
	dataDir       string
	outputDir     string
	providersFile string

	maxWorkers          int
	pollInterval        int
	imageTimeout        int
	videoTimeout        int
	maxRetryOnTimeout   int
	timeoutRetryEnabled bool
}

// New creates a new EnvConfig with defaults and environment variable
// overrides. Invalid values are rejected here, before any task is submitted.
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:                DefaultPort,
		logLevel:            DefaultLogLevel,
		dataDir:             defaultDataDir(),
		providersFile:       DefaultProvidersFile,
		maxWorkers:          DefaultMaxWorkers,
		pollInterval:        DefaultPollInterval,
		imageTimeout:        DefaultImageTimeout,
		videoTimeout:        DefaultVideoTimeout,
		maxRetryOnTimeout:   DefaultMaxRetryOnTimeout,
		timeoutRetryEnabled: true,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if od := os.Getenv(EnvOutputDir); od != "" {
		cfg.outputDir = od
	}

	if pf := os.Getenv(EnvProvidersFile); pf != "" {
		cfg.providersFile = pf
	}

	intVars := []struct {
		env  string
		dst  *int
		name string
	}{
		{EnvMaxWorkers, &cfg.maxWorkers, "worker pool size"},
		{EnvPollInterval, &cfg.pollInterval, "poll interval"},
		{EnvImageTimeout, &cfg.imageTimeout, "image timeout"},
		{EnvVideoTimeout, &cfg.videoTimeout, "video timeout"},
	}
	for _, v := range intVars {
		raw := os.Getenv(v.env)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.env, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("invalid %s: %s must be positive", v.env, v.name)
		}
		*v.dst = n
	}

	if raw := os.Getenv(EnvMaxRetryOnTimeout); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvMaxRetryOnTimeout, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid %s: retry budget must not be negative", EnvMaxRetryOnTimeout)
		}
		cfg.maxRetryOnTimeout = n
	}

	if raw := os.Getenv(EnvTimeoutRetry); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvTimeoutRetry, err)
		}
		cfg.timeoutRetryEnabled = enabled
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// OutputDir returns the directory generated assets and reports are written
// to. Defaults to <data dir>/performance when not configured.
func (c *EnvConfig) OutputDir() string {
	if c.outputDir != "" {
		return c.outputDir
	}
	return filepath.Join(c.dataDir, "performance")
}

// ProvidersFile returns the path to the YAML providers configuration
func (c *EnvConfig) ProvidersFile() string {
	return c.providersFile
}

func (c *EnvConfig) MaxWorkers() int {
	return c.maxWorkers
}

func (c *EnvConfig) PollInterval() time.Duration {
	return time.Duration(c.pollInterval) * time.Second
}

func (c *EnvConfig) ImageTimeout() time.Duration {
	return time.Duration(c.imageTimeout) * time.Second
}

func (c *EnvConfig) VideoTimeout() time.Duration {
	return time.Duration(c.videoTimeout) * time.Second
}

func (c *EnvConfig) MaxRetryOnTimeout() int {
	return c.maxRetryOnTimeout
}

func (c *EnvConfig) TimeoutRetryEnabled() bool {
	return c.timeoutRetryEnabled
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
