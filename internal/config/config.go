// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration from the
// environment. Precedence is ENV > defaults; the resulting Config is an
// immutable snapshot passed by value into each component at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Engine flavors supported by the subprocess command builder.
const (
	FlavorWhisper    = "whisper"
	FlavorWhisperCPP = "whisper-cpp"
)

// Config is the full daemon configuration.
type Config struct {
	// Directories. WatchDir must pre-exist; the others are created at boot.
	WatchDir     string
	OutputDir    string
	CompletedDir string
	FailedDir    string
	DataDir      string // badger store location

	// Worker pool bounds.
	MinWorkers       int
	MaxWorkers       int
	ConcurrencyLimit int

	// Ingestion.
	MaxFileSizeMB    int64
	MinFileSizeMB    int64
	SupportedFormats []string
	WatchMaxDepth    int
	StabilityWindow  time.Duration

	// Queue behavior.
	MaxJobAttempts  int
	StalledInterval time.Duration
	LockDuration    time.Duration
	MaxStalledCount int

	// Engine.
	EngineBinary       string
	EngineModel        string
	EngineLanguage     string
	EngineTask         string
	EngineComputeType  string
	EngineFlavor       string
	EngineOutputFormat string

	// HTTP.
	ListenAddr       string
	RequestRateLimit int // requests per minute per IP, 0 disables

	// Store retry policy for transient write failures.
	StoreRetryInitial time.Duration
	StoreRetryMax     time.Duration
	StoreRetryCap     time.Duration // total elapsed time budget

	// Shutdown.
	ShutdownTimeout time.Duration

	// Observability.
	LogLevel     string
	OTLPEndpoint string // empty disables trace export
}

// FromEnv builds a Config from environment variables with documented defaults.
func FromEnv() Config {
	return Config{
		WatchDir:     ParseString("WATCH_DIRECTORY", "/var/lib/palantir/watch"),
		OutputDir:    ParseString("OUTPUT_DIRECTORY", "/var/lib/palantir/output"),
		CompletedDir: ParseString("COMPLETED_DIRECTORY", "/var/lib/palantir/completed"),
		FailedDir:    ParseString("FAILED_DIRECTORY", "/var/lib/palantir/failed"),
		DataDir:      ParseString("DATA_DIRECTORY", "/var/lib/palantir/data"),

		MinWorkers:       ParseInt("MIN_WORKERS", 1),
		MaxWorkers:       ParseInt("MAX_WORKERS", 3),
		ConcurrencyLimit: ParseInt("CONCURRENCY_LIMIT", 3),

		MaxFileSizeMB:    ParseInt64("MAX_FILE_SIZE", 2048),
		MinFileSizeMB:    ParseInt64("MIN_FILE_SIZE", 0),
		SupportedFormats: ParseStringSlice("SUPPORTED_FORMATS", []string{"mp3", "wav", "m4a", "flac", "ogg", "mp4", "mov"}),
		WatchMaxDepth:    ParseInt("WATCH_MAX_DEPTH", 3),
		StabilityWindow:  ParseDuration("STABILITY_WINDOW_MS", 2*time.Second),

		MaxJobAttempts:  ParseInt("MAX_JOB_ATTEMPTS", 3),
		StalledInterval: ParseDuration("STALLED_INTERVAL", 30*time.Second),
		LockDuration:    ParseDuration("LOCK_DURATION", 60*time.Second),
		MaxStalledCount: ParseInt("MAX_STALLED_COUNT", 2),

		EngineBinary:       ParseString("ENGINE_BINARY", "whisper"),
		EngineModel:        ParseString("ENGINE_MODEL", "base"),
		EngineLanguage:     ParseString("ENGINE_LANGUAGE", ""),
		EngineTask:         ParseString("ENGINE_TASK", "transcribe"),
		EngineComputeType:  ParseString("ENGINE_COMPUTE_TYPE", "int8"),
		EngineFlavor:       ParseString("ENGINE_FLAVOR", FlavorWhisper),
		EngineOutputFormat: ParseString("ENGINE_OUTPUT_FORMAT", "txt"),

		ListenAddr:       ParseString("LISTEN_ADDR", ":8484"),
		RequestRateLimit: ParseInt("REQUEST_RATE_LIMIT", 600),

		StoreRetryInitial: ParseDuration("STORE_RETRY_INITIAL_MS", 500*time.Millisecond),
		StoreRetryMax:     ParseDuration("STORE_RETRY_MAX_MS", 30*time.Second),
		StoreRetryCap:     ParseDuration("STORE_RETRY_CAP_MS", 5*time.Minute),

		ShutdownTimeout: ParseDuration("SHUTDOWN_TIMEOUT", 60*time.Second),

		LogLevel:     ParseString("LOG_LEVEL", "info"),
		OTLPEndpoint: ParseString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// Validate checks the configuration and prepares managed directories. The
// watch directory must pre-exist; output/completed/failed/data are created.
func (c *Config) Validate() error {
	dirs := map[string]string{
		"WATCH_DIRECTORY":     c.WatchDir,
		"OUTPUT_DIRECTORY":    c.OutputDir,
		"COMPLETED_DIRECTORY": c.CompletedDir,
		"FAILED_DIRECTORY":    c.FailedDir,
		"DATA_DIRECTORY":      c.DataDir,
	}
	for key, dir := range dirs {
		if dir == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s must be an absolute path, got %q", key, dir)
		}
	}

	info, err := os.Stat(c.WatchDir)
	if err != nil {
		return fmt.Errorf("WATCH_DIRECTORY %q: %w", c.WatchDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("WATCH_DIRECTORY %q is not a directory", c.WatchDir)
	}

	for _, dir := range []string{c.OutputDir, c.CompletedDir, c.FailedDir, c.DataDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	// Verify writability once up front rather than discovering it mid-job.
	for _, dir := range []string{c.WatchDir, c.OutputDir, c.CompletedDir, c.FailedDir, c.DataDir} {
		probe := filepath.Join(dir, ".palantir-write-check")
		if err := os.WriteFile(probe, nil, 0o600); err != nil {
			return fmt.Errorf("directory %q is not writable: %w", dir, err)
		}
		_ = os.Remove(probe)
	}

	if c.ConcurrencyLimit < 1 {
		c.ConcurrencyLimit = 1
	}
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("MAX_WORKERS (%d) must be >= MIN_WORKERS (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.ConcurrencyLimit > c.MaxWorkers {
		c.ConcurrencyLimit = c.MaxWorkers
	}

	if c.MinFileSizeMB < 0 {
		return fmt.Errorf("MIN_FILE_SIZE must be >= 0, got %d", c.MinFileSizeMB)
	}
	if c.MaxFileSizeMB < c.MinFileSizeMB {
		return fmt.Errorf("MAX_FILE_SIZE (%d) must be >= MIN_FILE_SIZE (%d)", c.MaxFileSizeMB, c.MinFileSizeMB)
	}
	if len(c.SupportedFormats) == 0 {
		return fmt.Errorf("SUPPORTED_FORMATS must not be empty")
	}
	if c.WatchMaxDepth < 1 {
		return fmt.Errorf("WATCH_MAX_DEPTH must be >= 1, got %d", c.WatchMaxDepth)
	}

	if c.MaxJobAttempts < 1 {
		return fmt.Errorf("MAX_JOB_ATTEMPTS must be >= 1, got %d", c.MaxJobAttempts)
	}
	if c.StalledInterval <= 0 || c.LockDuration <= 0 {
		return fmt.Errorf("STALLED_INTERVAL and LOCK_DURATION must be positive")
	}
	if c.MaxStalledCount < 0 {
		return fmt.Errorf("MAX_STALLED_COUNT must be >= 0, got %d", c.MaxStalledCount)
	}

	switch c.EngineFlavor {
	case FlavorWhisper, FlavorWhisperCPP:
	default:
		return fmt.Errorf("ENGINE_FLAVOR must be %q or %q, got %q", FlavorWhisper, FlavorWhisperCPP, c.EngineFlavor)
	}
	switch c.EngineOutputFormat {
	case "txt", "json":
	default:
		return fmt.Errorf("ENGINE_OUTPUT_FORMAT must be \"txt\" or \"json\", got %q", c.EngineOutputFormat)
	}

	return nil
}

// SupportsExtension reports whether ext (without dot, any case) is ingestible.
func (c *Config) SupportsExtension(ext string) bool {
	for _, f := range c.SupportedFormats {
		if f == ext {
			return true
		}
	}
	return false
}
