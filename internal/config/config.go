package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config holds all coordinator configuration.
type Config struct {
	// Server configuration
	HTTPAddr string `json:"http_addr"`

	// StagingDir holds the chunk files and, in each transfer's subdirectory,
	// the assembled output; DataDir is the base for the default StagingDir and
	// DBPath (the bbolt database).
	DataDir    string `json:"data_dir"`
	StagingDir string `json:"staging_dir"`
	DBPath     string `json:"db_path"`

	// Chunking bounds. The coordinator doesn't choose chunk size (the sender
	// does, via its adaptive policy) but it rejects manifests outside these
	// bounds.
	MinChunkSize int `json:"min_chunk_size"`
	MaxChunkSize int `json:"max_chunk_size"`

	MaxConcurrent   int           `json:"max_concurrent"`
	TransferTimeout time.Duration `json:"transfer_timeout"`
	VerifyChecksums bool          `json:"verify_checksums"`

	// StaleAfter is how long after its manifest was created an active
	// transfer is marked stale by the sweeper; SweepInterval is how often the
	// sweeper runs.
	StaleAfter    time.Duration `json:"stale_after"`
	SweepInterval time.Duration `json:"sweep_interval"`

	// Retry configuration, mirrored on the sender side by the SFTS_* env vars.
	MaxRetries      int           `json:"max_retries"`
	RetryBackoff    time.Duration `json:"retry_backoff"`
	RetryMaxBackoff time.Duration `json:"retry_max_backoff"`

	LogLevel string `json:"log_level"`

	mu sync.RWMutex
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		DataDir:         "",
		StagingDir:      "",
		DBPath:          "",
		MinChunkSize:    64 * 1024,        // 64KB
		MaxChunkSize:    16 * 1024 * 1024, // 16MB
		MaxConcurrent:   4,
		TransferTimeout: time.Hour,
		VerifyChecksums: true,
		StaleAfter:      time.Hour,
		SweepInterval:   time.Hour,
		MaxRetries:      5,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: time.Minute,
		LogLevel:        "info",
	}
}

// LoadConfig loads configuration from a file or returns default config.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, ".chunkrelay", "config.json")
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		applyDataDirDefaults(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyDataDirDefaults(&cfg)

	return &cfg, nil
}

// Save saves the configuration to a file, atomically (write-temp-then-rename)
// so a crash mid-write never leaves a truncated config behind.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".chunkrelay", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// Redact returns a redacted copy of the config for logging. Nothing in this
// config is actually secret, but the shape is kept so log call sites read
// the same way as the rest of the ambient stack.
func (c *Config) Redact() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"http_addr":        c.HTTPAddr,
		"data_dir":         c.DataDir,
		"staging_dir":      c.StagingDir,
		"db_path":          c.DBPath,
		"min_chunk_size":   c.MinChunkSize,
		"max_chunk_size":   c.MaxChunkSize,
		"max_concurrent":   c.MaxConcurrent,
		"transfer_timeout": c.TransferTimeout,
		"verify_checksums": c.VerifyChecksums,
		"stale_after":      c.StaleAfter,
		"sweep_interval":   c.SweepInterval,
		"max_retries":      c.MaxRetries,
		"log_level":        c.LogLevel,
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = defaults.MinChunkSize
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = defaults.MaxChunkSize
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.TransferTimeout == 0 {
		cfg.TransferTimeout = defaults.TransferTimeout
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.RetryMaxBackoff == 0 {
		cfg.RetryMaxBackoff = defaults.RetryMaxBackoff
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
}

// applyDataDirDefaults fills in DataDir/StagingDir/DBPath relative to the
// user's home directory when left unset, keeping the three paths consistent
// with one another.
func applyDataDirDefaults(cfg *Config) {
	if cfg.DataDir != "" && cfg.StagingDir != "" && cfg.DBPath != "" {
		return
	}

	base := cfg.DataDir
	if base == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		base = filepath.Join(homeDir, ".chunkrelay")
	}

	if cfg.DataDir == "" {
		cfg.DataDir = base
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(base, "staging")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(base, "chunkrelay.db")
	}
}

// Sender-side configuration is read directly from environment variables
// (matching the plain-CLI sender's original env var names) rather than from
// this JSON file, since the sender is a one-shot process, not a daemon.
const (
	EnvServer     = "SFTS_SERVER"
	EnvTimeout    = "SFTS_TIMEOUT"
	EnvChunkSize  = "SFTS_CHUNK_SIZE"
	EnvMaxRetries = "SFTS_MAX_RETRIES"
)

// SenderConfig holds the sender CLI's tunables, loaded from flags with
// environment-variable fallbacks.
type SenderConfig struct {
	Server     string
	Timeout    time.Duration
	ChunkSize  int
	MaxRetries int
}

// DefaultSenderConfig returns the sender's built-in defaults, before flags
// or environment variables are applied.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Server:     "http://localhost:8080",
		Timeout:    30 * time.Second,
		ChunkSize:  1024 * 1024, // 1MB
		MaxRetries: 5,
	}
}

// ApplyEnv overlays SFTS_* environment variables onto the sender config,
// leaving fields untouched when their variable is unset or unparsable.
func (sc *SenderConfig) ApplyEnv() {
	if v := os.Getenv(EnvServer); v != "" {
		sc.Server = v
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			sc.Timeout = d
		}
	}
	if v := os.Getenv(EnvChunkSize); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			sc.ChunkSize = n
		}
	}
	if v := os.Getenv(EnvMaxRetries); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n >= 0 {
			sc.MaxRetries = n
		}
	}
}
