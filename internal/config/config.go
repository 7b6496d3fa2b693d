// Package config loads server configuration from an optional JSON file
// with environment-variable overrides. The three secrets have no defaults
// and no fallback: a missing one fails startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Defaults.
const (
	DefaultDatabasePath   = "concord.db"
	DefaultWebSocketAddr  = "localhost:8765"
	DefaultLogLevel       = "info"
	DefaultPoolMin        = 5
	DefaultPoolMax        = 50
	DefaultTokenTTLHours  = 24
	DefaultSweepSeconds   = 300
	DefaultIdleSeconds    = 300
	DefaultAuditBatchSize = 50
	DefaultFlushSeconds   = 1
	DefaultMaxQueryRows   = 1000
)

// Config is the full server configuration.
type Config struct {
	DatabasePath  string `json:"database_path"`
	WebSocketAddr string `json:"websocket_addr"`
	LogLevel      string `json:"log_level"`

	PoolMin int `json:"pool_min"`
	PoolMax int `json:"pool_max"`

	TokenTTLHours int `json:"token_ttl_hours"`

	SweepSeconds   int `json:"sweep_seconds"`
	IdleSeconds    int `json:"ws_idle_timeout_seconds"`
	AuditBatchSize int `json:"audit_batch_size"`
	FlushSeconds   int `json:"audit_flush_seconds"`
	MaxQueryRows   int `json:"max_query_rows"`

	// Secrets come only from the environment, never from the file.
	JWTSecret     string `json:"-"`
	EncryptionKey string `json:"-"`
	APIKey        string `json:"-"`
}

// Default returns the configuration before file and env overlays.
func Default() Config {
	return Config{
		DatabasePath:   DefaultDatabasePath,
		WebSocketAddr:  DefaultWebSocketAddr,
		LogLevel:       DefaultLogLevel,
		PoolMin:        DefaultPoolMin,
		PoolMax:        DefaultPoolMax,
		TokenTTLHours:  DefaultTokenTTLHours,
		SweepSeconds:   DefaultSweepSeconds,
		IdleSeconds:    DefaultIdleSeconds,
		AuditBatchSize: DefaultAuditBatchSize,
		FlushSeconds:   DefaultFlushSeconds,
		MaxQueryRows:   DefaultMaxQueryRows,
	}
}

// Load builds the configuration: defaults, then the JSON file at path (if
// path is "" or the file is absent, the file layer is skipped), then
// environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case os.IsNotExist(err):
			// Optional file.
		case err != nil:
			return cfg, fmt.Errorf("read config file: %w", err)
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&cfg.DatabasePath, "CONCORD_DATABASE_PATH")
	setString(&cfg.WebSocketAddr, "CONCORD_WEBSOCKET_ADDR")
	setString(&cfg.LogLevel, "CONCORD_LOG_LEVEL")
	setInt(&cfg.PoolMin, "CONCORD_POOL_MIN")
	setInt(&cfg.PoolMax, "CONCORD_POOL_MAX")
	setInt(&cfg.TokenTTLHours, "CONCORD_TOKEN_TTL_HOURS")
	setInt(&cfg.SweepSeconds, "CONCORD_SWEEP_SECONDS")
	setInt(&cfg.IdleSeconds, "CONCORD_WS_IDLE_TIMEOUT")
	setInt(&cfg.AuditBatchSize, "CONCORD_AUDIT_BATCH_SIZE")
	setInt(&cfg.MaxQueryRows, "CONCORD_MAX_QUERY_ROWS")

	setString(&cfg.JWTSecret, "CONCORD_JWT_SECRET")
	setString(&cfg.EncryptionKey, "CONCORD_ENCRYPTION_KEY")
	setString(&cfg.APIKey, "CONCORD_API_KEY")
}

// Validate checks bounds and the presence of all three secrets.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("CONCORD_JWT_SECRET is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("CONCORD_ENCRYPTION_KEY is required")
	}
	if len(c.EncryptionKey) < 32 {
		return fmt.Errorf("CONCORD_ENCRYPTION_KEY must be at least 32 characters")
	}
	if c.APIKey == "" {
		return fmt.Errorf("CONCORD_API_KEY is required")
	}
	if c.PoolMin < 1 || c.PoolMax < c.PoolMin {
		return fmt.Errorf("pool bounds invalid: min=%d max=%d", c.PoolMin, c.PoolMax)
	}
	if c.TokenTTLHours < 1 {
		return fmt.Errorf("token_ttl_hours must be positive")
	}
	return nil
}
