// Package config provides configuration management for Memoria.
// Settings load from an optional YAML file and environment variables with
// the MEMORIA_ prefix; environment variables win. All options have sensible
// defaults so a zero-config start works against a local SQLite file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for Memoria.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Relationships RelationshipsConfig `yaml:"relationships"`
	State         StateConfig         `yaml:"state"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	// Engine selects the backing store: sqlite or postgres (default: sqlite).
	Engine string `yaml:"engine"`

	// DSN is the connection string. For sqlite this is a file path or
	// ":memory:"; for postgres a postgres:// URL.
	DSN string `yaml:"dsn"`
}

// ConsolidationConfig tunes duplicate detection and the consolidation executor.
type ConsolidationConfig struct {
	// SimilarityThreshold is the Jaccard score at or above which a candidate
	// is emitted (default: 0.7).
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// CandidateWindow caps how many hits the similarity source returns per
	// detection (default: 20).
	CandidateWindow int `yaml:"candidate_window"`

	// MaxBatchSize caps the duplicate list per consolidation (default: 50).
	MaxBatchSize int `yaml:"max_batch_size"`

	// RecencyGuard rejects re-consolidating a primary consolidated more
	// recently than this (default: 1h).
	RecencyGuard time.Duration `yaml:"recency_guard"`

	// TxTimeout is the atomic-write budget (default: 60s).
	TxTimeout time.Duration `yaml:"tx_timeout"`

	// SweepRatePerSec paces per-record transactions during batch sweeps
	// (default: 50).
	SweepRatePerSec float64 `yaml:"sweep_rate_per_sec"`
}

// RelationshipsConfig tunes the relationship query engine.
type RelationshipsConfig struct {
	// QueryLimit is the default result cap for related-memory queries
	// (default: 20).
	QueryLimit int `yaml:"query_limit"`

	// ScanCacheTTL bounds how long namespace scans are reused by the query
	// engine before re-reading the store (default: 30s).
	ScanCacheTTL time.Duration `yaml:"scan_cache_ttl"`

	// ScanCacheSize is the number of cached namespace scans (default: 64).
	ScanCacheSize int `yaml:"scan_cache_size"`
}

// StateConfig tunes the processing state tracker.
type StateConfig struct {
	// HistoryCap bounds per-memory transition history; oldest entries are
	// evicted past the cap (default: 50).
	HistoryCap int `yaml:"history_cap"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json or console (default: json)
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine: "sqlite",
			DSN:    "./data/memoria.db",
		},
		Consolidation: ConsolidationConfig{
			SimilarityThreshold: 0.7,
			CandidateWindow:     20,
			MaxBatchSize:        50,
			RecencyGuard:        time.Hour,
			TxTimeout:           60 * time.Second,
			SweepRatePerSec:     50,
		},
		Relationships: RelationshipsConfig{
			QueryLimit:    20,
			ScanCacheTTL:  30 * time.Second,
			ScanCacheSize: 64,
		},
		State: StateConfig{
			HistoryCap: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, then an optional YAML file,
// then MEMORIA_-prefixed environment variables (highest precedence).
// An empty path skips the file stage.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Storage.Engine, "MEMORIA_STORAGE_ENGINE")
	setString(&c.Storage.DSN, "MEMORIA_STORAGE_DSN")

	setFloat(&c.Consolidation.SimilarityThreshold, "MEMORIA_SIMILARITY_THRESHOLD")
	setInt(&c.Consolidation.CandidateWindow, "MEMORIA_CANDIDATE_WINDOW")
	setInt(&c.Consolidation.MaxBatchSize, "MEMORIA_MAX_BATCH_SIZE")
	setDuration(&c.Consolidation.RecencyGuard, "MEMORIA_RECENCY_GUARD")
	setDuration(&c.Consolidation.TxTimeout, "MEMORIA_TX_TIMEOUT")
	setFloat(&c.Consolidation.SweepRatePerSec, "MEMORIA_SWEEP_RATE_PER_SEC")

	setInt(&c.Relationships.QueryLimit, "MEMORIA_RELATIONSHIP_QUERY_LIMIT")
	setDuration(&c.Relationships.ScanCacheTTL, "MEMORIA_SCAN_CACHE_TTL")
	setInt(&c.Relationships.ScanCacheSize, "MEMORIA_SCAN_CACHE_SIZE")

	setInt(&c.State.HistoryCap, "MEMORIA_STATE_HISTORY_CAP")

	setString(&c.Logging.Level, "MEMORIA_LOG_LEVEL")
	setString(&c.Logging.Format, "MEMORIA_LOG_FORMAT")
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Storage.Engine != "sqlite" && c.Storage.Engine != "postgres" {
		return fmt.Errorf("invalid storage engine %q (want sqlite or postgres)", c.Storage.Engine)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage DSN is required")
	}
	if c.Consolidation.SimilarityThreshold < 0 || c.Consolidation.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in [0,1], got %v", c.Consolidation.SimilarityThreshold)
	}
	if c.Consolidation.CandidateWindow < 1 {
		return fmt.Errorf("candidate window must be >= 1, got %d", c.Consolidation.CandidateWindow)
	}
	if c.Consolidation.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be >= 1, got %d", c.Consolidation.MaxBatchSize)
	}
	if c.Consolidation.TxTimeout <= 0 {
		return fmt.Errorf("tx timeout must be positive, got %v", c.Consolidation.TxTimeout)
	}
	if c.State.HistoryCap < 1 {
		return fmt.Errorf("state history cap must be >= 1, got %d", c.State.HistoryCap)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
