// Package config defines the recond configuration: one TOML file plus
// RECOND_-prefixed environment overrides, loaded through viper and
// validated before anything starts.
package config

import (
	"time"

	"github.com/settleline/recond/internal/rules"
	"github.com/settleline/recond/internal/storage/canonicalstore"
)

// Config is the complete recond configuration.
type Config struct {
	// Store is the canonical relational store (postgres or memory).
	Store canonicalstore.Config `toml:"store" mapstructure:"store"`

	Archive     ArchiveConfig     `toml:"archive" mapstructure:"archive"`
	Idempotency IdempotencyConfig `toml:"idempotency" mapstructure:"idempotency"`
	DeadLetter  DeadLetterConfig  `toml:"deadletter" mapstructure:"deadletter"`
	Bus         BusConfig         `toml:"bus" mapstructure:"bus"`
	FX          FXConfig          `toml:"fx" mapstructure:"fx"`
	Pipeline    PipelineConfig    `toml:"pipeline" mapstructure:"pipeline"`
	HTTP        HTTPConfig        `toml:"http" mapstructure:"http"`
	Logging     LoggingConfig     `toml:"logging" mapstructure:"logging"`
	Connections ConnectionsConfig `toml:"connections" mapstructure:"connections"`

	// Parsers declares the payload parsers available to connections.
	Parsers []ParserConfig `toml:"parsers" mapstructure:"parsers"`

	// Rules are the tenant reconciliation rules applied to new exceptions.
	Rules []rules.Rule `toml:"rules" mapstructure:"rules"`

	configPath string `toml:"-" mapstructure:"-"`
}

// ArchiveConfig selects the raw-event archive backend.
type ArchiveConfig struct {
	// Backend is pebble, leveldb or memory.
	Backend string `toml:"backend" mapstructure:"backend"`
	// Path is the on-disk location for the disk backends.
	Path string `toml:"path" mapstructure:"path"`
	// Compression enables lz4 compression of archived payloads.
	Compression bool `toml:"compression" mapstructure:"compression"`
}

// IdempotencyConfig tunes the webhook replay guard.
type IdempotencyConfig struct {
	Backend string `toml:"backend" mapstructure:"backend"`
	Path    string `toml:"path" mapstructure:"path"`
	// TTL is how long a key blocks replays.
	TTL time.Duration `toml:"ttl" mapstructure:"ttl"`
	// SweepGrace is how old an unpublished row must be before the sweeper
	// re-emits it.
	SweepGrace time.Duration `toml:"sweep_grace" mapstructure:"sweep_grace"`
	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration `toml:"sweep_interval" mapstructure:"sweep_interval"`
}

// DeadLetterConfig selects the dead-letter store.
type DeadLetterConfig struct {
	// Backend is sqlite or memory.
	Backend string `toml:"backend" mapstructure:"backend"`
	Path    string `toml:"path" mapstructure:"path"`
}

// BusConfig sizes the in-process event bus.
type BusConfig struct {
	// Partitions is the per-topic partition count; per-tenant ordering
	// needs it stable across restarts.
	Partitions int `toml:"partitions" mapstructure:"partitions"`
	// Buffer is the per-partition channel depth; a full buffer blocks
	// publishers, which is the backpressure mechanism.
	Buffer int `toml:"buffer" mapstructure:"buffer"`
}

// FXConfig tunes the FX rate provider.
type FXConfig struct {
	CacheSize int `toml:"cache_size" mapstructure:"cache_size"`
}

// PipelineConfig tunes stage retry behavior.
type PipelineConfig struct {
	MaxAttempts          uint64        `toml:"max_attempts" mapstructure:"max_attempts"`
	RetryInitialInterval time.Duration `toml:"retry_initial_interval" mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `toml:"retry_max_interval" mapstructure:"retry_max_interval"`
	LagInterval          time.Duration `toml:"lag_interval" mapstructure:"lag_interval"`
}

// HTTPConfig is the webhook/metrics listener.
type HTTPConfig struct {
	Listen          string        `toml:"listen" mapstructure:"listen"`
	ReadTimeout     time.Duration `toml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the zap profile.
type LoggingConfig struct {
	Level       string `toml:"level" mapstructure:"level"`
	Development bool   `toml:"development" mapstructure:"development"`
}

// ConnectionsConfig tunes the connection config cache.
type ConnectionsConfig struct {
	CacheSize int           `toml:"cache_size" mapstructure:"cache_size"`
	CacheTTL  time.Duration `toml:"cache_ttl" mapstructure:"cache_ttl"`
}

// ParserConfig declares one payload parser: the vendor event-type map is
// what turns PSP-specific type strings into canonical event types.
type ParserConfig struct {
	Name          string            `toml:"name" mapstructure:"name"`
	SchemaVersion string            `toml:"schema_version" mapstructure:"schema_version"`
	EventTypes    map[string]string `toml:"event_types" mapstructure:"event_types"`
}

// GetConfigPath returns the path the configuration was loaded from, or ""
// when running on defaults.
func (c *Config) GetConfigPath() string {
	return c.configPath
}
