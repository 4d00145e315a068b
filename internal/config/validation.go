package config

import (
	"fmt"

	"go.uber.org/zap/zapcore"

	"github.com/settleline/recond/internal/model"
)

// Validate checks the complete configuration before startup.
func Validate(cfg *Config) error {
	if err := cfg.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := validateArchive(&cfg.Archive); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := validateIdempotency(&cfg.Idempotency); err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}
	if err := validateDeadLetter(&cfg.DeadLetter); err != nil {
		return fmt.Errorf("deadletter: %w", err)
	}
	if err := validateBus(&cfg.Bus); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if cfg.FX.CacheSize <= 0 {
		return fmt.Errorf("fx: cache_size must be > 0")
	}
	if err := validatePipeline(&cfg.Pipeline); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := validateHTTP(&cfg.HTTP); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := validateLogging(&cfg.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if cfg.Connections.CacheSize <= 0 {
		return fmt.Errorf("connections: cache_size must be > 0")
	}
	if cfg.Connections.CacheTTL <= 0 {
		return fmt.Errorf("connections: cache_ttl must be > 0")
	}
	if err := validateParsers(cfg.Parsers); err != nil {
		return fmt.Errorf("parsers: %w", err)
	}
	if err := validateRules(cfg); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

// kvBackends are the supported key-value backends for the archive and the
// idempotency store.
func validKVBackend(backend string) bool {
	switch backend {
	case "pebble", "leveldb", "memory":
		return true
	}
	return false
}

func validateArchive(cfg *ArchiveConfig) error {
	if !validKVBackend(cfg.Backend) {
		return fmt.Errorf("unknown backend %q (pebble, leveldb, memory)", cfg.Backend)
	}
	if cfg.Backend != "memory" && cfg.Path == "" {
		return fmt.Errorf("backend %q requires a path", cfg.Backend)
	}
	return nil
}

func validateIdempotency(cfg *IdempotencyConfig) error {
	if !validKVBackend(cfg.Backend) {
		return fmt.Errorf("unknown backend %q (pebble, leveldb, memory)", cfg.Backend)
	}
	if cfg.Backend != "memory" && cfg.Path == "" {
		return fmt.Errorf("backend %q requires a path", cfg.Backend)
	}
	if cfg.TTL <= 0 {
		return fmt.Errorf("ttl must be > 0")
	}
	if cfg.SweepGrace <= 0 || cfg.SweepInterval <= 0 {
		return fmt.Errorf("sweep_grace and sweep_interval must be > 0")
	}
	return nil
}

func validateDeadLetter(cfg *DeadLetterConfig) error {
	switch cfg.Backend {
	case "memory":
		return nil
	case "sqlite":
		if cfg.Path == "" {
			return fmt.Errorf("sqlite backend requires a path")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q (sqlite, memory)", cfg.Backend)
	}
}

func validateBus(cfg *BusConfig) error {
	if cfg.Partitions <= 0 {
		return fmt.Errorf("partitions must be > 0")
	}
	if cfg.Buffer <= 0 {
		return fmt.Errorf("buffer must be > 0")
	}
	return nil
}

func validatePipeline(cfg *PipelineConfig) error {
	if cfg.MaxAttempts == 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if cfg.RetryInitialInterval <= 0 || cfg.RetryMaxInterval <= 0 {
		return fmt.Errorf("retry intervals must be > 0")
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		return fmt.Errorf("retry_max_interval below retry_initial_interval")
	}
	if cfg.LagInterval <= 0 {
		return fmt.Errorf("lag_interval must be > 0")
	}
	return nil
}

func validateHTTP(cfg *HTTPConfig) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 {
		return fmt.Errorf("read_timeout and write_timeout must be > 0")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0")
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("invalid level %q", cfg.Level)
	}
	return nil
}

func validateParsers(parsers []ParserConfig) error {
	seen := make(map[string]bool, len(parsers))
	for i := range parsers {
		p := &parsers[i]
		if p.Name == "" {
			return fmt.Errorf("parser %d has no name", i)
		}
		key := p.Name + "@" + p.SchemaVersion
		if seen[key] {
			return fmt.Errorf("parser %s declared twice", key)
		}
		seen[key] = true
		if len(p.EventTypes) == 0 {
			return fmt.Errorf("parser %s maps no event types", p.Name)
		}
		for vendor, canonical := range p.EventTypes {
			if !model.EventType(canonical).Valid() {
				return fmt.Errorf("parser %s maps %q to unknown event type %q", p.Name, vendor, canonical)
			}
		}
	}
	return nil
}

func validateRules(cfg *Config) error {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		if err := r.Condition.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
	}
	return nil
}
