package config

import "github.com/spf13/viper"

// setDefaults seeds every key so a bare `recond server` comes up on the
// in-memory backends with sane pipeline tuning.
func setDefaults(v *viper.Viper) {
	// Canonical store
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.database", "recond")
	v.SetDefault("store.username", "recond")
	v.SetDefault("store.ssl_mode", "prefer")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", "1h")
	v.SetDefault("store.conn_max_idle_time", "15m")
	v.SetDefault("store.default_timeout", "30s")
	v.SetDefault("store.max_retries", 3)
	v.SetDefault("store.retry_delay", "100ms")
	v.SetDefault("store.retry_max_delay", "5s")
	v.SetDefault("store.init_schema", true)

	// Raw event archive
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.path", "/var/lib/recond/archive")
	v.SetDefault("archive.compression", true)

	// Idempotency guard
	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.path", "/var/lib/recond/idempotency")
	v.SetDefault("idempotency.ttl", "168h")
	v.SetDefault("idempotency.sweep_grace", "1m")
	v.SetDefault("idempotency.sweep_interval", "5m")

	// Dead letters
	v.SetDefault("deadletter.backend", "memory")
	v.SetDefault("deadletter.path", "/var/lib/recond/deadletter.db")

	// Event bus
	v.SetDefault("bus.partitions", 8)
	v.SetDefault("bus.buffer", 1024)

	// FX
	v.SetDefault("fx.cache_size", 1024)

	// Pipeline retries
	v.SetDefault("pipeline.max_attempts", 5)
	v.SetDefault("pipeline.retry_initial_interval", "200ms")
	v.SetDefault("pipeline.retry_max_interval", "30s")
	v.SetDefault("pipeline.lag_interval", "10s")

	// HTTP listener
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "30s")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Connection cache
	v.SetDefault("connections.cache_size", 256)
	v.SetDefault("connections.cache_ttl", "5m")
}
