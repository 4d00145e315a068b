package canonicalstore

import (
	"fmt"
	"net/url"
	"time"
)

// Config contains canonical-store configuration settings.
type Config struct {
	// Connection settings
	Driver           string `json:"driver" mapstructure:"driver"`
	ConnectionString string `json:"connection_string" mapstructure:"connection_string"`
	Host             string `json:"host" mapstructure:"host"`
	Port             int    `json:"port" mapstructure:"port"`
	Database         string `json:"database" mapstructure:"database"`
	Username         string `json:"username" mapstructure:"username"`
	Password         string `json:"password" mapstructure:"password"`
	SSLMode          string `json:"ssl_mode" mapstructure:"ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`

	// Transaction settings
	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout"`

	// Retry settings
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	RetryMaxDelay time.Duration `json:"retry_max_delay" mapstructure:"retry_max_delay"`

	// InitSchema creates missing tables on startup.
	InitSchema bool `json:"init_schema" mapstructure:"init_schema"`
}

// NewConfig creates a Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		Database:        "recond",
		Username:        "recond",
		SSLMode:         "prefer",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 15,
		DefaultTimeout:  time.Second * 30,
		MaxRetries:      3,
		RetryDelay:      time.Millisecond * 100,
		RetryMaxDelay:   time.Second * 5,
		InitSchema:      true,
	}
}

// MemoryConfig creates a configuration for the in-memory backend.
func MemoryConfig() *Config {
	config := NewConfig()
	config.Driver = "memory"
	return config
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	switch c.Driver {
	case "postgres", "postgresql":
		c.Driver = "postgres"
	case "memory":
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}

	if c.ConnectionString == "" {
		if c.Host == "" {
			return ErrMissingHost
		}
		if c.Port <= 0 || c.Port > 65535 {
			return ErrInvalidPort
		}
		if c.Database == "" {
			return ErrMissingDatabase
		}
		if c.Username == "" {
			return ErrMissingUsername
		}
		switch c.SSLMode {
		case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		default:
			return fmt.Errorf("invalid SSL mode: %s", c.SSLMode)
		}
	}

	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("connection pool sizes must be >= 0")
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max idle connections exceed max open connections")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be > 0")
	}
	if c.MaxRetries < 0 || c.RetryDelay < 0 {
		return fmt.Errorf("retry settings must be >= 0")
	}
	if c.RetryMaxDelay < c.RetryDelay {
		return fmt.Errorf("retry max delay below retry delay")
	}
	return nil
}

// BuildConnectionString builds a postgres DSN from the config.
func (c *Config) BuildConnectionString() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}
	if c.Driver != "postgres" {
		return "", fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}

	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	params.Set("connect_timeout", "30")
	params.Set("application_name", "recond")

	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: params.Encode(),
	}
	if c.Username != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		} else {
			u.User = url.User(c.Username)
		}
	}
	return u.String(), nil
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a printable representation with the password redacted.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Driver: %s, Host: %s, Port: %d, Database: %s}",
		c.Driver, c.Host, c.Port, c.Database)
}
