// Package config contains all knobs and defaults used to configure features
// of scopeq when running as a standalone server.
package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultHTTPAddr     = "0.0.0.0:8080"
	DefaultMetricsAddr  = "0.0.0.0:2112"
	DefaultProfilerAddr = "0.0.0.0:3001"

	DefaultPageSize    = 50
	DefaultMaxPageSize = 500

	DefaultStatementTimeout = 3 * time.Second
	DefaultLockWaitTimeout  = 2 * time.Second
	DefaultCacheTTL         = time.Hour
	DefaultCacheMaxEntries  = 10_000

	DefaultMaxRowsPerWrite = 100
)

// DatastoreConfig defines scopeq server configurations for datastore
// specific settings.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'sqlite',
	// 'postgres', 'mysql').
	Engine string
	URI    string

	// MaxOpenConns is the maximum number of open connections to the
	// database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections to the datastore in
	// the idle connection pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection to the
	// datastore may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection to the
	// datastore may be reused.
	ConnMaxLifetime time.Duration
}

// HTTPConfig defines scopeq server configurations for HTTP server specific
// settings.
type HTTPConfig struct {
	Addr string
	TLS  *TLSConfig

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// TLSConfig defines configuration specific to Transport Layer Security
// (TLS) settings. Certificates are watched and reloaded on change.
type TLSConfig struct {
	Enabled  bool
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// AuthnConfig defines scopeq server configurations for authentication
// specific settings.
type AuthnConfig struct {
	// Method is the authentication method that should be enforced (e.g.
	// 'none', 'preshared', 'oidc').
	Method                   string
	*AuthnOIDCConfig         `mapstructure:"oidc"`
	*AuthnPresharedKeyConfig `mapstructure:"preshared"`
}

// AuthnOIDCConfig defines configurations for the 'oidc' method of
// authentication.
type AuthnOIDCConfig struct {
	Issuer   string
	Audience string

	// StaffClaim names the boolean token claim that marks staff actors.
	StaffClaim string `mapstructure:"staffClaim"`
}

// AuthnPresharedKeyConfig defines configurations for the 'preshared' method
// of authentication.
type AuthnPresharedKeyConfig struct {
	// Keys define the preshared keys to verify authentication tokens
	// against.
	Keys []string
}

// CacheConfig defines configurations for the query result cache.
type CacheConfig struct {
	Enabled bool

	// TTL bounds the staleness of cached query results.
	TTL time.Duration

	// MaxEntries caps the number of cached results before eviction.
	MaxEntries int64

	// LockWaitTimeout bounds how long a request waits on an identical
	// in-flight computation before computing independently.
	LockWaitTimeout time.Duration
}

// EventsConfig defines configurations for write-observation events.
type EventsConfig struct {
	// Persist stores events in the datastore's event log in addition to the
	// structured log.
	Persist bool
}

// MetricsConfig defines configurations for serving prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// ProfilerConfig defines configurations for the pprof server.
type ProfilerConfig struct {
	Enabled bool
	Addr    string
}

// TraceConfig defines configurations for OTLP tracing.
type TraceConfig struct {
	Enabled      bool
	OTLPEndpoint string  `mapstructure:"otlpEndpoint"`
	SampleRatio  float64 `mapstructure:"sampleRatio"`
}

// LogConfig defines configurations for logging.
type LogConfig struct {
	// Format is the log format (e.g. 'text', 'json').
	Format string

	// Level is the log level (e.g. 'none', 'debug', 'info', 'warn',
	// 'error', 'panic', 'fatal').
	Level string
}

// Config is the scopeq server configuration.
type Config struct {
	// SchemaFile is the path of the YAML file declaring the served models,
	// their fields, relations and policy bindings.
	SchemaFile string `mapstructure:"schemaFile"`

	// StatementTimeout bounds the execution of one datastore statement.
	StatementTimeout time.Duration `mapstructure:"statementTimeout"`

	// PageSize is the read page size applied when a request names no limit;
	// MaxPageSize caps the limit a request may ask for.
	PageSize    int64 `mapstructure:"pageSize"`
	MaxPageSize int64 `mapstructure:"maxPageSize"`

	// MaxRowsPerWrite caps the number of rows accepted by one bulk insert.
	MaxRowsPerWrite int `mapstructure:"maxRowsPerWrite"`

	Datastore DatastoreConfig
	HTTP      HTTPConfig
	Authn     AuthnConfig
	Cache     CacheConfig
	Events    EventsConfig
	Log       LogConfig
	Metrics   MetricsConfig
	Profiler  ProfilerConfig
	Trace     TraceConfig
}

// Verify checks the configuration is complete and internally consistent.
func (cfg *Config) Verify() error {
	if cfg.SchemaFile == "" {
		return errors.New("config 'schemaFile' is required")
	}

	switch cfg.Datastore.Engine {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("config 'datastore.engine' must be one of ['memory', 'sqlite', 'postgres', 'mysql'], got '%s'", cfg.Datastore.Engine)
	}
	if cfg.Datastore.Engine != "memory" && cfg.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' is required for the '%s' engine", cfg.Datastore.Engine)
	}

	switch cfg.Authn.Method {
	case "none":
	case "preshared":
		if cfg.Authn.AuthnPresharedKeyConfig == nil || len(cfg.Authn.Keys) == 0 {
			return errors.New("config 'authn.preshared.keys' requires at least one key")
		}
	case "oidc":
		if cfg.Authn.AuthnOIDCConfig == nil || cfg.Authn.Issuer == "" || cfg.Authn.Audience == "" {
			return errors.New("config 'authn.oidc' requires 'issuer' and 'audience'")
		}
	default:
		return fmt.Errorf("config 'authn.method' must be one of ['none', 'preshared', 'oidc'], got '%s'", cfg.Authn.Method)
	}

	if cfg.HTTP.TLS != nil && cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertPath == "" || cfg.HTTP.TLS.KeyPath == "" {
			return errors.New("config 'http.tls' requires both 'cert' and 'key' when enabled")
		}
	}

	if cfg.StatementTimeout <= 0 {
		return errors.New("config 'statementTimeout' must be a positive duration")
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			return errors.New("config 'cache.ttl' must be a positive duration")
		}
		if cfg.Cache.LockWaitTimeout <= 0 || cfg.Cache.LockWaitTimeout > cfg.StatementTimeout {
			return errors.New("config 'cache.lockWaitTimeout' must be positive and no longer than 'statementTimeout'")
		}
	}

	if cfg.PageSize <= 0 || cfg.MaxPageSize < cfg.PageSize {
		return errors.New("config 'pageSize' must be positive and no larger than 'maxPageSize'")
	}

	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json'], got '%s'", cfg.Log.Format)
	}
	switch cfg.Log.Level {
	case "none", "debug", "info", "warn", "error", "panic", "fatal":
	default:
		return fmt.Errorf("config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal'], got '%s'", cfg.Log.Level)
	}

	return nil
}

// DefaultConfig returns the scopeq server default configurations.
func DefaultConfig() *Config {
	return &Config{
		SchemaFile:       "schema.yaml",
		StatementTimeout: DefaultStatementTimeout,
		PageSize:         DefaultPageSize,
		MaxPageSize:      DefaultMaxPageSize,
		MaxRowsPerWrite:  DefaultMaxRowsPerWrite,
		Datastore: DatastoreConfig{
			Engine:       "memory",
			MaxOpenConns: 30,
			MaxIdleConns: 10,
		},
		HTTP: HTTPConfig{
			Addr:               DefaultHTTPAddr,
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Authn: AuthnConfig{
			Method: "none",
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             DefaultCacheTTL,
			MaxEntries:      DefaultCacheMaxEntries,
			LockWaitTimeout: DefaultLockWaitTimeout,
		},
		Events: EventsConfig{
			Persist: true,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
		},
		Profiler: ProfilerConfig{
			Enabled: false,
			Addr:    DefaultProfilerAddr,
		},
		Trace: TraceConfig{
			Enabled:     false,
			SampleRatio: 0.2,
		},
	}
}
