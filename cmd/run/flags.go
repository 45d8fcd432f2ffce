package run

import (
	"github.com/spf13/cobra"

	"github.com/scopeq/scopeq/cmd/util"
	serverconfig "github.com/scopeq/scopeq/pkg/server/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value
// being managed by viper. This bridges the config between cobra flags and
// viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := command.Flags()

	flags.String("schema-file", defaultConfig.SchemaFile, "the path of the YAML file declaring the served models and their policy bindings")
	util.MustBindPFlag("schemaFile", flags.Lookup("schema-file"))
	util.MustBindEnv("schemaFile", "SCOPEQ_SCHEMA_FILE", "SCOPEQ_SCHEMAFILE")

	flags.Duration("statement-timeout", defaultConfig.StatementTimeout, "the execution budget for one datastore statement")
	util.MustBindPFlag("statementTimeout", flags.Lookup("statement-timeout"))
	util.MustBindEnv("statementTimeout", "SCOPEQ_STATEMENT_TIMEOUT", "SCOPEQ_STATEMENTTIMEOUT")

	flags.Int64("page-size", defaultConfig.PageSize, "the read page size applied when a request names no limit")
	util.MustBindPFlag("pageSize", flags.Lookup("page-size"))
	util.MustBindEnv("pageSize", "SCOPEQ_PAGE_SIZE", "SCOPEQ_PAGESIZE")

	flags.Int64("max-page-size", defaultConfig.MaxPageSize, "the maximum limit a read request may ask for")
	util.MustBindPFlag("maxPageSize", flags.Lookup("max-page-size"))
	util.MustBindEnv("maxPageSize", "SCOPEQ_MAX_PAGE_SIZE", "SCOPEQ_MAXPAGESIZE")

	flags.Int("max-rows-per-write", defaultConfig.MaxRowsPerWrite, "the maximum number of rows accepted by one bulk insert")
	util.MustBindPFlag("maxRowsPerWrite", flags.Lookup("max-rows-per-write"))
	util.MustBindEnv("maxRowsPerWrite", "SCOPEQ_MAX_ROWS_PER_WRITE", "SCOPEQ_MAXROWSPERWRITE")

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")
	util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
	util.MustBindEnv("http.addr", "SCOPEQ_HTTP_ADDR")

	flags.Bool("http-tls-enabled", false, "enable/disable transport layer security (TLS)")
	util.MustBindPFlag("http.tls.enabled", flags.Lookup("http-tls-enabled"))
	util.MustBindEnv("http.tls.enabled", "SCOPEQ_HTTP_TLS_ENABLED")

	flags.String("http-tls-cert", "", "the (absolute) file path of the certificate to use for the TLS connection")
	util.MustBindPFlag("http.tls.cert", flags.Lookup("http-tls-cert"))
	util.MustBindEnv("http.tls.cert", "SCOPEQ_HTTP_TLS_CERT")

	flags.String("http-tls-key", "", "the (absolute) file path of the TLS key that should be used for the TLS connection")
	util.MustBindPFlag("http.tls.key", flags.Lookup("http-tls-key"))
	util.MustBindEnv("http.tls.key", "SCOPEQ_HTTP_TLS_KEY")

	command.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")
	util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
	util.MustBindEnv("http.corsAllowedOrigins", "SCOPEQ_HTTP_CORS_ALLOWED_ORIGINS", "SCOPEQ_HTTP_CORSALLOWEDORIGINS")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")
	util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
	util.MustBindEnv("http.corsAllowedHeaders", "SCOPEQ_HTTP_CORS_ALLOWED_HEADERS", "SCOPEQ_HTTP_CORSALLOWEDHEADERS")

	flags.String("authn-method", defaultConfig.Authn.Method, "the authentication method to use")
	util.MustBindPFlag("authn.method", flags.Lookup("authn-method"))
	util.MustBindEnv("authn.method", "SCOPEQ_AUTHN_METHOD")

	flags.StringSlice("authn-preshared-keys", nil, "one or more preshared keys to use for authentication")
	util.MustBindPFlag("authn.preshared.keys", flags.Lookup("authn-preshared-keys"))
	util.MustBindEnv("authn.preshared.keys", "SCOPEQ_AUTHN_PRESHARED_KEYS")

	flags.String("authn-oidc-issuer", "", "the OIDC issuer (authorization server) signing the tokens")
	util.MustBindPFlag("authn.oidc.issuer", flags.Lookup("authn-oidc-issuer"))
	util.MustBindEnv("authn.oidc.issuer", "SCOPEQ_AUTHN_OIDC_ISSUER")

	flags.String("authn-oidc-audience", "", "the OIDC audience of the tokens being signed by the authorization server")
	util.MustBindPFlag("authn.oidc.audience", flags.Lookup("authn-oidc-audience"))
	util.MustBindEnv("authn.oidc.audience", "SCOPEQ_AUTHN_OIDC_AUDIENCE")

	flags.String("authn-oidc-staff-claim", "", "the boolean token claim that marks staff actors")
	util.MustBindPFlag("authn.oidc.staffClaim", flags.Lookup("authn-oidc-staff-claim"))
	util.MustBindEnv("authn.oidc.staffClaim", "SCOPEQ_AUTHN_OIDC_STAFF_CLAIM", "SCOPEQ_AUTHN_OIDC_STAFFCLAIM")

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence")
	util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
	util.MustBindEnv("datastore.engine", "SCOPEQ_DATASTORE_ENGINE")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
	util.MustBindEnv("datastore.uri", "SCOPEQ_DATASTORE_URI")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
	util.MustBindEnv("datastore.maxOpenConns", "SCOPEQ_DATASTORE_MAX_OPEN_CONNS", "SCOPEQ_DATASTORE_MAXOPENCONNS")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
	util.MustBindEnv("datastore.maxIdleConns", "SCOPEQ_DATASTORE_MAX_IDLE_CONNS", "SCOPEQ_DATASTORE_MAXIDLECONNS")

	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")
	util.MustBindPFlag("datastore.connMaxIdleTime", flags.Lookup("datastore-conn-max-idle-time"))
	util.MustBindEnv("datastore.connMaxIdleTime", "SCOPEQ_DATASTORE_CONN_MAX_IDLE_TIME", "SCOPEQ_DATASTORE_CONNMAXIDLETIME")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")
	util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
	util.MustBindEnv("datastore.connMaxLifetime", "SCOPEQ_DATASTORE_CONN_MAX_LIFETIME", "SCOPEQ_DATASTORE_CONNMAXLIFETIME")

	flags.Bool("cache-enabled", defaultConfig.Cache.Enabled, "enable/disable caching of query results")
	util.MustBindPFlag("cache.enabled", flags.Lookup("cache-enabled"))
	util.MustBindEnv("cache.enabled", "SCOPEQ_CACHE_ENABLED")

	flags.Duration("cache-ttl", defaultConfig.Cache.TTL, "the time a cached query result may be served before it expires")
	util.MustBindPFlag("cache.ttl", flags.Lookup("cache-ttl"))
	util.MustBindEnv("cache.ttl", "SCOPEQ_CACHE_TTL")

	flags.Int64("cache-max-entries", defaultConfig.Cache.MaxEntries, "the maximum number of cached query results before eviction")
	util.MustBindPFlag("cache.maxEntries", flags.Lookup("cache-max-entries"))
	util.MustBindEnv("cache.maxEntries", "SCOPEQ_CACHE_MAX_ENTRIES", "SCOPEQ_CACHE_MAXENTRIES")

	flags.Duration("cache-lock-wait-timeout", defaultConfig.Cache.LockWaitTimeout, "how long a request waits on an identical in-flight query before computing independently")
	util.MustBindPFlag("cache.lockWaitTimeout", flags.Lookup("cache-lock-wait-timeout"))
	util.MustBindEnv("cache.lockWaitTimeout", "SCOPEQ_CACHE_LOCK_WAIT_TIMEOUT", "SCOPEQ_CACHE_LOCKWAITTIMEOUT")

	flags.Bool("events-persist", defaultConfig.Events.Persist, "persist write events in the datastore's event log in addition to the structured log")
	util.MustBindPFlag("events.persist", flags.Lookup("events-persist"))
	util.MustBindEnv("events.persist", "SCOPEQ_EVENTS_PERSIST")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "SCOPEQ_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "SCOPEQ_LOG_LEVEL")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "SCOPEQ_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "SCOPEQ_METRICS_ADDR")

	flags.Bool("profiler-enabled", defaultConfig.Profiler.Enabled, "enable/disable pprof profiling")
	util.MustBindPFlag("profiler.enabled", flags.Lookup("profiler-enabled"))
	util.MustBindEnv("profiler.enabled", "SCOPEQ_PROFILER_ENABLED")

	flags.String("profiler-addr", defaultConfig.Profiler.Addr, "the host:port address to serve the pprof profiler server on")
	util.MustBindPFlag("profiler.addr", flags.Lookup("profiler-addr"))
	util.MustBindEnv("profiler.addr", "SCOPEQ_PROFILER_ADDR")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable/disable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "SCOPEQ_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLPEndpoint, "the OTLP grpc endpoint to send traces to")
	util.MustBindPFlag("trace.otlpEndpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlpEndpoint", "SCOPEQ_TRACE_OTLP_ENDPOINT", "SCOPEQ_TRACE_OTLPENDPOINT")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "SCOPEQ_TRACE_SAMPLE_RATIO", "SCOPEQ_TRACE_SAMPLERATIO")

	// NOTE: if you add a new flag here, add the binding above and the config
	// field in pkg/server/config
}
