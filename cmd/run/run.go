// Package run contains the command to run a scopeq server.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/scopeq/scopeq/internal/authn"
	"github.com/scopeq/scopeq/internal/authn/oidc"
	"github.com/scopeq/scopeq/internal/authn/presharedkey"
	"github.com/scopeq/scopeq/internal/authz"
	"github.com/scopeq/scopeq/internal/build"
	"github.com/scopeq/scopeq/internal/events"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/internal/qcache"
	"github.com/scopeq/scopeq/pkg/logger"
	"github.com/scopeq/scopeq/pkg/middleware"
	"github.com/scopeq/scopeq/pkg/schema"
	"github.com/scopeq/scopeq/pkg/server"
	serverconfig "github.com/scopeq/scopeq/pkg/server/config"
	"github.com/scopeq/scopeq/pkg/server/health"
	"github.com/scopeq/scopeq/pkg/storage"
	"github.com/scopeq/scopeq/pkg/storage/memory"
	"github.com/scopeq/scopeq/pkg/storage/mysql"
	"github.com/scopeq/scopeq/pkg/storage/postgres"
	"github.com/scopeq/scopeq/pkg/storage/sqlcommon"
	"github.com/scopeq/scopeq/pkg/storage/sqlite"
	"github.com/scopeq/scopeq/pkg/telemetry"
)

// NewRunCommand returns the command that runs the scopeq server.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scopeq server",
		Long:  "Run the scopeq server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig returns the scopeq server configuration based on the values
// provided in the server's 'config.yaml' file. The 'config.yaml' file is
// loaded from '/etc/scopeq', '$HOME/.scopeq', or the current working
// directory. If no configuration file is present, the default values are
// returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	log := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: log}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

// ServerContext holds the state shared by the server's startup sequence.
type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig installs the tracer provider and returns its shutdown
// function.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s'", config.Trace.SampleRatio, config.Trace.OTLPEndpoint))

		tp := telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(config.Trace.OTLPEndpoint),
			telemetry.WithServiceName(build.ProjectName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		)
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}

	return func() error { return nil }
}

func (s *ServerContext) datastoreConfig(config *serverconfig.Config) (storage.Datastore, error) {
	sqlOpts := []sqlcommon.DatastoreOption{
		sqlcommon.WithLogger(s.Logger),
		sqlcommon.WithMaxRowsPerWrite(config.MaxRowsPerWrite),
		sqlcommon.WithMaxOpenConns(config.Datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(config.Datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(config.Datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(config.Datastore.ConnMaxLifetime),
	}
	if config.Metrics.Enabled {
		sqlOpts = append(sqlOpts, sqlcommon.WithMetrics())
	}

	switch config.Datastore.Engine {
	case "memory":
		return memory.New(memory.WithMaxRowsPerWrite(config.MaxRowsPerWrite)), nil
	case "sqlite":
		return sqlite.New(config.Datastore.URI, sqlcommon.NewConfig(sqlOpts...))
	case "postgres":
		return postgres.New(config.Datastore.URI, sqlcommon.NewConfig(sqlOpts...))
	case "mysql":
		return mysql.New(config.Datastore.URI, sqlcommon.NewConfig(sqlOpts...))
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Datastore.Engine)
	}
}

func (s *ServerContext) authenticatorConfig(config *serverconfig.Config) (authn.Authenticator, error) {
	switch config.Authn.Method {
	case "none":
		s.Logger.Warn("authentication is disabled")
		return authn.NoopAuthenticator{}, nil
	case "preshared":
		s.Logger.Info("using 'preshared' authentication")
		return presharedkey.NewPresharedKeyAuthenticator(config.Authn.Keys)
	case "oidc":
		s.Logger.Info("using 'oidc' authentication")
		return oidc.NewRemoteOidcAuthenticator([]string{config.Authn.Issuer}, config.Authn.Audience, config.Authn.StaffClaim)
	default:
		return nil, fmt.Errorf("unsupported authentication method '%v'", config.Authn.Method)
	}
}

// Run starts the server with the given configuration and blocks until a
// shutdown signal arrives.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, os.Kill, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)

	schemaConfig, err := schema.LoadFile(config.SchemaFile)
	if err != nil {
		return fmt.Errorf("failed to load the model schema: %w", err)
	}

	registry, err := schema.NewRegistry(schemaConfig)
	if err != nil {
		return fmt.Errorf("invalid model schema: %w", err)
	}
	s.Logger.Info(fmt.Sprintf("serving %d models from '%s'", registry.Len(), config.SchemaFile))

	graph, err := modelgraph.Build(registry)
	if err != nil {
		return fmt.Errorf("failed to build the model graph: %w", err)
	}

	authorizer, err := authz.NewAuthorizerFromRegistry(registry)
	if err != nil {
		return fmt.Errorf("failed to bind model policies: %w", err)
	}

	datastore, err := s.datastoreConfig(config)
	if err != nil {
		return err
	}
	s.Logger.Info(fmt.Sprintf("using '%v' storage engine", config.Datastore.Engine))

	// The datastore may still be coming up, so retry table creation for a
	// while before giving up.
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	err = backoff.Retry(func() error {
		return datastore.EnsureModelTables(ctx, graph)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("failed to create the model tables: %w", err)
	}

	authenticator, err := s.authenticatorConfig(config)
	if err != nil {
		return err
	}

	var cache *qcache.Cache
	if config.Cache.Enabled {
		cache = qcache.New(
			qcache.WithTTL(config.Cache.TTL),
			qcache.WithLockWaitTimeout(config.Cache.LockWaitTimeout),
			qcache.WithLogger(s.Logger),
			qcache.WithResultStore(storage.NewInMemoryLRUCache(storage.WithMaxCacheSize[[]byte](config.Cache.MaxEntries))),
		)
	}

	sinks := []events.Sink{events.NewLogSink(s.Logger)}
	if config.Events.Persist {
		sinks = append(sinks, events.NewStoreSink(datastore))
	}
	emitter := events.NewEmitter(s.Logger, sinks...)

	srv := server.New(server.Params{
		Registry:   registry,
		Graph:      graph,
		Authorizer: authorizer,
		Store:      datastore,
		Cache:      cache,
		Emitter:    emitter,
		Logger:     s.Logger,
		Options: server.Options{
			StatementTimeout: config.StatementTimeout,
			DefaultPageSize:  config.PageSize,
			MaxPageSize:      config.MaxPageSize,
		},
	})

	// The readiness probe bypasses authentication; everything else runs
	// through the full middleware stack.
	api := middleware.Logging(s.Logger)(middleware.Authenticate(authenticator)(srv.Handler()))

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.NewHandler(datastore))
	mux.Handle("/", api)

	var handler http.Handler = middleware.ScopeToken(mux)
	handler = middleware.RequestID(handler)
	handler = otelhttp.NewHandler(handler, build.ProjectName)
	handler = cors.New(cors.Options{
		AllowedOrigins:   config.HTTP.CORSAllowedOrigins,
		AllowedHeaders:   config.HTTP.CORSAllowedHeaders,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
	}).Handler(handler)
	handler = middleware.Recovery(s.Logger)(handler)

	httpServer := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: handler,
	}

	tlsEnabled := config.HTTP.TLS != nil && config.HTTP.TLS.Enabled
	if tlsEnabled {
		getCertificate, err := watchAndLoadCertificate(ctx, config.HTTP.TLS.CertPath, config.HTTP.TLS.KeyPath, s.Logger)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = &tls.Config{GetCertificate: getCertificate}
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting the scopeq HTTP server on '%s'...", config.HTTP.Addr))

		var err error
		if tlsEnabled {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Fatal("failed to start the HTTP server", zap.Error(err))
		}
	}()

	var profilerServer *http.Server
	if config.Profiler.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		profilerServer = &http.Server{Addr: config.Profiler.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("🔬 starting pprof profiler on '%s'", config.Profiler.Addr))

			if err := profilerServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start pprof profiler", zap.Error(err))
				}
			}
			s.Logger.Info("profiler shut down.")
		}()
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()
	}

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Info("failed to shutdown the http server", zap.Error(err))
	}

	if profilerServer != nil {
		if err := profilerServer.Shutdown(shutdownCtx); err != nil {
			s.Logger.Info("failed to shutdown the profiler", zap.Error(err))
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	srv.Close()

	authenticator.Close()

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}

// watchAndLoadCertificate keeps serving the certificate files' current
// contents, reloading them when they change on disk.
func watchAndLoadCertificate(ctx context.Context, certPath, keyPath string, log logger.Logger) (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	ctrllog.SetLogger(logr.New(nil))

	watcher, err := certwatcher.New(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create certwatcher: %w", err)
	}

	if err := watcher.ReadCertificate(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}
	log.Info("initial TLS certificate loaded", zap.String("certPath", certPath), zap.String("keyPath", keyPath))

	go func() {
		if err := watcher.Start(ctx); err != nil {
			log.Error("certwatcher encountered an error", zap.Error(err))
		}
	}()

	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return watcher.GetCertificate(nil)
	}, nil
}
