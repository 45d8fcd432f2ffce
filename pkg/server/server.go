// Package server exposes the query API over HTTP. One Server holds the
// long-lived, startup-immutable collaborators (registry, model graph,
// policies, datastore, cache); everything request-scoped is built per call
// in the handlers.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/scopeq/scopeq/internal/authz"
	"github.com/scopeq/scopeq/internal/events"
	"github.com/scopeq/scopeq/internal/fields"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/internal/qcache"
	"github.com/scopeq/scopeq/pkg/logger"
	"github.com/scopeq/scopeq/pkg/schema"
	"github.com/scopeq/scopeq/pkg/serializer"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
	"github.com/scopeq/scopeq/pkg/server/health"
	"github.com/scopeq/scopeq/pkg/storage"
)

// Options tune the server's per-request execution.
type Options struct {
	StatementTimeout    time.Duration
	DefaultPageSize     int64
	MaxPageSize         int64
	PrefetchConcurrency int
}

// Server answers query API requests. It is safe for concurrent use.
type Server struct {
	registry   *schema.Registry
	graph      *modelgraph.Graph
	authorizer *authz.Authorizer
	resolver   *fields.Resolver
	store      storage.Datastore
	serializer *serializer.Serializer
	cache      *qcache.Cache
	emitter    *events.Emitter
	logger     logger.Logger
	opts       Options
}

// Params bind a Server's collaborators.
type Params struct {
	Registry   *schema.Registry
	Graph      *modelgraph.Graph
	Authorizer *authz.Authorizer
	Store      storage.Datastore

	// Cache is optional; a nil cache executes every query directly.
	Cache   *qcache.Cache
	Emitter *events.Emitter
	Logger  logger.Logger
	Options Options
}

// New wires a Server from its long-lived collaborators.
func New(p Params) *Server {
	if p.Logger == nil {
		p.Logger = logger.NewNoopLogger()
	}
	if p.Emitter == nil {
		p.Emitter = events.NewEmitter(p.Logger)
	}
	return &Server{
		registry:   p.Registry,
		graph:      p.Graph,
		authorizer: p.Authorizer,
		resolver:   fields.NewResolver(p.Graph, p.Authorizer),
		store:      p.Store,
		serializer: serializer.New(),
		cache:      p.Cache,
		emitter:    p.Emitter,
		logger:     p.Logger,
		opts:       p.Options,
	}
}

// Handler returns the routed API surface, without the outer middleware
// stack; the run command composes that around it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/models/{model}/query", otelhttp.WithRouteTag("/api/v1/models/{model}/query", http.HandlerFunc(s.handleQuery)))
	mux.Handle("POST /api/v1/batch", otelhttp.WithRouteTag("/api/v1/batch", http.HandlerFunc(s.handleBatch)))
	mux.Handle("GET /healthz", health.NewHandler(s.store))
	return mux
}

// Close releases the server's long-lived resources.
func (s *Server) Close() {
	if s.cache != nil {
		s.cache.Stop()
	}
	s.store.Close()
}

// logError records the internal cause of a failure; the public error body
// never carries it.
func (s *Server) logError(ctx context.Context, err error) {
	var internalErr serverErrors.InternalError
	if errors.As(err, &internalErr) {
		s.logger.ErrorWithContext(ctx, "request failed", zap.Error(internalErr.Internal()))
	}
}
