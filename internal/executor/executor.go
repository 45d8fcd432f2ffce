// Package executor turns one decoded query into authorized datastore
// operations and shapes the response. An Executor is built per request: it
// binds the datastore, the target model, a base query already narrowed by
// the row-level policies, and the three per-operation field maps. The query
// value is threaded explicitly through the modifier pipeline and the
// handlers; nothing request-scoped lives on shared state.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scopeq/scopeq/internal/ast"
	"github.com/scopeq/scopeq/internal/authz"
	"github.com/scopeq/scopeq/internal/build"
	"github.com/scopeq/scopeq/internal/events"
	"github.com/scopeq/scopeq/internal/fields"
	"github.com/scopeq/scopeq/internal/modelgraph"
	"github.com/scopeq/scopeq/internal/qcache"
	"github.com/scopeq/scopeq/pkg/authclaims"
	"github.com/scopeq/scopeq/pkg/logger"
	"github.com/scopeq/scopeq/pkg/serializer"
	serverErrors "github.com/scopeq/scopeq/pkg/server/errors"
	"github.com/scopeq/scopeq/pkg/storage"
)

var tracer = otel.Tracer("scopeq/internal/executor")

var operationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "executor_operation_count",
	Help:      "The total number of executed operations, labeled by operation type.",
}, []string{"operation"})

const (
	// DefaultPageSize caps read responses when the request names no limit.
	DefaultPageSize = 50

	// DefaultMaxPageSize caps the limit a request may ask for.
	DefaultMaxPageSize = 500

	// DefaultPrefetchConcurrency bounds parallel related-row fetches.
	DefaultPrefetchConcurrency = 4
)

// ResponseType tags the shape of a response's data.
type ResponseType string

const (
	ResponseInstance ResponseType = "instance"
	ResponseQueryset ResponseType = "queryset"
	ResponseNumber   ResponseType = "number"
	ResponseBoolean  ResponseType = "boolean"
	ResponseNone     ResponseType = "none"
)

// Metadata describes the response alongside its data.
type Metadata struct {
	ResponseType ResponseType `json:"response_type"`
	Count        *int64       `json:"count,omitempty"`
	Created      *bool        `json:"created,omitempty"`
	CacheHit     bool         `json:"cache_hit,omitempty"`
}

// Result is one executed operation's outcome.
type Result struct {
	Data     any      `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// Params bind one request's collaborators and scope.
type Params struct {
	Store      storage.Datastore
	Serializer *serializer.Serializer
	Authorizer *authz.Authorizer

	// Model is the operation target; BaseQuery must already be narrowed by
	// the row-level policies for the acting claims.
	Model     *modelgraph.Model
	BaseQuery *storage.Query

	ReadMap   fields.Map
	CreateMap fields.Map
	UpdateMap fields.Map

	Actor      *authclaims.AuthClaims
	ScopeToken string
	RequestID  string

	// Cache is optional; without it every computation runs directly.
	Cache   *qcache.Cache
	Emitter *events.Emitter
	Logger  logger.Logger

	DefaultPageSize     int64
	MaxPageSize         int64
	StatementTimeout    time.Duration
	PrefetchConcurrency int
}

// Executor executes exactly one request. It must not be reused.
type Executor struct {
	store      storage.Datastore
	serializer *serializer.Serializer
	authorizer *authz.Authorizer

	model *modelgraph.Model
	base  *storage.Query

	readMap   fields.Map
	createMap fields.Map
	updateMap fields.Map

	actor      *authclaims.AuthClaims
	scopeToken string
	requestID  string

	cache   *qcache.Cache
	emitter *events.Emitter
	logger  logger.Logger

	defaultPageSize     int64
	maxPageSize         int64
	statementTimeout    time.Duration
	prefetchConcurrency int

	// relation hints collected by the modifier pipeline, in request order.
	selectRelated   []*modelgraph.Field
	prefetchRelated []*modelgraph.Field
}

// New validates the params and returns a single-use executor.
func New(p Params) (*Executor, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("executor: a datastore is required")
	}
	if p.Model == nil {
		return nil, fmt.Errorf("executor: a target model is required")
	}
	if p.Authorizer == nil {
		return nil, fmt.Errorf("executor: an authorizer is required")
	}
	if p.BaseQuery == nil {
		p.BaseQuery = storage.NewQuery(p.Model)
	}
	if p.Serializer == nil {
		p.Serializer = serializer.New()
	}
	if p.Logger == nil {
		p.Logger = logger.NewNoopLogger()
	}
	if p.Actor == nil {
		p.Actor = authclaims.Anonymous()
	}
	if p.Emitter == nil {
		p.Emitter = events.NewEmitter(p.Logger)
	}
	if p.DefaultPageSize <= 0 {
		p.DefaultPageSize = DefaultPageSize
	}
	if p.MaxPageSize <= 0 {
		p.MaxPageSize = DefaultMaxPageSize
	}
	if p.PrefetchConcurrency <= 0 {
		p.PrefetchConcurrency = DefaultPrefetchConcurrency
	}

	return &Executor{
		store:               p.Store,
		serializer:          p.Serializer,
		authorizer:          p.Authorizer,
		model:               p.Model,
		base:                p.BaseQuery,
		readMap:             orEmpty(p.ReadMap),
		createMap:           orEmpty(p.CreateMap),
		updateMap:           orEmpty(p.UpdateMap),
		actor:               p.Actor,
		scopeToken:          p.ScopeToken,
		requestID:           p.RequestID,
		cache:               p.Cache,
		emitter:             p.Emitter,
		logger:              p.Logger,
		defaultPageSize:     p.DefaultPageSize,
		maxPageSize:         p.MaxPageSize,
		statementTimeout:    p.StatementTimeout,
		prefetchConcurrency: p.PrefetchConcurrency,
	}, nil
}

// orEmpty keeps the fail-closed invariant: field maps are never nil on the
// execution paths, and an empty map grants nothing.
func orEmpty(m fields.Map) fields.Map {
	if m == nil {
		return fields.Map{}
	}
	return m
}

// Execute runs the envelope's operation through the modifier pipeline and
// the handler its type selects.
func (e *Executor) Execute(ctx context.Context, env *ast.Envelope) (*Result, error) {
	if env == nil {
		return nil, serverErrors.InvalidQuery("request is missing its query")
	}
	op := env.Query.Op

	ctx, span := tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("model", e.model.Name),
		attribute.String("operation", op.String()),
	))
	defer span.End()
	operationCounter.WithLabelValues(op.String()).Inc()

	if e.statementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.statementTimeout)
		defer cancel()
	}

	q, err := e.applyModifiers(e.base.Clone(), &env.Query)
	if err != nil {
		return nil, err
	}

	switch op {
	case ast.OpRead:
		return e.read(ctx, q, &env.SerializerOptions)
	case ast.OpGet:
		return e.get(ctx, q)
	case ast.OpFirst:
		return e.first(ctx, q)
	case ast.OpLast:
		return e.last(ctx, q)
	case ast.OpExists:
		return e.exists(ctx, q)
	case ast.OpCount:
		return e.count(ctx, q)
	case ast.OpSum, ast.OpAvg, ast.OpMin, ast.OpMax:
		return e.aggregateOne(ctx, q, op, env.Query.Field)
	case ast.OpAggregate:
		return e.aggregateMany(ctx, q, env.Query.Aggregates)
	case ast.OpCreate:
		return e.create(ctx, &env.Query)
	case ast.OpBulkCreate:
		return e.bulkCreate(ctx, &env.Query)
	case ast.OpUpdate:
		return e.update(ctx, q, &env.Query)
	case ast.OpUpdateInstance:
		return e.updateInstance(ctx, q, &env.Query)
	case ast.OpDelete:
		return e.delete(ctx, q, &env.Query)
	case ast.OpDeleteInstance:
		return e.deleteInstance(ctx, q, &env.Query)
	case ast.OpGetOrCreate:
		return e.getOrCreate(ctx, &env.Query)
	case ast.OpUpdateOrCreate:
		return e.updateOrCreate(ctx, &env.Query)
	default:
		// ParseOperation maps unknown tags to OpRead, so this is a
		// programming error, not a client one.
		return nil, serverErrors.NewInternalError("", fmt.Errorf("executor: unhandled operation %d", op))
	}
}

// pagination resolves the request's offset and limit against the configured
// defaults and maximum.
func (e *Executor) pagination(opts *ast.SerializerOptions) (offset, limit int64) {
	offset = 0
	limit = e.defaultPageSize
	if opts != nil {
		if opts.Offset != nil {
			offset = int64(*opts.Offset)
		}
		if opts.Limit != nil {
			limit = int64(*opts.Limit)
		}
	}
	if limit > e.maxPageSize {
		limit = e.maxPageSize
	}
	return offset, limit
}

// cached runs compute through the result cache keyed by q's compiled text,
// the scope token and the discriminator. Without a cache the computation
// runs directly.
func (e *Executor) cached(ctx context.Context, q *storage.Query, discriminator string, compute func(ctx context.Context) ([]byte, error)) (json.RawMessage, bool, error) {
	if e.cache == nil {
		payload, err := compute(ctx)
		return payload, false, err
	}

	compiled, err := e.store.Compile(q)
	if err != nil {
		return nil, false, serverErrors.HandleError(e.model.Name, err)
	}

	var ttl time.Duration
	if e.model.CacheTTLSeconds > 0 {
		ttl = time.Duration(e.model.CacheTTLSeconds) * time.Second
	}
	key, err := qcache.NewKey(compiled.SQL, compiled.Args, e.scopeToken, discriminator, ttl)
	if err != nil {
		return nil, false, serverErrors.NewInternalError("", err)
	}

	payload, hit, err := e.cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		return nil, false, err
	}
	return payload, hit, nil
}

func count(n int64) *int64 { return &n }

func created(b bool) *bool { return &b }
