// Package qcache is the query result cache and request coalescer. Results
// are keyed by the compiled statement, its arguments, the request's scope
// token and an operation discriminator; concurrent identical computations
// collapse into one through singleflight. There is no invalidation:
// staleness is bounded by the entry TTL and the scope-token granularity.
package qcache

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/scopeq/scopeq/internal/build"
	"github.com/scopeq/scopeq/internal/keys"
	"github.com/scopeq/scopeq/pkg/logger"
	"github.com/scopeq/scopeq/pkg/storage"
)

const (
	// DefaultTTL bounds the staleness of cached results.
	DefaultTTL = time.Hour

	// DefaultLockWaitTimeout bounds how long a request waits on an identical
	// in-flight computation before computing independently.
	DefaultLockWaitTimeout = 2 * time.Second
)

var (
	queryCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "query_cache_hit_count",
		Help:      "The total number of query executions served from the result cache.",
	})

	queryCacheMissCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "query_cache_miss_count",
		Help:      "The total number of query executions not present in the result cache.",
	})

	coalescedWaitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "query_coalesced_wait_count",
		Help:      "The total number of query executions that waited on an identical in-flight computation.",
	})

	lockWaitTimeoutCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "query_lock_wait_timeout_count",
		Help:      "The total number of cache waits that exceeded the lock wait timeout and computed independently.",
	})
)

// Key identifies one cacheable computation.
type Key struct {
	// Hash is the stable key over the compiled statement, its arguments,
	// the scope token and the operation discriminator.
	Hash string

	// ScopeToken the request runs under. An empty token disables caching
	// for the computation entirely.
	ScopeToken string

	// TTL overrides the cache default when positive.
	TTL time.Duration
}

// NewKey hashes the components identifying one computation.
func NewKey(sql string, args []any, scopeToken, discriminator string, ttl time.Duration) (Key, error) {
	hash, err := keys.QueryCacheKey(sql, args, scopeToken, discriminator)
	if err != nil {
		return Key{}, err
	}
	return Key{Hash: hash, ScopeToken: scopeToken, TTL: ttl}, nil
}

// Cache stores serialized response payloads and coalesces concurrent
// identical computations. Stored payloads must be treated as immutable.
type Cache struct {
	results  storage.InMemoryCache[[]byte]
	group    singleflight.Group
	ttl      time.Duration
	lockWait time.Duration
	logger   logger.Logger
}

// Option configures the cache.
type Option func(*Cache)

// WithTTL sets the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithLockWaitTimeout bounds how long callers wait on an in-flight
// computation before degrading to computing themselves.
func WithLockWaitTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.lockWait = d
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithResultStore replaces the backing store. Useful for tests and for
// sharing one store across caches.
func WithResultStore(store storage.InMemoryCache[[]byte]) Option {
	return func(c *Cache) {
		c.results = store
	}
}

// New returns a cache with the default TTL, lock wait timeout and an LRU
// result store.
func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:      DefaultTTL,
		lockWait: DefaultLockWaitTimeout,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.results == nil {
		c.results = storage.NewInMemoryLRUCache[[]byte]()
	}
	return c
}

// Stop releases the backing store's resources.
func (c *Cache) Stop() {
	c.results.Stop()
}

type flightResult struct {
	payload   []byte
	fromCache bool
}

// GetOrCompute returns the payload stored under key, or computes and stores
// it. The returned bool reports whether the payload came from the cache.
//
// An empty scope token bypasses the cache and the coalescer: the
// computation runs directly and nothing is stored. On a miss, concurrent
// callers with the same key share one computation; a caller that has waited
// past the lock wait timeout computes independently rather than blocking
// further, leaving the in-flight computation to finish and populate the
// cache for later requests.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if key.ScopeToken == "" {
		payload, err := compute(ctx)
		return payload, false, err
	}

	if payload, ok := c.results.Get(key.Hash); ok {
		queryCacheHitCounter.Inc()
		return payload, true, nil
	}
	queryCacheMissCounter.Inc()

	isLeader := false
	ch := c.group.DoChan(key.Hash, func() (interface{}, error) {
		isLeader = true

		// Another flight may have stored the result between our lookup and
		// this one running.
		if payload, ok := c.results.Get(key.Hash); ok {
			return flightResult{payload: payload, fromCache: true}, nil
		}

		payload, err := compute(ctx)
		if err != nil {
			return flightResult{}, err
		}

		ttl := key.TTL
		if ttl <= 0 {
			ttl = c.ttl
		}
		c.results.Set(key.Hash, payload, ttl)
		return flightResult{payload: payload}, nil
	})

	timer := time.NewTimer(c.lockWait)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			// The in-flight computation ran under another request's context;
			// when that request was canceled but ours is still live, compute
			// for ourselves instead of failing.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				payload, err := compute(ctx)
				return payload, false, err
			}
			return nil, false, res.Err
		}
		result := res.Val.(flightResult)
		if !isLeader {
			coalescedWaitCounter.Inc()
		}
		return result.payload, result.fromCache, nil

	case <-timer.C:
		lockWaitTimeoutCounter.Inc()
		c.logger.DebugWithContext(ctx, "cache lock wait elapsed, computing independently")
		payload, err := compute(ctx)
		return payload, false, err

	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
