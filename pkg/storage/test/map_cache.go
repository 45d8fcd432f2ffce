package test

import (
	"sync"
	"time"

	"github.com/scopeq/scopeq/pkg/storage"
)

// MapCache is a deterministic cache double that counts lookups and hits so
// tests can assert whether a code path was served from cache. TTLs are
// honored at read time; nothing is evicted in the background.
type MapCache[T any] struct {
	mu      sync.Mutex
	entries map[string]mapCacheEntry[T]
	calls   int
	hits    int
}

type mapCacheEntry[T any] struct {
	value   T
	expires time.Time
}

var _ storage.InMemoryCache[any] = (*MapCache[any])(nil)

func NewMapCache[T any]() *MapCache[T] {
	return &MapCache[T]{
		entries: make(map[string]mapCacheEntry[T]),
	}
}

func (m *MapCache[T]) Get(key string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	entry, ok := m.entries[key]
	if !ok || time.Now().After(entry.expires) {
		var zero T
		return zero, false
	}
	m.hits++
	return entry.value, true
}

func (m *MapCache[T]) Set(key string, value T, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = mapCacheEntry[T]{
		value:   value,
		expires: time.Now().Add(ttl),
	}
}

func (m *MapCache[T]) Stop() {}

// Calls returns the number of Get invocations so far.
func (m *MapCache[T]) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// Hits returns the number of Get invocations that found a live entry.
func (m *MapCache[T]) Hits() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.hits
}
