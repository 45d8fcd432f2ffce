package keys

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, sql string, args []any, scopeToken, discriminator string) string {
	t.Helper()
	key, err := QueryCacheKey(sql, args, scopeToken, discriminator)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "q:"))
	return key
}

func TestQueryCacheKeyIsStable(t *testing.T) {
	args := []any{"published", int64(10)}
	first := mustKey(t, "SELECT id FROM books WHERE status = ?", args, "scope-1", "read")
	second := mustKey(t, "SELECT id FROM books WHERE status = ?", args, "scope-1", "read")
	require.Equal(t, first, second)
}

func TestQueryCacheKeySeparatesComponents(t *testing.T) {
	base := mustKey(t, "SELECT 1", []any{"a"}, "scope-1", "read")

	require.NotEqual(t, base, mustKey(t, "SELECT 2", []any{"a"}, "scope-1", "read"))
	require.NotEqual(t, base, mustKey(t, "SELECT 1", []any{"b"}, "scope-1", "read"))
	require.NotEqual(t, base, mustKey(t, "SELECT 1", []any{"a"}, "scope-2", "read"))
	require.NotEqual(t, base, mustKey(t, "SELECT 1", []any{"a"}, "scope-1", "count"))
	require.NotEqual(t, base, mustKey(t, "SELECT 1", nil, "scope-1", "read"))
}

func TestQueryCacheKeyArgumentOrderMatters(t *testing.T) {
	first := mustKey(t, "SELECT 1", []any{"a", "b"}, "scope-1", "read")
	second := mustKey(t, "SELECT 1", []any{"b", "a"}, "scope-1", "read")
	require.NotEqual(t, first, second)
}

func TestQueryCacheKeyComponentBoundaries(t *testing.T) {
	// Adjacent components must not blur into each other.
	first := mustKey(t, "SELECT 1", []any{"ab", "c"}, "scope-1", "read")
	second := mustKey(t, "SELECT 1", []any{"a", "bc"}, "scope-1", "read")
	require.NotEqual(t, first, second)
}

func TestQueryCacheKeyNormalizesTimeArgs(t *testing.T) {
	instant := time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)
	eastern := instant.In(time.FixedZone("UTC-5", -5*60*60))

	first := mustKey(t, "SELECT 1", []any{instant}, "scope-1", "read")
	second := mustKey(t, "SELECT 1", []any{eastern}, "scope-1", "read")
	require.Equal(t, first, second)
}
