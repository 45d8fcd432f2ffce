package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestInMemoryCache(t *testing.T) {
	cache := NewInMemoryLRUCache[string]()
	defer cache.Stop()

	t.Run("set_and_get", func(t *testing.T) {
		t.Cleanup(func() {
			goleak.VerifyNone(t)
		})
		defer cache.Stop()
		cache.Set("key", "value", 1*time.Second)
		result, ok := cache.Get("key")
		require.True(t, ok)
		require.Equal(t, "value", result)
	})

	t.Run("miss", func(t *testing.T) {
		_, ok := cache.Get("absent")
		require.False(t, ok)
	})

	t.Run("expired_reads_as_absent", func(t *testing.T) {
		cache.Set("stale", "value", -1*time.Second)
		_, ok := cache.Get("stale")
		require.False(t, ok)
	})

	t.Run("stop_multiple_times", func(t *testing.T) {
		t.Cleanup(func() {
			goleak.VerifyNone(t)
		})

		cache.Stop()
		cache.Stop()
	})
}
