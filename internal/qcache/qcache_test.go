package qcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func mustKey(t *testing.T, sql string, args []any, scopeToken, discriminator string) Key {
	t.Helper()

	key, err := NewKey(sql, args, scopeToken, discriminator, 0)
	require.NoError(t, err)
	return key
}

func TestGetOrComputeStoresAndServes(t *testing.T) {
	c := New()
	t.Cleanup(c.Stop)

	key := mustKey(t, "SELECT id FROM app_book WHERE status = ?", []any{"published"}, "scope-1", "read")

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(`{"data":[1]}`), nil
	}

	payload, cached, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	require.False(t, cached)
	require.JSONEq(t, `{"data":[1]}`, string(payload))

	payload, cached, err = c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	require.True(t, cached)
	require.JSONEq(t, `{"data":[1]}`, string(payload))

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetOrComputeSeparatesKeys(t *testing.T) {
	c := New()
	t.Cleanup(c.Stop)

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(`{}`), nil
	}

	base := mustKey(t, "SELECT 1", nil, "scope-1", "read")
	otherScope := mustKey(t, "SELECT 1", nil, "scope-2", "read")
	otherOp := mustKey(t, "SELECT 1", nil, "scope-1", "count")

	for _, key := range []Key{base, otherScope, otherOp} {
		_, cached, err := c.GetOrCompute(context.Background(), key, compute)
		require.NoError(t, err)
		require.False(t, cached)
	}

	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestEmptyScopeTokenBypassesCache(t *testing.T) {
	c := New()
	t.Cleanup(c.Stop)

	key := mustKey(t, "SELECT 1", nil, "", "read")

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(`{}`), nil
	}

	for i := 0; i < 3; i++ {
		_, cached, err := c.GetOrCompute(context.Background(), key, compute)
		require.NoError(t, err)
		require.False(t, cached)
	}

	require.EqualValues(t, 3, atomic.LoadInt32(&calls))

	_, ok := c.results.Get(key.Hash)
	require.False(t, ok, "unscoped computations must not populate the cache")
}

func TestCoalescesConcurrentComputations(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	c := New(WithLockWaitTimeout(5 * time.Second))
	t.Cleanup(c.Stop)

	key := mustKey(t, "SELECT id FROM app_book", nil, "scope-1", "read")

	release := make(chan struct{})
	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte(`{"data":[1,2]}`), nil
	}

	const waiters = 20

	var started, done sync.WaitGroup
	payloads := make([][]byte, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			payloads[i], _, errs[i] = c.GetOrCompute(context.Background(), key, compute)
		}(i)
	}

	started.Wait()
	time.Sleep(50 * time.Millisecond) // let the callers reach the flight
	close(release)
	done.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "concurrent identical computations must collapse into one")
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		require.JSONEq(t, `{"data":[1,2]}`, string(payloads[i]))
	}
}

func TestLockWaitTimeoutComputesIndependently(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	c := New(WithLockWaitTimeout(20 * time.Millisecond))
	t.Cleanup(c.Stop)

	key := mustKey(t, "SELECT id FROM app_book", nil, "scope-1", "read")

	release := make(chan struct{})
	leaderStarted := make(chan struct{})
	slow := func(ctx context.Context) ([]byte, error) {
		close(leaderStarted)
		<-release
		return []byte(`"leader"`), nil
	}

	var leaderPayload []byte
	var leaderErr error
	var done sync.WaitGroup
	done.Add(1)
	go func() {
		defer done.Done()
		leaderPayload, _, leaderErr = c.GetOrCompute(context.Background(), key, slow)
	}()

	<-leaderStarted

	payload, cached, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) ([]byte, error) {
		return []byte(`"impatient"`), nil
	})
	require.NoError(t, err)
	require.False(t, cached)
	require.JSONEq(t, `"impatient"`, string(payload), "a caller past the lock wait computes its own result")

	close(release)
	done.Wait()
	require.NoError(t, leaderErr)
	require.JSONEq(t, `"leader"`, string(leaderPayload))

	// The in-flight computation still populated the cache.
	payload, cached, err = c.GetOrCompute(context.Background(), key, func(ctx context.Context) ([]byte, error) {
		t.Fatal("must be served from the cache")
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, cached)
	require.JSONEq(t, `"leader"`, string(payload))
}

func TestComputeErrorsAreNotCached(t *testing.T) {
	c := New()
	t.Cleanup(c.Stop)

	key := mustKey(t, "SELECT 1", nil, "scope-1", "read")

	computeErr := errors.New("statement timeout")
	_, _, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) ([]byte, error) {
		return nil, computeErr
	})
	require.ErrorIs(t, err, computeErr)

	payload, cached, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) ([]byte, error) {
		return []byte(`{}`), nil
	})
	require.NoError(t, err)
	require.False(t, cached)
	require.JSONEq(t, `{}`, string(payload))
}

func TestKeyTTLOverridesDefault(t *testing.T) {
	c := New(WithTTL(time.Hour))
	t.Cleanup(c.Stop)

	key := mustKey(t, "SELECT 1", nil, "scope-1", "read")
	key.TTL = 10 * time.Millisecond

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(`{}`), nil
	}

	_, _, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, cached, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	require.False(t, cached, "entries expire at the key's TTL, not the default")
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCanceledContextStopsWaiting(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	c := New(WithLockWaitTimeout(5 * time.Second))
	t.Cleanup(c.Stop)

	key := mustKey(t, "SELECT 1", nil, "scope-1", "read")

	release := make(chan struct{})
	leaderStarted := make(chan struct{})

	var done sync.WaitGroup
	done.Add(1)
	go func() {
		defer done.Done()
		_, _, _ = c.GetOrCompute(context.Background(), key, func(ctx context.Context) ([]byte, error) {
			close(leaderStarted)
			<-release
			return []byte(`{}`), nil
		})
	}()

	<-leaderStarted

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
		return []byte(`{}`), nil
	})
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	done.Wait()
}
