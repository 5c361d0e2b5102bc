package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() *Cache {
	return New(zerolog.Nop())
}

// setClock pins the cache's clock to a mutable instant.
func setClock(c *Cache, at *time.Time, mu *sync.Mutex) {
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *at
	}
}

func TestGetOrSetFreshValueSkipsLoader(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	var calls int32
	loader := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "v1", nil
	}
	opts := Options{TTL: time.Minute, StaleWindow: time.Minute}

	v, err := c.GetOrSet(ctx, "k", loader, opts)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	v, err = c.GetOrSet(ctx, "k", loader, opts)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, StateFresh, c.StateOf("k", opts.StaleWindow))
}

func TestGetOrSetForceBypassesFreshValue(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	var calls int32
	loader := func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return "v1", nil
		}
		return "v2", nil
	}
	opts := Options{TTL: time.Minute, StaleWindow: time.Minute}

	_, err := c.GetOrSet(ctx, "k", loader, opts)
	require.NoError(t, err)

	opts.Force = true
	v, err := c.GetOrSet(ctx, "k", loader, opts)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetOrSetCoalescesConcurrentCallers(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	const callers = 16
	release := make(chan struct{})
	var calls int32
	loader := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	values := make([]interface{}, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = c.GetOrSet(ctx, "k", loader, Options{TTL: time.Minute})
		}(i)
	}

	// Wait until the flight is in place before releasing the loader so
	// the late callers attach instead of winning the race trivially.
	waitForState(t, c, "k", StateRefreshing)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "loader should run once for concurrent callers")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", values[i])
	}
}

func TestGetOrSetServesStaleDuringRefresh(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	var mu sync.Mutex
	at := time.Unix(1000, 0)
	setClock(c, &at, &mu)

	opts := Options{TTL: time.Second, StaleWindow: time.Minute}
	_, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return "old", nil
	}, opts)
	require.NoError(t, err)

	// Expire the value into the stale window.
	mu.Lock()
	at = at.Add(2 * time.Second)
	mu.Unlock()
	require.Equal(t, StateStale, c.StateOf("k", opts.StaleWindow))

	// Kick off a slow refresh.
	release := make(chan struct{})
	refreshed := make(chan interface{}, 1)
	go func() {
		v, _ := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
			<-release
			return "new", nil
		}, opts)
		refreshed <- v
	}()
	waitForState(t, c, "k", StateRefreshing)

	// A caller arriving mid-refresh gets the stale value without blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
			t.Error("loader must not run while a refresh is in flight")
			return nil, nil
		}, opts)
		assert.NoError(t, err)
		assert.Equal(t, "old", v)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stale read blocked behind the in-flight refresh")
	}

	close(release)
	assert.Equal(t, "new", <-refreshed)

	v, ok := c.Peek("k")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestGetOrSetFallsBackToStaleOnLoaderError(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	var mu sync.Mutex
	at := time.Unix(1000, 0)
	setClock(c, &at, &mu)

	opts := Options{TTL: time.Second, StaleWindow: time.Minute}
	_, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return "old", nil
	}, opts)
	require.NoError(t, err)

	mu.Lock()
	at = at.Add(5 * time.Second)
	mu.Unlock()

	v, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("upstream down")
	}, opts)
	require.NoError(t, err, "a usable stale value absorbs the loader failure")
	assert.Equal(t, "old", v)
	assert.Equal(t, StateStale, c.StateOf("k", opts.StaleWindow))
}

func TestGetOrSetPropagatesErrorAndEvictsWithoutStale(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	var mu sync.Mutex
	at := time.Unix(1000, 0)
	setClock(c, &at, &mu)

	opts := Options{TTL: time.Second, StaleWindow: time.Second}
	_, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return "old", nil
	}, opts)
	require.NoError(t, err)

	// Beyond TTL plus the stale window: nothing usable remains.
	mu.Lock()
	at = at.Add(time.Minute)
	mu.Unlock()

	boom := errors.New("upstream down")
	_, err = c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return nil, boom
	}, opts)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateEmpty, c.StateOf("k", opts.StaleWindow))
	assert.Equal(t, 0, c.Len())
}

func TestGetOrSetErrorReachesEveryWaiter(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	release := make(chan struct{})
	boom := errors.New("upstream down")
	loader := func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, boom
	}

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrSet(ctx, "k", loader, Options{TTL: time.Minute})
		}(i)
	}
	waitForState(t, c, "k", StateRefreshing)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], boom)
	}
	assert.Equal(t, 0, c.Len())
}

func TestGetOrSetWaiterHonorsContextCancel(t *testing.T) {
	c := newTestCache()

	release := make(chan struct{})
	defer close(release)
	go func() {
		c.GetOrSet(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
			<-release
			return "v", nil
		}, Options{TTL: time.Minute})
	}()
	waitForState(t, c, "k", StateRefreshing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, Options{TTL: time.Minute})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeleteDetachesInFlightLoad(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	release := make(chan struct{})
	got := make(chan interface{}, 1)
	go func() {
		v, _ := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
			<-release
			return "late", nil
		}, Options{TTL: time.Minute})
		got <- v
	}()
	waitForState(t, c, "k", StateRefreshing)

	c.Delete("k")
	close(release)

	// The detached load still settles for its caller but writes nothing.
	assert.Equal(t, "late", <-got)
	_, ok := c.Peek("k")
	assert.False(t, ok)
}

func TestClearAndLen(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := c.GetOrSet(ctx, key, func(ctx context.Context) (interface{}, error) {
			return key, nil
		}, Options{TTL: time.Minute})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Peek("a")
	assert.False(t, ok)
}

// waitForState polls until the key reaches the wanted state.
func waitForState(t *testing.T, c *Cache, key string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.StateOf(key, time.Minute) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("key %q never reached state %v", key, want)
}
