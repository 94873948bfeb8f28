package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avfoundry/tams/pkg/metastore"
	"github.com/avfoundry/tams/pkg/observability"
)

func newTestCache(t *testing.T, cfg Config) (*ResultCache, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	return New(cfg, observability.NewLogger(observability.ErrorLevel, nil), m), m
}

func staticLoader(rows []metastore.Row) Loader {
	return func(context.Context) ([]metastore.Row, error) {
		return rows, nil
	}
}

func TestGetMissThenHit(t *testing.T) {
	c, m := newTestCache(t, Config{})

	_, ok := c.Get("flows|*|all||0")
	assert.False(t, ok)

	rows := []metastore.Row{{"id": "flow-1"}}
	c.Put("flows|*|all||0", rows, staticLoader(rows))

	got, ok := c.Get("flows|*|all||0")
	require.True(t, ok)
	assert.Equal(t, rows, got)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("flows")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("flows")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheEntries))
}

func TestEntriesExpire(t *testing.T) {
	c, _ := newTestCache(t, Config{TTL: 50 * time.Millisecond})
	c.Put("sources|*|all||0", []metastore.Row{{"id": "src-1"}}, nil)

	_, ok := c.Get("sources|*|all||0")
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)

	_, ok = c.Get("sources|*|all||0")
	assert.False(t, ok, "entries past the TTL must not serve hits")
}

func TestInvalidateRemovesByPrefix(t *testing.T) {
	c, m := newTestCache(t, Config{})
	c.Put(`flows|*|eq(id,s:"f1")||0`, []metastore.Row{{"id": "f1"}}, nil)
	c.Put(`flows|*|eq(source_id,s:"s1")||0`, []metastore.Row{{"id": "f2"}}, nil)
	c.Put(`sources|*|eq(id,s:"s1")||0`, []metastore.Row{{"id": "s1"}}, nil)

	removed := c.Invalidate("flows|")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get(`flows|*|eq(id,s:"f1")||0`)
	assert.False(t, ok)
	_, ok = c.Get(`sources|*|eq(id,s:"s1")||0`)
	assert.True(t, ok, "other tables keep their entries")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheInvalidated.WithLabelValues("flows")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheEntries))

	assert.Equal(t, 0, c.Invalidate("flows|"), "second invalidation finds nothing")
}

func TestGetOrLoadStoresAndDedupes(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	key := `segments|*|eq(flow_id,s:"f1")||0`
	rows := []metastore.Row{{"object_id": "obj-1"}}

	var calls atomic.Int32
	loader := func(context.Context) ([]metastore.Row, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return rows, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.GetOrLoad(context.Background(), key, loader)
			assert.NoError(t, err)
			assert.Equal(t, rows, got)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses share one loader run")

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, rows, got)
}

func TestGetOrLoadPropagatesLoaderError(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	boom := errors.New("endpoint down")
	_, err := c.GetOrLoad(context.Background(), "flows|*|all||0", func(context.Context) ([]metastore.Row, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len(), "failed loads are not cached")
}

func TestGetOrLoadLosesRaceToInvalidate(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	key := `flows|*|eq(id,s:"f1")||0`

	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(context.Context) ([]metastore.Row, error) {
		close(started)
		<-release
		return []metastore.Row{{"id": "f1", "label": "stale"}}, nil
	}

	done := make(chan []metastore.Row, 1)
	go func() {
		rows, err := c.GetOrLoad(context.Background(), key, loader)
		assert.NoError(t, err)
		done <- rows
	}()

	<-started
	c.Invalidate("flows|")
	close(release)

	rows := <-done
	assert.Equal(t, "stale", rows[0].String("label"), "the caller still gets its rows")

	_, ok := c.Get(key)
	assert.False(t, ok, "rows loaded across an invalidation must not be stored")
}

func TestRefresherReloadsAgingEntries(t *testing.T) {
	c, m := newTestCache(t, Config{TTL: 200 * time.Millisecond, RefreshFactor: 0.5})
	key := `flows|*|eq(id,s:"f1")||0`

	var version atomic.Int64
	loader := func(context.Context) ([]metastore.Row, error) {
		return []metastore.Row{{"id": "f1", "version": version.Add(1)}}, nil
	}
	c.Put(key, []metastore.Row{{"id": "f1", "version": int64(0)}}, loader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartRefresher(ctx)

	assert.Eventually(t, func() bool {
		rows, ok := c.Get(key)
		return ok && rows[0].Int64("version") >= 1
	}, 2*time.Second, 10*time.Millisecond, "aging entries get re-run through their loader")

	assert.GreaterOrEqual(t, testutil.ToFloat64(m.CacheRefreshTotal.WithLabelValues("ok")), float64(1))
}

func TestRefreshFailureKeepsStaleEntry(t *testing.T) {
	c, m := newTestCache(t, Config{TTL: 500 * time.Millisecond, RefreshFactor: 0.1})
	key := `sources|*|eq(id,s:"s1")||0`
	rows := []metastore.Row{{"id": "s1"}}

	c.Put(key, rows, func(context.Context) ([]metastore.Row, error) {
		return nil, errors.New("endpoint down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartRefresher(ctx)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.CacheRefreshTotal.WithLabelValues("error")) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	got, ok := c.Get(key)
	require.True(t, ok, "a failed refresh leaves the entry serving hits")
	assert.Equal(t, rows, got)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 1024, cfg.MaxEntries)
	assert.Equal(t, 30*time.Second, cfg.TTL)
	assert.Equal(t, 0.8, cfg.RefreshFactor)

	cfg = Config{RefreshFactor: 1.5}.withDefaults()
	assert.Equal(t, 0.8, cfg.RefreshFactor, "factors outside (0,1) fall back to the default")
}
