// Package cache is the read accelerator in front of the metadata
// store: query results keyed by their canonical request string, with
// TTL expiry, write-driven prefix invalidation, and background refresh
// of entries nearing expiry.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/avfoundry/tams/pkg/async"
	"github.com/avfoundry/tams/pkg/metastore"
	"github.com/avfoundry/tams/pkg/observability"
)

// Loader re-runs the query that produced a cached entry. Loads and
// refreshes for the same key are deduplicated, so a loader never runs
// twice concurrently.
type Loader func(ctx context.Context) ([]metastore.Row, error)

type entry struct {
	rows     []metastore.Row
	inserted time.Time
	loader   Loader
}

// Config bounds the cache.
type Config struct {
	// MaxEntries caps the number of cached results.
	MaxEntries int
	// TTL is how long an entry serves hits.
	TTL time.Duration
	// RefreshFactor is the fraction of the TTL after which the
	// background refresher re-runs an entry's loader. Must be in
	// (0, 1).
	RefreshFactor float64
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1024
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.RefreshFactor <= 0 || c.RefreshFactor >= 1 {
		c.RefreshFactor = 0.8
	}
	return c
}

// ResultCache holds query results. Safe for concurrent use. Rows
// returned by Get and GetOrLoad are shared; callers must not mutate
// them.
type ResultCache struct {
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics

	group singleflight.Group

	// mu serializes stores against invalidation so a write's
	// Invalidate cannot be undone by a load or refresh that raced it.
	mu      sync.Mutex
	entries *lru.LRU[string, *entry]
	gens    map[string]uint64
}

// New creates a cache. metrics may be nil.
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *ResultCache {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &ResultCache{
		cfg:     cfg,
		logger:  logger.WithComponent("result-cache"),
		metrics: metrics,
		entries: lru.NewLRU[string, *entry](cfg.MaxEntries, nil, cfg.TTL),
		gens:    make(map[string]uint64),
	}
}

// Get returns the cached rows for key if present and inside the TTL.
func (rc *ResultCache) Get(key string) ([]metastore.Row, bool) {
	table := tableOf(key)
	e, ok := rc.entries.Get(key)
	if !ok {
		if rc.metrics != nil {
			rc.metrics.CacheMissesTotal.WithLabelValues(table).Inc()
		}
		return nil, false
	}
	if rc.metrics != nil {
		rc.metrics.CacheHitsTotal.WithLabelValues(table).Inc()
	}
	return e.rows, true
}

// Put stores rows under key. The loader is kept so the background
// refresher can re-run the query before the entry expires.
func (rc *ResultCache) Put(key string, rows []metastore.Row, loader Loader) {
	rc.mu.Lock()
	rc.entries.Add(key, &entry{rows: rows, inserted: time.Now(), loader: loader})
	rc.updateGauge()
	rc.mu.Unlock()
}

// GetOrLoad returns the cached rows for key, running loader on a miss
// and storing the result. Concurrent misses for the same key share one
// loader run. Rows loaded across a concurrent invalidation of the
// key's table are returned to the caller but not stored.
func (rc *ResultCache) GetOrLoad(ctx context.Context, key string, loader Loader) ([]metastore.Row, error) {
	if rows, ok := rc.Get(key); ok {
		return rows, nil
	}

	gen := rc.generation(key)
	v, err, _ := rc.group.Do(key, func() (any, error) {
		return loader(ctx)
	})
	if err != nil {
		return nil, err
	}
	rows := v.([]metastore.Row)

	rc.mu.Lock()
	if rc.gens[tableOf(key)] == gen {
		rc.entries.Add(key, &entry{rows: rows, inserted: time.Now(), loader: loader})
		rc.updateGauge()
	}
	rc.mu.Unlock()

	return rows, nil
}

// Invalidate synchronously removes every entry whose key starts with
// prefix, normally a table prefix like "flows|", and reports how many
// were dropped. Writes call this for the affected tables before
// returning, which keeps later reads inside the process from serving
// rows the write already replaced.
func (rc *ResultCache) Invalidate(prefix string) int {
	table := strings.TrimSuffix(prefix, "|")

	rc.mu.Lock()
	rc.gens[table]++
	removed := 0
	for _, key := range rc.entries.Keys() {
		if strings.HasPrefix(key, prefix) && rc.entries.Remove(key) {
			removed++
		}
	}
	rc.updateGauge()
	rc.mu.Unlock()

	if removed > 0 && rc.metrics != nil {
		rc.metrics.CacheInvalidated.WithLabelValues(table).Add(float64(removed))
	}
	return removed
}

// Len reports the number of cached entries.
func (rc *ResultCache) Len() int {
	return rc.entries.Len()
}

// StartRefresher re-runs loaders for entries past RefreshFactor of the
// TTL, once per TTL/10, until ctx is cancelled. A refreshed entry
// restarts its TTL; a failed refresh logs and leaves the old rows in
// place to age out normally.
func (rc *ResultCache) StartRefresher(ctx context.Context) {
	async.Loop(ctx, rc.cfg.TTL/10, "cache refresh", rc.refreshPass)
}

func (rc *ResultCache) refreshPass(ctx context.Context) {
	threshold := time.Duration(float64(rc.cfg.TTL) * rc.cfg.RefreshFactor)
	for _, key := range rc.entries.Keys() {
		e, ok := rc.entries.Peek(key)
		if !ok || e.loader == nil || time.Since(e.inserted) < threshold {
			continue
		}
		rc.refresh(ctx, key, e.loader)
	}
}

func (rc *ResultCache) refresh(ctx context.Context, key string, loader Loader) {
	gen := rc.generation(key)
	v, err, _ := rc.group.Do(key, func() (any, error) {
		return loader(ctx)
	})
	if err != nil {
		if rc.metrics != nil {
			rc.metrics.CacheRefreshTotal.WithLabelValues("error").Inc()
		}
		rc.logger.WithError(err).WithField("key", key).Warn("cache refresh failed, keeping stale entry")
		return
	}
	rows := v.([]metastore.Row)

	rc.mu.Lock()
	// Invalidated or evicted entries stay gone.
	if rc.gens[tableOf(key)] == gen && rc.entries.Contains(key) {
		rc.entries.Add(key, &entry{rows: rows, inserted: time.Now(), loader: loader})
	}
	rc.mu.Unlock()

	if rc.metrics != nil {
		rc.metrics.CacheRefreshTotal.WithLabelValues("ok").Inc()
	}
}

func (rc *ResultCache) generation(key string) uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.gens[tableOf(key)]
}

// updateGauge is called with mu held.
func (rc *ResultCache) updateGauge() {
	if rc.metrics != nil {
		rc.metrics.CacheEntries.Set(float64(rc.entries.Len()))
	}
}

// tableOf extracts the table component from a canonical key.
func tableOf(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}
