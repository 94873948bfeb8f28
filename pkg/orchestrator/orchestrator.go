// Package orchestrator is the CRUD facade over the metadata store.
// Reads are planned, served through the result cache and executed
// against the endpoint pool; writes invalidate the affected cache
// prefixes before returning, so a read that follows a write in the
// same process never sees the overwritten rows. Deletes route through
// the referential integrity guard without exception.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/avfoundry/tams/pkg/cache"
	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/integrity"
	"github.com/avfoundry/tams/pkg/metastore"
	"github.com/avfoundry/tams/pkg/observability"
	"github.com/avfoundry/tams/pkg/query"
)

var tracer = otel.Tracer("tams/orchestrator")

// Config wires the orchestrator's collaborators. Pool and Planner are
// required. A nil Cache disables result caching; a nil Locker selects
// in-process delete locks.
type Config struct {
	Pool    *metastore.EndpointPool
	Cache   *cache.ResultCache
	Planner *query.Planner
	Locker  integrity.Locker
	OTel    *observability.OTelMetrics

	// QueryTimeout bounds each store call. Zero leaves the caller's
	// deadline in charge.
	QueryTimeout time.Duration
}

// Orchestrator is the single entry point for metadata reads and
// writes. All methods are safe for concurrent use.
type Orchestrator struct {
	pool    *metastore.EndpointPool
	cache   *cache.ResultCache
	planner *query.Planner
	guard   *integrity.Guard
	otel    *observability.OTelMetrics
	logger  *observability.Logger
	metrics *observability.Metrics

	queryTimeout time.Duration

	now func() time.Time
}

// New creates an orchestrator and its integrity guard. The guard's
// child checks and deletes run against this orchestrator's
// cache-bypassing paths.
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Orchestrator, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("orchestrator requires an endpoint pool")
	}
	if cfg.Planner == nil {
		return nil, fmt.Errorf("orchestrator requires a query planner")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	o := &Orchestrator{
		pool:         cfg.Pool,
		cache:        cfg.Cache,
		planner:      cfg.Planner,
		otel:         cfg.OTel,
		logger:       logger.WithComponent("orchestrator"),
		metrics:      metrics,
		queryTimeout: cfg.QueryTimeout,
		now:          time.Now,
	}
	o.guard = integrity.NewGuard(guardStore{o}, cfg.Locker, logger, metrics)
	return o, nil
}

// SoftDelete marks an entity deleted, recording when and by whom.
// Cascade deletes live children first; without it, live children block
// the delete with a ConflictError.
func (o *Orchestrator) SoftDelete(ctx context.Context, kind entity.Kind, id string, cascade bool, actor string) error {
	return o.guard.Delete(ctx, integrity.Request{Kind: kind, ID: id, Cascade: cascade, Soft: true, Actor: actor})
}

// HardDelete removes an entity's rows outright. Live children block it;
// hard deletes never cascade.
func (o *Orchestrator) HardDelete(ctx context.Context, kind entity.Kind, id string) error {
	return o.guard.Delete(ctx, integrity.Request{Kind: kind, ID: id})
}

// readRows plans and executes one read. Cached reads share results
// under the request's canonical key and leave a loader behind for
// background refresh; bypass forces a fresh load for callers that
// validate against live state.
func (o *Orchestrator) readRows(ctx context.Context, req metastore.QueryRequest, bypass bool) ([]metastore.Row, error) {
	loader := func(ctx context.Context) ([]metastore.Row, error) {
		return o.execute(ctx, o.planner.Plan(req))
	}
	if bypass || o.cache == nil {
		return loader(ctx)
	}
	return o.cache.GetOrLoad(ctx, query.CanonicalKey(req), loader)
}

// execute runs one planned read on a pooled endpoint, reporting stats
// to the planner's cardinality estimates.
func (o *Orchestrator) execute(ctx context.Context, plan query.PlannedQuery) ([]metastore.Row, error) {
	if o.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.queryTimeout)
		defer cancel()
	}

	var rows []metastore.Row
	start := time.Now()
	_, err := o.pool.Do(ctx, plan.Kind, func(ctx context.Context, ep metastore.Endpoint) (metastore.QueryStats, error) {
		res, qerr := ep.Query(ctx, plan.Request)
		if qerr != nil {
			return metastore.QueryStats{}, qerr
		}
		rows = res.Rows
		o.planner.ObserveStats(plan.Request.Table, res.Stats)
		return res.Stats, nil
	})
	o.otel.RecordQuery(ctx, plan.Request.Table, string(plan.Kind), time.Since(start), err)
	o.observeStore(string(plan.Kind), plan.Request.Table, start, err)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", plan.Request.Table, err)
	}
	return rows, nil
}

// insert writes rows through the pool and invalidates the table's
// cached results.
func (o *Orchestrator) insert(ctx context.Context, table string, rows []metastore.Row) error {
	err := o.write(ctx, "insert", table, func(ctx context.Context, ep metastore.Endpoint) (*metastore.WriteResult, error) {
		return ep.Insert(ctx, table, rows)
	})
	o.invalidate(table)
	return err
}

// update applies a set to matching rows and invalidates the table's
// cached results. It returns the number of rows touched.
func (o *Orchestrator) update(ctx context.Context, table string, pred metastore.Predicate, set metastore.Row) (int64, error) {
	var affected int64
	err := o.write(ctx, "update", table, func(ctx context.Context, ep metastore.Endpoint) (*metastore.WriteResult, error) {
		res, werr := ep.Update(ctx, table, pred, set)
		if res != nil {
			affected = res.RowsAffected
		}
		return res, werr
	})
	o.invalidate(table)
	return affected, err
}

// remove hard-deletes matching rows and invalidates the table's cached
// results. It returns the number of rows removed.
func (o *Orchestrator) remove(ctx context.Context, table string, pred metastore.Predicate) (int64, error) {
	var affected int64
	err := o.write(ctx, "delete", table, func(ctx context.Context, ep metastore.Endpoint) (*metastore.WriteResult, error) {
		res, werr := ep.Delete(ctx, table, pred)
		if res != nil {
			affected = res.RowsAffected
		}
		return res, werr
	})
	o.invalidate(table)
	return affected, err
}

func (o *Orchestrator) write(ctx context.Context, op, table string, fn func(ctx context.Context, ep metastore.Endpoint) (*metastore.WriteResult, error)) error {
	if o.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.queryTimeout)
		defer cancel()
	}

	start := time.Now()
	_, err := o.pool.Do(ctx, metastore.OpWrite, func(ctx context.Context, ep metastore.Endpoint) (metastore.QueryStats, error) {
		res, werr := fn(ctx, ep)
		if werr != nil {
			return metastore.QueryStats{}, werr
		}
		return res.Stats, nil
	})
	o.otel.RecordQuery(ctx, table, op, time.Since(start), err)
	o.observeStore(op, table, start, err)
	return err
}

// invalidate drops cached results for a table. Invalidation happens
// even when the write errored: a failed call may still have committed.
func (o *Orchestrator) invalidate(table string) {
	if o.cache == nil {
		return
	}
	o.cache.Invalidate(query.InvalidationPrefix(table))
}

func (o *Orchestrator) observeStore(op, table string, start time.Time, err error) {
	if o.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.StoreOperationsTotal.WithLabelValues(op, table, status).Inc()
	o.metrics.StoreOperationDuration.WithLabelValues(op, table).Observe(time.Since(start).Seconds())
	if err != nil {
		o.metrics.StoreErrorsTotal.WithLabelValues(op, table, errorType(err)).Inc()
	}
}

func errorType(err error) string {
	switch {
	case metastore.IsTimeout(err):
		return "timeout"
	case errors.Is(err, metastore.ErrConstraint):
		return "constraint"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

// liveRows restricts a predicate to rows not soft-deleted.
func liveRows(pred metastore.Predicate) metastore.Predicate {
	return metastore.And(pred, metastore.Eq("deleted", false))
}
