// Package query turns metadata-store read requests into execution
// plans: point reads versus scans, a parallelism hint sized from
// observed table cardinality, and canonical cache keys.
package query

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/avfoundry/tams/pkg/metastore"
)

// PlannerConfig bounds the planner's hinting.
type PlannerConfig struct {
	// SmallTableRows is the estimated row count below which a scan runs
	// unsplit.
	SmallTableRows int64
	// MaxSplits caps the parallelism hint.
	MaxSplits int
	// EstimateTTL expires cardinality estimates, so tables that shrink
	// stop inflating hints once the window passes.
	EstimateTTL time.Duration
	// EstimateTables is the number of tables tracked.
	EstimateTables int
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.SmallTableRows <= 0 {
		c.SmallTableRows = 10000
	}
	if c.MaxSplits <= 0 {
		c.MaxSplits = 8
	}
	if c.EstimateTTL <= 0 {
		c.EstimateTTL = 5 * time.Minute
	}
	if c.EstimateTables <= 0 {
		c.EstimateTables = 64
	}
	return c
}

// PlannedQuery is a read request classified and annotated for
// execution. Request carries the same SplitHint so it can go straight
// to an endpoint.
type PlannedQuery struct {
	Kind      metastore.OpKind
	SplitHint int
	Request   metastore.QueryRequest
}

// Planner classifies reads and sizes their parallelism hints. It never
// executes queries; cardinality estimates come from ObserveStats calls
// made by whoever runs the plans.
type Planner struct {
	cfg       PlannerConfig
	estimates *lru.LRU[string, int64]
}

// NewPlanner creates a planner with the given bounds.
func NewPlanner(cfg PlannerConfig) *Planner {
	cfg = cfg.withDefaults()
	return &Planner{
		cfg:       cfg,
		estimates: lru.NewLRU[string, int64](cfg.EstimateTables, nil, cfg.EstimateTTL),
	}
}

// keyColumns lists the columns whose equality pins a single row.
func keyColumns(table string) []string {
	switch table {
	case "segments":
		return []string{"flow_id", "object_id"}
	case "object_refs":
		return []string{"object_id", "flow_id"}
	default:
		return []string{"id"}
	}
}

// Plan classifies the request. A point predicate, where every key
// column of the table is pinned by equality, plans as a read with no
// split. Anything broader is a scan whose hint grows with the table's
// observed cardinality.
func (p *Planner) Plan(req metastore.QueryRequest) PlannedQuery {
	if eqCols, ok := metastore.EqualityColumns(req.Predicate); ok {
		point := true
		for _, col := range keyColumns(req.Table) {
			if !eqCols[col] {
				point = false
				break
			}
		}
		if point {
			req.SplitHint = 1
			return PlannedQuery{Kind: metastore.OpRead, SplitHint: 1, Request: req}
		}
	}

	hint := p.splitHint(req.Table)
	req.SplitHint = hint
	return PlannedQuery{Kind: metastore.OpScan, SplitHint: hint, Request: req}
}

func (p *Planner) splitHint(table string) int {
	estimate, ok := p.estimates.Get(table)
	if !ok || estimate <= p.cfg.SmallTableRows {
		return 1
	}
	hint := int((estimate + p.cfg.SmallTableRows - 1) / p.cfg.SmallTableRows)
	if hint > p.cfg.MaxSplits {
		hint = p.cfg.MaxSplits
	}
	return hint
}

// ObserveStats feeds execution feedback back into the planner. Row
// counts only ratchet upward within one TTL window; expiry handles
// tables that shrink.
func (p *Planner) ObserveStats(table string, stats metastore.QueryStats) {
	if stats.RowsScanned <= 0 {
		return
	}
	if current, ok := p.estimates.Get(table); ok && current >= stats.RowsScanned {
		return
	}
	p.estimates.Add(table, stats.RowsScanned)
}

// Estimate reports the current cardinality estimate for a table, zero
// when unknown.
func (p *Planner) Estimate(table string) int64 {
	estimate, _ := p.estimates.Get(table)
	return estimate
}
