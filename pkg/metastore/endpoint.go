package metastore

import (
	"context"
	"time"
)

// OpKind classifies an operation for endpoint selection: point reads
// versus broad analytical scans.
type OpKind string

const (
	OpRead  OpKind = "read"
	OpScan  OpKind = "scan"
	OpWrite OpKind = "write"
)

// Ordering is one ORDER BY term.
type Ordering struct {
	Column string
	Desc   bool
}

// QueryRequest describes a predicate-filtered table read. Columns nil
// means all columns. SplitHint is the planner's parallelism hint,
// forwarded to the endpoint as an annotation.
type QueryRequest struct {
	Table     string
	Columns   []string
	Predicate Predicate
	OrderBy   []Ordering
	Limit     int
	SplitHint int
}

// QueryStats reports what an endpoint call cost. Elapsed feeds the
// pool's latency accounting; RowsScanned feeds the planner's table
// cardinality estimates.
type QueryStats struct {
	Elapsed     time.Duration
	RowsScanned int64
}

// QueryResult is the rows plus execution statistics for one read.
type QueryResult struct {
	Rows  []Row
	Stats QueryStats
}

// WriteResult reports a row-level write.
type WriteResult struct {
	RowsAffected int64
	Stats        QueryStats
}

// Endpoint is one metadata-store address speaking the row-level
// protocol: predicate-filtered reads and row inserts, updates and
// deletes. Calls honor the context deadline; a deadline hit surfaces
// as a TimeoutError.
type Endpoint interface {
	// Addr identifies the endpoint for pool accounting and logs.
	Addr() string

	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)
	Insert(ctx context.Context, table string, rows []Row) (*WriteResult, error)
	Update(ctx context.Context, table string, pred Predicate, set Row) (*WriteResult, error)
	Delete(ctx context.Context, table string, pred Predicate) (*WriteResult, error)

	// Ping checks liveness without touching table data.
	Ping(ctx context.Context) error

	Close() error
}
