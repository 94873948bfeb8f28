package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemEndpoint implements the endpoint protocol over in-memory tables.
// It exists for tests above the endpoint layer: call counts are
// exported, errors and latency are injectable, and per-table unique
// keys emulate the store's constraints.
type MemEndpoint struct {
	mu   sync.Mutex
	addr string

	tables  map[string][]Row
	uniques map[string][]string

	// ForcedError fails every call until cleared. ForcedLatency is
	// added to each call's reported elapsed time.
	ForcedError   error
	ForcedLatency time.Duration

	CallCount struct {
		Query  int
		Insert int
		Update int
		Delete int
		Ping   int
	}

	version int
}

// NewMemEndpoint creates an empty in-memory endpoint.
func NewMemEndpoint(addr string) *MemEndpoint {
	return &MemEndpoint{
		addr:    addr,
		tables:  make(map[string][]Row),
		uniques: make(map[string][]string),
	}
}

// SetUniqueKey declares a uniqueness constraint over the named
// columns, matching the store schema's behavior: violating inserts
// fail with ErrConstraint.
func (m *MemEndpoint) SetUniqueKey(table string, columns ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uniques[table] = columns
}

// Addr identifies the endpoint.
func (m *MemEndpoint) Addr() string { return m.addr }

// Ping checks liveness, honoring ForcedError.
func (m *MemEndpoint) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount.Ping++
	return m.ForcedError
}

// Close is a no-op.
func (m *MemEndpoint) Close() error { return nil }

// Rows returns a snapshot of a table, for test assertions.
func (m *MemEndpoint) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.tables[table]))
	for _, row := range m.tables[table] {
		out = append(out, row.Clone())
	}
	return out
}

// Query evaluates the predicate over the table, applies ordering and
// limit, and projects the requested columns.
func (m *MemEndpoint) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount.Query++

	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	var matched []Row
	for _, row := range m.tables[req.Table] {
		if Eval(req.Predicate, row) {
			matched = append(matched, row.Clone())
		}
	}

	ordering := req.OrderBy
	if len(ordering) == 0 && len(req.Columns) > 0 {
		ordering = make([]Ordering, len(req.Columns))
		for i, col := range req.Columns {
			ordering[i] = Ordering{Column: col}
		}
	}
	sortRows(matched, ordering)

	if req.Limit > 0 && len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}

	if len(req.Columns) > 0 {
		for i, row := range matched {
			projected := make(Row, len(req.Columns))
			for _, col := range req.Columns {
				projected[col] = row[col]
			}
			matched[i] = projected
		}
	}

	return &QueryResult{
		Rows:  matched,
		Stats: QueryStats{Elapsed: m.ForcedLatency + time.Millisecond, RowsScanned: int64(len(matched))},
	}, nil
}

// Insert appends rows, enforcing any declared unique key.
func (m *MemEndpoint) Insert(ctx context.Context, table string, rows []Row) (*WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount.Insert++
	m.version++

	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	for _, row := range rows {
		if key := m.uniques[table]; len(key) > 0 {
			for _, existing := range m.tables[table] {
				if sameKey(existing, row, key) {
					return nil, fmt.Errorf("insert %s: duplicate key: %w", table, ErrConstraint)
				}
			}
		}
		m.tables[table] = append(m.tables[table], row.Clone())
	}

	return &WriteResult{
		RowsAffected: int64(len(rows)),
		Stats:        QueryStats{Elapsed: m.ForcedLatency + time.Millisecond, RowsScanned: int64(len(rows))},
	}, nil
}

// Update applies the set to every matching row.
func (m *MemEndpoint) Update(ctx context.Context, table string, pred Predicate, set Row) (*WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount.Update++
	m.version++

	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	var affected int64
	for _, row := range m.tables[table] {
		if Eval(pred, row) {
			for k, v := range set {
				row[k] = v
			}
			affected++
		}
	}

	return &WriteResult{
		RowsAffected: affected,
		Stats:        QueryStats{Elapsed: m.ForcedLatency + time.Millisecond, RowsScanned: affected},
	}, nil
}

// Delete removes every matching row.
func (m *MemEndpoint) Delete(ctx context.Context, table string, pred Predicate) (*WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount.Delete++
	m.version++

	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	kept := m.tables[table][:0]
	var affected int64
	for _, row := range m.tables[table] {
		if Eval(pred, row) {
			affected++
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept

	return &WriteResult{
		RowsAffected: affected,
		Stats:        QueryStats{Elapsed: m.ForcedLatency + time.Millisecond, RowsScanned: affected},
	}, nil
}

func (m *MemEndpoint) gate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &TimeoutError{Endpoint: m.addr, Op: "call", Err: err}
		}
		return err
	}
	return m.ForcedError
}

func sameKey(a, b Row, key []string) bool {
	for _, col := range key {
		c, ok := compareValues(a[col], b[col])
		if !ok || c != 0 {
			return false
		}
	}
	return true
}

func sortRows(rows []Row, ordering []Ordering) {
	if len(ordering) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ord := range ordering {
			c, ok := compareValues(rows[i][ord.Column], rows[j][ord.Column])
			if !ok || c == 0 {
				continue
			}
			if ord.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
