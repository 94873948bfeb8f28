package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("tams/metastore")

// Dialect selects SQL placeholder style and driver name.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// SQLEndpointConfig configures one SQL-speaking metadata-store
// endpoint. Addr identifies the endpoint in pool accounting and logs;
// DSN is the driver connection string and defaults to Addr. Keeping
// them separate keeps credentials out of log lines.
type SQLEndpointConfig struct {
	Addr            string
	DSN             string
	Driver          Dialect
	MaxConns        int
	MinConns        int
	ConnTimeout     time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLEndpoint speaks the endpoint protocol over database/sql. The
// production driver is lib/pq; tests wrap sqlite or sqlmock handles
// via WrapSQLEndpoint.
type SQLEndpoint struct {
	db      *sql.DB
	addr    string
	dialect Dialect
}

// NewSQLEndpoint opens and pings one endpoint connection pool.
func NewSQLEndpoint(ctx context.Context, cfg SQLEndpointConfig) (*SQLEndpoint, error) {
	if cfg.Driver == "" {
		cfg.Driver = DialectPostgres
	}
	if cfg.DSN == "" {
		cfg.DSN = cfg.Addr
	}

	db, err := sql.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open endpoint %s: %w", cfg.Addr, err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	timeout := cfg.ConnTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping endpoint %s: %w", cfg.Addr, err)
	}

	return &SQLEndpoint{db: db, addr: cfg.Addr, dialect: cfg.Driver}, nil
}

// WrapSQLEndpoint adopts an existing database handle as an endpoint.
func WrapSQLEndpoint(db *sql.DB, addr string, dialect Dialect) *SQLEndpoint {
	return &SQLEndpoint{db: db, addr: addr, dialect: dialect}
}

// Addr identifies the endpoint.
func (e *SQLEndpoint) Addr() string { return e.addr }

// DB exposes the underlying handle for migrations and pool metrics.
func (e *SQLEndpoint) DB() *sql.DB { return e.db }

// Dialect reports the endpoint's SQL dialect.
func (e *SQLEndpoint) Dialect() Dialect { return e.dialect }

// Ping checks liveness.
func (e *SQLEndpoint) Ping(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return e.mapErr("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (e *SQLEndpoint) Close() error { return e.db.Close() }

// Query compiles and executes a predicate-filtered SELECT. Ordering is
// deterministic: the request's OrderBy terms, or the projected columns
// in order when none are given.
func (e *SQLEndpoint) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	ctx, span := tracer.Start(ctx, "metastore.Query",
		trace.WithAttributes(
			attribute.String("db.table", req.Table),
			attribute.String("endpoint.addr", e.addr),
			attribute.Int("query.split_hint", req.SplitHint),
		),
	)
	defer span.End()

	query, args, err := e.buildSelect(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile failed")
		return nil, err
	}

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, e.mapErr("query "+req.Table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return nil, e.mapErr("scan "+req.Table, err)
	}

	span.SetAttributes(attribute.Int("query.rows", len(out)))
	span.SetStatus(codes.Ok, "")
	return &QueryResult{
		Rows:  out,
		Stats: QueryStats{Elapsed: time.Since(start), RowsScanned: int64(len(out))},
	}, nil
}

// Insert writes rows one statement at a time, inside a transaction
// when more than one row is given.
func (e *SQLEndpoint) Insert(ctx context.Context, table string, rows []Row) (*WriteResult, error) {
	ctx, span := tracer.Start(ctx, "metastore.Insert",
		trace.WithAttributes(
			attribute.String("db.table", table),
			attribute.String("endpoint.addr", e.addr),
			attribute.Int("write.rows", len(rows)),
		),
	)
	defer span.End()

	start := time.Now()
	var affected int64

	run := func(execer interface {
		ExecContext(context.Context, string, ...any) (sql.Result, error)
	}) error {
		for _, row := range rows {
			stmt, args := e.buildInsert(table, row)
			res, err := execer.ExecContext(ctx, stmt, args...)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil {
				affected += n
			}
		}
		return nil
	}

	var err error
	if len(rows) > 1 {
		var tx *sql.Tx
		tx, err = e.db.BeginTx(ctx, nil)
		if err == nil {
			if err = run(tx); err != nil {
				tx.Rollback()
			} else {
				err = tx.Commit()
			}
		}
	} else {
		err = run(e.db)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, e.mapErr("insert "+table, err)
	}

	span.SetStatus(codes.Ok, "")
	return &WriteResult{
		RowsAffected: affected,
		Stats:        QueryStats{Elapsed: time.Since(start), RowsScanned: affected},
	}, nil
}

// Update applies a column set to every row matching the predicate.
func (e *SQLEndpoint) Update(ctx context.Context, table string, pred Predicate, set Row) (*WriteResult, error) {
	ctx, span := tracer.Start(ctx, "metastore.Update",
		trace.WithAttributes(
			attribute.String("db.table", table),
			attribute.String("endpoint.addr", e.addr),
		),
	)
	defer span.End()

	if len(set) == 0 {
		err := errors.New("update requires at least one column")
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty set")
		return nil, err
	}

	c := &sqlCompiler{dialect: e.dialect}
	cols := sortedColumns(set)
	assigns := make([]string, len(cols))
	for i, col := range cols {
		assigns[i] = col + " = " + c.placeholder(set[col])
	}
	where, err := c.compile(pred)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile failed")
		return nil, err
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(assigns, ", "), where)

	start := time.Now()
	res, err := e.db.ExecContext(ctx, stmt, c.args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return nil, e.mapErr("update "+table, err)
	}
	affected, _ := res.RowsAffected()

	span.SetAttributes(attribute.Int64("write.rows", affected))
	span.SetStatus(codes.Ok, "")
	return &WriteResult{
		RowsAffected: affected,
		Stats:        QueryStats{Elapsed: time.Since(start), RowsScanned: affected},
	}, nil
}

// Delete removes every row matching the predicate.
func (e *SQLEndpoint) Delete(ctx context.Context, table string, pred Predicate) (*WriteResult, error) {
	ctx, span := tracer.Start(ctx, "metastore.Delete",
		trace.WithAttributes(
			attribute.String("db.table", table),
			attribute.String("endpoint.addr", e.addr),
		),
	)
	defer span.End()

	c := &sqlCompiler{dialect: e.dialect}
	where, err := c.compile(pred)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile failed")
		return nil, err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)

	start := time.Now()
	res, err := e.db.ExecContext(ctx, stmt, c.args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return nil, e.mapErr("delete "+table, err)
	}
	affected, _ := res.RowsAffected()

	span.SetAttributes(attribute.Int64("write.rows", affected))
	span.SetStatus(codes.Ok, "")
	return &WriteResult{
		RowsAffected: affected,
		Stats:        QueryStats{Elapsed: time.Since(start), RowsScanned: affected},
	}, nil
}

func (e *SQLEndpoint) buildSelect(req QueryRequest) (string, []any, error) {
	c := &sqlCompiler{dialect: e.dialect}

	projection := "*"
	if len(req.Columns) > 0 {
		projection = strings.Join(req.Columns, ", ")
	}

	where, err := c.compile(req.Predicate)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	if req.SplitHint > 1 {
		// Parallelism hint travels as an annotation the columnar store
		// can read from its query log.
		b.WriteString("/* split=")
		b.WriteString(strconv.Itoa(req.SplitHint))
		b.WriteString(" */ ")
	}
	b.WriteString("SELECT ")
	b.WriteString(projection)
	b.WriteString(" FROM ")
	b.WriteString(req.Table)
	b.WriteString(" WHERE ")
	b.WriteString(where)

	ordering := req.OrderBy
	if len(ordering) == 0 && len(req.Columns) > 0 {
		ordering = make([]Ordering, len(req.Columns))
		for i, col := range req.Columns {
			ordering[i] = Ordering{Column: col}
		}
	}
	if len(ordering) > 0 {
		b.WriteString(" ORDER BY ")
		for i, ord := range ordering {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ord.Column)
			if ord.Desc {
				b.WriteString(" DESC")
			}
		}
	}

	if req.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(req.Limit))
	}

	return b.String(), c.args, nil
}

func (e *SQLEndpoint) buildInsert(table string, row Row) (string, []any) {
	c := &sqlCompiler{dialect: e.dialect}
	cols := sortedColumns(row)
	marks := make([]string, len(cols))
	for i, col := range cols {
		marks[i] = c.placeholder(row[col])
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	return stmt, c.args
}

// mapErr wraps driver errors: deadline hits become TimeoutError and
// uniqueness rejections carry the ErrConstraint sentinel so the pool
// does not count them against endpoint health.
func (e *SQLEndpoint) mapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Endpoint: e.addr, Op: op, Err: err}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return fmt.Errorf("%s: %v: %w", op, err, ErrConstraint)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%s: %v: %w", op, err, ErrConstraint)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
