package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the hot-path Prometheus instruments as OTLP
// instruments, so deployments that only run a collector still see
// metadata-store and object-storage traffic. A nil *OTelMetrics is a
// valid recorder that drops every sample.
type OTelMetrics struct {
	queriesTotal  metric.Int64Counter
	queryDuration metric.Float64Histogram

	objectOperations metric.Int64Counter
	objectDuration   metric.Float64Histogram
	objectBytes      metric.Int64Histogram
}

// NewOTelMetrics builds the instrument set on the global meter
// provider. Call it after InitOTel, otherwise the instruments bind to
// the no-op provider and never export anything.
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/avfoundry/tams")

	queriesTotal, err := meter.Int64Counter("store.queries.total",
		metric.WithDescription("Metadata-store queries issued"),
		metric.WithUnit("{query}"))
	if err != nil {
		return nil, fmt.Errorf("build store.queries.total: %w", err)
	}

	queryDuration, err := meter.Float64Histogram("store.query.duration",
		metric.WithDescription("Metadata-store query latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("build store.query.duration: %w", err)
	}

	objectOperations, err := meter.Int64Counter("objectstore.operations.total",
		metric.WithDescription("Object storage calls issued"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return nil, fmt.Errorf("build objectstore.operations.total: %w", err)
	}

	objectDuration, err := meter.Float64Histogram("objectstore.operation.duration",
		metric.WithDescription("Object storage call latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("build objectstore.operation.duration: %w", err)
	}

	objectBytes, err := meter.Int64Histogram("objectstore.bytes",
		metric.WithDescription("Bytes moved per object storage call"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("build objectstore.bytes: %w", err)
	}

	return &OTelMetrics{
		queriesTotal:     queriesTotal,
		queryDuration:    queryDuration,
		objectOperations: objectOperations,
		objectDuration:   objectDuration,
		objectBytes:      objectBytes,
	}, nil
}

// RecordQuery samples one metadata-store query outcome.
func (m *OTelMetrics) RecordQuery(ctx context.Context, table, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(
		attribute.String("store.table", table),
		attribute.String("store.operation", operation),
		attribute.Bool("error", err != nil),
	)
	m.queriesTotal.Add(ctx, 1, opt)
	m.queryDuration.Record(ctx, duration.Seconds(), opt)
}

// RecordObjectOperation samples one object storage call. Zero bytes
// means the call moved no payload (presign, head, delete) and skips
// the size histogram.
func (m *OTelMetrics) RecordObjectOperation(ctx context.Context, operation, bucket string, duration time.Duration, bytes int64, err error) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(
		attribute.String("objectstore.operation", operation),
		attribute.String("objectstore.bucket", bucket),
		attribute.Bool("error", err != nil),
	)
	m.objectOperations.Add(ctx, 1, opt)
	m.objectDuration.Record(ctx, duration.Seconds(), opt)
	if bytes > 0 {
		m.objectBytes.Record(ctx, bytes, opt)
	}
}
