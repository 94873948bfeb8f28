package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// startFakeCollector accepts gRPC connections so the blocking OTLP dial
// in InitOTel can complete. It serves no OTLP methods; exports fail,
// dialing does not.
func startFakeCollector(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return lis.Addr().String()
}

func TestInitOTel_Disabled(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, logger)

	assert.NoError(t, err)
	assert.Nil(t, providers)
}

func TestInitOTel_ConnectsToCollector(t *testing.T) {
	endpoint := startFakeCollector(t)
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	cfg := OTelConfig{
		Enabled:        true,
		Endpoint:       endpoint,
		ServiceName:    "tamsd-test",
		ServiceVersion: "0.0.1",
		Insecure:       true,
	}

	providers, err := InitOTel(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, providers)
	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.MeterProvider)

	// The composite propagator must carry both trace context and baggage.
	fields := otel.GetTextMapPropagator().Fields()
	joined := strings.Join(fields, ",")
	assert.Contains(t, joined, "traceparent")
	assert.Contains(t, joined, "baggage")

	// The collector speaks no OTLP, so final flushes may error; the
	// providers still shut down.
	_ = ShutdownOTel(context.Background(), providers, logger)
}

func TestInitOTel_UnreachableEndpoint(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	cfg := OTelConfig{
		Enabled:        true,
		Endpoint:       "127.0.0.1:1",
		ServiceName:    "tamsd-test",
		ServiceVersion: "0.0.1",
		Insecure:       true,
	}

	// The blocking dial gives up at the caller's deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	providers, err := InitOTel(ctx, cfg, logger)

	assert.Error(t, err)
	assert.Nil(t, providers)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		want  string
	}{
		{name: "zero keeps every trace", ratio: 0, want: "AlwaysOnSampler"},
		{name: "negative keeps every trace", ratio: -0.5, want: "AlwaysOnSampler"},
		{name: "one keeps every trace", ratio: 1, want: "AlwaysOnSampler"},
		{name: "above one keeps every trace", ratio: 2, want: "AlwaysOnSampler"},
		{name: "fraction samples by trace id", ratio: 0.25, want: "TraceIDRatioBased"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := samplerFor(tt.ratio).Description()
			assert.Contains(t, desc, tt.want)
		})
	}
}

func TestShutdownOTel_NilProviders(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	assert.NoError(t, ShutdownOTel(context.Background(), nil, logger))
}

func TestShutdownOTel_EmptyProviders(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	providers := &OTelProviders{}
	assert.NoError(t, ShutdownOTel(context.Background(), providers, logger))
}

func TestShutdownOTel_LocalProviders(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	providers := &OTelProviders{
		TracerProvider: sdktrace.NewTracerProvider(),
	}

	assert.NoError(t, ShutdownOTel(context.Background(), providers, logger))
}

func TestWithTraceContext_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	got := WithTraceContext(context.Background(), logger)
	require.NotNil(t, got)

	got.Info("message")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, hasTrace := entry["trace_id"]
	assert.False(t, hasTrace, "no span means no trace fields")
}

func TestWithTraceContext_RecordingSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "operation")
	defer span.End()
	require.True(t, span.IsRecording())

	WithTraceContext(ctx, logger).Info("message")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestWithTraceContext_NonRecordingSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	// A remote span context carries IDs but does not record locally.
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01},
		SpanID:  trace.SpanID{0x01},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	got := WithTraceContext(ctx, logger)
	assert.Same(t, logger, got)
}
