package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// otlpDialTimeout bounds how long startup waits for the collector.
const otlpDialTimeout = 10 * time.Second

// OTelConfig selects the OTLP collector both exporters ship to.
type OTelConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Insecure       bool
	// SampleRatio is the fraction of traces to sample. Values <= 0 or >= 1
	// fall back to always-on sampling.
	SampleRatio float64
}

// OTelProviders carries the SDK providers so the caller can flush and
// stop them on shutdown.
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// InitOTel wires OTLP gRPC exporters for traces and metrics and
// installs them as the process-global providers. A disabled config
// returns nil providers; callers treat nil as "telemetry off".
func InitOTel(ctx context.Context, cfg OTelConfig, logger *Logger) (*OTelProviders, error) {
	if !cfg.Enabled {
		logger.Debug("OpenTelemetry disabled")
		return nil, nil
	}

	logger.Infof("Exporting telemetry to %s", cfg.Endpoint)

	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	opts := dialOptions(cfg)

	tp, err := newTracerProvider(ctx, cfg, res, opts)
	if err != nil {
		return nil, fmt.Errorf("init tracer provider: %w", err)
	}

	mp, err := newMeterProvider(ctx, cfg, res, opts)
	if err != nil {
		if terr := tp.Shutdown(ctx); terr != nil {
			logger.WithError(terr).Warn("tracer provider did not stop cleanly")
		}
		return nil, fmt.Errorf("init meter provider: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &OTelProviders{TracerProvider: tp, MeterProvider: mp}, nil
}

// buildResource describes this process to the collector. The env,
// host, and container detectors let a collector tell replicas apart.
func buildResource(ctx context.Context, cfg OTelConfig) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithContainer(),
		resource.WithHost(),
	)
}

// dialOptions builds the gRPC options shared by both exporters.
func dialOptions(cfg OTelConfig) []grpc.DialOption {
	// The blocking dial surfaces a bad collector endpoint at startup
	// instead of at the first export.
	//nolint:staticcheck // SA1019: WithBlock is deprecated but the fail-fast dial depends on it
	opts := []grpc.DialOption{grpc.WithBlock()}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return opts
}

// samplerFor picks the trace sampler: ratios in (0, 1) sample that
// fraction of new traces, anything else keeps every trace.
func samplerFor(ratio float64) sdktrace.Sampler {
	if ratio > 0 && ratio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.AlwaysSample()
}

func newTracerProvider(ctx context.Context, cfg OTelConfig, res *resource.Resource, opts []grpc.DialOption) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, otlpDialTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRatio)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg OTelConfig, res *resource.Resource, opts []grpc.DialOption) (*sdkmetric.MeterProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, otlpDialTimeout)
	defer cancel()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithDialOption(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
	), nil
}

// ShutdownOTel flushes and stops both providers, combining their
// errors. Nil providers are a no-op so callers can defer this
// unconditionally.
func ShutdownOTel(ctx context.Context, providers *OTelProviders, logger *Logger) error {
	if providers == nil {
		return nil
	}

	var traceErr, meterErr error
	if providers.TracerProvider != nil {
		if err := providers.TracerProvider.Shutdown(ctx); err != nil {
			traceErr = fmt.Errorf("stop tracer provider: %w", err)
		}
	}
	if providers.MeterProvider != nil {
		if err := providers.MeterProvider.Shutdown(ctx); err != nil {
			meterErr = fmt.Errorf("stop meter provider: %w", err)
		}
	}

	if err := errors.Join(traceErr, meterErr); err != nil {
		logger.WithError(err).Error("OpenTelemetry shutdown incomplete")
		return err
	}

	logger.Debug("OpenTelemetry providers stopped")
	return nil
}

// WithTraceContext stamps the active span's trace and span IDs onto
// the logger so log lines can be joined to traces. Without a recording
// span the logger comes back unchanged.
func WithTraceContext(ctx context.Context, logger *Logger) *Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return logger
	}

	sc := span.SpanContext()
	return logger.WithFields(map[string]interface{}{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	})
}
