package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// manualMeter swaps the global meter provider for one backed by a
// manual reader so tests can collect what the instruments exported.
func manualMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return reader
}

func gatherOTel(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findInstrument(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestNewOTelMetrics(t *testing.T) {
	manualMeter(t)

	m, err := NewOTelMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.NotNil(t, m.queriesTotal)
	assert.NotNil(t, m.queryDuration)
	assert.NotNil(t, m.objectOperations)
	assert.NotNil(t, m.objectDuration)
	assert.NotNil(t, m.objectBytes)
}

func TestOTelMetrics_RecordQuery(t *testing.T) {
	reader := manualMeter(t)

	m, err := NewOTelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordQuery(ctx, "flows", "query", 100*time.Millisecond, nil)
	m.RecordQuery(ctx, "flows", "query", 50*time.Millisecond, errors.New("timeout"))

	rm := gatherOTel(t, reader)

	counter, ok := findInstrument(rm, "store.queries.total")
	require.True(t, ok, "store.queries.total not exported")
	sum, ok := counter.Data.(metricdata.Sum[int64])
	require.True(t, ok, "store.queries.total exported as %T", counter.Data)

	var total int64
	var sawSuccess, sawFailure bool
	for _, dp := range sum.DataPoints {
		total += dp.Value
		if v, found := dp.Attributes.Value("error"); found {
			if v.AsBool() {
				sawFailure = true
			} else {
				sawSuccess = true
			}
		}
	}
	assert.EqualValues(t, 2, total)
	assert.True(t, sawSuccess, "missing error=false series")
	assert.True(t, sawFailure, "missing error=true series")

	_, ok = findInstrument(rm, "store.query.duration")
	assert.True(t, ok, "store.query.duration not exported")
}

func TestOTelMetrics_RecordObjectOperation(t *testing.T) {
	reader := manualMeter(t)

	m, err := NewOTelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	// A presign moves no payload, so only the head call lands in the
	// byte histogram.
	m.RecordObjectOperation(ctx, "presign_put", "tams-media", 20*time.Millisecond, 0, nil)
	m.RecordObjectOperation(ctx, "head", "tams-media", 10*time.Millisecond, 4096, nil)

	rm := gatherOTel(t, reader)

	counter, ok := findInstrument(rm, "objectstore.operations.total")
	require.True(t, ok, "objectstore.operations.total not exported")
	sum, ok := counter.Data.(metricdata.Sum[int64])
	require.True(t, ok, "objectstore.operations.total exported as %T", counter.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.EqualValues(t, 2, total)

	bytesMetric, ok := findInstrument(rm, "objectstore.bytes")
	require.True(t, ok, "objectstore.bytes not exported")
	hist, ok := bytesMetric.Data.(metricdata.Histogram[int64])
	require.True(t, ok, "objectstore.bytes exported as %T", bytesMetric.Data)

	var count uint64
	var bytes int64
	for _, dp := range hist.DataPoints {
		count += dp.Count
		bytes += dp.Sum
	}
	assert.EqualValues(t, 1, count)
	assert.EqualValues(t, 4096, bytes)
}

func TestOTelMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *OTelMetrics

	// Callers wire metrics optionally, so both record paths must hold
	// on a nil receiver.
	m.RecordQuery(context.Background(), "flows", "query", time.Millisecond, nil)
	m.RecordObjectOperation(context.Background(), "head", "tams-media", time.Millisecond, 10, nil)
}
