package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeRecord unmarshals the single JSON line in buf.
func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record), "log output %q", buf.String())
	return record
}

func TestLoggerFiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("invisible")
	assert.Zero(t, buf.Len(), "debug record should be suppressed at info level")

	logger.Info("visible")
	record := decodeRecord(t, &buf)
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "visible", record["msg"])

	buf.Reset()
	logger.Warn("warn record")
	assert.NotZero(t, buf.Len())

	buf.Reset()
	logger.Error("error record")
	assert.NotZero(t, buf.Len())
}

func TestLoggerDebugLevelEmitsEverything(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.Debug("now visible")
	record := decodeRecord(t, &buf)
	assert.Equal(t, "DEBUG", record["level"])
}

func TestLoggerWithField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("flow_id", "flow-1").Info("segment written")

	record := decodeRecord(t, &buf)
	assert.Equal(t, "flow-1", record["flow_id"])
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"endpoint": "db-0",
		"failures": 3,
	}).Warn("endpoint unhealthy")

	record := decodeRecord(t, &buf)
	assert.Equal(t, "db-0", record["endpoint"])
	assert.Equal(t, float64(3), record["failures"])
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithError(errors.New("connection refused")).Error("probe failed")
	record := decodeRecord(t, &buf)
	assert.Equal(t, "connection refused", record["error"])

	buf.Reset()
	logger.WithError(nil).Info("all good")
	record = decodeRecord(t, &buf)
	assert.NotContains(t, record, "error")
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithComponent("endpoint-pool").Info("probe cycle complete")

	record := decodeRecord(t, &buf)
	assert.Equal(t, "endpoint-pool", record["component"])
}

func TestLoggerChildrenDoNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(InfoLevel, &buf)

	child := parent.WithField("source_id", "src-1")
	require.NotSame(t, parent, child)

	parent.Info("from parent")
	record := decodeRecord(t, &buf)
	assert.NotContains(t, record, "source_id")

	buf.Reset()
	child.Info("from child")
	record = decodeRecord(t, &buf)
	assert.Equal(t, "src-1", record["source_id"])
}

func TestLoggerFormattedVariants(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	cases := []struct {
		name string
		emit func()
		want string
	}{
		{"Debugf", func() { logger.Debugf("loaded %d endpoints", 4) }, "loaded 4 endpoints"},
		{"Infof", func() { logger.Infof("cache holds %d entries", 128) }, "cache holds 128 entries"},
		{"Warnf", func() { logger.Warnf("endpoint %s degraded", "db-1") }, "endpoint db-1 degraded"},
		{"Errorf", func() { logger.Errorf("sweep failed: %v", "timeout") }, "sweep failed: timeout"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf.Reset()
			tc.emit()
			record := decodeRecord(t, &buf)
			assert.Equal(t, tc.want, record["msg"])
		})
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DebugLevel.String())
	assert.Equal(t, "INFO", InfoLevel.String())
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "ERROR", ErrorLevel.String())

	// Out-of-range values read as the default level rather than panicking.
	assert.Equal(t, "INFO", LogLevel(42).String())
	assert.Equal(t, "INFO", LogLevel(-1).String())
}
