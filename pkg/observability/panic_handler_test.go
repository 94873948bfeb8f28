package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverPanicLogsValueTaskAndStack(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "allocation sweep")
		panic("sweep exploded")
	}()

	out := buf.String()
	assert.Contains(t, out, "Recovered from panic")
	assert.Contains(t, out, "sweep exploded")
	assert.Contains(t, out, "allocation sweep")
	assert.Contains(t, out, "stack")
}

func TestRecoverPanicIsQuietWithoutPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "allocation sweep")
	}()

	assert.Zero(t, buf.Len(), "nothing should be logged without a panic")
}
