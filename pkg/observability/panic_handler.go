package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic logs a recovered panic with its value, the full stack,
// and the name of the task that panicked. Call it in a defer around
// background work:
//
//	defer observability.RecoverPanic(logger, "allocation sweep")
//
// The panic is not re-raised, so the task skips one run instead of
// taking the process down.
func RecoverPanic(logger *Logger, task string) {
	r := recover()
	if r == nil {
		return
	}
	logger.WithFields(map[string]interface{}{
		"panic": fmt.Sprint(r),
		"task":  task,
		"stack": string(debug.Stack()),
	}).Error("Recovered from panic")
}
