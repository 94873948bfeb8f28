package async

import (
	"context"
	"log"
	"runtime/debug"
	"time"
)

// SafeGo runs fn on its own goroutine under a timeout. Panics are
// recovered and logged with a stack trace; errors are logged and
// dropped. Use it for work whose failure must never take the calling
// path down with it.
func SafeGo(parent context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		defer logPanic(taskName)

		if err := fn(ctx); err != nil {
			log.Printf("async: %s failed: %v", taskName, err)
		}
	}()
}

// Loop runs fn every interval until ctx is cancelled. Each tick is
// recovered separately, so one panicking pass cannot kill the loop.
func Loop(ctx context.Context, interval time.Duration, taskName string, fn func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx, taskName, fn)
			}
		}
	}()
}

func tick(ctx context.Context, taskName string, fn func(context.Context)) {
	defer logPanic(taskName)
	fn(ctx)
}

func logPanic(taskName string) {
	if r := recover(); r != nil {
		log.Printf("async: panic in %s: %v\n%s", taskName, r, debug.Stack())
	}
}
