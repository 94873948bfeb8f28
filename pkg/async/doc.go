// Package async runs background work that must not take the process
// down: fire-and-forget tasks with panic recovery and a timeout, and
// periodic loops whose ticks are recovered individually.
//
// SafeGo backs one-shot work hanging off a request or event:
//
//	async.SafeGo(ctx, 30*time.Second, "endpoints reload", func(ctx context.Context) error {
//		return watcher.Reload(ctx)
//	})
//
// Loop drives recurring maintenance:
//
//	async.Loop(ctx, probeInterval, "endpoint probes", func(ctx context.Context) {
//		pool.ProbeAll(ctx)
//	})
package async
