package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc stops one component. It must respect the context
// deadline.
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the HTTP server and then stops registered
// components one at a time, in registration order. Register closers
// so that consumers stop before the things they consume: loops before
// pools, pools before connections.
type ShutdownManager struct {
	logger          *Logger
	server          *http.Server
	shutdownTimeout time.Duration

	mu            sync.Mutex
	shutdownFuncs []namedShutdown
}

// NewShutdownManager creates a manager around an optional HTTP server.
// A zero timeout defaults to 30 seconds; the timeout covers the whole
// shutdown, server drain included.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if logger == nil {
		logger = NewLogger(InfoLevel, nil)
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		server:          server,
		shutdownTimeout: timeout,
	}
}

// RegisterShutdownFunc appends a named closer. Order of registration
// is the order of execution.
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, namedShutdown{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then runs Shutdown.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.Infof("Caught %s, draining", sig)

	return sm.Shutdown()
}

// Shutdown drains the HTTP server so no new work arrives, then runs
// the registered closers sequentially. Closer failures are collected
// and do not stop later closers; hitting the deadline does, since
// every remaining closer would see an expired context anyway.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	if sm.server != nil {
		sm.logger.Info("Draining HTTP server")
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server drain failed")
			return fmt.Errorf("drain HTTP server: %w", err)
		}
	}

	sm.mu.Lock()
	closers := make([]namedShutdown, len(sm.shutdownFuncs))
	copy(closers, sm.shutdownFuncs)
	sm.mu.Unlock()

	var errs []error
	for _, c := range closers {
		err := sm.runCloser(ctx, c)
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) {
			sm.logger.Warnf("Shutdown timeout reached while stopping %s", c.name)
			return fmt.Errorf("shutdown timeout reached while stopping %s", c.name)
		}
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors: %w", len(errs), errors.Join(errs...))
	}

	sm.logger.Info("Shutdown complete")
	return nil
}

// runCloser invokes one closer, abandoning it if the shutdown deadline
// passes before it returns.
func (sm *ShutdownManager) runCloser(ctx context.Context, c namedShutdown) error {
	sm.logger.Infof("Stopping %s", c.name)

	done := make(chan error, 1)
	go func() { done <- c.fn(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			sm.logger.WithError(err).Errorf("Stopping %s failed", c.name)
			return fmt.Errorf("%s: %w", c.name, err)
		}
		sm.logger.Debugf("Stopped %s", c.name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
