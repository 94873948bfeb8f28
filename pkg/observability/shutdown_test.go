package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManagerDefaults(t *testing.T) {
	logger := NewLogger(InfoLevel, io.Discard)
	server := &http.Server{}

	sm := NewShutdownManager(logger, server, 10*time.Second)
	require.NotNil(t, sm)
	assert.Same(t, server, sm.server)
	assert.Equal(t, 10*time.Second, sm.shutdownTimeout)
	assert.Empty(t, sm.shutdownFuncs)

	sm = NewShutdownManager(nil, nil, 0)
	assert.NotNil(t, sm.logger, "nil logger gets a default")
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout, "zero timeout gets a default")
}

func TestRegisterShutdownFuncIsConcurrencySafe(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, io.Discard), nil, 5*time.Second)

	sm.RegisterShutdownFunc("endpoint-pool", func(ctx context.Context) error { return nil })
	sm.RegisterShutdownFunc("result-cache", func(ctx context.Context) error { return nil })
	require.Len(t, sm.shutdownFuncs, 2)
	assert.Equal(t, "endpoint-pool", sm.shutdownFuncs[0].name)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.RegisterShutdownFunc("extra", func(ctx context.Context) error { return nil })
		}()
	}
	wg.Wait()

	assert.Len(t, sm.shutdownFuncs, 12)
}

func TestShutdownRunsClosersInRegistrationOrder(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, io.Discard), &http.Server{}, 5*time.Second)

	var order []string
	for _, name := range []string{"background-loops", "allocation-sweeper", "endpoint-pool"} {
		name := name
		sm.RegisterShutdownFunc(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"background-loops", "allocation-sweeper", "endpoint-pool"}, order)
}

func TestShutdownCollectsErrorsWithoutStopping(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, io.Discard), nil, 5*time.Second)

	lastRan := false
	sm.RegisterShutdownFunc("endpoint-pool", func(ctx context.Context) error {
		return errors.New("close failed")
	})
	sm.RegisterShutdownFunc("result-cache", func(ctx context.Context) error { return nil })
	sm.RegisterShutdownFunc("lock-store", func(ctx context.Context) error {
		lastRan = true
		return errors.New("close failed")
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors")
	assert.True(t, lastRan, "a failing closer must not stop the ones after it")
}

func TestShutdownTimeoutAbandonsStuckCloser(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, io.Discard), nil, 50*time.Millisecond)

	skippedRan := false
	sm.RegisterShutdownFunc("stuck-component", func(ctx context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	sm.RegisterShutdownFunc("never-reached", func(ctx context.Context) error {
		skippedRan = true
		return nil
	})

	start := time.Now()
	err := sm.Shutdown()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "stuck-component")
	assert.Less(t, time.Since(start), 400*time.Millisecond, "shutdown must bail out at the deadline")
	assert.False(t, skippedRan, "closers after the deadline are skipped")
}

func TestShutdownFunctionsReceiveDeadline(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, io.Discard), nil, 5*time.Second)

	hadDeadline := false
	sm.RegisterShutdownFunc("endpoint-pool", func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})

	require.NoError(t, sm.Shutdown())
	assert.True(t, hadDeadline, "shutdown context must carry a deadline")
}

func TestWaitForShutdownOnSignal(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, io.Discard), nil, time.Second)

	ran := false
	sm.RegisterShutdownFunc("endpoint-pool", func(ctx context.Context) error {
		ran = true
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- sm.WaitForShutdown() }()

	// Give WaitForShutdown time to install its signal handler.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForShutdown did not return after SIGTERM")
	}

	assert.True(t, ran)
}
