package allocator

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/avfoundry/tams/pkg/observability"
)

// StartSweeper schedules the expired-allocation sweep. The object
// store needs no matching cleanup: an unregistered grant simply stops
// working when it expires.
func (a *Allocator) StartSweeper() error {
	if a.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(a.cfg.SweepSchedule, a.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", a.cfg.SweepSchedule, err)
	}
	c.Start()
	a.cron = c
	a.logger.WithField("schedule", a.cfg.SweepSchedule).Info("allocation sweeper started")
	return nil
}

// Close stops the sweeper and waits for a running sweep to finish.
func (a *Allocator) Close() error {
	if a.cron == nil {
		return nil
	}
	<-a.cron.Stop().Done()
	a.cron = nil
	return nil
}

// sweep drops allocations that expired before registration. Cron runs
// it without any recovery of its own, so the panic guard keeps a bad
// sweep from killing the process.
func (a *Allocator) sweep() {
	defer observability.RecoverPanic(a.logger, "allocation sweep")

	now := a.now().UTC()

	a.mu.Lock()
	var expired int
	for key, rec := range a.allocations {
		if rec.expiresAt.Before(now) {
			delete(a.allocations, key)
			expired++
		}
	}
	a.mu.Unlock()

	if expired == 0 {
		return
	}
	if a.metrics != nil {
		a.metrics.AllocationsExpiredTotal.Add(float64(expired))
		a.metrics.AllocationsActive.Sub(float64(expired))
	}
	a.logger.WithField("count", expired).Debug("expired allocations swept")
}
