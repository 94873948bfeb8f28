package metastore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avfoundry/tams/pkg/async"
	"github.com/avfoundry/tams/pkg/observability"
)

// ewmaAlpha is the weight of the newest sample in the rolling latency
// average.
const ewmaAlpha = 0.3

// PoolConfig tunes endpoint health accounting and selection.
type PoolConfig struct {
	// FailureThreshold is the number of consecutive failures after which
	// an endpoint is marked unhealthy.
	FailureThreshold int

	// RecoverySuccesses is the number of consecutive successes an
	// unhealthy endpoint needs before it serves traffic again. The
	// default of 1 restores health on the first success.
	RecoverySuccesses int

	// MinLatencySamples is how many latency samples every healthy
	// endpoint must have before selection switches from round-robin to
	// lowest-latency.
	MinLatencySamples int

	// ProbeInterval is the period of the background liveness probes.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoverySuccesses <= 0 {
		c.RecoverySuccesses = 1
	}
	if c.MinLatencySamples <= 0 {
		c.MinLatencySamples = 5
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// endpointState is the pool's health accounting for one endpoint.
type endpointState struct {
	ep          Endpoint
	healthy     bool
	consecFails int
	consecOKs   int
	latencyEWMA float64
	samples     int
	lastFailure time.Time
}

// EndpointStatus is a point-in-time view of one endpoint's health,
// exposed for readiness checks and tests.
type EndpointStatus struct {
	Addr                string        `json:"addr"`
	Healthy             bool          `json:"healthy"`
	LatencyAvg          time.Duration `json:"latency_avg"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Samples             int           `json:"samples"`
}

// EndpointPool tracks a set of metadata-store endpoints, their health
// and latency, and selects one per operation. Selection prefers the
// lowest-latency healthy endpoint, falls back to round-robin while
// latency data is thin, and degrades to the least-recently-failed
// endpoint when nothing is healthy. State is process-local.
type EndpointPool struct {
	cfg     PoolConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	states map[string]*endpointState
	order  []string

	rr uint64
}

// NewEndpointPool creates a pool over the given endpoints. At least one
// endpoint is required; later reconfiguration may empty the pool, after
// which Select returns an EndpointUnavailableError.
func NewEndpointPool(cfg PoolConfig, endpoints []Endpoint, logger *observability.Logger, metrics *observability.Metrics) (*EndpointPool, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	p := &EndpointPool{
		cfg:     cfg.withDefaults(),
		logger:  logger.WithComponent("endpoint-pool"),
		metrics: metrics,
		states:  make(map[string]*endpointState, len(endpoints)),
	}
	for _, ep := range endpoints {
		p.states[ep.Addr()] = &endpointState{ep: ep, healthy: true}
	}
	p.rebuildOrderLocked()
	p.publishGauges()

	return p, nil
}

// rebuildOrderLocked refreshes the round-robin iteration order. Callers
// hold p.mu.
func (p *EndpointPool) rebuildOrderLocked() {
	p.order = p.order[:0]
	for addr := range p.states {
		p.order = append(p.order, addr)
	}
	sort.Strings(p.order)
}

// Len reports the number of configured endpoints.
func (p *EndpointPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.states)
}

// Endpoint returns the live endpoint registered under addr.
func (p *EndpointPool) Endpoint(addr string) (Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[addr]
	if !ok {
		return nil, false
	}
	return st.ep, true
}

// Select picks an endpoint for an operation. The second return is the
// degraded flag: true when no healthy endpoint existed and the
// least-recently-failed one was chosen instead.
func (p *EndpointPool) Select(kind OpKind) (Endpoint, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.states) == 0 {
		return nil, false, &EndpointUnavailableError{Reason: "pool has no endpoints"}
	}

	healthy := make([]*endpointState, 0, len(p.states))
	undersampled := false
	for _, addr := range p.order {
		st := p.states[addr]
		if !st.healthy {
			continue
		}
		healthy = append(healthy, st)
		if st.samples < p.cfg.MinLatencySamples {
			undersampled = true
		}
	}

	if len(healthy) == 0 {
		st := p.leastRecentlyFailedLocked()
		if p.metrics != nil {
			p.metrics.PoolDegradedSelectionsTotal.Inc()
			p.metrics.PoolSelectionsTotal.WithLabelValues(st.ep.Addr(), string(kind)).Inc()
		}
		p.logger.WithField("endpoint", st.ep.Addr()).Warn("No healthy endpoint, selecting degraded")
		return st.ep, true, nil
	}

	var chosen *endpointState
	if undersampled {
		// Not enough latency data yet; spread load so every endpoint
		// accumulates samples.
		n := atomic.AddUint64(&p.rr, 1)
		chosen = healthy[int(n-1)%len(healthy)]
	} else {
		chosen = healthy[0]
		for _, st := range healthy[1:] {
			if st.latencyEWMA < chosen.latencyEWMA {
				chosen = st
			}
		}
	}

	if p.metrics != nil {
		p.metrics.PoolSelectionsTotal.WithLabelValues(chosen.ep.Addr(), string(kind)).Inc()
	}
	return chosen.ep, false, nil
}

// leastRecentlyFailedLocked returns the endpoint whose last failure is
// oldest. Callers hold p.mu and guarantee the pool is non-empty.
func (p *EndpointPool) leastRecentlyFailedLocked() *endpointState {
	var best *endpointState
	for _, addr := range p.order {
		st := p.states[addr]
		if best == nil || st.lastFailure.Before(best.lastFailure) {
			best = st
		}
	}
	return best
}

// Report records the outcome of one call against an endpoint. A
// non-positive elapsed skips the latency update (used by liveness
// probes, which say nothing about query latency). Constraint rejections
// and caller cancellations do not count against health.
func (p *EndpointPool) Report(addr string, callErr error, elapsed time.Duration) {
	if callErr != nil && (errors.Is(callErr, ErrConstraint) || errors.Is(callErr, context.Canceled)) {
		callErr = nil
		elapsed = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[addr]
	if !ok {
		return
	}

	if callErr != nil {
		st.consecOKs = 0
		st.consecFails++
		st.lastFailure = time.Now()
		if st.healthy && st.consecFails >= p.cfg.FailureThreshold {
			st.healthy = false
			p.logger.WithFields(map[string]interface{}{
				"endpoint":             addr,
				"consecutive_failures": st.consecFails,
			}).Warn("Endpoint marked unhealthy")
			if p.metrics != nil {
				p.metrics.PoolEndpointHealthy.WithLabelValues(addr).Set(0)
			}
		}
		return
	}

	st.consecFails = 0
	st.consecOKs++
	if !st.healthy && st.consecOKs >= p.cfg.RecoverySuccesses {
		st.healthy = true
		p.logger.WithField("endpoint", addr).Info("Endpoint recovered")
		if p.metrics != nil {
			p.metrics.PoolEndpointHealthy.WithLabelValues(addr).Set(1)
		}
	}

	if elapsed > 0 {
		lat := elapsed.Seconds()
		if st.samples == 0 {
			st.latencyEWMA = lat
		} else {
			st.latencyEWMA = ewmaAlpha*lat + (1-ewmaAlpha)*st.latencyEWMA
		}
		st.samples++
		if p.metrics != nil {
			p.metrics.PoolEndpointLatencySeconds.WithLabelValues(addr).Set(st.latencyEWMA)
		}
	}
}

// Do selects an endpoint, runs fn against it and reports the outcome.
// Latency comes from the endpoint-reported stats when present, wall
// clock otherwise. The returned flag mirrors Select's degraded flag.
func (p *EndpointPool) Do(ctx context.Context, kind OpKind, fn func(ctx context.Context, ep Endpoint) (QueryStats, error)) (bool, error) {
	ep, degraded, err := p.Select(kind)
	if err != nil {
		return false, err
	}

	start := time.Now()
	stats, err := fn(ctx, ep)
	elapsed := stats.Elapsed
	if elapsed <= 0 {
		elapsed = time.Since(start)
	}
	p.Report(ep.Addr(), err, elapsed)

	return degraded, err
}

// Add inserts a new endpoint, initially healthy. Adding an address that
// already exists replaces the endpoint but keeps its accounting.
func (p *EndpointPool) Add(ep Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st, ok := p.states[ep.Addr()]; ok {
		st.ep = ep
		return
	}
	p.states[ep.Addr()] = &endpointState{ep: ep, healthy: true}
	p.rebuildOrderLocked()
	p.logger.WithField("endpoint", ep.Addr()).Info("Endpoint added")
	p.publishGaugesLocked()
}

// Remove drops an endpoint and closes it. Unknown addresses are a
// no-op.
func (p *EndpointPool) Remove(addr string) {
	p.mu.Lock()
	st, ok := p.states[addr]
	if ok {
		delete(p.states, addr)
		p.rebuildOrderLocked()
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	if err := st.ep.Close(); err != nil {
		p.logger.WithError(err).WithField("endpoint", addr).Warn("Endpoint close failed")
	}
	p.logger.WithField("endpoint", addr).Info("Endpoint removed")
	if p.metrics != nil {
		p.metrics.PoolEndpointHealthy.DeleteLabelValues(addr)
		p.metrics.PoolEndpointLatencySeconds.DeleteLabelValues(addr)
	}
	p.publishGauges()
}

// SetEndpoints reconciles the pool against a full desired set. Existing
// endpoints keep their health and latency accounting; removed ones are
// closed; new ones start healthy.
func (p *EndpointPool) SetEndpoints(endpoints []Endpoint) {
	desired := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		desired[ep.Addr()] = ep
	}

	var closers []Endpoint
	p.mu.Lock()
	for addr, st := range p.states {
		if _, keep := desired[addr]; !keep {
			closers = append(closers, st.ep)
			delete(p.states, addr)
			if p.metrics != nil {
				p.metrics.PoolEndpointHealthy.DeleteLabelValues(addr)
				p.metrics.PoolEndpointLatencySeconds.DeleteLabelValues(addr)
			}
		}
	}
	for addr, ep := range desired {
		if st, ok := p.states[addr]; ok {
			st.ep = ep
			continue
		}
		p.states[addr] = &endpointState{ep: ep, healthy: true}
	}
	p.rebuildOrderLocked()
	p.publishGaugesLocked()
	p.mu.Unlock()

	for _, ep := range closers {
		if err := ep.Close(); err != nil {
			p.logger.WithError(err).WithField("endpoint", ep.Addr()).Warn("Endpoint close failed")
		}
	}
	p.logger.WithField("endpoints", len(endpoints)).Info("Endpoint set reconciled")
}

// Snapshot returns the health view of every endpoint, ordered by
// address.
func (p *EndpointPool) Snapshot() []EndpointStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]EndpointStatus, 0, len(p.order))
	for _, addr := range p.order {
		st := p.states[addr]
		out = append(out, EndpointStatus{
			Addr:                addr,
			Healthy:             st.healthy,
			LatencyAvg:          time.Duration(st.latencyEWMA * float64(time.Second)),
			ConsecutiveFailures: st.consecFails,
			Samples:             st.samples,
		})
	}
	return out
}

// HealthCheck reports pool readiness: at least one healthy endpoint.
func (p *EndpointPool) HealthCheck(ctx context.Context) error {
	for _, st := range p.Snapshot() {
		if st.Healthy {
			return nil
		}
	}
	return &EndpointUnavailableError{Reason: "no healthy endpoints"}
}

// StartProbes launches the background liveness loop. Each tick pings
// every endpoint and feeds the result into health accounting, giving
// unhealthy endpoints a path back to service without taking live
// traffic. The loop stops when ctx is cancelled.
func (p *EndpointPool) StartProbes(ctx context.Context) {
	async.Loop(ctx, p.cfg.ProbeInterval, "endpoint probes", p.ProbeAll)
}

// ProbeAll pings every endpoint once and reports the outcomes.
func (p *EndpointPool) ProbeAll(ctx context.Context) {
	p.mu.RLock()
	eps := make([]Endpoint, 0, len(p.order))
	for _, addr := range p.order {
		eps = append(eps, p.states[addr].ep)
	}
	p.mu.RUnlock()

	for _, ep := range eps {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		err := ep.Ping(probeCtx)
		cancel()
		if err != nil {
			p.logger.WithError(err).WithField("endpoint", ep.Addr()).Debug("Probe failed")
		}
		p.Report(ep.Addr(), err, 0)
	}
}

// Close shuts down every endpoint. The pool is unusable afterwards.
func (p *EndpointPool) Close() error {
	p.mu.Lock()
	states := p.states
	p.states = make(map[string]*endpointState)
	p.order = nil
	p.mu.Unlock()

	var firstErr error
	for _, st := range states {
		if err := st.ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *EndpointPool) publishGauges() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.publishGaugesLocked()
}

// publishGaugesLocked pushes per-endpoint gauges. Callers hold p.mu.
func (p *EndpointPool) publishGaugesLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.PoolEndpointsTotal.Set(float64(len(p.states)))
	for addr, st := range p.states {
		v := 0.0
		if st.healthy {
			v = 1.0
		}
		p.metrics.PoolEndpointHealthy.WithLabelValues(addr).Set(v)
	}
}
