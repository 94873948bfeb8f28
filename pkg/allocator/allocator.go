// Package allocator runs the upload workflow: it hands out presigned
// grants for objects that do not exist yet, tracks the outstanding
// allocations in process, and turns a completed upload into a segment
// row. Objects only become visible to readers through registration.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/objectstore"
	"github.com/avfoundry/tams/pkg/observability"
	"github.com/avfoundry/tams/pkg/orchestrator"
	"github.com/avfoundry/tams/pkg/timerange"
)

var tracer = otel.Tracer("tams/allocator")

// Metadata is the slice of the metadata layer the allocator needs.
// *orchestrator.Orchestrator satisfies it.
type Metadata interface {
	LookupFlow(ctx context.Context, id string) (*entity.Flow, error)
	ObjectInUse(ctx context.Context, objectID string) (bool, error)
	CreateSegment(ctx context.Context, seg *entity.Segment, opts ...orchestrator.SegmentOption) (*entity.Segment, error)
}

// Config bounds grant lifetimes and gates the external registration
// path.
type Config struct {
	// Requested TTLs clamp to [MinGrantTTL, MaxGrantTTL]; a zero
	// request gets DefaultGrantTTL.
	DefaultGrantTTL time.Duration
	MinGrantTTL     time.Duration
	MaxGrantTTL     time.Duration

	// SweepSchedule is the cron expression for the expired-allocation
	// sweeper.
	SweepSchedule string

	// AllowExternalRegistration permits registering segments whose
	// objects were uploaded outside the grant workflow. Every use is
	// logged at warn.
	AllowExternalRegistration bool
}

// Allocation is an issued upload grant plus the storage path reserved
// for the object. It must be registered before ExpiresAt.
type Allocation struct {
	FlowID    string                   `json:"flow_id"`
	ObjectID  string                   `json:"object_id"`
	Path      string                   `json:"path"`
	Grant     *objectstore.UploadGrant `json:"grant"`
	ExpiresAt time.Time                `json:"expires_at"`
}

type allocation struct {
	path      string
	expiresAt time.Time
}

// Allocator issues and consumes upload allocations. Outstanding
// allocations are process-local state; a restart drops them and
// callers re-allocate.
type Allocator struct {
	meta    Metadata
	store   objectstore.Store
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	allocations map[string]allocation

	cron *cron.Cron

	now func() time.Time
}

// New wires an allocator against the metadata layer and object store.
func New(cfg Config, meta Metadata, store objectstore.Store, logger *observability.Logger, metrics *observability.Metrics) (*Allocator, error) {
	if meta == nil {
		return nil, errors.New("allocator: metadata layer is required")
	}
	if store == nil {
		return nil, errors.New("allocator: object store is required")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if cfg.DefaultGrantTTL <= 0 {
		cfg.DefaultGrantTTL = 15 * time.Minute
	}
	if cfg.MinGrantTTL <= 0 {
		cfg.MinGrantTTL = time.Minute
	}
	if cfg.MaxGrantTTL <= 0 {
		cfg.MaxGrantTTL = time.Hour
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "* * * * *"
	}

	return &Allocator{
		meta:        meta,
		store:       store,
		cfg:         cfg,
		logger:      logger.WithComponent("allocator"),
		metrics:     metrics,
		allocations: make(map[string]allocation),
		now:         time.Now,
	}, nil
}

// Allocate reserves storage paths and issues upload grants for
// objectIDs under flowID. The flow must be live and writable, and no
// objectID may already be referenced by a live segment or object row.
// Nothing is recorded if any objectID fails validation or presigning.
func (a *Allocator) Allocate(ctx context.Context, flowID string, objectIDs []string, ttl time.Duration) ([]Allocation, error) {
	ctx, span := tracer.Start(ctx, "allocator.allocate",
		trace.WithAttributes(
			attribute.String("flow.id", flowID),
			attribute.Int("object.count", len(objectIDs)),
		),
	)
	defer span.End()

	if len(objectIDs) == 0 {
		return nil, errors.New("allocate requires at least one object id")
	}
	ttl = a.clampTTL(ttl)

	flow, err := a.meta.LookupFlow(ctx, flowID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flow lookup failed")
		return nil, err
	}
	if flow.ReadOnly {
		err := &entity.ConflictError{Kind: entity.KindFlow, ID: flowID, Reason: "flow is read-only"}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	seen := make(map[string]bool, len(objectIDs))
	for _, objectID := range objectIDs {
		if objectID == "" {
			return nil, errors.New("allocate: object id must not be empty")
		}
		if seen[objectID] {
			return nil, &entity.DuplicateError{Kind: entity.KindObject, ID: objectID}
		}
		seen[objectID] = true

		inUse, err := a.meta.ObjectInUse(ctx, objectID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "object check failed")
			return nil, fmt.Errorf("failed to check object %s: %w", objectID, err)
		}
		if inUse {
			err := &entity.DuplicateError{Kind: entity.KindObject, ID: objectID}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	// Presign before recording anything, and without holding the lock.
	// On a partial presign failure no allocation is kept; grants already
	// issued are unregisterable and simply expire.
	now := a.now().UTC()
	expiresAt := now.Add(ttl)
	out := make([]Allocation, 0, len(objectIDs))
	for _, objectID := range objectIDs {
		path := storagePath(flowID, objectID, now)
		grant, err := a.store.PresignPut(ctx, path, ttl)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "presign failed")
			return nil, fmt.Errorf("failed to presign %s: %w", path, err)
		}
		out = append(out, Allocation{
			FlowID:    flowID,
			ObjectID:  objectID,
			Path:      path,
			Grant:     grant,
			ExpiresAt: expiresAt,
		})
	}

	a.mu.Lock()
	for _, alloc := range out {
		a.allocations[allocKey(alloc.FlowID, alloc.ObjectID)] = allocation{
			path:      alloc.Path,
			expiresAt: alloc.ExpiresAt,
		}
	}
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.AllocationsIssuedTotal.Add(float64(len(out)))
		a.metrics.AllocationsActive.Add(float64(len(out)))
	}
	a.logger.WithFields(map[string]interface{}{
		"flow_id": flowID,
		"count":   len(out),
		"ttl":     ttl.String(),
	}).Debug("allocations issued")

	return out, nil
}

// registerOptions collects the optional register knobs.
type registerOptions struct {
	externalPath string
	allowOverlap bool
	sampleOffset int64
	sampleCount  int64
}

// RegisterOption adjusts a single registration.
type RegisterOption func(*registerOptions)

// WithExternalPath registers a segment whose object was uploaded
// outside the grant workflow. The path is trusted as populated; no
// allocation or upload check happens. Refused unless the allocator is
// configured with AllowExternalRegistration.
func WithExternalPath(path string) RegisterOption {
	return func(o *registerOptions) { o.externalPath = path }
}

// WithOverlap permits the new segment to overlap existing ones.
func WithOverlap() RegisterOption {
	return func(o *registerOptions) { o.allowOverlap = true }
}

// WithSamples records the media sample window the segment covers.
func WithSamples(offset, count int64) RegisterOption {
	return func(o *registerOptions) { o.sampleOffset = offset; o.sampleCount = count }
}

// RegisterSegment completes an allocation: it verifies the object
// landed in storage, writes the segment row, and consumes the
// allocation. The allocation survives a failed registration so the
// caller can correct the range and retry; an expired one is dropped;
// re-registering an already registered object is a DuplicateError.
func (a *Allocator) RegisterSegment(ctx context.Context, flowID, objectID string, rng timerange.TimeRange, opts ...RegisterOption) (*entity.Segment, error) {
	ctx, span := tracer.Start(ctx, "allocator.register_segment",
		trace.WithAttributes(
			attribute.String("flow.id", flowID),
			attribute.String("object.id", objectID),
			attribute.String("timerange", rng.String()),
		),
	)
	defer span.End()

	var options registerOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.externalPath != "" {
		return a.registerExternal(ctx, flowID, objectID, rng, options)
	}

	key := allocKey(flowID, objectID)
	a.mu.Lock()
	rec, ok := a.allocations[key]
	a.mu.Unlock()
	if !ok {
		// A missing allocation can mean an earlier registration consumed
		// it. An object that is already referenced is a duplicate, not a
		// missing grant.
		inUse, err := a.meta.ObjectInUse(ctx, objectID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "object check failed")
			return nil, fmt.Errorf("failed to check object %s: %w", objectID, err)
		}
		if inUse {
			err := &entity.DuplicateError{Kind: entity.KindObject, ID: objectID}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		nf := &entity.NotFoundError{Kind: entity.KindObject, ID: objectID}
		span.SetStatus(codes.Error, "no allocation")
		return nil, nf
	}
	if rec.expiresAt.Before(a.now().UTC()) {
		a.drop(key, true)
		err := &entity.ConflictError{Kind: entity.KindObject, ID: objectID, Reason: "allocation expired"}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	info, err := a.store.Head(ctx, rec.path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload check failed")
		return nil, fmt.Errorf("failed to verify upload of %s: %w", rec.path, err)
	}
	if !info.Exists {
		err := &entity.ConflictError{Kind: entity.KindObject, ID: objectID, Reason: "object not uploaded"}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	seg := &entity.Segment{
		FlowID:       flowID,
		ObjectID:     objectID,
		Range:        rng,
		SampleOffset: options.sampleOffset,
		SampleCount:  options.sampleCount,
		StoragePath:  rec.path,
	}
	segOpts := []orchestrator.SegmentOption{orchestrator.WithObjectSize(info.Size)}
	if options.allowOverlap {
		segOpts = append(segOpts, orchestrator.AllowOverlap())
	}
	created, err := a.meta.CreateSegment(ctx, seg, segOpts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "segment write failed")
		return nil, err
	}

	a.drop(key, false)
	if a.metrics != nil {
		a.metrics.AllocationsRegisteredTotal.Inc()
	}
	a.logger.WithFields(map[string]interface{}{
		"flow_id":   flowID,
		"object_id": objectID,
		"size":      info.Size,
	}).Debug("segment registered")

	return created, nil
}

// registerExternal writes a segment for an object this process never
// granted. The storage path is the caller's word.
func (a *Allocator) registerExternal(ctx context.Context, flowID, objectID string, rng timerange.TimeRange, options registerOptions) (*entity.Segment, error) {
	if !a.cfg.AllowExternalRegistration {
		return nil, &entity.ConflictError{Kind: entity.KindObject, ID: objectID, Reason: "external registration is disabled"}
	}

	a.logger.WithFields(map[string]interface{}{
		"flow_id":   flowID,
		"object_id": objectID,
		"path":      options.externalPath,
	}).Warn("registering externally uploaded object")

	seg := &entity.Segment{
		FlowID:       flowID,
		ObjectID:     objectID,
		Range:        rng,
		SampleOffset: options.sampleOffset,
		SampleCount:  options.sampleCount,
		StoragePath:  options.externalPath,
	}
	var segOpts []orchestrator.SegmentOption
	if options.allowOverlap {
		segOpts = append(segOpts, orchestrator.AllowOverlap())
	}
	created, err := a.meta.CreateSegment(ctx, seg, segOpts...)
	if err != nil {
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.AllocationsRegisteredTotal.Inc()
	}
	return created, nil
}

// Pending reports the number of outstanding allocations.
func (a *Allocator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocations)
}

// drop removes one allocation if still present.
func (a *Allocator) drop(key string, expired bool) {
	a.mu.Lock()
	_, ok := a.allocations[key]
	if ok {
		delete(a.allocations, key)
	}
	a.mu.Unlock()
	if !ok || a.metrics == nil {
		return
	}
	a.metrics.AllocationsActive.Dec()
	if expired {
		a.metrics.AllocationsExpiredTotal.Inc()
	}
}

func (a *Allocator) clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return a.cfg.DefaultGrantTTL
	case ttl < a.cfg.MinGrantTTL:
		return a.cfg.MinGrantTTL
	case ttl > a.cfg.MaxGrantTTL:
		return a.cfg.MaxGrantTTL
	default:
		return ttl
	}
}

func allocKey(flowID, objectID string) string {
	return flowID + "/" + objectID
}

// storagePath shards object keys by flow and allocation date.
func storagePath(flowID, objectID string, now time.Time) string {
	return fmt.Sprintf("flows/%s/%04d/%02d/%02d/%s",
		flowID, now.Year(), int(now.Month()), now.Day(), objectID)
}
