// Package integrity guards deletes of the media metadata hierarchy. A
// delete serializes on a per-entity advisory lock, checks live children
// straight from the store, and then blocks, cascades child-first, or
// deletes. No delete reaches the store any other way.
package integrity

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/observability"
)

var tracer = otel.Tracer("tams/integrity")

// deleteState names a step of the delete state machine, for debug logs.
type deleteState string

const (
	stateRequested        deleteState = "REQUESTED"
	stateCheckingChildren deleteState = "CHECKING_CHILDREN"
	stateBlocked          deleteState = "BLOCKED"
	stateCascading        deleteState = "CASCADING"
	stateDeleting         deleteState = "DELETING"
	stateDone             deleteState = "DONE"
)

// ChildRef identifies one live dependent of an entity. Segment ids are
// the composite flowID/objectID key.
type ChildRef struct {
	Kind entity.Kind
	ID   string
}

// Store is the slice of the orchestrator the guard needs: live-child
// listing and the leaf delete mutation. Implementations must read
// children straight from the store, not through the result cache, so
// staleness cannot hide a child from the guard.
type Store interface {
	LiveChildren(ctx context.Context, kind entity.Kind, id string) ([]ChildRef, error)

	// ApplyDelete performs the leaf mutation for one entity: soft
	// deletes mark the row, hard deletes remove it. Segment deletes
	// also maintain the object reference index.
	ApplyDelete(ctx context.Context, kind entity.Kind, id string, soft bool, actor string) error
}

// Request describes one guarded delete.
type Request struct {
	Kind    entity.Kind
	ID      string
	Cascade bool
	Soft    bool
	Actor   string
}

// Guard coordinates deletes against the entity hierarchy.
type Guard struct {
	store   Store
	locker  Locker
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewGuard creates a guard. A nil locker defaults to an in-process
// KeyedMutex; metrics may be nil.
func NewGuard(store Store, locker Locker, logger *observability.Logger, metrics *observability.Metrics) *Guard {
	if locker == nil {
		locker = NewKeyedMutex(0)
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Guard{
		store:   store,
		locker:  locker,
		logger:  logger.WithComponent("integrity-guard"),
		metrics: metrics,
	}
}

// Delete runs one guarded delete. Live children with cascade off block
// the delete with a ConflictError and zero mutations. With cascade on,
// children are deleted first, recursively and sequentially; a failure
// after earlier steps committed surfaces as PartialCascadeError naming
// the failed step.
func (g *Guard) Delete(ctx context.Context, req Request) error {
	switch req.Kind {
	case entity.KindSource, entity.KindFlow, entity.KindSegment:
	case entity.KindObject:
		return fmt.Errorf("objects have no delete path: references are removed with their segments")
	default:
		return fmt.Errorf("unknown entity kind %q", req.Kind)
	}

	ctx, span := tracer.Start(ctx, "integrity.delete", trace.WithAttributes(
		attribute.String("entity.kind", string(req.Kind)),
		attribute.String("entity.id", req.ID),
		attribute.Bool("cascade", req.Cascade),
		attribute.Bool("soft", req.Soft),
	))
	defer span.End()

	outcome, err := g.run(ctx, req)
	if g.metrics != nil {
		g.metrics.DeletesTotal.WithLabelValues(string(req.Kind), outcome).Inc()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (g *Guard) run(ctx context.Context, req Request) (outcome string, err error) {
	log := observability.WithTraceContext(ctx, g.logger).
		WithField("kind", string(req.Kind)).
		WithField("id", req.ID)
	g.step(log, stateRequested)

	release, err := g.locker.Acquire(ctx, string(req.Kind)+":"+req.ID)
	if err != nil {
		return "error", fmt.Errorf("failed to lock %s %s: %w", req.Kind, req.ID, err)
	}
	defer release()

	g.step(log, stateCheckingChildren)
	children, err := g.store.LiveChildren(ctx, req.Kind, req.ID)
	if err != nil {
		return "error", fmt.Errorf("failed to check children of %s %s: %w", req.Kind, req.ID, err)
	}

	cascaded := false
	if len(children) > 0 {
		if !req.Cascade {
			g.step(log, stateBlocked)
			return "blocked", &entity.ConflictError{
				Kind:      req.Kind,
				ID:        req.ID,
				ChildKind: children[0].Kind,
				Count:     int64(len(children)),
			}
		}

		g.step(log, stateCascading)
		committed := 0
		for _, child := range children {
			childErr := g.Delete(ctx, Request{
				Kind:    child.Kind,
				ID:      child.ID,
				Cascade: true,
				Soft:    req.Soft,
				Actor:   req.Actor,
			})
			if childErr == nil {
				committed++
				continue
			}
			if committed > 0 || entity.IsPartialCascade(childErr) {
				return "partial", &entity.PartialCascadeError{
					Kind: req.Kind,
					ID:   req.ID,
					Step: fmt.Sprintf("%s %s", child.Kind, child.ID),
					Err:  childErr,
				}
			}
			// Nothing committed yet, so the cascade is cleanly aborted.
			return "error", fmt.Errorf("cascade for %s %s failed at %s %s: %w",
				req.Kind, req.ID, child.Kind, child.ID, childErr)
		}
		cascaded = true
	}

	g.step(log, stateDeleting)
	if err := g.store.ApplyDelete(ctx, req.Kind, req.ID, req.Soft, req.Actor); err != nil {
		if cascaded {
			return "partial", &entity.PartialCascadeError{
				Kind: req.Kind,
				ID:   req.ID,
				Step: fmt.Sprintf("%s %s", req.Kind, req.ID),
				Err:  err,
			}
		}
		return "error", fmt.Errorf("failed to delete %s %s: %w", req.Kind, req.ID, err)
	}

	g.step(log, stateDone)
	if req.Soft {
		return "soft", nil
	}
	return "hard", nil
}

func (g *Guard) step(log *observability.Logger, to deleteState) {
	log.Debugf("delete state %s", to)
}
