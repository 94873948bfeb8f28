package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/metastore"
)

type segmentOptions struct {
	allowOverlap bool
	objectSize   int64
}

// SegmentOption adjusts segment creation.
type SegmentOption func(*segmentOptions)

// AllowOverlap permits the new segment's timerange to overlap existing
// live segments in the flow.
func AllowOverlap() SegmentOption {
	return func(so *segmentOptions) { so.allowOverlap = true }
}

// WithObjectSize records the stored object's size on its reference
// row.
func WithObjectSize(size int64) SegmentOption {
	return func(so *segmentOptions) { so.objectSize = size }
}

// CreateSegment stores a new segment of a live, writable flow and
// updates the object reference index in the same step. The flow must
// not be read-only, the object id must be new to the flow, and the
// timerange must not overlap existing live segments unless
// AllowOverlap is given.
func (o *Orchestrator) CreateSegment(ctx context.Context, seg *entity.Segment, opts ...SegmentOption) (*entity.Segment, error) {
	var so segmentOptions
	for _, opt := range opts {
		opt(&so)
	}

	ctx, span := tracer.Start(ctx, "orchestrator.create_segment")
	defer span.End()

	out := *seg
	if err := out.Validate(); err != nil {
		return nil, err
	}

	flow, err := o.getFlow(ctx, out.FlowID, true)
	if err != nil {
		return nil, err
	}
	if flow.ReadOnly {
		return nil, &entity.ConflictError{Kind: entity.KindFlow, ID: flow.ID, Reason: "flow is read-only"}
	}

	live, err := o.liveSegments(ctx, out.FlowID)
	if err != nil {
		return nil, err
	}
	for _, existing := range live {
		if existing.ObjectID == out.ObjectID {
			return nil, &entity.DuplicateError{Kind: entity.KindSegment, ID: out.Key()}
		}
		if !so.allowOverlap && existing.Range.Overlaps(out.Range) {
			return nil, &entity.ConflictError{
				Kind:   entity.KindSegment,
				ID:     out.Key(),
				Reason: fmt.Sprintf("timerange %s overlaps segment %s", out.Range.String(), existing.Key()),
			}
		}
	}

	now := o.now().UTC()
	out.Created = now
	out.Updated = now
	out.Deleted = false
	out.DeletedAt = nil
	out.DeletedBy = ""

	if err := o.insert(ctx, "segments", []metastore.Row{segmentToRow(&out)}); err != nil {
		if errors.Is(err, metastore.ErrConstraint) {
			// A soft-deleted row still holds the (flow_id, object_id) key.
			return nil, &entity.DuplicateError{Kind: entity.KindSegment, ID: out.Key()}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := o.upsertObjectRef(ctx, out.ObjectID, out.FlowID, so.objectSize, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("segment %s stored but object reference failed: %w", out.Key(), err)
	}

	o.logger.WithFields(map[string]interface{}{
		"flow_id":   out.FlowID,
		"object_id": out.ObjectID,
		"timerange": out.Range.String(),
	}).Debug("segment created")
	return &out, nil
}

// GetSegment returns one live segment by its composite key.
func (o *Orchestrator) GetSegment(ctx context.Context, flowID, objectID string) (*entity.Segment, error) {
	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table: "segments",
		Predicate: liveRows(metastore.And(
			metastore.Eq("flow_id", flowID),
			metastore.Eq("object_id", objectID),
		)),
		Limit: 1,
	}, false)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &entity.NotFoundError{Kind: entity.KindSegment, ID: flowID + "/" + objectID}
	}
	return rowToSegment(rows[0])
}

// ListSegments returns one page of a flow's live segments in timeline
// order, plus the continuation token for the next page. Range
// filtering happens after the page is cut, so a filtered page may
// carry fewer rows than the limit while the token still advances.
func (o *Orchestrator) ListSegments(ctx context.Context, filter SegmentFilter, token string, limit int) ([]*entity.Segment, string, error) {
	if filter.FlowID == "" {
		return nil, "", fmt.Errorf("segment listing requires a flow id")
	}
	limit = clampLimit(limit)
	tok, err := decodePageToken(token)
	if err != nil {
		return nil, "", err
	}

	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table: "segments",
		Predicate: liveRows(metastore.And(
			metastore.Eq("flow_id", filter.FlowID),
			afterSegment(tok),
		)),
		OrderBy: []metastore.Ordering{
			{Column: "start_sec"},
			{Column: "start_nsec"},
			{Column: "object_id"},
		},
		Limit: limit + 1,
	}, false)
	if err != nil {
		return nil, "", err
	}

	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}

	segments := make([]*entity.Segment, 0, len(rows))
	var last *entity.Segment
	for _, row := range rows {
		seg, derr := rowToSegment(row)
		if derr != nil {
			return nil, "", derr
		}
		last = seg
		if filter.Range != nil && !seg.Range.Overlaps(*filter.Range) {
			continue
		}
		segments = append(segments, seg)
	}

	next := ""
	if more && last != nil {
		var sec, nsec int64
		if last.Range.HasStart {
			sec = last.Range.Start.Sec
			nsec = int64(last.Range.Start.Nsec)
		}
		next = encodePageToken(pageToken{StartSec: sec, StartNsec: nsec, ObjectID: last.ObjectID})
	}
	return segments, next, nil
}

// liveSegments reads every live segment of a flow fresh from the
// store, for write-side validation.
func (o *Orchestrator) liveSegments(ctx context.Context, flowID string) ([]*entity.Segment, error) {
	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table:     "segments",
		Predicate: liveRows(metastore.Eq("flow_id", flowID)),
	}, true)
	if err != nil {
		return nil, err
	}
	segments := make([]*entity.Segment, len(rows))
	for i, row := range rows {
		if segments[i], err = rowToSegment(row); err != nil {
			return nil, err
		}
	}
	return segments, nil
}

// upsertObjectRef records that flowID references objectID. The pair
// row is the object's existence: the first reference creates it.
func (o *Orchestrator) upsertObjectRef(ctx context.Context, objectID, flowID string, size int64, created time.Time) error {
	err := o.insert(ctx, "object_refs", []metastore.Row{refToRow(objectID, flowID, size, created)})
	if err == nil {
		return nil
	}
	if !errors.Is(err, metastore.ErrConstraint) {
		return err
	}
	if size <= 0 {
		return nil
	}
	_, uerr := o.update(ctx, "object_refs",
		metastore.And(metastore.Eq("object_id", objectID), metastore.Eq("flow_id", flowID)),
		metastore.Row{"size": size})
	return uerr
}
