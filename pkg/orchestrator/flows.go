package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/metastore"
)

// CreateFlow stores a new flow under an existing live source. A blank
// ID is assigned a fresh UUID; a colliding ID returns DuplicateError
// and a missing parent returns NotFoundError for the source.
func (o *Orchestrator) CreateFlow(ctx context.Context, flow *entity.Flow) (*entity.Flow, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.create_flow")
	defer span.End()

	out := *flow
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.getSource(ctx, out.SourceID, true); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	out.Created = now
	out.Updated = now
	out.Deleted = false
	out.DeletedAt = nil
	out.DeletedBy = ""

	row, err := flowToRow(&out)
	if err != nil {
		return nil, err
	}
	if err := o.insert(ctx, "flows", []metastore.Row{row}); err != nil {
		if errors.Is(err, metastore.ErrConstraint) {
			return nil, &entity.DuplicateError{Kind: entity.KindFlow, ID: out.ID}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	o.logger.WithFields(map[string]interface{}{
		"flow_id":   out.ID,
		"source_id": out.SourceID,
	}).Debug("flow created")
	return &out, nil
}

// GetFlow returns one live flow.
func (o *Orchestrator) GetFlow(ctx context.Context, id string) (*entity.Flow, error) {
	return o.getFlow(ctx, id, false)
}

// LookupFlow reads a flow fresh from the store, skipping the result
// cache. Callers that gate writes on flow state need the live row.
func (o *Orchestrator) LookupFlow(ctx context.Context, id string) (*entity.Flow, error) {
	return o.getFlow(ctx, id, true)
}

func (o *Orchestrator) getFlow(ctx context.Context, id string, bypass bool) (*entity.Flow, error) {
	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table:     "flows",
		Predicate: liveRows(metastore.Eq("id", id)),
		Limit:     1,
	}, bypass)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &entity.NotFoundError{Kind: entity.KindFlow, ID: id}
	}
	return rowToFlow(rows[0])
}

// UpdateFlow applies a partial update to a live flow and returns the
// stored result. SourceID cannot change; setting ReadOnly through the
// patch freezes or unfreezes segment writes.
func (o *Orchestrator) UpdateFlow(ctx context.Context, id string, patch entity.FlowPatch) (*entity.Flow, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.update_flow")
	defer span.End()

	flow, err := o.getFlow(ctx, id, true)
	if err != nil {
		return nil, err
	}

	set := metastore.Row{}
	if patch.Codec != nil {
		flow.Codec = *patch.Codec
		set["codec"] = flow.Codec
	}
	if patch.Label != nil {
		flow.Label = *patch.Label
		set["label"] = flow.Label
	}
	if patch.Description != nil {
		flow.Description = *patch.Description
		set["description"] = flow.Description
	}
	if patch.FrameWidth != nil {
		flow.FrameWidth = *patch.FrameWidth
		set["frame_width"] = int64(flow.FrameWidth)
	}
	if patch.FrameHeight != nil {
		flow.FrameHeight = *patch.FrameHeight
		set["frame_height"] = int64(flow.FrameHeight)
	}
	if patch.SampleRate != nil {
		flow.SampleRate = *patch.SampleRate
		set["sample_rate"] = int64(flow.SampleRate)
	}
	if patch.MaxBitRate != nil {
		flow.MaxBitRate = *patch.MaxBitRate
		set["max_bit_rate"] = flow.MaxBitRate
	}
	if patch.AvgBitRate != nil {
		flow.AvgBitRate = *patch.AvgBitRate
		set["avg_bit_rate"] = flow.AvgBitRate
	}
	if patch.ReadOnly != nil {
		flow.ReadOnly = *patch.ReadOnly
		set["read_only"] = flow.ReadOnly
	}
	if patch.Tags != nil {
		tags, terr := encodeTags(patch.Tags)
		if terr != nil {
			return nil, terr
		}
		flow.Tags = patch.Tags
		set["tags"] = tags
	}
	if len(set) == 0 {
		return flow, nil
	}
	flow.Updated = o.now().UTC()
	set["updated"] = flow.Updated

	affected, err := o.update(ctx, "flows", liveRows(metastore.Eq("id", id)), set)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if affected == 0 {
		// Deleted between the read and the write.
		return nil, &entity.NotFoundError{Kind: entity.KindFlow, ID: id}
	}
	return flow, nil
}

// ListFlows returns one page of live flows ordered by id, plus the
// continuation token for the next page.
func (o *Orchestrator) ListFlows(ctx context.Context, filter FlowFilter, token string, limit int) ([]*entity.Flow, string, error) {
	limit = clampLimit(limit)
	tok, err := decodePageToken(token)
	if err != nil {
		return nil, "", err
	}

	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table:     "flows",
		Predicate: liveRows(metastore.And(filter.predicate(), afterID(tok))),
		OrderBy:   []metastore.Ordering{{Column: "id"}},
		Limit:     limit + 1,
	}, false)
	if err != nil {
		return nil, "", err
	}

	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}

	flows := make([]*entity.Flow, len(rows))
	for i, row := range rows {
		if flows[i], err = rowToFlow(row); err != nil {
			return nil, "", err
		}
	}

	next := ""
	if more {
		next = encodePageToken(pageToken{ID: flows[len(flows)-1].ID})
	}
	return flows, next, nil
}
