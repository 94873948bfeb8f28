package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/metastore"
)

// CreateSource stores a new source and returns it with server-side
// fields stamped. A blank ID is assigned a fresh UUID; a colliding ID
// returns DuplicateError.
func (o *Orchestrator) CreateSource(ctx context.Context, src *entity.Source) (*entity.Source, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.create_source")
	defer span.End()

	out := *src
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	out.Created = now
	out.Updated = now
	out.Deleted = false
	out.DeletedAt = nil
	out.DeletedBy = ""

	row, err := sourceToRow(&out)
	if err != nil {
		return nil, err
	}
	if err := o.insert(ctx, "sources", []metastore.Row{row}); err != nil {
		if errors.Is(err, metastore.ErrConstraint) {
			return nil, &entity.DuplicateError{Kind: entity.KindSource, ID: out.ID}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	o.logger.WithField("source_id", out.ID).Debug("source created")
	return &out, nil
}

// GetSource returns one live source.
func (o *Orchestrator) GetSource(ctx context.Context, id string) (*entity.Source, error) {
	return o.getSource(ctx, id, false)
}

func (o *Orchestrator) getSource(ctx context.Context, id string, bypass bool) (*entity.Source, error) {
	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table:     "sources",
		Predicate: liveRows(metastore.Eq("id", id)),
		Limit:     1,
	}, bypass)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &entity.NotFoundError{Kind: entity.KindSource, ID: id}
	}
	return rowToSource(rows[0])
}

// UpdateSource applies a partial update to a live source and returns
// the stored result. Nil patch fields are left unchanged; a non-nil
// Tags map replaces the stored tags wholesale.
func (o *Orchestrator) UpdateSource(ctx context.Context, id string, patch entity.SourcePatch) (*entity.Source, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.update_source")
	defer span.End()

	src, err := o.getSource(ctx, id, true)
	if err != nil {
		return nil, err
	}

	set := metastore.Row{}
	if patch.Label != nil {
		src.Label = *patch.Label
		set["label"] = src.Label
	}
	if patch.Description != nil {
		src.Description = *patch.Description
		set["description"] = src.Description
	}
	if patch.Tags != nil {
		tags, terr := encodeTags(patch.Tags)
		if terr != nil {
			return nil, terr
		}
		src.Tags = patch.Tags
		set["tags"] = tags
	}
	if len(set) == 0 {
		return src, nil
	}
	src.Updated = o.now().UTC()
	set["updated"] = src.Updated

	affected, err := o.update(ctx, "sources", liveRows(metastore.Eq("id", id)), set)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if affected == 0 {
		// Deleted between the read and the write.
		return nil, &entity.NotFoundError{Kind: entity.KindSource, ID: id}
	}
	return src, nil
}

// ListSources returns one page of live sources ordered by id, plus the
// continuation token for the next page. An empty token means the
// listing is complete.
func (o *Orchestrator) ListSources(ctx context.Context, filter SourceFilter, token string, limit int) ([]*entity.Source, string, error) {
	limit = clampLimit(limit)
	tok, err := decodePageToken(token)
	if err != nil {
		return nil, "", err
	}

	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table:     "sources",
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

	sources := make([]*entity.Source, len(rows))
	for i, row := range rows {
		if sources[i], err = rowToSource(row); err != nil {
			return nil, "", err
		}
	}

	next := ""
	if more {
		next = encodePageToken(pageToken{ID: sources[len(sources)-1].ID})
	}
	return sources, next, nil
}
