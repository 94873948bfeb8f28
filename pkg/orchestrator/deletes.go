package orchestrator

import (
	"context"
	"fmt"

	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/integrity"
	"github.com/avfoundry/tams/pkg/metastore"
)

// guardStore feeds the integrity guard from the orchestrator's
// cache-bypassing paths. It stays off the public surface so that every
// delete goes through the guard.
type guardStore struct {
	o *Orchestrator
}

func (s guardStore) LiveChildren(ctx context.Context, kind entity.Kind, id string) ([]integrity.ChildRef, error) {
	return s.o.liveChildren(ctx, kind, id)
}

func (s guardStore) ApplyDelete(ctx context.Context, kind entity.Kind, id string, soft bool, actor string) error {
	return s.o.applyDelete(ctx, kind, id, soft, actor)
}

func (o *Orchestrator) liveChildren(ctx context.Context, kind entity.Kind, id string) ([]integrity.ChildRef, error) {
	switch kind {
	case entity.KindSource:
		rows, err := o.readRows(ctx, metastore.QueryRequest{
			Table:     "flows",
			Columns:   []string{"id"},
			Predicate: liveRows(metastore.Eq("source_id", id)),
		}, true)
		if err != nil {
			return nil, err
		}
		refs := make([]integrity.ChildRef, len(rows))
		for i, row := range rows {
			refs[i] = integrity.ChildRef{Kind: entity.KindFlow, ID: row.String("id")}
		}
		return refs, nil

	case entity.KindFlow:
		rows, err := o.readRows(ctx, metastore.QueryRequest{
			Table:     "segments",
			Columns:   []string{"flow_id", "object_id"},
			Predicate: liveRows(metastore.Eq("flow_id", id)),
		}, true)
		if err != nil {
			return nil, err
		}
		refs := make([]integrity.ChildRef, len(rows))
		for i, row := range rows {
			refs[i] = integrity.ChildRef{
				Kind: entity.KindSegment,
				ID:   row.String("flow_id") + "/" + row.String("object_id"),
			}
		}
		return refs, nil

	case entity.KindSegment:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

func (o *Orchestrator) applyDelete(ctx context.Context, kind entity.Kind, id string, soft bool, actor string) error {
	switch kind {
	case entity.KindSource, entity.KindFlow:
		return o.deleteByID(ctx, kind, id, soft, actor)
	case entity.KindSegment:
		return o.deleteSegment(ctx, id, soft, actor)
	}
	return fmt.Errorf("unknown entity kind %q", kind)
}

func (o *Orchestrator) deleteByID(ctx context.Context, kind entity.Kind, id string, soft bool, actor string) error {
	var affected int64
	var err error
	if soft {
		affected, err = o.update(ctx, kind.Table(), liveRows(metastore.Eq("id", id)), o.softDeleteSet(actor))
	} else {
		affected, err = o.remove(ctx, kind.Table(), metastore.Eq("id", id))
	}
	if err != nil {
		return err
	}
	if affected == 0 {
		return &entity.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// deleteSegment removes one segment and then its object reference row.
// The reference row always goes hard: object existence is counted, not
// soft-deleted. If the second step fails the reference stays behind,
// keeping the object id claimed rather than dangling.
func (o *Orchestrator) deleteSegment(ctx context.Context, key string, soft bool, actor string) error {
	flowID, objectID, ok := splitSegmentKey(key)
	if !ok {
		return fmt.Errorf("malformed segment key %q", key)
	}

	pair := metastore.And(
		metastore.Eq("flow_id", flowID),
		metastore.Eq("object_id", objectID),
	)

	var affected int64
	var err error
	if soft {
		affected, err = o.update(ctx, "segments", liveRows(pair), o.softDeleteSet(actor))
	} else {
		affected, err = o.remove(ctx, "segments", pair)
	}
	if err != nil {
		return err
	}
	if affected == 0 {
		return &entity.NotFoundError{Kind: entity.KindSegment, ID: key}
	}

	refPred := metastore.And(
		metastore.Eq("object_id", objectID),
		metastore.Eq("flow_id", flowID),
	)
	if _, err := o.remove(ctx, "object_refs", refPred); err != nil {
		return fmt.Errorf("segment %s deleted but reference removal failed: %w", key, err)
	}
	return nil
}

func (o *Orchestrator) softDeleteSet(actor string) metastore.Row {
	now := o.now().UTC()
	return metastore.Row{
		"deleted":    true,
		"deleted_at": now,
		"deleted_by": actor,
		"updated":    now,
	}
}
