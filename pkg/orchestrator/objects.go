package orchestrator

import (
	"context"

	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/metastore"
)

// GetObject returns one object, derived from its reference rows. An
// object with no live references does not exist.
func (o *Orchestrator) GetObject(ctx context.Context, id string) (*entity.Object, error) {
	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table:     "object_refs",
		Predicate: metastore.Eq("object_id", id),
		OrderBy:   []metastore.Ordering{{Column: "flow_id"}},
	}, false)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &entity.NotFoundError{Kind: entity.KindObject, ID: id}
	}
	return rowsToObject(id, rows), nil
}

// ListObjects returns one page of objects ordered by id. Reference
// rows are grouped per object; a group that would straddle the page
// boundary is held back for the next page, so no object is ever
// returned with a partial reference list.
func (o *Orchestrator) ListObjects(ctx context.Context, filter ObjectFilter, token string, limit int) ([]*entity.Object, string, error) {
	limit = clampLimit(limit)
	tok, err := decodePageToken(token)
	if err != nil {
		return nil, "", err
	}

	var flowPred metastore.Predicate
	if filter.FlowID != "" {
		flowPred = metastore.Eq("flow_id", filter.FlowID)
	}

	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table:     "object_refs",
		Predicate: metastore.And(flowPred, afterObject(tok)),
		OrderBy:   []metastore.Ordering{{Column: "object_id"}, {Column: "flow_id"}},
		Limit:     limit + 1,
	}, false)
	if err != nil {
		return nil, "", err
	}

	more := len(rows) > limit
	var overflowID string
	if more {
		overflowID = rows[limit].String("object_id")
		rows = rows[:limit]
	}

	var ids []string
	grouped := make(map[string][]metastore.Row)
	for _, row := range rows {
		id := row.String("object_id")
		if _, seen := grouped[id]; !seen {
			ids = append(ids, id)
		}
		grouped[id] = append(grouped[id], row)
	}

	if more && len(ids) > 0 && ids[len(ids)-1] == overflowID {
		if len(ids) > 1 {
			// The last group continues past the page; the next page
			// re-reads it whole.
			ids = ids[:len(ids)-1]
		} else {
			// One object's references span the whole page. Fetch the
			// rest so the group still comes back whole.
			full, ferr := o.readRows(ctx, metastore.QueryRequest{
				Table:     "object_refs",
				Predicate: metastore.And(flowPred, metastore.Eq("object_id", overflowID)),
				OrderBy:   []metastore.Ordering{{Column: "flow_id"}},
			}, false)
			if ferr != nil {
				return nil, "", ferr
			}
			grouped[overflowID] = full
		}
	}

	objects := make([]*entity.Object, len(ids))
	for i, id := range ids {
		objects[i] = rowsToObject(id, grouped[id])
	}

	next := ""
	if more && len(objects) > 0 {
		next = encodePageToken(pageToken{ID: objects[len(objects)-1].ID})
	}
	return objects, next, nil
}

// ObjectInUse reports whether an object id resolves to any live
// segment or any object reference, reading fresh from the store.
// Allocation stays refused while either exists.
func (o *Orchestrator) ObjectInUse(ctx context.Context, objectID string) (bool, error) {
	rows, err := o.readRows(ctx, metastore.QueryRequest{
		Table:     "segments",
		Columns:   []string{"flow_id"},
		Predicate: liveRows(metastore.Eq("object_id", objectID)),
		Limit:     1,
	}, true)
	if err != nil {
		return false, err
	}
	if len(rows) > 0 {
		return true, nil
	}

	rows, err = o.readRows(ctx, metastore.QueryRequest{
		Table:     "object_refs",
		Columns:   []string{"flow_id"},
		Predicate: metastore.Eq("object_id", objectID),
		Limit:     1,
	}, true)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}
