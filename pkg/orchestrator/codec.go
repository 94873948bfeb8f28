package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/metastore"
	"github.com/avfoundry/tams/pkg/timerange"
)

// Tags are stored as one JSON text column. encodeTags always produces
// the canonical form (sorted keys, no whitespace), which is what lets
// tag filters match a single key/value pair as a substring.
func encodeTags(tags map[string]string) (string, error) {
	if len(tags) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}
	return string(raw), nil
}

func decodeTags(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var tags map[string]string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return tags, nil
}

// tagTerm matches rows whose tags column carries the key/value pair.
func tagTerm(key, value string) metastore.Predicate {
	pair, _ := json.Marshal(map[string]string{key: value})
	return metastore.Like("tags", "%"+strings.Trim(string(pair), "{}")+"%")
}

func tagTerms(tags map[string]string) []metastore.Predicate {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	terms := make([]metastore.Predicate, 0, len(keys))
	for _, k := range keys {
		terms = append(terms, tagTerm(k, tags[k]))
	}
	return terms
}

func deletedAtValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func sourceToRow(s *entity.Source) (metastore.Row, error) {
	tags, err := encodeTags(s.Tags)
	if err != nil {
		return nil, err
	}
	return metastore.Row{
		"id":          s.ID,
		"format":      string(s.Format),
		"label":       s.Label,
		"description": s.Description,
		"tags":        tags,
		"created":     s.Created,
		"updated":     s.Updated,
		"deleted":     s.Deleted,
		"deleted_at":  deletedAtValue(s.DeletedAt),
		"deleted_by":  s.DeletedBy,
	}, nil
}

func rowToSource(r metastore.Row) (*entity.Source, error) {
	tags, err := decodeTags(r.String("tags"))
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", r.String("id"), err)
	}
	return &entity.Source{
		ID:          r.String("id"),
		Format:      entity.Format(r.String("format")),
		Label:       r.String("label"),
		Description: r.String("description"),
		Tags:        tags,
		Created:     r.Time("created"),
		Updated:     r.Time("updated"),
		Deleted:     r.Bool("deleted"),
		DeletedAt:   r.TimePtr("deleted_at"),
		DeletedBy:   r.String("deleted_by"),
	}, nil
}

func flowToRow(f *entity.Flow) (metastore.Row, error) {
	tags, err := encodeTags(f.Tags)
	if err != nil {
		return nil, err
	}
	return metastore.Row{
		"id":           f.ID,
		"source_id":    f.SourceID,
		"format":       string(f.Format),
		"codec":        f.Codec,
		"label":        f.Label,
		"description":  f.Description,
		"frame_width":  int64(f.FrameWidth),
		"frame_height": int64(f.FrameHeight),
		"sample_rate":  int64(f.SampleRate),
		"max_bit_rate": f.MaxBitRate,
		"avg_bit_rate": f.AvgBitRate,
		"read_only":    f.ReadOnly,
		"tags":         tags,
		"created":      f.Created,
		"updated":      f.Updated,
		"deleted":      f.Deleted,
		"deleted_at":   deletedAtValue(f.DeletedAt),
		"deleted_by":   f.DeletedBy,
	}, nil
}

func rowToFlow(r metastore.Row) (*entity.Flow, error) {
	tags, err := decodeTags(r.String("tags"))
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", r.String("id"), err)
	}
	return &entity.Flow{
		ID:          r.String("id"),
		SourceID:    r.String("source_id"),
		Format:      entity.Format(r.String("format")),
		Codec:       r.String("codec"),
		Label:       r.String("label"),
		Description: r.String("description"),
		FrameWidth:  int(r.Int64("frame_width")),
		FrameHeight: int(r.Int64("frame_height")),
		SampleRate:  int(r.Int64("sample_rate")),
		MaxBitRate:  r.Int64("max_bit_rate"),
		AvgBitRate:  r.Int64("avg_bit_rate"),
		ReadOnly:    r.Bool("read_only"),
		Tags:        tags,
		Created:     r.Time("created"),
		Updated:     r.Time("updated"),
		Deleted:     r.Bool("deleted"),
		DeletedAt:   r.TimePtr("deleted_at"),
		DeletedBy:   r.String("deleted_by"),
	}, nil
}

// segmentToRow denormalizes the range start into start_sec/start_nsec
// for ordered listing. Open starts sort first, at zero.
func segmentToRow(s *entity.Segment) metastore.Row {
	var startSec, startNsec int64
	if s.Range.HasStart {
		startSec = s.Range.Start.Sec
		startNsec = int64(s.Range.Start.Nsec)
	}
	return metastore.Row{
		"flow_id":       s.FlowID,
		"object_id":     s.ObjectID,
		"timerange":     s.Range.String(),
		"start_sec":     startSec,
		"start_nsec":    startNsec,
		"sample_offset": s.SampleOffset,
		"sample_count":  s.SampleCount,
		"storage_path":  s.StoragePath,
		"created":       s.Created,
		"updated":       s.Updated,
		"deleted":       s.Deleted,
		"deleted_at":    deletedAtValue(s.DeletedAt),
		"deleted_by":    s.DeletedBy,
	}
}

func rowToSegment(r metastore.Row) (*entity.Segment, error) {
	rng, err := timerange.Parse(r.String("timerange"))
	if err != nil {
		return nil, fmt.Errorf("segment %s/%s: failed to decode timerange: %w",
			r.String("flow_id"), r.String("object_id"), err)
	}
	return &entity.Segment{
		FlowID:       r.String("flow_id"),
		ObjectID:     r.String("object_id"),
		Range:        rng,
		SampleOffset: r.Int64("sample_offset"),
		SampleCount:  r.Int64("sample_count"),
		StoragePath:  r.String("storage_path"),
		Created:      r.Time("created"),
		Updated:      r.Time("updated"),
		Deleted:      r.Bool("deleted"),
		DeletedAt:    r.TimePtr("deleted_at"),
		DeletedBy:    r.String("deleted_by"),
	}, nil
}

func refToRow(objectID, flowID string, size int64, created time.Time) metastore.Row {
	return metastore.Row{
		"object_id": objectID,
		"flow_id":   flowID,
		"size":      size,
		"created":   created,
	}
}

// rowsToObject folds an object's reference rows into the derived
// entity. Size is the largest recorded size; the first reference is
// the earliest created row, flow id breaking ties.
func rowsToObject(id string, rows []metastore.Row) *entity.Object {
	obj := &entity.Object{ID: id}
	var firstCreated time.Time
	for _, r := range rows {
		flowID := r.String("flow_id")
		created := r.Time("created")

		obj.ReferencedByFlows = append(obj.ReferencedByFlows, flowID)
		if size := r.Int64("size"); size > obj.Size {
			obj.Size = size
		}
		if obj.Created.IsZero() || created.Before(obj.Created) {
			obj.Created = created
		}
		if created.After(obj.Updated) {
			obj.Updated = created
		}
		if obj.FirstReferencedByFlow == "" || created.Before(firstCreated) ||
			(created.Equal(firstCreated) && flowID < obj.FirstReferencedByFlow) {
			firstCreated = created
			obj.FirstReferencedByFlow = flowID
		}
	}
	sort.Strings(obj.ReferencedByFlows)
	return obj
}

func splitSegmentKey(key string) (flowID, objectID string, ok bool) {
	i := strings.IndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
