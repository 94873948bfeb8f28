package orchestrator

import (
	"github.com/avfoundry/tams/pkg/entity"
	"github.com/avfoundry/tams/pkg/metastore"
	"github.com/avfoundry/tams/pkg/timerange"
)

// SourceFilter narrows a source listing. Zero-valued fields match
// everything; tag entries are conjoined.
type SourceFilter struct {
	Format entity.Format
	Label  string
	Tags   map[string]string
}

func (f SourceFilter) predicate() metastore.Predicate {
	var preds []metastore.Predicate
	if f.Format != "" {
		preds = append(preds, metastore.Eq("format", string(f.Format)))
	}
	if f.Label != "" {
		preds = append(preds, metastore.Eq("label", f.Label))
	}
	preds = append(preds, tagTerms(f.Tags)...)
	return metastore.And(preds...)
}

// FlowFilter narrows a flow listing.
type FlowFilter struct {
	SourceID string
	Format   entity.Format
	Label    string
	Tags     map[string]string
}

func (f FlowFilter) predicate() metastore.Predicate {
	var preds []metastore.Predicate
	if f.SourceID != "" {
		preds = append(preds, metastore.Eq("source_id", f.SourceID))
	}
	if f.Format != "" {
		preds = append(preds, metastore.Eq("format", string(f.Format)))
	}
	if f.Label != "" {
		preds = append(preds, metastore.Eq("label", f.Label))
	}
	preds = append(preds, tagTerms(f.Tags)...)
	return metastore.And(preds...)
}

// SegmentFilter narrows a segment listing. FlowID is required. A
// non-nil Range keeps only segments whose timerange overlaps it.
type SegmentFilter struct {
	FlowID string
	Range  *timerange.TimeRange
}

// ObjectFilter narrows an object listing to objects referenced by one
// flow.
type ObjectFilter struct {
	FlowID string
}
