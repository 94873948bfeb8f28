// Package entity defines the media metadata entities and the typed
// errors returned by the orchestration layer. The hierarchy is
// Source → Flow → Segment → Object: sources own flows, flows own
// time-ranged segments, and segments reference stored objects.
package entity

import (
	"fmt"
	"time"

	"github.com/avfoundry/tams/pkg/timerange"
)

// Format classifies the media a source or flow carries.
type Format string

const (
	FormatVideo Format = "video"
	FormatAudio Format = "audio"
	FormatData  Format = "data"
	FormatImage Format = "image"
	FormatMulti Format = "multi"
)

// Valid reports whether the format is a known value.
func (f Format) Valid() bool {
	switch f {
	case FormatVideo, FormatAudio, FormatData, FormatImage, FormatMulti:
		return true
	}
	return false
}

// Kind identifies an entity type.
type Kind string

const (
	KindSource  Kind = "source"
	KindFlow    Kind = "flow"
	KindSegment Kind = "segment"
	KindObject  Kind = "object"
)

// Table returns the metadata-store table holding this entity kind.
func (k Kind) Table() string {
	switch k {
	case KindSource:
		return "sources"
	case KindFlow:
		return "flows"
	case KindSegment:
		return "segments"
	case KindObject:
		return "object_refs"
	}
	return string(k)
}

// Child returns the dependent entity kind, or empty for leaf kinds.
// Objects are reference-counted alongside segments rather than deleted
// through their own cascade step.
func (k Kind) Child() Kind {
	switch k {
	case KindSource:
		return KindFlow
	case KindFlow:
		return KindSegment
	}
	return ""
}

// Source is a top-level media origin, such as a camera feed.
type Source struct {
	ID          string            `json:"id"`
	Format      Format            `json:"format"`
	Label       string            `json:"label,omitempty"`
	Description string            `json:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`

	Created   time.Time  `json:"created"`
	Updated   time.Time  `json:"updated"`
	Deleted   bool       `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
}

// Validate checks the fields required at creation time.
func (s *Source) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if !s.Format.Valid() {
		return fmt.Errorf("invalid source format %q", s.Format)
	}
	return nil
}

// Flow is a processed stream derived from exactly one source. SourceID
// is immutable after creation.
type Flow struct {
	ID          string            `json:"id"`
	SourceID    string            `json:"source_id"`
	Format      Format            `json:"format"`
	Codec       string            `json:"codec,omitempty"`
	Label       string            `json:"label,omitempty"`
	Description string            `json:"description,omitempty"`
	FrameWidth  int               `json:"frame_width,omitempty"`
	FrameHeight int               `json:"frame_height,omitempty"`
	SampleRate  int               `json:"sample_rate,omitempty"`
	MaxBitRate  int64             `json:"max_bit_rate,omitempty"`
	AvgBitRate  int64             `json:"avg_bit_rate,omitempty"`
	ReadOnly    bool              `json:"read_only,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`

	Created   time.Time  `json:"created"`
	Updated   time.Time  `json:"updated"`
	Deleted   bool       `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
}

// Validate checks the fields required at creation time.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	if f.SourceID == "" {
		return fmt.Errorf("flow source_id is required")
	}
	if !f.Format.Valid() {
		return fmt.Errorf("invalid flow format %q", f.Format)
	}
	return nil
}

// Segment is a time-bounded slice of one flow's essence, keyed by
// (flow_id, object_id) and pointing at a single stored object.
type Segment struct {
	FlowID       string              `json:"flow_id"`
	ObjectID     string              `json:"object_id"`
	Range        timerange.TimeRange `json:"timerange"`
	SampleOffset int64               `json:"sample_offset,omitempty"`
	SampleCount  int64               `json:"sample_count,omitempty"`
	StoragePath  string              `json:"storage_path"`

	Created   time.Time  `json:"created"`
	Updated   time.Time  `json:"updated"`
	Deleted   bool       `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
}

// Key returns the composite identifier used in errors and locks.
func (s *Segment) Key() string {
	return s.FlowID + "/" + s.ObjectID
}

// Validate checks the fields required at creation time.
func (s *Segment) Validate() error {
	if s.FlowID == "" {
		return fmt.Errorf("segment flow_id is required")
	}
	if s.ObjectID == "" {
		return fmt.Errorf("segment object_id is required")
	}
	if !s.Range.HasStart && !s.Range.HasEnd {
		return fmt.Errorf("segment timerange requires at least one bound")
	}
	return nil
}

// Object describes a stored binary payload. Its existence is derived
// from segment references: the row appears with the first referencing
// segment and disappears when the last reference is removed.
type Object struct {
	ID                    string   `json:"id"`
	ReferencedByFlows     []string `json:"referenced_by_flows"`
	FirstReferencedByFlow string   `json:"first_referenced_by_flow"`
	Size                  int64    `json:"size,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// SourcePatch is a partial update to a source. Nil fields are left
// unchanged; a non-nil Tags map replaces the stored tags wholesale.
type SourcePatch struct {
	Label       *string           `json:"label,omitempty"`
	Description *string           `json:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// FlowPatch is a partial update to a flow. SourceID is deliberately
// absent: a flow cannot be re-parented.
type FlowPatch struct {
	Codec       *string           `json:"codec,omitempty"`
	Label       *string           `json:"label,omitempty"`
	Description *string           `json:"description,omitempty"`
	FrameWidth  *int              `json:"frame_width,omitempty"`
	FrameHeight *int              `json:"frame_height,omitempty"`
	SampleRate  *int              `json:"sample_rate,omitempty"`
	MaxBitRate  *int64            `json:"max_bit_rate,omitempty"`
	AvgBitRate  *int64            `json:"avg_bit_rate,omitempty"`
	ReadOnly    *bool             `json:"read_only,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}
