package entity

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avfoundry/tams/pkg/timerange"
)

func TestSourceValidate(t *testing.T) {
	src := &Source{ID: "src-1", Format: FormatVideo}
	require.NoError(t, src.Validate())

	assert.Error(t, (&Source{Format: FormatVideo}).Validate())
	assert.Error(t, (&Source{ID: "src-1", Format: Format("film")}).Validate())
}

func TestFlowValidate(t *testing.T) {
	flow := &Flow{ID: "flow-1", SourceID: "src-1", Format: FormatAudio}
	require.NoError(t, flow.Validate())

	assert.Error(t, (&Flow{SourceID: "src-1", Format: FormatAudio}).Validate())
	assert.Error(t, (&Flow{ID: "flow-1", Format: FormatAudio}).Validate())
	assert.Error(t, (&Flow{ID: "flow-1", SourceID: "src-1"}).Validate())
}

func TestSegmentValidate(t *testing.T) {
	seg := &Segment{
		FlowID:   "flow-1",
		ObjectID: "obj-1",
		Range:    timerange.MustParse("[0:0_10:0)"),
	}
	require.NoError(t, seg.Validate())
	assert.Equal(t, "flow-1/obj-1", seg.Key())

	assert.Error(t, (&Segment{ObjectID: "obj-1"}).Validate())
	assert.Error(t, (&Segment{FlowID: "flow-1"}).Validate())
	assert.Error(t, (&Segment{FlowID: "flow-1", ObjectID: "obj-1"}).Validate())
}

func TestKindTables(t *testing.T) {
	assert.Equal(t, "sources", KindSource.Table())
	assert.Equal(t, "flows", KindFlow.Table())
	assert.Equal(t, "segments", KindSegment.Table())
	assert.Equal(t, "object_refs", KindObject.Table())
}

func TestKindChild(t *testing.T) {
	assert.Equal(t, KindFlow, KindSource.Child())
	assert.Equal(t, KindSegment, KindFlow.Child())
	assert.Equal(t, Kind(""), KindSegment.Child())
	assert.Equal(t, Kind(""), KindObject.Child())
}

func TestErrorTaxonomy(t *testing.T) {
	nf := &NotFoundError{Kind: KindFlow, ID: "flow-1"}
	assert.True(t, IsNotFound(nf))
	assert.True(t, IsNotFound(fmt.Errorf("get flow: %w", nf)))
	assert.False(t, IsNotFound(errors.New("something else")))
	assert.Contains(t, nf.Error(), "flow-1")

	dup := &DuplicateError{Kind: KindSegment, ID: "flow-1/obj-1"}
	assert.True(t, IsDuplicate(dup))
	assert.False(t, IsDuplicate(nf))

	conflict := &ConflictError{Kind: KindSource, ID: "src-1", ChildKind: KindFlow, Count: 2}
	assert.True(t, IsConflict(conflict))
	assert.Contains(t, conflict.Error(), "2 live flows")

	readOnly := &ConflictError{Kind: KindFlow, ID: "flow-1", Reason: "flow is read-only"}
	assert.Contains(t, readOnly.Error(), "read-only")
}

func TestPartialCascadeUnwrap(t *testing.T) {
	cause := &NotFoundError{Kind: KindSegment, ID: "flow-1/obj-1"}
	err := &PartialCascadeError{Kind: KindSource, ID: "src-1", Step: "flow flow-1", Err: cause}

	assert.True(t, IsPartialCascade(err))
	assert.True(t, IsNotFound(err), "unwrap should expose the cause")
	assert.Contains(t, err.Error(), "flow flow-1")
}
