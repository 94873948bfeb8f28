package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avfoundry/tams/pkg/entity"
)

func TestSoftDeleteBlockedByLiveChildren(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")
	f.createFlow(t, "flow-1", "src-1")

	err := f.o.SoftDelete(context.Background(), entity.KindSource, "src-1", false, "ops")
	require.Error(t, err)

	var ce *entity.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, entity.KindSource, ce.Kind)
	assert.Equal(t, entity.KindFlow, ce.ChildKind)
	assert.Equal(t, int64(1), ce.Count)

	// Nothing was touched.
	_, err = f.o.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	_, err = f.o.GetFlow(context.Background(), "flow-1")
	require.NoError(t, err)

	// Clearing the child unblocks the parent.
	require.NoError(t, f.o.SoftDelete(context.Background(), entity.KindFlow, "flow-1", false, "ops"))
	require.NoError(t, f.o.SoftDelete(context.Background(), entity.KindSource, "src-1", false, "ops"))
}

func TestSoftDeleteLeafSource(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")
	f.tick()

	err := f.o.SoftDelete(context.Background(), entity.KindSource, "src-1", false, "ops@example.com")
	require.NoError(t, err)

	_, err = f.o.GetSource(context.Background(), "src-1")
	assert.True(t, entity.IsNotFound(err))

	// The row survives, marked.
	rows := f.ep.Rows("sources")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Bool("deleted"))
	assert.Equal(t, "ops@example.com", rows[0].String("deleted_by"))
	require.NotNil(t, rows[0].TimePtr("deleted_at"))
	assert.Equal(t, f.now, *rows[0].TimePtr("deleted_at"))
}

func TestSoftDeleteCascadeClearsHierarchy(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")
	f.createFlow(t, "flow-1", "src-1")
	f.createFlow(t, "flow-2", "src-1")
	f.createSegment(t, "flow-1", "obj-1", "[0:0_10:0)")
	f.createSegment(t, "flow-1", "obj-2", "[10:0_20:0)")
	f.createSegment(t, "flow-2", "obj-3", "[0:0_10:0)")

	err := f.o.SoftDelete(context.Background(), entity.KindSource, "src-1", true, "ops")
	require.NoError(t, err)

	_, err = f.o.GetSource(context.Background(), "src-1")
	assert.True(t, entity.IsNotFound(err))
	_, err = f.o.GetFlow(context.Background(), "flow-1")
	assert.True(t, entity.IsNotFound(err))
	_, err = f.o.GetSegment(context.Background(), "flow-1", "obj-1")
	assert.True(t, entity.IsNotFound(err))

	// Soft-deleted rows stay; reference rows are reclaimed outright.
	assert.Len(t, f.ep.Rows("sources"), 1)
	assert.Len(t, f.ep.Rows("flows"), 2)
	assert.Len(t, f.ep.Rows("segments"), 3)
	assert.Empty(t, f.ep.Rows("object_refs"))

	for _, row := range f.ep.Rows("segments") {
		assert.True(t, row.Bool("deleted"))
		assert.Equal(t, "ops", row.String("deleted_by"))
	}
}

func TestHardDeleteRemovesRows(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")
	f.createFlow(t, "flow-1", "src-1")
	f.createSegment(t, "flow-1", "obj-1", "[0:0_10:0)")

	err := f.o.HardDelete(context.Background(), entity.KindSegment, "flow-1/obj-1")
	require.NoError(t, err)

	assert.Empty(t, f.ep.Rows("segments"))
	assert.Empty(t, f.ep.Rows("object_refs"))

	// The pair is free again.
	f.createSegment(t, "flow-1", "obj-1", "[0:0_10:0)")
}

func TestHardDeleteNeverCascades(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")
	f.createFlow(t, "flow-1", "src-1")
	f.createSegment(t, "flow-1", "obj-1", "[0:0_10:0)")

	err := f.o.HardDelete(context.Background(), entity.KindFlow, "flow-1")
	require.Error(t, err)
	assert.True(t, entity.IsConflict(err))
	assert.Len(t, f.ep.Rows("flows"), 1)
	assert.Len(t, f.ep.Rows("segments"), 1)
}

func TestSoftDeleteSegmentReclaimsReference(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")
	f.createFlow(t, "flow-a", "src-1")
	f.createFlow(t, "flow-b", "src-1")
	f.createSegment(t, "flow-a", "obj-1", "[0:0_10:0)")
	f.createSegment(t, "flow-b", "obj-1", "[0:0_10:0)")

	err := f.o.SoftDelete(context.Background(), entity.KindSegment, "flow-a/obj-1", false, "ops")
	require.NoError(t, err)

	obj, err := f.o.GetObject(context.Background(), "obj-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"flow-b"}, obj.ReferencedByFlows)

	err = f.o.SoftDelete(context.Background(), entity.KindSegment, "flow-b/obj-1", false, "ops")
	require.NoError(t, err)

	// Last reference gone: the object no longer exists.
	_, err = f.o.GetObject(context.Background(), "obj-1")
	assert.True(t, entity.IsNotFound(err))
}

func TestSoftDeleteTwiceIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")

	require.NoError(t, f.o.SoftDelete(context.Background(), entity.KindSource, "src-1", false, "ops"))

	err := f.o.SoftDelete(context.Background(), entity.KindSource, "src-1", false, "ops")
	require.Error(t, err)
	assert.True(t, entity.IsNotFound(err))
}

func TestDeleteEvictsCachedReads(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")
	f.createFlow(t, "flow-1", "src-1")

	// Prime the cache; the TTL is long enough that only invalidation
	// can explain a changed answer.
	_, err := f.o.GetFlow(context.Background(), "flow-1")
	require.NoError(t, err)

	require.NoError(t, f.o.SoftDelete(context.Background(), entity.KindFlow, "flow-1", false, "ops"))

	_, err = f.o.GetFlow(context.Background(), "flow-1")
	assert.True(t, entity.IsNotFound(err))
}

func TestDeleteRejectsObjects(t *testing.T) {
	f := newFixture(t)

	err := f.o.SoftDelete(context.Background(), entity.KindObject, "obj-1", false, "ops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no delete path")
}

func TestSoftDeleteFlowAfterSegmentsGone(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")
	f.createFlow(t, "flow-1", "src-1")
	f.createSegment(t, "flow-1", "obj-1", "[0:0_10:0)")

	err := f.o.SoftDelete(context.Background(), entity.KindFlow, "flow-1", false, "ops")
	require.Error(t, err)
	assert.True(t, entity.IsConflict(err))

	require.NoError(t, f.o.SoftDelete(context.Background(), entity.KindSegment, "flow-1/obj-1", false, "ops"))
	require.NoError(t, f.o.SoftDelete(context.Background(), entity.KindFlow, "flow-1", false, "ops"))

	_, err = f.o.GetFlow(context.Background(), "flow-1")
	assert.True(t, entity.IsNotFound(err))
}
