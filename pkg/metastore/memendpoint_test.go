package metastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemEndpointUniqueKey(t *testing.T) {
	m := NewMemEndpoint("mem://a")
	m.SetUniqueKey("sources", "id")

	_, err := m.Insert(context.Background(), "sources", []Row{{"id": "s1", "format": "video"}})
	require.NoError(t, err)

	_, err = m.Insert(context.Background(), "sources", []Row{{"id": "s1", "format": "audio"}})
	assert.ErrorIs(t, err, ErrConstraint)

	_, err = m.Insert(context.Background(), "sources", []Row{{"id": "s2", "format": "audio"}})
	require.NoError(t, err)
	assert.Len(t, m.Rows("sources"), 2)
}

func TestMemEndpointCompositeUniqueKey(t *testing.T) {
	m := NewMemEndpoint("mem://a")
	m.SetUniqueKey("segments", "flow_id", "object_id")

	_, err := m.Insert(context.Background(), "segments", []Row{{"flow_id": "f1", "object_id": "o1"}})
	require.NoError(t, err)

	// Same object in another flow is fine; same pair is not.
	_, err = m.Insert(context.Background(), "segments", []Row{{"flow_id": "f2", "object_id": "o1"}})
	require.NoError(t, err)

	_, err = m.Insert(context.Background(), "segments", []Row{{"flow_id": "f1", "object_id": "o1"}})
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestMemEndpointQueryOrderingProjectionLimit(t *testing.T) {
	m := NewMemEndpoint("mem://a")
	ctx := context.Background()

	_, err := m.Insert(ctx, "segments", []Row{
		{"flow_id": "f1", "object_id": "o2", "start_sec": int64(5)},
		{"flow_id": "f1", "object_id": "o1", "start_sec": int64(0)},
		{"flow_id": "f1", "object_id": "o3", "start_sec": int64(10)},
		{"flow_id": "f2", "object_id": "o9", "start_sec": int64(1)},
	})
	require.NoError(t, err)

	res, err := m.Query(ctx, QueryRequest{
		Table:     "segments",
		Columns:   []string{"object_id", "start_sec"},
		Predicate: Eq("flow_id", "f1"),
		OrderBy:   []Ordering{{Column: "start_sec", Desc: true}},
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "o3", res.Rows[0].String("object_id"))
	assert.Equal(t, "o2", res.Rows[1].String("object_id"))
	// Projection drops unrequested columns.
	assert.Equal(t, "", res.Rows[0].String("flow_id"))
}

func TestMemEndpointUpdateDelete(t *testing.T) {
	m := NewMemEndpoint("mem://a")
	ctx := context.Background()

	_, err := m.Insert(ctx, "sources", []Row{
		{"id": "s1", "label": "old", "deleted": false},
		{"id": "s2", "label": "keep", "deleted": false},
	})
	require.NoError(t, err)

	wres, err := m.Update(ctx, "sources", Eq("id", "s1"), Row{"label": "new"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), wres.RowsAffected)

	res, err := m.Query(ctx, QueryRequest{Table: "sources", Predicate: Eq("id", "s1")})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "new", res.Rows[0].String("label"))

	wres, err = m.Delete(ctx, "sources", Eq("id", "s1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), wres.RowsAffected)
	assert.Len(t, m.Rows("sources"), 1)
}

func TestMemEndpointForcedError(t *testing.T) {
	m := NewMemEndpoint("mem://a")
	boom := errors.New("injected")
	m.ForcedError = boom

	_, err := m.Query(context.Background(), QueryRequest{Table: "sources"})
	assert.ErrorIs(t, err, boom)

	m.ForcedError = nil
	_, err = m.Query(context.Background(), QueryRequest{Table: "sources"})
	assert.NoError(t, err)
	assert.Equal(t, 2, m.CallCount.Query)
}

func TestMemEndpointDeadline(t *testing.T) {
	m := NewMemEndpoint("mem://a")

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := m.Query(ctx, QueryRequest{Table: "sources"})
	assert.True(t, IsTimeout(err))
}
