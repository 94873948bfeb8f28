package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avfoundry/tams/pkg/entity"
)

func TestCreateSourceStampsServerFields(t *testing.T) {
	f := newFixture(t)

	src, err := f.o.CreateSource(context.Background(), &entity.Source{
		Format: entity.FormatVideo,
		Label:  "studio camera 1",
		Tags:   map[string]string{"env": "prod"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, src.ID)
	assert.Equal(t, f.now, src.Created)
	assert.Equal(t, src.Created, src.Updated)
	assert.False(t, src.Deleted)
	assert.Nil(t, src.DeletedAt)

	got, err := f.o.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, src.Label, got.Label)
	assert.Equal(t, map[string]string{"env": "prod"}, got.Tags)
}

func TestCreateSourceRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")

	_, err := f.o.CreateSource(context.Background(), &entity.Source{ID: "src-1", Format: entity.FormatAudio})
	require.Error(t, err)
	assert.True(t, entity.IsDuplicate(err))

	var de *entity.DuplicateError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, entity.KindSource, de.Kind)
	assert.Equal(t, "src-1", de.ID)
}

func TestCreateSourceValidatesFormat(t *testing.T) {
	f := newFixture(t)

	_, err := f.o.CreateSource(context.Background(), &entity.Source{ID: "src-1", Format: "smell-o-vision"})
	require.Error(t, err)
	assert.Zero(t, f.ep.CallCount.Insert)
}

func TestGetSourceNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.o.GetSource(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, entity.IsNotFound(err))
}

func TestGetSourceServesRepeatsFromCache(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")

	_, err := f.o.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	queries := f.ep.CallCount.Query

	_, err = f.o.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, queries, f.ep.CallCount.Query)
}

func TestUpdateSourcePatchesOnlyGivenFields(t *testing.T) {
	f := newFixture(t)

	src, err := f.o.CreateSource(context.Background(), &entity.Source{
		ID:          "src-1",
		Format:      entity.FormatVideo,
		Label:       "old label",
		Description: "keep me",
		Tags:        map[string]string{"env": "dev"},
	})
	require.NoError(t, err)
	f.tick()

	label := "new label"
	updated, err := f.o.UpdateSource(context.Background(), "src-1", entity.SourcePatch{Label: &label})
	require.NoError(t, err)

	assert.Equal(t, "new label", updated.Label)
	assert.Equal(t, "keep me", updated.Description)
	assert.Equal(t, map[string]string{"env": "dev"}, updated.Tags)
	assert.True(t, updated.Updated.After(src.Updated))

	got, err := f.o.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, "new label", got.Label)
	assert.Equal(t, "keep me", got.Description)
}

func TestUpdateSourceReplacesTagsWholesale(t *testing.T) {
	f := newFixture(t)

	_, err := f.o.CreateSource(context.Background(), &entity.Source{
		ID:     "src-1",
		Format: entity.FormatVideo,
		Tags:   map[string]string{"env": "dev", "team": "ingest"},
	})
	require.NoError(t, err)

	updated, err := f.o.UpdateSource(context.Background(), "src-1", entity.SourcePatch{
		Tags: map[string]string{"env": "prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod"}, updated.Tags)

	got, err := f.o.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod"}, got.Tags)
}

func TestUpdateSourceEmptyPatchIsNoOp(t *testing.T) {
	f := newFixture(t)
	src := f.createSource(t, "src-1")

	updates := f.ep.CallCount.Update
	got, err := f.o.UpdateSource(context.Background(), "src-1", entity.SourcePatch{})
	require.NoError(t, err)

	assert.Equal(t, src.Updated, got.Updated)
	assert.Equal(t, updates, f.ep.CallCount.Update)
}

func TestUpdateSourceNotFound(t *testing.T) {
	f := newFixture(t)

	label := "x"
	_, err := f.o.UpdateSource(context.Background(), "missing", entity.SourcePatch{Label: &label})
	require.Error(t, err)
	assert.True(t, entity.IsNotFound(err))
}

func TestListSourcesPaginates(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"src-3", "src-1", "src-5", "src-2", "src-4"} {
		f.createSource(t, id)
	}

	var seen []string
	token := ""
	pages := 0
	for {
		sources, next, err := f.o.ListSources(context.Background(), SourceFilter{}, token, 2)
		require.NoError(t, err)
		for _, s := range sources {
			seen = append(seen, s.ID)
		}
		pages++
		if next == "" {
			break
		}
		token = next
	}

	assert.Equal(t, []string{"src-1", "src-2", "src-3", "src-4", "src-5"}, seen)
	assert.Equal(t, 3, pages)
}

func TestListSourcesFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.CreateSource(ctx, &entity.Source{ID: "cam-1", Format: entity.FormatVideo, Label: "camera", Tags: map[string]string{"env": "prod"}})
	require.NoError(t, err)
	_, err = f.o.CreateSource(ctx, &entity.Source{ID: "cam-2", Format: entity.FormatVideo, Label: "camera", Tags: map[string]string{"env": "dev"}})
	require.NoError(t, err)
	_, err = f.o.CreateSource(ctx, &entity.Source{ID: "mic-1", Format: entity.FormatAudio, Label: "microphone", Tags: map[string]string{"env": "prod"}})
	require.NoError(t, err)

	byFormat, _, err := f.o.ListSources(ctx, SourceFilter{Format: entity.FormatAudio}, "", 0)
	require.NoError(t, err)
	require.Len(t, byFormat, 1)
	assert.Equal(t, "mic-1", byFormat[0].ID)

	byLabel, _, err := f.o.ListSources(ctx, SourceFilter{Label: "camera"}, "", 0)
	require.NoError(t, err)
	assert.Len(t, byLabel, 2)

	byTag, _, err := f.o.ListSources(ctx, SourceFilter{Tags: map[string]string{"env": "prod"}}, "", 0)
	require.NoError(t, err)
	require.Len(t, byTag, 2)
	assert.Equal(t, "cam-1", byTag[0].ID)
	assert.Equal(t, "mic-1", byTag[1].ID)
}

func TestListSourcesRejectsGarbageToken(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.o.ListSources(context.Background(), SourceFilter{}, "not base64!", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid page token")
}

func TestListSeesWriteImmediately(t *testing.T) {
	f := newFixture(t)
	f.createSource(t, "src-1")

	first, _, err := f.o.ListSources(context.Background(), SourceFilter{}, "", 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// The listing above is now cached; the create must push it out.
	f.createSource(t, "src-2")

	second, _, err := f.o.ListSources(context.Background(), SourceFilter{}, "", 0)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}
