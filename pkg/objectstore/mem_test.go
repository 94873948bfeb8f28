package objectstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreGrantIsDeterministic(t *testing.T) {
	m := NewMemStore()
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return frozen })

	grant, err := m.PresignPut(context.Background(), "flows/f1/obj-1", 15*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "PUT", grant.Method)
	assert.Equal(t, frozen.Add(15*time.Minute), grant.ExpiresAt)
	assert.Equal(t, "mem://uploads/flows/f1/obj-1?expires=1714565700", grant.URL)
	assert.Empty(t, grant.Headers)

	again, err := m.PresignPut(context.Background(), "flows/f1/obj-1", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, grant.URL, again.URL)
}

func TestMemStoreHeadReflectsPut(t *testing.T) {
	m := NewMemStore()

	info, err := m.Head(context.Background(), "flows/f1/obj-1")
	require.NoError(t, err)
	assert.False(t, info.Exists)
	assert.Zero(t, info.Size)

	m.Put("flows/f1/obj-1", 2048)

	info, err = m.Head(context.Background(), "flows/f1/obj-1")
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, int64(2048), info.Size)
}

func TestMemStoreDeleteIsIdempotent(t *testing.T) {
	m := NewMemStore()
	m.Put("k", 1)

	require.NoError(t, m.Delete(context.Background(), "k"))
	require.NoError(t, m.Delete(context.Background(), "k"))
	assert.Zero(t, m.Len())

	info, err := m.Head(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestMemStoreForcedErrorFailsEveryCall(t *testing.T) {
	m := NewMemStore()
	boom := errors.New("store offline")
	m.ForcedError = boom

	_, err := m.PresignPut(context.Background(), "k", time.Minute)
	assert.ErrorIs(t, err, boom)
	_, err = m.Head(context.Background(), "k")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, m.Delete(context.Background(), "k"), boom)
	assert.ErrorIs(t, m.HealthCheck(context.Background()), boom)

	m.ForcedError = nil
	assert.NoError(t, m.HealthCheck(context.Background()))
}

func TestMemStoreCountsCalls(t *testing.T) {
	m := NewMemStore()

	_, _ = m.PresignPut(context.Background(), "a", time.Minute)
	_, _ = m.Head(context.Background(), "a")
	_, _ = m.Head(context.Background(), "a")
	_ = m.Delete(context.Background(), "a")

	assert.Equal(t, 1, m.CallCount.Presign)
	assert.Equal(t, 2, m.CallCount.Head)
	assert.Equal(t, 1, m.CallCount.Delete)
}
