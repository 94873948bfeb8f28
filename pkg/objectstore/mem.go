package objectstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests. Grants are deterministic
// mem:// URLs and uploads are simulated with Put.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]int64

	// ForcedError fails every call until cleared.
	ForcedError error

	CallCount struct {
		Presign int
		Head    int
		Delete  int
	}

	now func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string]int64),
		now:     time.Now,
	}
}

// SetClock replaces the store's clock. Tests use it to control grant
// expiry stamps.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put simulates a caller uploading size bytes to key.
func (m *MemStore) Put(key string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = size
}

// PresignPut issues a deterministic grant for key.
func (m *MemStore) PresignPut(_ context.Context, key string, ttl time.Duration) (*UploadGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount.Presign++
	if m.ForcedError != nil {
		return nil, m.ForcedError
	}
	expires := m.now().Add(ttl).UTC()
	return &UploadGrant{
		Method:    "PUT",
		URL:       fmt.Sprintf("mem://uploads/%s?expires=%d", key, expires.Unix()),
		ExpiresAt: expires,
	}, nil
}

// Head reports whether key was Put and its recorded size.
func (m *MemStore) Head(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount.Head++
	if m.ForcedError != nil {
		return nil, m.ForcedError
	}
	size, ok := m.objects[key]
	return &ObjectInfo{Exists: ok, Size: size}, nil
}

// Delete removes key. Missing keys are not an error.
func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount.Delete++
	if m.ForcedError != nil {
		return m.ForcedError
	}
	delete(m.objects, key)
	return nil
}

// HealthCheck honors ForcedError.
func (m *MemStore) HealthCheck(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ForcedError
}

// Len reports the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
