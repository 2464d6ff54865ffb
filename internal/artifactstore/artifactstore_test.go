package artifactstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "k1", strings.NewReader("hello")))

	r, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 5)
	_, _ = r.Read(buf)
	assert.Equal(t, "hello", string(buf))
}

func TestMemoryStore_GetMissingReturnsErrNotFound(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ShouldOffload_RespectsThreshold(t *testing.T) {
	t.Parallel()
	m := NewManager(NewMemoryStore(), OffloadPolicy{SizeThresholdBytes: 10})
	assert.False(t, m.ShouldOffload("short"))
	assert.True(t, m.ShouldOffload("this content is definitely long"))
}

func TestManager_OffloadAndFetch(t *testing.T) {
	t.Parallel()
	m := NewManager(NewMemoryStore(), OffloadPolicy{SizeThresholdBytes: 1})
	require.NoError(t, m.Offload(context.Background(), "stage2_stderr", "boom"))

	content, err := m.Fetch(context.Background(), "stage2_stderr")
	require.NoError(t, err)
	assert.Equal(t, "boom", content)
}

func TestManager_CleanupExpired_RemovesOldKeysOnly(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	m := NewManager(store, OffloadPolicy{SizeThresholdBytes: 1, Cleanup: true, RetentionDays: 1})

	require.NoError(t, m.Offload(context.Background(), "old", "data"))
	m.mu.Lock()
	m.writtenAt["old"] = time.Now().Add(-48 * time.Hour)
	m.mu.Unlock()
	require.NoError(t, m.Offload(context.Background(), "fresh", "data"))

	removed := m.CleanupExpired(context.Background())
	assert.Equal(t, 1, removed)

	_, err := store.Get(context.Background(), "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(context.Background(), "fresh")
	assert.NoError(t, err)
}

func TestManager_CleanupExpired_DisabledIsNoop(t *testing.T) {
	t.Parallel()
	m := NewManager(NewMemoryStore(), OffloadPolicy{SizeThresholdBytes: 1, Cleanup: false})
	require.NoError(t, m.Offload(context.Background(), "k", "data"))
	assert.Equal(t, 0, m.CleanupExpired(context.Background()))
}
