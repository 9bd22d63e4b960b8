package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.Put(context.Background(), "gallery/screenshots/alpha.jpg", "image/jpeg", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://gallery/screenshots/alpha.jpg", uri)

	payload[0] = 'C'
	stored, ok := store.Get("gallery/screenshots/alpha.jpg")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
}

func TestBlobStoreRequiresPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.Put(context.Background(), "", "image/jpeg", []byte("x"))
	require.Error(t, err)
}
