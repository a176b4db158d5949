package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStorageRoundTrip(t *testing.T) {
	s, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := TarballKey("demo", "1.0.0")
	require.NoError(t, s.Put(ctx, key, []byte("archive bytes")))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("archive bytes"), got)

	exists, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFSStorageOverwrite(t *testing.T) {
	s, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "docs/x.tar.gz", []byte("v1")))
	require.NoError(t, s.Put(ctx, "docs/x.tar.gz", []byte("v2")))

	got, err := s.Get(ctx, "docs/x.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestFSStorageRejectsEscapingKeys(t *testing.T) {
	s, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"../outside", "..", "/etc/passwd", "a/../../b", "."} {
		assert.Error(t, s.Put(ctx, key, []byte("x")), key)
		_, err := s.Get(ctx, key)
		assert.Error(t, err, key)
	}
}

func TestFSStorageDeleteMissingIsIdempotent(t *testing.T) {
	s, err := NewFSStorage(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.Delete(context.Background(), "tarballs/none.tar"))
}
