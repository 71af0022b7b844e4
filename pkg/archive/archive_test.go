package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marektomas-cz/script-executor/pkg/config"
)

func TestFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	data := []byte(`{"result": "a large output"}`)
	addr, err := fs.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Address(data), addr)

	got, err := fs.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := fs.Exists(ctx, addr)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFSStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	a1, err := fs.Store(ctx, []byte("same"))
	require.NoError(t, err)
	a2, err := fs.Store(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestFSMissingBlob(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	missing := Address([]byte("never stored"))
	_, err = fs.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := fs.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting something absent is not an error.
	assert.NoError(t, fs.Delete(ctx, missing))
}

func TestFSDelete(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	addr, err := fs.Store(ctx, []byte("to remove"))
	require.NoError(t, err)
	require.NoError(t, fs.Delete(ctx, addr))

	ok, err := fs.Exists(ctx, addr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadAddresses(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, addr := range []string{"", "md5:abc", "sha256:zz-not-hex", "plainhex"} {
		_, err := fs.Get(ctx, addr)
		assert.Error(t, err, addr)
	}
}

func TestFactory(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, config.ArchiveConfig{Backend: "fs", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FS{}, a)

	// Default backend is the filesystem.
	a, err = New(ctx, config.ArchiveConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FS{}, a)

	_, err = New(ctx, config.ArchiveConfig{Backend: "tape"})
	assert.Error(t, err)

	_, err = New(ctx, config.ArchiveConfig{Backend: "s3"})
	assert.Error(t, err) // bucket missing
}
