package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "objects"), "/objects/")
	require.NoError(t, err)
	return s
}

func TestPutOpenDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	data := []byte("png-bytes")

	url, err := s.Put(ctx, 7, "7/1700000000.png", bytes.NewReader(data), int64(len(data)), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "/objects/7/1700000000.png", url)

	key, ok := s.KeyFromURL(url)
	require.True(t, ok)
	assert.Equal(t, "7/1700000000.png", key)

	rc, err := s.Open(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, 7, key))
	require.NoError(t, s.Delete(ctx, 7, key))
	_, err = s.Open(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWritesScopedToOwnerPrefix(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, 7, "8/1.png", bytes.NewReader(nil), 0, "image/png")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.Put(ctx, 7, "7/1.png", bytes.NewReader([]byte("x")), 1, "image/png")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete(ctx, 8, "7/1.png"), ErrForbidden)
}

func TestRejectsTraversalKeys(t *testing.T) {
	s := newStore(t)
	for _, key := range []string{"7/../8/x", "/7/x", "7//x", "7/.hidden", "7\\x"} {
		_, err := s.Put(context.Background(), 7, key, bytes.NewReader(nil), 0, "")
		assert.Error(t, err, key)
	}
}

func TestPutSizeMismatchLeavesNothing(t *testing.T) {
	s := newStore(t)
	_, err := s.Put(context.Background(), 7, "7/short.bin", bytes.NewReader([]byte("abc")), 10, "")
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(s.Root(), "7"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPutCancelled(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Put(ctx, 7, "7/c.bin", bytes.NewReader([]byte("abc")), 3, "")
	assert.ErrorIs(t, err, context.Canceled)
}
