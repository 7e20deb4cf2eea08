package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mscolab/api/internal/apperr"
)

func TestFSPutOpenDelete(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	data := []byte("hello")
	require.NoError(t, fs.Put(ctx, "uploads/1/a.txt", bytes.NewReader(data), int64(len(data)), "text/plain"))

	rc, err := fs.Open(ctx, "/uploads/1/a.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "uploads", "1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not survive a successful put")

	require.NoError(t, fs.Delete(ctx, "uploads/1/a.txt"))
	require.NoError(t, fs.Delete(ctx, "uploads/1/a.txt"))
	_, err = fs.Open(ctx, "uploads/1/a.txt")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestFSPutRejectsShortWrite(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	err = fs.Put(ctx, "uploads/1/a.txt", bytes.NewReader([]byte("abc")), 10, "")
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	entries, err := os.ReadDir(filepath.Join(fs.Root(), "uploads", "1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFSRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../etc/passwd", "uploads/../../x", "..", ""} {
		_, err := fs.Open(ctx, key)
		assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err), key)
	}
}

func TestFSDeletePrefix(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Put(ctx, "uploads/7/a", bytes.NewReader([]byte("a")), 1, ""))
	require.NoError(t, fs.Put(ctx, "uploads/8/b", bytes.NewReader([]byte("b")), 1, ""))

	require.NoError(t, fs.DeletePrefix(ctx, "uploads/7"))
	_, err = fs.Open(ctx, "uploads/7/a")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	rc, err := fs.Open(ctx, "uploads/8/b")
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}
