package workcopy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkingCopyLifecycle(t *testing.T) {
	ctx := context.Background()
	tempDir := t.TempDir()
	svc := New(tempDir)

	require.NoError(t, svc.Commit(ctx, "atlantic", "<FlightTrack/>\n", "revision 1", "Avery Stone"))
	require.NoError(t, svc.Commit(ctx, "atlantic", "<FlightTrack version=\"2\"/>\n", "moved waypoint", "Avery Stone"))

	raw, err := os.ReadFile(filepath.Join(tempDir, "atlantic", FileName))
	require.NoError(t, err, "read checkout")
	assert.Equal(t, "<FlightTrack version=\"2\"/>\n", string(raw))

	history, err := svc.History("atlantic", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, strings.HasPrefix(history[0].Message, "moved waypoint"), "newest commit first, got %q", history[0].Message)
	assert.Equal(t, "Avery Stone", history[0].Author)

	first, err := svc.Read("atlantic", history[1].Hash)
	require.NoError(t, err)
	assert.Equal(t, "<FlightTrack/>\n", first)

	limited, err := svc.History("atlantic", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRenameAndRemove(t *testing.T) {
	ctx := context.Background()
	tempDir := t.TempDir()
	svc := New(tempDir)

	require.NoError(t, svc.Rename(ctx, "missing", "elsewhere"), "rename of a missing checkout")
	require.NoError(t, svc.Commit(ctx, "arctic", "<FlightTrack/>\n", "revision 1", "mscolab"))
	require.NoError(t, svc.Rename(ctx, "arctic", "polar"))

	content, err := svc.Read("polar", "")
	require.NoError(t, err)
	assert.Equal(t, "<FlightTrack/>\n", content)

	require.NoError(t, svc.Remove(ctx, "polar"))
	_, err = os.Stat(filepath.Join(tempDir, "polar"))
	assert.True(t, os.IsNotExist(err), "checkout must be removed, stat err = %v", err)
}

func TestRejectsEscapingPaths(t *testing.T) {
	svc := New(t.TempDir())
	for _, path := range []string{"", ".", "..", "a/b", `a\b`} {
		assert.Error(t, svc.Commit(context.Background(), path, "x", "m", "a"), "path %q", path)
	}
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	ctx := context.Background()
	svc := New(t.TempDir())
	require.NoError(t, svc.Commit(ctx, "pacific", "<FlightTrack/>\n", "init", "mscolab"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Commit(ctx, "pacific", "<FlightTrack/>\n", "again", "mscolab")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	history, err := svc.History("pacific", 0)
	require.NoError(t, err)
	assert.Len(t, history, 9)
}
