//go:build linux

package pipeline_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/blit/internal/pipeline"
	"github.com/bamsammich/blit/internal/platform"
	"github.com/bamsammich/blit/internal/stats"
)

// copyWithBackend runs a full copy through a named kernel backend,
// skipping when the host does not support it.
func copyWithBackend(t *testing.T, name string, size, blockSize, depth int) {
	t.Helper()

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src")
	dstPath := filepath.Join(dir, "dst")
	want := randomData(t, size)
	require.NoError(t, os.WriteFile(srcPath, want, 0644))

	src, err := os.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE, 0644)
	require.NoError(t, err)
	defer dst.Close()

	pool, err := pipeline.NewPool(depth, blockSize)
	require.NoError(t, err)

	be, resolved, err := pipeline.Open(name, depth, pool)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnsupported) {
			t.Skipf("backend %s unavailable: %v", name, err)
		}
		t.Fatalf("open backend %s: %v", name, err)
	}
	defer be.Close()
	require.Equal(t, name, resolved)

	task, err := pipeline.NewTask(
		int(src.Fd()), int(dst.Fd()), int64(size), blockSize, depth, false)
	require.NoError(t, err)

	collector := stats.NewCollector()
	driver, err := pipeline.NewDriver(task, pool, be, collector)
	require.NoError(t, err)
	require.NoError(t, driver.Run())

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, want, got)
	assert.LessOrEqual(t, collector.Snapshot().InFlightPeak, int64(depth))
}

func TestURingBackendCopy(t *testing.T) {
	copyWithBackend(t, pipeline.BackendURing, 1<<20+777, 8192, 8)
}

func TestAIOBackendCopy(t *testing.T) {
	copyWithBackend(t, pipeline.BackendAIO, 1<<20+777, 8192, 8)
}

func TestPollBackendCopy(t *testing.T) {
	copyWithBackend(t, pipeline.BackendPoll, 1<<20+777, 8192, 8)
}

func TestURingBackendSmallFile(t *testing.T) {
	copyWithBackend(t, pipeline.BackendURing, 100, 4096, 4)
}

func TestDirectCopy(t *testing.T) {
	if !platform.DirectSupported() {
		t.Skip("O_DIRECT not supported on this platform")
	}

	const (
		size      = 20000
		blockSize = 4096
		depth     = 4
	)
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src")
	dstPath := filepath.Join(dir, "dst")
	want := randomData(t, size)
	require.NoError(t, os.WriteFile(srcPath, want, 0644))

	src, err := platform.OpenSource(srcPath, true)
	if err != nil {
		t.Skipf("O_DIRECT open failed (filesystem may not support it): %v", err)
	}
	defer src.File.Close()
	require.Equal(t, int64(size), src.Size)

	dst, err := platform.CreateDest(dstPath, src.Size, true, true)
	require.NoError(t, err)
	defer dst.Close()

	pool, err := pipeline.NewPool(depth, blockSize)
	require.NoError(t, err)

	be, _, err := pipeline.Open(pipeline.BackendAuto, depth, pool)
	require.NoError(t, err)
	defer be.Close()

	task, err := pipeline.NewTask(
		int(src.File.Fd()), int(dst.Fd()), src.Size, blockSize, depth, true)
	require.NoError(t, err)
	// Direct mode rounds the I/O range up to a whole number of blocks.
	require.Equal(t, int64(20480), task.IOSize())

	driver, err := pipeline.NewDriver(task, pool, be, nil)
	require.NoError(t, err)
	if err := driver.Run(); err != nil {
		t.Skipf("direct copy failed (filesystem may not support O_DIRECT): %v", err)
	}

	require.NoError(t, platform.Finalize(dst, src.Size))

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
