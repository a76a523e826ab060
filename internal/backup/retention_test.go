package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touchSnapshot(t *testing.T, dir string, cycle int, at time.Time) string {
	t.Helper()
	path := filepath.Join(dir, snapshotName(cycle, at))
	require.NoError(t, os.WriteFile(path, []byte("sqlite"), 0o644))
	return path
}

// TestListSnapshotsEmpty tests listSnapshots with an empty directory.
func TestListSnapshotsEmpty(t *testing.T) {
	snaps, err := listSnapshots(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

// TestListSnapshotsMissingDirectory treats a missing directory as empty.
func TestListSnapshotsMissingDirectory(t *testing.T) {
	snaps, err := listSnapshots(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

// TestListSnapshotsIgnoresForeignFiles tests that only snapshot names count.
func TestListSnapshotsIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup.db"), []byte("x"), 0o644))
	want := touchSnapshot(t, dir, 3, time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC))

	snaps, err := listSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, want, snaps[0].Path)
	assert.Equal(t, 3, snaps[0].Cycle)
	assert.True(t, snaps[0].Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)))
	assert.Equal(t, int64(6), snaps[0].Size)
}

// TestListSnapshotsNewestFirst orders by cycle, then time.
func TestListSnapshotsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	touchSnapshot(t, dir, 1, at.Add(time.Hour))
	touchSnapshot(t, dir, 2, at)
	touchSnapshot(t, dir, 2, at.Add(time.Minute))

	snaps, err := listSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, 2, snaps[0].Cycle)
	assert.True(t, snaps[0].Timestamp.After(snaps[1].Timestamp))
	assert.Equal(t, 1, snaps[2].Cycle)
}

func TestApplyRetentionKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var paths []string
	for c := 1; c <= 5; c++ {
		paths = append(paths, touchSnapshot(t, dir, c, at.Add(time.Duration(c)*time.Hour)))
	}

	removed, err := applyRetention(dir, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, paths[:3], removed)

	snaps, err := listSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 5, snaps[0].Cycle)
	assert.Equal(t, 4, snaps[1].Cycle)

	usage, err := diskUsage(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(12), usage)
}

func TestApplyRetentionUnderLimit(t *testing.T) {
	dir := t.TempDir()
	touchSnapshot(t, dir, 1, time.Now())

	removed, err := applyRetention(dir, 10)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
