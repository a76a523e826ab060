package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// nameLayout is the timestamp part of a snapshot file name.
const nameLayout = "20060102T150405.000000000Z"

var namePattern = regexp.MustCompile(`^archive-c(\d+)-(\d{8}T\d{6}\.\d{9}Z)\.db$`)

func snapshotName(cycle int, at time.Time) string {
	return fmt.Sprintf("archive-c%06d-%s.db", cycle, at.UTC().Format(nameLayout))
}

// listSnapshots returns the snapshots in dir, newest first. Files that do
// not follow the snapshot naming scheme are ignored.
func listSnapshots(dir string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var out []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := namePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		cycle, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ts, err := time.Parse(nameLayout, m[2])
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // Skip files we can't stat
		}
		out = append(out, SnapshotInfo{
			Path:      filepath.Join(dir, entry.Name()),
			Cycle:     cycle,
			Timestamp: ts,
			Size:      info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Cycle != out[j].Cycle {
			return out[i].Cycle > out[j].Cycle
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// applyRetention keeps the newest keep snapshots and removes the rest.
// It returns the removed paths.
func applyRetention(dir string, keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	snaps, err := listSnapshots(dir)
	if err != nil {
		return nil, err
	}
	if len(snaps) <= keep {
		return nil, nil
	}

	var removed []string
	var lastErr error
	for _, s := range snaps[keep:] {
		if err := os.Remove(s.Path); err != nil {
			lastErr = err
			continue // Keep pruning the rest
		}
		removed = append(removed, s.Path)
	}
	if lastErr != nil {
		return removed, fmt.Errorf("failed to delete some snapshots: %w", lastErr)
	}
	return removed, nil
}

// diskUsage returns the total bytes used by snapshots in dir.
func diskUsage(dir string) (int64, error) {
	snaps, err := listSnapshots(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range snaps {
		total += s.Size
	}
	return total, nil
}
