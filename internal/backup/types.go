// Package backup versions the cold archive: a verified SQLite snapshot per
// archive cycle with count-based retention, and optional git commits of a
// human-readable export.
package backup

import (
	"time"
)

// SnapshotConfig holds snapshotter configuration.
type SnapshotConfig struct {
	// DBPath is the archive database to snapshot
	DBPath string

	// Dir is where snapshots are written (usually <memory>/snapshots)
	Dir string

	// Keep is the number of newest snapshots retained (default: 10)
	Keep int

	// Verify runs PRAGMA integrity_check on every new snapshot (default: true)
	Verify bool
}

// SnapshotInfo describes one snapshot file.
type SnapshotInfo struct {
	// Path is the full path to the snapshot file
	Path string

	// Cycle is the archive cycle the snapshot was taken after
	Cycle int

	// Timestamp is when the snapshot was taken, parsed from the file name
	Timestamp time.Time

	// Size is the snapshot size in bytes
	Size int64
}

// SnapshotResult is the outcome of one snapshot.
type SnapshotResult struct {
	SnapshotInfo

	// Duration is how long the snapshot took
	Duration time.Duration

	// Verified is set when the integrity check ran and passed
	Verified bool

	// Pruned lists snapshots removed by retention
	Pruned []string
}
