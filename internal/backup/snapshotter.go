package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshotter writes one verified archive snapshot per cycle.
type Snapshotter struct {
	dbPath string
	dir    string
	keep   int
	verify bool

	mu  sync.Mutex
	now func() time.Time
}

// NewSnapshotter validates cfg and creates the snapshot directory.
func NewSnapshotter(cfg SnapshotConfig) (*Snapshotter, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 10
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Snapshotter{
		dbPath: cfg.DBPath,
		dir:    cfg.Dir,
		keep:   cfg.Keep,
		verify: cfg.Verify,
		now:    time.Now,
	}, nil
}

// Dir returns the snapshot directory.
func (s *Snapshotter) Dir() string { return s.dir }

// Snapshot copies the archive as it stands after cycle and prunes old
// snapshots. A snapshot that fails verification is removed.
func (s *Snapshotter) Snapshot(ctx context.Context, cycle int) (*SnapshotResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	at := start.UTC()
	path := filepath.Join(s.dir, snapshotName(cycle, at))

	if err := vacuumInto(ctx, s.dbPath, path); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	res := &SnapshotResult{SnapshotInfo: SnapshotInfo{Path: path, Cycle: cycle, Timestamp: at}}
	if s.verify {
		if err := verify(path); err != nil {
			_ = os.Remove(path)
			return nil, err
		}
		res.Verified = true
	}
	if info, err := os.Stat(path); err == nil {
		res.Size = info.Size()
	}

	pruned, err := applyRetention(s.dir, s.keep)
	if err != nil {
		log.Printf("Warning: backup: retention: %v", err)
	}
	res.Pruned = pruned
	res.Duration = s.now().Sub(start)
	return res, nil
}

// List returns the retained snapshots, newest first.
func (s *Snapshotter) List() ([]SnapshotInfo, error) {
	return listSnapshots(s.dir)
}

// DiskUsage returns the bytes used by retained snapshots.
func (s *Snapshotter) DiskUsage() (int64, error) {
	return diskUsage(s.dir)
}

// Restore replaces the archive with the snapshot at path. The archive must
// be closed by the caller first.
func (s *Snapshotter) Restore(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if filepath.Dir(path) != filepath.Clean(s.dir) {
		path = filepath.Join(s.dir, filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("snapshot %s: %w", filepath.Base(path), err)
	}
	return restoreFile(path, s.dbPath)
}
