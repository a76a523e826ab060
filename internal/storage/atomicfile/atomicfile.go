// Package atomicfile writes tier artifacts so readers never observe a torn
// file and concurrent writers never interleave.
package atomicfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when the lock could not be acquired in time.
var ErrLocked = errors.New("atomicfile: lock held by another writer")

var (
	// LockWait bounds how long Write waits for a competing writer.
	LockWait = 5 * time.Second

	// StaleAfter is the age after which an abandoned lock file is broken.
	StaleAfter = 30 * time.Second
)

// Write replaces path with data: acquire <path>.lock, write <path>.tmp,
// fsync, rename, release.
func Write(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("atomicfile: create dir: %w", err)
	}

	unlock, err := Lock(path)
	if err != nil {
		return err
	}
	defer unlock()
	return Replace(path, data, perm)
}

// Update is a read-modify-write of path under its lock. fn receives the
// current content (nil when the file does not exist) and returns the
// replacement; a nil result leaves the file untouched.
func Update(path string, perm os.FileMode, fn func(current []byte) ([]byte, error)) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("atomicfile: create dir: %w", err)
	}

	unlock, err := Lock(path)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("atomicfile: read: %w", err)
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	return Replace(path, next, perm)
}

// Head returns up to n leading bytes of path, or nil when it does not exist.
func Head(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("atomicfile: open: %w", err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("atomicfile: read: %w", err)
	}
	return buf[:read], nil
}

// Replace writes <path>.tmp, fsyncs it and renames it over path. The caller
// must hold Lock(path).
func Replace(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("atomicfile: open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("atomicfile: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("atomicfile: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomicfile: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("atomicfile: atomic rename %s: %w", path, err)
	}
	return nil
}

// Lock takes the exclusive lock file for path and returns its release func.
func Lock(path string) (func(), error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(LockWait)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("atomicfile: create lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > StaleAfter {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
