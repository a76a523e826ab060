package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/scrypster/strata/internal/storage/atomicfile"
)

// ExportFile is the archive export kept under version control.
const ExportFile = "MEMORY.md"

// ErrGitUnavailable is returned when no git binary is on PATH.
var ErrGitUnavailable = errors.New("git not available")

// GitVersioner commits a readable export of the archive after each cycle.
type GitVersioner struct {
	dir string
}

// NewGitVersioner versions files under dir.
func NewGitVersioner(dir string) *GitVersioner {
	return &GitVersioner{dir: dir}
}

// Commit writes markdown to MEMORY.md and commits it as "archive cycle <n>".
// It reports false without error when the export did not change.
func (g *GitVersioner) Commit(ctx context.Context, cycle int, markdown []byte) (bool, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return false, ErrGitUnavailable
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return false, err
	}
	if err := atomicfile.Write(filepath.Join(g.dir, ExportFile), markdown, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", ExportFile, err)
	}

	if _, err := os.Stat(filepath.Join(g.dir, ".git")); os.IsNotExist(err) {
		if _, err := g.git(ctx, "init", "--quiet"); err != nil {
			return false, err
		}
	}
	if _, err := g.git(ctx, "add", ExportFile); err != nil {
		return false, err
	}
	status, err := g.git(ctx, "status", "--porcelain", "--", ExportFile)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	args := []string{}
	if name, _ := g.git(ctx, "config", "--get", "user.name"); strings.TrimSpace(name) == "" {
		args = append(args, "-c", "user.name=strata", "-c", "user.email=strata@localhost")
	}
	args = append(args, "commit", "--quiet", "-m", fmt.Sprintf("archive cycle %d", cycle), "--", ExportFile)
	if _, err := g.git(ctx, args...); err != nil {
		return false, err
	}
	return true, nil
}

func (g *GitVersioner) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w, stderr: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
