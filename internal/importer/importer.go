package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scrypster/strata/internal/engine"
	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/pkg/types"
)

// Storer is the subset of the memory manager the importer writes through.
type Storer interface {
	Capture(ctx context.Context, text, source string) (*engine.CaptureResult, error)
	Store(ctx context.Context, content string, category types.Category, importance float64) (*types.MemoryItem, error)
}

// Result summarizes one import run.
type Result struct {
	FilesFound     int           `json:"files_found"`
	FilesProcessed int           `json:"files_processed"`
	FilesSkipped   int           `json:"files_skipped"`
	FilesFailed    int           `json:"files_failed"`
	Stored         int           `json:"stored"`
	Captured       int           `json:"captured"`
	Reinforced     int           `json:"reinforced"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

// Importer walks Markdown files and feeds them to a Storer.
type Importer struct {
	store Storer
}

// New returns an Importer writing into store.
func New(store Storer) *Importer {
	return &Importer{store: store}
}

// Import loads path, which may be a single Markdown file or a directory
// walked recursively. Per-file failures are recorded in the Result; only a
// missing or unreadable root is returned as an error.
func (imp *Importer) Import(ctx context.Context, path string) (*Result, error) {
	start := time.Now()
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("importer: %w", err)
	}

	root := path
	var files []string
	if info.IsDir() {
		files, err = collectMarkdownFiles(path)
		if err != nil {
			return nil, fmt.Errorf("importer: walk %s: %w", path, err)
		}
	} else {
		root = filepath.Dir(path)
		files = []string{path}
	}

	res := &Result{FilesFound: len(files)}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			rel = filepath.Base(file)
		}
		rel = filepath.ToSlash(rel)

		if err := imp.importFile(ctx, file, rel, res); err != nil {
			if errors.Is(err, storage.ErrInvalidInput) {
				res.FilesSkipped++
				continue
			}
			res.FilesFailed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		res.FilesProcessed++
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (imp *Importer) importFile(ctx context.Context, file, rel string, res *Result) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	note, err := ParseNote(data, rel)
	if err != nil {
		return err
	}

	switch {
	case len(note.Entries) > 0:
		return imp.restore(ctx, note, res)
	case strings.TrimSpace(note.Body) == "":
		return fmt.Errorf("empty note: %w", storage.ErrInvalidInput)
	case note.Structured():
		if _, err := imp.store.Store(ctx, note.Body, note.Category, note.Importance); err != nil {
			return err
		}
		res.Stored++
		return nil
	}

	cr, err := imp.store.Capture(ctx, note.Body, "import:"+rel)
	if err != nil {
		return err
	}
	res.Captured += len(cr.Items)
	res.Reinforced += len(cr.Reinforced)
	return nil
}

// restore stores each exported line with its recorded category and
// importance. Invalid lines are skipped; the file fails only if none land.
func (imp *Importer) restore(ctx context.Context, note *Note, res *Result) error {
	var lastErr error
	stored := 0
	for _, e := range note.Entries {
		if _, err := imp.store.Store(ctx, e.Content, e.Category, e.Importance); err != nil {
			lastErr = err
			continue
		}
		stored++
	}
	res.Stored += stored
	if stored == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// collectMarkdownFiles returns every .md file under root, skipping hidden
// directories such as .obsidian and .git.
func collectMarkdownFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".md") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
