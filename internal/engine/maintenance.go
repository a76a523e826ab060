package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scrypster/strata/internal/backup"
	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/pkg/types"
)

// MaintenanceReport describes one maintenance cycle.
type MaintenanceReport struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Promoted     []string      `json:"promoted"`
	Archived     []string      `json:"archived"`
	Checkpointed int           `json:"checkpointed"`
	Cycle        int           `json:"cycle"`
	Snapshot     string        `json:"snapshot,omitempty"`
	Committed    bool          `json:"committed"`
	Interrupted  bool          `json:"interrupted"`
	Warnings     []string      `json:"warnings,omitempty"`
}

func (r *MaintenanceReport) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("Warning: engine: maintenance: %s", msg)
	r.Warnings = append(r.Warnings, msg)
}

// Maintain runs one cycle: promote eligible hot items to warm, archive warm
// candidates to cold, checkpoint what remains and, when anything was
// archived, snapshot the archive. Cancelling ctx stops the cycle between
// item transitions and sets Interrupted.
func (m *Manager) Maintain(ctx context.Context) (*MaintenanceReport, error) {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	if m.closed {
		return nil, errors.New("engine: manager closed")
	}
	m.refresh(ctx)

	now := m.now().UTC()
	report := &MaintenanceReport{StartedAt: now, Promoted: []string{}, Archived: []string{}}
	defer func() { report.Duration = m.now().Sub(now) }()

	if m.hot != nil && m.warm != nil {
		m.promote(ctx, now, report)
	}
	if !report.Interrupted && m.warm != nil && m.cold != nil {
		m.archive(ctx, now, report)
	}

	if m.cold != nil {
		if !report.Interrupted && m.cfg.Cold.AutoArchive {
			var live []*types.MemoryItem
			if m.hot != nil {
				live = append(live, m.hot.All()...)
			}
			if m.warm != nil {
				live = append(live, m.warm.All()...)
			}
			n, err := m.cold.Checkpoint(ctx, live)
			report.Checkpointed = n
			if err != nil {
				if ctx.Err() != nil {
					report.Interrupted = true
				} else {
					report.warn("checkpoint: %v", err)
				}
			}
		}
		if report.Cycle == 0 {
			cycle, err := m.cold.Cycle(ctx)
			if err == nil {
				report.Cycle = cycle
			}
		}
	}

	if len(report.Archived) > 0 {
		m.version(ctx, report)
	}
	return report, nil
}

// promote moves eligible hot items to warm: warm write first, then hot
// remove. Promotions are flushed to the warm artifact as one batch before
// any hot copy is dropped. An item whose embedding fails stays in hot.
func (m *Manager) promote(ctx context.Context, now time.Time, report *MaintenanceReport) {
	var eligible []*types.MemoryItem
	for _, it := range m.hot.All() {
		if m.policy.ShouldPromote(it, now) {
			eligible = append(eligible, it)
		}
	}
	m.policy.PromotionOrder(eligible)

	var moved []*types.MemoryItem
	for _, it := range eligible {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		if err := m.policy.CanTransition(it, types.TierWarm); err != nil {
			report.warn("%v", err)
			continue
		}

		promoted, err := m.warm.Promote(ctx, it)
		if err != nil {
			if ctx.Err() != nil {
				report.Interrupted = true
				break
			}
			report.warn("promote %s postponed: %v", it.ID, err)
			if errors.Is(err, storage.ErrEmbeddingUnavailable) || errors.Is(err, storage.ErrIndexUnavailable) {
				// Every remaining promotion would fail the same way.
				m.emit(Event{Type: EventDegraded, ItemID: it.ID, Message: err.Error()})
				break
			}
			continue
		}
		moved = append(moved, promoted)
	}
	if len(moved) == 0 {
		return
	}

	if err := m.warm.Flush(ctx); err != nil {
		report.warn("promotion of %d items postponed: %v", len(moved), err)
		for _, it := range moved {
			if rbErr := m.warm.Remove(ctx, it.ID); rbErr != nil {
				log.Printf("Warning: engine: rollback promote %s: %v", it.ID, rbErr)
			}
		}
		return
	}

	rolledBack := false
	for _, it := range moved {
		if err := m.hot.Remove(it.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			report.warn("promote %s: hot remove: %v", it.ID, err)
			if rbErr := m.warm.Remove(ctx, it.ID); rbErr != nil {
				log.Printf("Warning: engine: rollback promote %s: %v", it.ID, rbErr)
			}
			rolledBack = true
			continue
		}
		report.Promoted = append(report.Promoted, it.ID)
		m.emit(Event{Type: EventPromoted, ItemID: it.ID, Tier: types.TierWarm, Message: it.Content})
	}
	if rolledBack {
		if err := m.warm.Flush(ctx); err != nil {
			report.warn("rollback flush: %v", err)
		}
	}
}

// archive moves warm candidates to cold: cold write first, then warm
// remove. Items the archive did not acknowledge stay warm.
func (m *Manager) archive(ctx context.Context, now time.Time, report *MaintenanceReport) {
	candidates := m.policy.ArchiveCandidates(m.warm.All(), m.cfg.Warm.Capacity, now)
	if len(candidates) == 0 {
		return
	}

	res, err := m.cold.Archive(ctx, candidates)
	if res != nil {
		report.Cycle = res.Cycle
		report.Interrupted = report.Interrupted || res.Interrupted
		for _, id := range res.Archived {
			if err := m.warm.Remove(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				report.warn("archive %s: warm remove: %v", id, err)
				continue
			}
			report.Archived = append(report.Archived, id)
			m.emit(Event{Type: EventArchived, ItemID: id, Tier: types.TierCold})
		}
	}
	if len(report.Archived) > 0 {
		// Removals still pending stay buffered and go out with the next flush.
		if err := m.warm.Flush(ctx); err != nil {
			report.warn("archive: warm flush: %v", err)
		}
	}
	if err != nil {
		// What was written is owned by cold; the rest stays warm.
		report.warn("archive cycle: %v", err)
	}
}

// version snapshots the archive for the cycle and, in git mode, commits the
// Markdown export.
func (m *Manager) version(ctx context.Context, report *MaintenanceReport) {
	if m.snapshots != nil {
		snap, err := m.snapshots.Snapshot(ctx, report.Cycle)
		if err != nil {
			report.warn("snapshot cycle %d: %v", report.Cycle, err)
		} else {
			report.Snapshot = snap.Path
		}
	}

	if m.git == nil {
		return
	}
	md, err := m.Export(ctx, FormatMarkdown)
	if err != nil {
		report.warn("git export: %v", err)
		return
	}
	committed, err := m.git.Commit(ctx, report.Cycle, md)
	switch {
	case errors.Is(err, backup.ErrGitUnavailable):
		report.warn("git versioning skipped: %v", err)
	case err != nil:
		report.warn("git commit cycle %d: %v", report.Cycle, err)
	default:
		report.Committed = committed
	}
}
