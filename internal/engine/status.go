package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrypster/strata/pkg/types"
)

// Health values reported by Status.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// TierStatus summarises one tier.
type TierStatus struct {
	Enabled  bool `json:"enabled"`
	Count    int  `json:"count"`
	Capacity int  `json:"capacity,omitempty"`
}

// WarmStatus adds index details to TierStatus.
type WarmStatus struct {
	TierStatus
	Index     string `json:"index,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
}

// ColdStatus adds archive versioning details to TierStatus.
type ColdStatus struct {
	TierStatus
	Cycle         int   `json:"cycle"`
	Snapshots     int   `json:"snapshots"`
	SnapshotBytes int64 `json:"snapshot_bytes"`
	Git           bool  `json:"git"`
}

// EmbeddingStatus reports the provider and its circuit breaker.
type EmbeddingStatus struct {
	Model    string `json:"model"`
	Breaker  string `json:"breaker"`
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
	Rejected uint64 `json:"rejected"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	Health    string          `json:"health"`
	Workspace string          `json:"workspace"`
	Hot       TierStatus      `json:"hot"`
	Warm      WarmStatus      `json:"warm"`
	Cold      ColdStatus      `json:"cold"`
	Embedding EmbeddingStatus `json:"embedding"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// Status reports tier counts and health. The manager is degraded when the
// embedding breaker is not closed or a tier could not be read.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	st := &Status{Health: HealthHealthy, Workspace: m.cfg.Workspace}
	warn := func(format string, args ...any) {
		st.Warnings = append(st.Warnings, fmt.Sprintf(format, args...))
	}

	m.refresh(ctx)
	if m.hot != nil {
		st.Hot = TierStatus{Enabled: true, Count: m.hot.Len(), Capacity: m.hot.Capacity()}
	}
	if m.warm != nil {
		st.Warm = WarmStatus{
			TierStatus: TierStatus{Enabled: true, Count: m.warm.Len(), Capacity: m.cfg.Warm.Capacity},
			Index:      m.warm.IndexName(),
			Dimension:  m.warm.Dimension(),
		}
	}
	if m.cold != nil {
		st.Cold.Enabled = true
		st.Cold.Git = m.git != nil
		if n, err := m.cold.CountByTier(ctx, types.TierCold); err != nil {
			warn("cold count: %v", err)
		} else {
			st.Cold.Count = n
		}
		if c, err := m.cold.Cycle(ctx); err != nil {
			warn("cold cycle: %v", err)
		} else {
			st.Cold.Cycle = c
		}
		if m.snapshots != nil {
			if snaps, err := m.snapshots.List(); err != nil {
				warn("snapshots: %v", err)
			} else {
				st.Cold.Snapshots = len(snaps)
			}
			if size, err := m.snapshots.DiskUsage(); err == nil {
				st.Cold.SnapshotBytes = size
			}
		}
	}

	metrics := m.embedder.Metrics()
	st.Embedding = EmbeddingStatus{
		Model:    m.embedder.Model(),
		Breaker:  m.embedder.Health(),
		Requests: metrics.TotalRequests,
		Failures: metrics.TotalFailures,
		Rejected: metrics.Rejected,
	}
	if m.warm != nil && st.Embedding.Breaker != "closed" {
		warn("embedding breaker %s", st.Embedding.Breaker)
	}

	if len(st.Warnings) > 0 {
		st.Health = HealthDegraded
	}
	return st, nil
}

// Markdown renders the status as a short Markdown document.
func (s *Status) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Strata status: %s\n\n", s.Health)
	fmt.Fprintf(&b, "Workspace: `%s`\n\n", s.Workspace)
	b.WriteString("| Tier | Enabled | Items | Capacity |\n|---|---|---|---|\n")
	row := func(name string, t TierStatus) {
		capacity := "-"
		if t.Capacity > 0 {
			capacity = fmt.Sprint(t.Capacity)
		}
		fmt.Fprintf(&b, "| %s | %t | %d | %s |\n", name, t.Enabled, t.Count, capacity)
	}
	row("hot", s.Hot)
	row("warm", s.Warm.TierStatus)
	row("cold", s.Cold.TierStatus)

	b.WriteString("\n")
	if s.Warm.Enabled {
		fmt.Fprintf(&b, "- Warm index: %s (%d dimensions)\n", s.Warm.Index, s.Warm.Dimension)
	}
	if s.Cold.Enabled {
		fmt.Fprintf(&b, "- Archive cycle: %d, snapshots: %d\n", s.Cold.Cycle, s.Cold.Snapshots)
	}
	fmt.Fprintf(&b, "- Embedding: %s (breaker %s, %d/%d failed)\n",
		s.Embedding.Model, s.Embedding.Breaker, s.Embedding.Failures, s.Embedding.Requests)
	for _, w := range s.Warnings {
		fmt.Fprintf(&b, "- Warning: %s\n", w)
	}
	return b.String()
}
