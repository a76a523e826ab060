// Package tiering decides where memory items live and when they move.
//
// Policy is pure: it reads items and a clock and returns decisions. The
// engine performs the transitions.
package tiering

import (
	"fmt"
	"sort"
	"time"

	"github.com/scrypster/strata/pkg/types"
)

// Config holds policy thresholds. Zero fields take defaults, except
// MinDwell where zero means promote immediately.
type Config struct {
	ImportanceThreshold float64       // default: 0.6
	MinDwell            time.Duration // config default: 1m
	WarmIdleAge         time.Duration // default: 168h
	HighWater           float64       // default: 0.9
	LowWater            float64       // default: 0.75
	ReinforceBoost      float64       // default: 0.05
}

func (c Config) withDefaults() Config {
	if c.ImportanceThreshold <= 0 {
		c.ImportanceThreshold = 0.6
	}
	if c.MinDwell < 0 {
		c.MinDwell = 0
	}
	if c.WarmIdleAge <= 0 {
		c.WarmIdleAge = 7 * 24 * time.Hour
	}
	if c.HighWater <= 0 || c.HighWater > 1 {
		c.HighWater = 0.9
	}
	if c.LowWater <= 0 {
		c.LowWater = 0.75
	}
	if c.LowWater >= c.HighWater {
		c.LowWater = c.HighWater * 0.8
	}
	if c.ReinforceBoost <= 0 {
		c.ReinforceBoost = 0.05
	}
	return c
}

// Policy makes tier placement decisions.
type Policy struct {
	cfg Config
}

// New returns a policy with cfg's zero fields defaulted.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg.withDefaults()}
}

// Config returns the effective thresholds.
func (p *Policy) Config() Config { return p.cfg }

// Place prepares a new item for the hot tier.
func (p *Policy) Place(item *types.MemoryItem, now time.Time) error {
	if item == nil {
		return fmt.Errorf("tiering: nil item")
	}
	if !types.IsValidTierTransition(item.Tier, types.TierHot) && item.Tier != types.TierHot {
		return fmt.Errorf("tiering: cannot place %s item in hot", item.Tier)
	}
	item.Tier = types.TierHot
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.LastAccessedAt.IsZero() {
		item.LastAccessedAt = item.CreatedAt
	}
	item.SetImportance(item.Importance)
	return nil
}

// ShouldPromote reports whether a hot item is important enough and has
// dwelt in hot long enough to move to warm.
func (p *Policy) ShouldPromote(item *types.MemoryItem, now time.Time) bool {
	if item.Tier != types.TierHot {
		return false
	}
	if item.Importance < p.cfg.ImportanceThreshold {
		return false
	}
	return now.Sub(item.CreatedAt) >= p.cfg.MinDwell
}

// PromotionOrder sorts items most important first, oldest first on ties.
func (p *Policy) PromotionOrder(items []*types.MemoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ArchiveCandidates picks warm items to move to cold: every item idle
// longer than WarmIdleAge, plus, above the high-water mark, enough of the
// least valuable items to fall back to the low-water mark. The result is
// ordered least valuable first.
func (p *Policy) ArchiveCandidates(items []*types.MemoryItem, capacity int, now time.Time) []*types.MemoryItem {
	ordered := append([]*types.MemoryItem(nil), items...)
	sort.Slice(ordered, func(i, j int) bool { return archivesBefore(ordered[i], ordered[j]) })

	chosen := make(map[string]bool)
	var out []*types.MemoryItem
	pick := func(it *types.MemoryItem) {
		if !chosen[it.ID] {
			chosen[it.ID] = true
			out = append(out, it)
		}
	}

	for _, it := range ordered {
		if now.Sub(it.LastAccessedAt) > p.cfg.WarmIdleAge {
			pick(it)
		}
	}

	if capacity > 0 && float64(len(items)) > p.cfg.HighWater*float64(capacity) {
		target := int(p.cfg.LowWater * float64(capacity))
		for _, it := range ordered {
			if len(items)-len(out) <= target {
				break
			}
			pick(it)
		}
	}

	sort.Slice(out, func(i, j int) bool { return archivesBefore(out[i], out[j]) })
	return out
}

// archivesBefore is the archival key: importance asc, last access asc, id asc.
func archivesBefore(a, b *types.MemoryItem) bool {
	if a.Importance != b.Importance {
		return a.Importance < b.Importance
	}
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	return a.ID < b.ID
}

// Reinforcement is the outcome of a retrieval hit on an item.
type Reinforcement struct {
	Item *types.MemoryItem

	// Rehydrate is set for cold items that crossed the importance threshold
	// and should return to hot.
	Rehydrate bool
}

// Reinforce applies an access to item in place.
func (p *Policy) Reinforce(item *types.MemoryItem, now time.Time) Reinforcement {
	item.Touch(p.cfg.ReinforceBoost, now)
	return Reinforcement{Item: item, Rehydrate: p.ShouldRehydrate(item)}
}

// ShouldRehydrate reports whether a cold item has been reinforced past the
// importance threshold.
func (p *Policy) ShouldRehydrate(item *types.MemoryItem) bool {
	return item.Tier == types.TierCold && item.Importance >= p.cfg.ImportanceThreshold
}

// Boost is the importance added per reinforcement.
func (p *Policy) Boost() float64 { return p.cfg.ReinforceBoost }

// EvictionEvent describes an item pushed out of hot.
type EvictionEvent struct {
	Item *types.MemoryItem

	// Lost is set when no cold copy exists, so the content is gone.
	Lost bool
}

func (e EvictionEvent) String() string {
	if e.Lost {
		return fmt.Sprintf("evicted %s (importance %.2f) from hot with no archived copy", e.Item.ID, e.Item.Importance)
	}
	return fmt.Sprintf("evicted %s (importance %.2f) from hot; archived copy kept", e.Item.ID, e.Item.Importance)
}

// ClassifyEviction reports whether evicting item loses it.
func (p *Policy) ClassifyEviction(item *types.MemoryItem, persisted bool) EvictionEvent {
	return EvictionEvent{Item: item, Lost: !persisted}
}

// CanTransition validates a tier move.
func (p *Policy) CanTransition(item *types.MemoryItem, to types.Tier) error {
	if !types.IsValidTierTransition(item.Tier, to) {
		return fmt.Errorf("tiering: invalid transition %q -> %q for %s", item.Tier, to, item.ID)
	}
	return nil
}
