package engine

import (
	"log"
	"time"

	"github.com/scrypster/strata/pkg/types"
)

// EventType names a manager event.
type EventType string

const (
	EventCaptured   EventType = "captured"
	EventPromoted   EventType = "promoted"
	EventArchived   EventType = "archived"
	EventEvicted    EventType = "evicted"
	EventRehydrated EventType = "rehydrated"
	EventDegraded   EventType = "degraded"
)

// Event is delivered to every OnEvent subscriber.
type Event struct {
	Type    EventType  `json:"type"`
	ItemID  string     `json:"item_id,omitempty"`
	Tier    types.Tier `json:"tier,omitempty"`
	Message string     `json:"message,omitempty"`
	Lost    bool       `json:"lost,omitempty"` // evicted with no archived copy
	At      time.Time  `json:"at"`
}

// OnEvent registers fn for all future events. Subscribers run synchronously
// on the goroutine that raised the event and must not call back into the
// manager.
func (m *Manager) OnEvent(fn func(Event)) {
	if fn == nil {
		return
	}
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.subMu.Unlock()
}

func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.subMu.RLock()
	subs := m.subscribers
	m.subMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Warning: engine: event subscriber panicked on %s: %v", ev.Type, r)
				}
			}()
			fn(ev)
		}()
	}
}
