package notify

import (
	"log"
	"time"

	"github.com/scrypster/strata/internal/engine"
	"github.com/scrypster/strata/pkg/types"
)

// FromEngine converts a manager event into its file payload.
func FromEngine(ev engine.Event) Event {
	return Event{
		Type:    string(ev.Type),
		ItemID:  ev.ItemID,
		Tier:    string(ev.Tier),
		Message: ev.Message,
		Lost:    ev.Lost,
		Time:    ev.At.UnixNano(),
	}
}

// ToEngine converts a file payload back into a manager event.
func ToEngine(ev Event) engine.Event {
	return engine.Event{
		Type:    engine.EventType(ev.Type),
		ItemID:  ev.ItemID,
		Tier:    types.Tier(ev.Tier),
		Message: ev.Message,
		Lost:    ev.Lost,
		At:      time.Unix(0, ev.Time).UTC(),
	}
}

// Forward publishes every event m raises to the workspace events directory
// so a running server can rebroadcast it. Write failures are logged only.
func Forward(m *engine.Manager, w *EventWriter) {
	m.OnEvent(func(ev engine.Event) {
		if err := w.Notify(FromEngine(ev)); err != nil {
			log.Printf("Warning: notify: %v", err)
		}
	})
}
