// Package notify relays manager events between processes sharing a
// workspace. CLI invocations drop event files into <data>/events/ and a
// running `strata serve` picks them up with fsnotify and rebroadcasts them.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Dir is the events directory name under the data path.
const Dir = "events"

// Event is the payload written to an event file.
type Event struct {
	Type    string `json:"type"`
	ItemID  string `json:"item_id,omitempty"`
	Tier    string `json:"tier,omitempty"`
	Message string `json:"message,omitempty"`
	Lost    bool   `json:"lost,omitempty"`
	Origin  int    `json:"origin"` // writer pid
	Time    int64  `json:"time"`
}

// EventWriter writes notification event files to a shared directory.
type EventWriter struct {
	dir string
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, Dir)}
}

// Notify writes one event file. The file is written under a temporary name
// and renamed, so watchers never read a partial payload. Safe to call
// concurrently.
func (w *EventWriter) Notify(ev Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if ev.Time == 0 {
		ev.Time = time.Now().UnixNano()
	}
	if ev.Origin == 0 {
		ev.Origin = os.Getpid()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	name := fmt.Sprintf("%d-%d-%s-%s.event", ev.Time, ev.Origin, ev.Type, sanitizeID(ev.ItemID))
	path := filepath.Join(w.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: publish %s: %w", name, err)
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	if id == "" {
		return "none"
	}
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', ':', '\\', '.':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}
