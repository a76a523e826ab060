package notify

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventWatcher watches the events directory and dispatches callbacks.
// Events written by the watching process itself (same pid) are consumed
// but not dispatched, since in-process subscribers already saw them.
type EventWatcher struct {
	dir      string
	callback func(Event)
	self     int
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewEventWatcher creates a watcher for {dataPath}/events/.
func NewEventWatcher(dataPath string, callback func(Event)) *EventWatcher {
	return &EventWatcher{
		dir:      filepath.Join(dataPath, Dir),
		callback: callback,
		self:     os.Getpid(),
		done:     make(chan struct{}),
	}
}

// Start begins watching. It drains any existing event files first,
// then watches for new ones. Call Stop() to clean up.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	ew.drainExisting()

	go ew.loop()
	log.Printf("notify: watching %s for events", ew.dir)
	return nil
}

// Stop shuts down the watcher. Safe to call more than once.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	ew.stopOnce.Do(func() {
		_ = ew.watcher.Close()
		<-ew.done
	})
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, ".event") {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Warning: notify: watcher error: %v", err)
		}
	}
}

func (ew *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".event") {
			ew.processFile(filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *EventWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // consumed by another watcher
	}
	if err := os.Remove(path); err != nil {
		return
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("Warning: notify: invalid event file %s: %v", filepath.Base(path), err)
		return
	}
	if event.Type == "" || event.Origin == ew.self || ew.callback == nil {
		return
	}
	ew.callback(event)
}
