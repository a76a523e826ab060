package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// foreign is a pid that is never the test process.
const foreign = 1

func TestEventWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)

	require.NoError(t, w.Notify(Event{Type: "captured", ItemID: "a/b:c"}))

	entries, err := os.ReadDir(filepath.Join(dir, Dir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.Equal(t, ".event", filepath.Ext(name))
	assert.Contains(t, name, "captured-a_b_c")
	assert.False(t, strings.HasSuffix(name, ".tmp"))
}

func TestEventWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()
	received := make(chan Event, 1)

	watcher := NewEventWatcher(dir, func(ev Event) { received <- ev })
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	writer := NewEventWriter(dir)
	require.NoError(t, writer.Notify(Event{Type: "evicted", ItemID: "item-1", Tier: "hot", Lost: true, Origin: foreign}))

	select {
	case ev := <-received:
		assert.Equal(t, "evicted", ev.Type)
		assert.Equal(t, "item-1", ev.ItemID)
		assert.Equal(t, "hot", ev.Tier)
		assert.True(t, ev.Lost)
		assert.NotZero(t, ev.Time)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	assert.Eventually(t, func() bool {
		entries, _ := os.ReadDir(filepath.Join(dir, Dir))
		return len(entries) == 0
	}, time.Second, 10*time.Millisecond, "event files are consumed")
}

func TestEventWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()

	writer := NewEventWriter(dir)
	require.NoError(t, writer.Notify(Event{Type: "promoted", ItemID: "drain1", Origin: foreign}))
	require.NoError(t, writer.Notify(Event{Type: "archived", ItemID: "drain2", Origin: foreign}))

	received := make(chan string, 10)
	watcher := NewEventWatcher(dir, func(ev Event) { received <- ev.ItemID })
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	got := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case id := <-received:
			got[id] = true
		case <-timeout:
			t.Fatalf("timeout: drained %v", got)
		}
	}
	assert.True(t, got["drain1"])
	assert.True(t, got["drain2"])
}

func TestEventWatcherSkipsOwnEvents(t *testing.T) {
	dir := t.TempDir()
	writer := NewEventWriter(dir)
	require.NoError(t, writer.Notify(Event{Type: "captured", ItemID: "mine"}))
	require.NoError(t, writer.Notify(Event{Type: "captured", ItemID: "theirs", Origin: foreign}))

	received := make(chan string, 10)
	watcher := NewEventWatcher(dir, func(ev Event) { received <- ev.ItemID })
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	select {
	case id := <-received:
		assert.Equal(t, "theirs", id)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case id := <-received:
		t.Fatalf("unexpected event %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventWatcherIgnoresInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	eventsDir := filepath.Join(dir, Dir)
	require.NoError(t, os.MkdirAll(eventsDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(eventsDir, "1-bad.event"), []byte("{not json"), 0o600))

	called := false
	watcher := NewEventWatcher(dir, func(Event) { called = true })
	require.NoError(t, watcher.Start())
	watcher.Stop()
	watcher.Stop()

	assert.False(t, called)
	_, err := os.Stat(filepath.Join(eventsDir, "1-bad.event"))
	assert.True(t, os.IsNotExist(err))
}
