package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/strata/internal/storage"
)

func TestScheduler_Due(t *testing.T) {
	m := openManager(t, testConfig(t))

	_, err := NewScheduler(m, "every tuesday")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	s, err := NewScheduler(m, "*/15 * * * *")
	require.NoError(t, err)

	at := func(h, minute, sec int) time.Time { return time.Date(2026, 3, 2, h, minute, sec, 0, time.UTC) }
	assert.True(t, s.Due(at(10, 15, 0)))
	assert.True(t, s.Due(at(10, 15, 42)), "minute resolution")
	assert.False(t, s.Due(at(10, 16, 0)))

	next, err := s.Next(at(10, 16, 0))
	require.NoError(t, err)
	assert.True(t, next.Equal(at(10, 30, 0)), "next tick %s", next)
}

func TestScheduler_PendingCoversSkippedMinutes(t *testing.T) {
	m := openManager(t, testConfig(t))
	s, err := NewScheduler(m, "15 * * * *")
	require.NoError(t, err)

	at := func(h, minute int) time.Time { return time.Date(2026, 3, 2, h, minute, 0, 0, time.UTC) }
	assert.True(t, s.pending(at(10, 14), at(10, 15)))
	assert.True(t, s.pending(at(10, 14), at(10, 16)), "a late tick jumped over 10:15")
	assert.False(t, s.pending(at(10, 15), at(10, 16)), "already checked")
	assert.False(t, s.pending(at(10, 16), at(11, 14)))
	assert.True(t, s.pending(at(10, 16), at(13, 2)), "several hours skipped")
}

func TestScheduler_RunMaintainsWhenDue(t *testing.T) {
	clk := newClock()
	m := openManager(t, testConfig(t), WithClock(clk.Now))
	ctx := context.Background()

	it, err := m.Store(ctx, "We decided to run billing on Postgres", "", 0.9)
	require.NoError(t, err)

	s, err := NewScheduler(m, "* * * * *")
	require.NoError(t, err)
	s.every = 10 * time.Millisecond

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		s.Run(runCtx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := m.warm.Get(it.ID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
