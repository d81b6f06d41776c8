package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
	"github.com/ashwinyue/chatbet/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sweepRecorder struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (s *sweepRecorder) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, olderThan)
	return 0, nil
}

func (s *sweepRecorder) calls() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.cutoffs...)
}

func TestReaper_SweepDisconnectsIdle(t *testing.T) {
	fake := testutil.NewFakeClock()
	r := NewRegistry(WithClock(fake), WithLogger(testutil.DiscardLogger()))
	idle := testutil.NewRecordingTransport()
	r.Connect(idle, "idle", "", false)

	fake.Advance(4 * time.Minute)
	r.Connect(testutil.NewRecordingTransport(), "active", "", false)

	reaper := NewReaper(r, nil, fake, ReaperConfig{Interval: time.Minute, Timeout: 5 * time.Minute}, testutil.DiscardLogger())

	fake.Advance(2 * time.Minute)
	n := reaper.Sweep(context.Background(), fake.Now())

	assert.Equal(t, 1, n)
	_, err := r.Get("idle")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Get("active")
	assert.NoError(t, err)

	ended := idle.FramesOfType(string(model.FrameSessionEnded))
	require.Len(t, ended, 1)
	assert.Equal(t, model.ReasonIdleTimeout, ended[0]["reason"])
}

func TestReaper_RunOnVirtualClock(t *testing.T) {
	fake := testutil.NewFakeClock()
	r := NewRegistry(WithClock(fake), WithLogger(testutil.DiscardLogger()))
	tr := testutil.NewRecordingTransport()
	r.Connect(tr, "s1", "", false)

	store := &sweepRecorder{}
	reaper := NewReaper(r, store, fake, ReaperConfig{
		Interval:  time.Minute,
		Timeout:   5 * time.Minute,
		Retention: 24 * time.Hour,
	}, testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	require.NoError(t, fake.BlockUntilContext(waitCtx, 1))

	// 未到超时，不回收
	fake.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(store.calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, r.Len())

	fake.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)

	_, _, reason := tr.Closed()
	assert.Equal(t, model.ReasonIdleTimeout, reason)

	calls := store.calls()
	assert.Equal(t, fake.Now().Add(-24*time.Hour), calls[len(calls)-1])

	cancel()
	assert.NoError(t, <-done)
}

func TestReaper_ActivityKeepsSessionAlive(t *testing.T) {
	fake := testutil.NewFakeClock()
	r := NewRegistry(WithClock(fake), WithLogger(testutil.DiscardLogger()))
	r.Connect(testutil.NewRecordingTransport(), "s1", "", false)
	reaper := NewReaper(r, nil, fake, ReaperConfig{}, testutil.DiscardLogger())

	for i := 0; i < 10; i++ {
		fake.Advance(time.Minute)
		r.Touch("s1")
		assert.Equal(t, 0, reaper.Sweep(context.Background(), fake.Now()))
	}
	assert.Equal(t, 1, r.Len())
}

func TestReaper_SkipsSessionActiveAfterSnapshot(t *testing.T) {
	fake := testutil.NewFakeClock()
	r := NewRegistry(WithClock(fake), WithLogger(testutil.DiscardLogger()))
	tr := testutil.NewRecordingTransport()
	r.Connect(tr, "s1", "", false)

	fake.Advance(6 * time.Minute)
	cutoff := fake.Now().Add(-5 * time.Minute)
	idle := r.IdleSince(cutoff)
	require.Len(t, idle, 1)

	// 快照之后到达的消息
	r.Touch("s1")

	assert.False(t, r.ReleaseIfIdle(idle[0].ID, idle[0].ConnID, cutoff, model.ReasonIdleTimeout))
	assert.Equal(t, 1, r.Len())
	closed, _, _ := tr.Closed()
	assert.False(t, closed)

	fake.Advance(6 * time.Minute)
	cutoff = fake.Now().Add(-5 * time.Minute)
	assert.False(t, r.ReleaseIfIdle("s1", "other-conn", cutoff, model.ReasonIdleTimeout))
	assert.True(t, r.ReleaseIfIdle("s1", idle[0].ConnID, cutoff, model.ReasonIdleTimeout))
	assert.Equal(t, 0, r.Len())
}
