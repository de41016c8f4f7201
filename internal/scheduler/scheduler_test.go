package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaregion/internal/observability"
)

func TestScheduler_RunsOnTick(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock), WithMetrics(observability.NewMetrics("test")))

	var runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:     "aggregate",
		Interval: 5 * time.Minute,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	clock.BlockUntil(1)
	assert.Equal(t, int32(0), runs.Load())

	clock.Advance(5 * time.Minute)
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(5 * time.Minute)
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_RunOnStart(t *testing.T) {
	t.Parallel()

	s := New(WithClock(clockwork.NewFakeClock()))

	var runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:       "report",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Register(t *testing.T) {
	t.Parallel()

	s := New()
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register(Job{Name: "a", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Register(Job{Name: "a", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Register(Job{Name: "b", Interval: 0, Run: noop}))
	assert.Error(t, s.Register(Job{Name: "", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Register(Job{Name: "c", Interval: time.Second}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.ErrorIs(t, s.Register(Job{Name: "d", Interval: time.Second, Run: noop}), ErrStarted)
}

func TestScheduler_RunNow(t *testing.T) {
	t.Parallel()

	s := New()
	boom := errors.New("boom")
	require.NoError(t, s.Register(Job{
		Name:     "optimize",
		Interval: time.Hour,
		Run:      func(context.Context) error { return boom },
	}))

	assert.ErrorIs(t, s.RunNow(context.Background(), "optimize"), boom)
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "optimize", status[0].Name)
	assert.Equal(t, int64(1), status[0].Runs)
	assert.Equal(t, "boom", status[0].LastError)
	assert.False(t, status[0].Running)
}

func TestScheduler_NoOverlap(t *testing.T) {
	t.Parallel()

	s := New()
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Register(Job{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	assert.ErrorIs(t, s.RunNow(context.Background(), "slow"), ErrJobRunning)
	assert.True(t, s.Status()[0].Running)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), s.Status()[0].Runs)
}

func TestScheduler_StopWaitsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New(WithClock(clockwork.NewFakeClock()))
	require.NoError(t, s.Register(Job{
		Name:     "a",
		Interval: time.Minute,
		Run:      func(context.Context) error { return nil },
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
	s.Stop()
	s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
	s.Stop()
}

func TestScheduler_StopBeforeStart(t *testing.T) {
	t.Parallel()

	s := New(WithClock(clockwork.NewFakeClock()))
	s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestScheduler_RunContextHasDeadline(t *testing.T) {
	t.Parallel()

	s := New()
	var sawDeadline atomic.Bool
	require.NoError(t, s.Register(Job{
		Name:     "bounded",
		Interval: time.Hour,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			sawDeadline.Store(ok)
			return nil
		},
	}))

	require.NoError(t, s.RunNow(context.Background(), "bounded"))
	assert.True(t, sawDeadline.Load())
}
