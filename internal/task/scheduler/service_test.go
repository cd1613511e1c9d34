package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetbot/internal/task/engine"
	logx "sheetbot/pkg/logx"
)

func newScheduler(t *testing.T) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func every(t *testing.T, s *Service, name string, d time.Duration, job Job) {
	t.Helper()
	_, err := s.AddIntervalOpt(name, d, 0, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
	require.NoError(t, err)
}

func TestRunNowUsesSingleFlightGate(t *testing.T) {
	t.Parallel()
	s := newScheduler(t)

	release := make(chan struct{})
	var runs atomic.Int32
	every(t, s, "sync", time.Hour, func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})
	s.Start(context.Background())

	require.NoError(t, s.RunNow("sync"))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.RunNow("sync"), engine.ErrOverlapSkip)
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.True(t, snap.Schedules[0].Running)
	assert.Equal(t, uint64(1), snap.Schedules[0].Skipped)
	assert.Equal(t, "UTC", snap.Timezone)

	close(release)
	require.Eventually(t, func() bool { return !s.Snapshot().Schedules[0].Running }, time.Second, time.Millisecond)
	assert.False(t, s.Snapshot().Schedules[0].LastRun.IsZero())
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunNowUnknownJob(t *testing.T) {
	t.Parallel()
	s := newScheduler(t)
	assert.ErrorIs(t, s.RunNow("nope"), ErrUnknownJob)
}

func TestIntervalJobFiresAndStops(t *testing.T) {
	t.Parallel()
	s := newScheduler(t)

	var runs atomic.Int32
	every(t, s, "tick", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	after := runs.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no trigger may fire after Stop")
}

func TestStopWaitsForRunningJob(t *testing.T) {
	t.Parallel()
	s := newScheduler(t)

	started := make(chan struct{})
	var finished, cancelled atomic.Bool
	every(t, s, "long", time.Hour, func(ctx context.Context) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		cancelled.Store(ctx.Err() != nil)
		finished.Store(true)
		return nil
	})
	s.Start(context.Background())
	require.NoError(t, s.RunNow("long"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.True(t, finished.Load())
	assert.False(t, cancelled.Load())
}

func TestRegistrationUpsertsByName(t *testing.T) {
	t.Parallel()
	s := newScheduler(t)
	noop := func(context.Context) error { return nil }

	skip := TaskOptions{Overlap: OverlapSkipIfRunning}

	_, err := s.AddScheduleOpt("job", "*/5 * * * *", 0, skip, noop)
	require.NoError(t, err)
	_, err = s.AddScheduleOpt("job", "10m", 0, skip, noop)
	require.NoError(t, err)
	s.Start(context.Background())

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "@every 10m0s", snap.Schedules[0].Spec)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	_, err = s.AddCronOpt("bad", "61 * * * *", 0, skip, noop)
	assert.Error(t, err)
	_, err = s.AddIntervalOpt("zero", 0, 0, skip, noop)
	assert.Error(t, err)
	assert.Len(t, s.Snapshot().Schedules, 1)
}

func TestApplySwapsTimezone(t *testing.T) {
	t.Parallel()
	s := newScheduler(t)
	noop := func(context.Context) error { return nil }

	_, err := s.AddScheduleOpt("daily", "30 9 * * *", 0, TaskOptions{Overlap: OverlapSkipIfRunning}, noop)
	require.NoError(t, err)
	s.Start(context.Background())

	s.Apply(Config{Enabled: false, Timezone: "Asia/Tokyo"})

	snap := s.Snapshot()
	assert.True(t, snap.Enabled, "Apply leaves Enabled alone")
	assert.Equal(t, "Asia/Tokyo", snap.Timezone)
	require.Len(t, snap.Schedules, 1)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	next := snap.Schedules[0].Next.In(tokyo)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 30, next.Minute())
}
