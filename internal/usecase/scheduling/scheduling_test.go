package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, action func(context.Context) error) *Scheduler {
	t.Helper()
	s := NewScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.RegisterAction(ActionConsultationPrune, action)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func counting(n *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestSchedulerFiresOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler(t, counting(&runs))
	require.NoError(t, s.AddTask(Task{Name: "prune", Schedule: "20ms", Action: ActionConsultationPrune}))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerIdleUntilStarted(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler(t, counting(&runs))
	require.NoError(t, s.AddTask(Task{Name: "prune", Schedule: "10ms", Action: ActionConsultationPrune}))

	_, ok := s.NextRun()
	assert.False(t, ok, "no next run before Start")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load())

	require.NoError(t, s.Start(context.Background()))
	next, ok := s.NextRun()
	require.True(t, ok)
	assert.False(t, next.Before(time.Now().Add(-time.Second)))
}

func TestSchedulerRunHasDeadline(t *testing.T) {
	left := make(chan time.Duration, 1)
	s := newTestScheduler(t, func(ctx context.Context) error {
		if d, ok := ctx.Deadline(); ok {
			select {
			case left <- time.Until(d):
			default:
			}
		}
		return nil
	})
	require.NoError(t, s.AddTask(Task{Name: "bounded", Schedule: "20ms", Action: ActionConsultationPrune, Timeout: time.Second}))
	require.NoError(t, s.Start(context.Background()))

	select {
	case d := <-left:
		assert.LessOrEqual(t, d, time.Second)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	s := newTestScheduler(t, func(ctx context.Context) error {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, s.AddTask(Task{Name: "slow-prune", Schedule: "10ms", Action: ActionConsultationPrune}))
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "firings during a run must be skipped")
	close(release)

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerLastRun(t *testing.T) {
	boom := errors.New("database is locked")
	var fail atomic.Bool
	fail.Store(true)
	s := newTestScheduler(t, func(context.Context) error {
		if fail.Load() {
			return boom
		}
		return nil
	})
	require.NoError(t, s.AddTask(Task{Name: "prune", Schedule: "20ms", Action: ActionConsultationPrune}))

	_, ok := s.LastRun("prune")
	assert.False(t, ok, "no run yet")
	_, ok = s.LastRun("missing")
	assert.False(t, ok)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool {
		res, ok := s.LastRun("prune")
		return ok && errors.Is(res.Err, boom)
	}, time.Second, 5*time.Millisecond)

	fail.Store(false)
	assert.Eventually(t, func() bool {
		res, ok := s.LastRun("prune")
		return ok && res.Err == nil && !res.Started.IsZero()
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerStopHaltsRuns(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler(t, counting(&runs))
	require.NoError(t, s.AddTask(Task{Name: "prune", Schedule: "10ms", Action: ActionConsultationPrune}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "Stop is idempotent")

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NoError(t, s.Stop())
}

func TestSchedulerOneShot(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler(t, counting(&runs))
	require.NoError(t, s.AddTask(Task{Name: "once", Schedule: "20ms", Action: ActionConsultationPrune, OneShot: true}))
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestSchedulerAddTaskErrors(t *testing.T) {
	s := newTestScheduler(t, func(context.Context) error { return nil })
	require.NoError(t, s.AddTask(Task{Name: "prune", Schedule: "@daily", Action: ActionConsultationPrune}))

	tests := []struct {
		name string
		task Task
		want string
	}{
		{"unknown action", Task{Name: "x", Schedule: "1h", Action: "vacuum"}, "unknown action"},
		{"duplicate name", Task{Name: "prune", Schedule: "1h", Action: ActionConsultationPrune}, "already scheduled"},
		{"bad schedule", Task{Name: "y", Schedule: "not-valid", Action: ActionConsultationPrune}, "invalid schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, s.AddTask(tt.task), tt.want)
		})
	}
}

func TestParseSchedule(t *testing.T) {
	valid := []string{"0 3 * * *", "*/5 * * * *", "@every 30m", "@hourly", "30m", "100ms"}
	for _, sched := range valid {
		got, err := ParseSchedule(sched)
		if assert.NoError(t, err, sched) {
			assert.NotNil(t, got, sched)
		}
	}
	for _, sched := range []string{"", "not-a-schedule", "-5m", "0s"} {
		_, err := ParseSchedule(sched)
		assert.Error(t, err, sched)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := ParseSchedule("250ms")
	require.NoError(t, err)
	assert.Equal(t, base.Add(250*time.Millisecond), sub.Next(base))
}
