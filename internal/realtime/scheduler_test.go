package realtime_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/realtime"
)

func TestManualClock_FiresInDeadlineOrder(t *testing.T) {
	t.Parallel()
	clock := realtime.NewManualClock(time.Unix(0, 0))

	var order []string
	clock.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	clock.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	clock.AfterFunc(20*time.Millisecond, func() {
		order = append(order, "b")
		// Scheduled from a callback and still inside the advanced window.
		clock.AfterFunc(5*time.Millisecond, func() { order = append(order, "b2") })
	})
	stopped := clock.AfterFunc(15*time.Millisecond, func() { order = append(order, "stopped") })
	if !stopped.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}

	clock.Advance(50 * time.Millisecond)

	if want := []string{"a", "b", "b2", "c"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if got := clock.Now(); !got.Equal(time.Unix(0, 0).Add(50 * time.Millisecond)) {
		t.Errorf("Now = %v", got)
	}
	if clock.Pending() != 0 {
		t.Errorf("pending = %d, want 0", clock.Pending())
	}
	if stopped.Stop() {
		t.Error("second Stop returned true")
	}
}

func TestManualClock_NowInsideCallback(t *testing.T) {
	t.Parallel()
	start := time.Unix(0, 0)
	clock := realtime.NewManualClock(start)

	var at time.Time
	clock.AfterFunc(40*time.Millisecond, func() { at = clock.Now() })
	clock.Advance(time.Second)

	if want := start.Add(40 * time.Millisecond); !at.Equal(want) {
		t.Errorf("Now inside callback = %v, want %v", at, want)
	}
}

func TestScheduler_ReplaceAndCancel(t *testing.T) {
	t.Parallel()
	clock := realtime.NewManualClock(time.Unix(0, 0))

	var fired []realtime.TaskFired
	s := realtime.NewScheduler(clock, func(ev realtime.Event) {
		fired = append(fired, ev.(realtime.TaskFired))
	})

	s.Schedule(realtime.TaskCommit, 10*time.Millisecond)
	s.Schedule(realtime.TaskCommit, 50*time.Millisecond)
	s.Schedule(realtime.TaskFlushIdle, 20*time.Millisecond)
	s.Cancel(realtime.TaskFlushIdle)

	if s.Pending(realtime.TaskFlushIdle) {
		t.Error("cancelled task still pending")
	}

	clock.Advance(30 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("fired %v before the replacement deadline", fired)
	}

	clock.Advance(30 * time.Millisecond)
	if len(fired) != 1 || fired[0].Key != realtime.TaskCommit {
		t.Fatalf("fired = %v, want one commit task", fired)
	}
	if !s.Fire(fired[0]) {
		t.Error("current fire rejected")
	}
	if s.Fire(fired[0]) {
		t.Error("same fire accepted twice")
	}
}

func TestScheduler_StaleFireDiscarded(t *testing.T) {
	t.Parallel()
	clock := realtime.NewManualClock(time.Unix(0, 0))

	var fired []realtime.TaskFired
	s := realtime.NewScheduler(clock, func(ev realtime.Event) {
		fired = append(fired, ev.(realtime.TaskFired))
	})

	s.Schedule(realtime.TaskFlushIdle, 10*time.Millisecond)
	clock.Advance(10 * time.Millisecond)
	if len(fired) != 1 {
		t.Fatalf("fired = %d, want 1", len(fired))
	}

	// The fire is still queued when the task is re-armed.
	s.Schedule(realtime.TaskFlushIdle, 10*time.Millisecond)
	if s.Fire(fired[0]) {
		t.Error("stale fire accepted after reschedule")
	}
	if !s.Pending(realtime.TaskFlushIdle) {
		t.Error("stale fire consumed the new task")
	}

	s.CancelAll()
	clock.Advance(time.Second)
	if len(fired) != 1 {
		t.Errorf("fired = %d after CancelAll, want 1", len(fired))
	}
}

func TestTaskKey_String(t *testing.T) {
	t.Parallel()
	if got := realtime.TaskFlushIdle.String(); got != "flush_idle" {
		t.Errorf("TaskFlushIdle = %q", got)
	}
	if got := realtime.TaskKey(99).String(); got != "unknown" {
		t.Errorf("TaskKey(99) = %q", got)
	}
}
