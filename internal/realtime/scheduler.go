package realtime

import "time"

// TaskKey names a schedulable engine task. At most one task per key is
// pending at any time.
type TaskKey int

const (
	// TaskFlushIdle fires FlushInterval after the last accepted frame: it
	// forces a flush and, outside of speech, an idle commit.
	TaskFlushIdle TaskKey = iota + 1

	// TaskCommit fires GracePeriod after speech_stopped.
	TaskCommit
)

// String returns the task name used in logs.
func (k TaskKey) String() string {
	switch k {
	case TaskFlushIdle:
		return "flush_idle"
	case TaskCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Scheduler holds keyed, cancellable tasks over a [Clock]. It is not safe for
// concurrent use: the owning [Machine] calls it from its event loop only.
//
// A fired timer does not run the task directly. It posts a [TaskFired] event
// carrying the generation it was scheduled with; [Scheduler.Fire] accepts the
// event only if that generation is still current, so a fire that raced with a
// Cancel or reschedule is discarded.
type Scheduler struct {
	clock Clock
	post  func(Event)
	gen   uint64
	tasks map[TaskKey]scheduledTask
}

type scheduledTask struct {
	gen   uint64
	timer Timer
}

// NewScheduler returns a Scheduler that posts fired tasks through post.
func NewScheduler(clock Clock, post func(Event)) *Scheduler {
	return &Scheduler{
		clock: clock,
		post:  post,
		tasks: make(map[TaskKey]scheduledTask),
	}
}

// Schedule arms key to fire after d, replacing any pending task for key.
func (s *Scheduler) Schedule(key TaskKey, d time.Duration) {
	s.Cancel(key)
	s.gen++
	gen := s.gen
	timer := s.clock.AfterFunc(d, func() {
		s.post(TaskFired{Key: key, Gen: gen})
	})
	s.tasks[key] = scheduledTask{gen: gen, timer: timer}
}

// Cancel stops the pending task for key, if any.
func (s *Scheduler) Cancel(key TaskKey) {
	if t, ok := s.tasks[key]; ok {
		t.timer.Stop()
		delete(s.tasks, key)
	}
}

// CancelAll stops every pending task.
func (s *Scheduler) CancelAll() {
	for key := range s.tasks {
		s.Cancel(key)
	}
}

// Pending reports whether a task for key is armed.
func (s *Scheduler) Pending(key TaskKey) bool {
	_, ok := s.tasks[key]
	return ok
}

// Fire consumes a fired task. It reports false for stale fires.
func (s *Scheduler) Fire(ev TaskFired) bool {
	t, ok := s.tasks[ev.Key]
	if !ok || t.gen != ev.Gen {
		return false
	}
	delete(s.tasks, ev.Key)
	return true
}
