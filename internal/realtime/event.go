package realtime

import rt "github.com/MrWong99/voicelink/pkg/provider/realtime"

// Event is an input to [Machine.Handle]. The set is closed: FrameEvent,
// TextEvent, InboundEvent, TaskFired, CommitRequest, ResponseRequest and
// ShutdownEvent.
type Event interface {
	isEvent()
}

// FrameEvent carries one frame of session-format PCM16.
type FrameEvent struct {
	PCM []byte
}

// TextEvent carries user text to add to the conversation.
type TextEvent struct {
	Text string
}

// InboundEvent wraps an event received from the transport.
type InboundEvent struct {
	Event rt.ServerEvent
}

// TaskFired is posted by the [Scheduler] when a task's timer expires.
type TaskFired struct {
	Key TaskKey
	Gen uint64
}

// CommitRequest ends the current turn on the caller's behalf: buffered audio
// is flushed and committed. Force commits even while commits are paused after
// a server rejection.
type CommitRequest struct {
	Force bool
}

// ResponseRequest asks for a response outside of the commit path. A forced
// request stays deferred when the server rejects a commit.
type ResponseRequest struct {
	Force  bool
	Reason string
}

// ShutdownEvent stops the machine: pending tasks are cancelled, a final flush
// is attempted and the transport is closed.
type ShutdownEvent struct{}

func (FrameEvent) isEvent() {}
func (TextEvent) isEvent() {}
func (InboundEvent) isEvent() {}
func (TaskFired) isEvent() {}
func (CommitRequest) isEvent() {}
func (ResponseRequest) isEvent() {}
func (ShutdownEvent) isEvent() {}
