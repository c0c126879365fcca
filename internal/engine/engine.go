// Package engine defines the Backend interface through which callers drive a
// realtime model session, plus the status and error vocabulary it reports back.
//
// A Backend accepts captured PCM frames and typed text, and reports progress
// through [Callbacks]: partial text as it streams in, the finished text once
// per turn, connection/turn status changes, and surfaced errors. Which concrete
// backend serves a session is decided once, when it is constructed from the
// provider registry; callers never inspect the concrete type.
//
// This package lives under internal/ because it is the application's seam
// between capture/UI collaborators and the protocol engine.
package engine

import (
	"context"
	"fmt"
)

// Status is the coarse state of a session as reported to the caller.
type Status int

const (
	// StatusConnected: the transport handshake succeeded.
	StatusConnected Status = iota + 1

	// StatusListening: audio is flowing and no turn is being processed.
	StatusListening

	// StatusSpeaking: the server reported that the user started speaking.
	StatusSpeaking

	// StatusCommitting: a turn's audio was committed for inference.
	StatusCommitting

	// StatusResponding: a response is being generated.
	StatusResponding

	// StatusDisconnected: the session ended. No further callbacks follow.
	StatusDisconnected
)

var statusNames = map[Status]string{
	StatusConnected:    "connected",
	StatusListening:    "listening",
	StatusSpeaking:     "speaking",
	StatusCommitting:   "committing",
	StatusResponding:   "responding",
	StatusDisconnected: "disconnected",
}

// String returns the lower-case status name.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrorKind classifies errors surfaced through [Callbacks.OnError].
type ErrorKind int

const (
	// ErrorTransport: the connection failed or closed unexpectedly. Fatal.
	ErrorTransport ErrorKind = iota + 1

	// ErrorServer: the server reported an error it did not recover from.
	ErrorServer

	// ErrorResponse: a single response failed; the session continues.
	ErrorResponse
)

var errorKindNames = map[ErrorKind]string{
	ErrorTransport: "transport",
	ErrorServer:    "server",
	ErrorResponse:  "response",
}

// String returns the lower-case kind name.
func (k ErrorKind) String() string {
	if n, ok := errorKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

// Callbacks receives session output. Any field may be nil. Callbacks are
// invoked from the session's event goroutine and must return quickly; hand
// long work off to another goroutine.
type Callbacks struct {
	// OnTextUpdate receives the full text accumulated so far in the current
	// turn each time a fragment arrives.
	OnTextUpdate func(partial string)

	// OnTextFinal receives the finished text of a turn, exactly once per turn.
	OnTextFinal func(full string)

	// OnStatus receives status transitions.
	OnStatus func(Status)

	// OnError receives surfaced errors.
	OnError func(kind ErrorKind, detail string)
}

// TextUpdate invokes OnTextUpdate if set.
func (c Callbacks) TextUpdate(partial string) {
	if c.OnTextUpdate != nil {
		c.OnTextUpdate(partial)
	}
}

// TextFinal invokes OnTextFinal if set.
func (c Callbacks) TextFinal(full string) {
	if c.OnTextFinal != nil {
		c.OnTextFinal(full)
	}
}

// Status invokes OnStatus if set.
func (c Callbacks) Status(s Status) {
	if c.OnStatus != nil {
		c.OnStatus(s)
	}
}

// Error invokes OnError if set.
func (c Callbacks) Error(kind ErrorKind, detail string) {
	if c.OnError != nil {
		c.OnError(kind, detail)
	}
}

// Backend is one live model session.
//
// All methods are safe for concurrent use and never block on the network:
// frames and text are queued to the session's event loop.
type Backend interface {
	// SubmitAudioFrame queues one PCM16 frame in the session's input format.
	// Frames are processed strictly in submission order. Returns an error once
	// the session has ended.
	SubmitAudioFrame(pcm []byte) error

	// SubmitText sends a typed user message and requests a response, bypassing
	// the audio pipeline.
	SubmitText(text string) error

	// Shutdown ends the session: pending timers are cancelled, a best-effort
	// final flush is attempted, uncommitted audio is discarded and the
	// transport is closed. It waits until the event loop has stopped or ctx is
	// done. Calling Shutdown more than once is safe.
	Shutdown(ctx context.Context) error

	// Done is closed once the session has fully stopped, whether through
	// Shutdown or a transport failure.
	Done() <-chan struct{}
}

// Factory constructs a Backend that reports to cb. Factories are registered
// per provider name and selected once per session.
type Factory func(ctx context.Context, cb Callbacks) (Backend, error)
