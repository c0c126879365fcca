// Package realtime defines the transport abstraction for duplex, event-based
// realtime model endpoints.
//
// A realtime endpoint accepts a stream of input audio, buffers it server-side,
// runs voice activity detection, and produces responses (text or transcripts)
// when the client commits a turn and asks for a response. The central
// abstraction is [Conn]: a persistent connection carrying [ClientEvent] values
// out and [ServerEvent] values in. Provider packages translate these neutral
// events to and from their wire protocol.
//
// Conn implementations must never block the caller on network I/O: Send
// enqueues and returns, and inbound events arrive on a channel. This keeps the
// engine's event loop cooperative.
package realtime

import (
	"context"
	"errors"
)

// ErrNotWritable is returned by [Conn.Send] when the connection is closing,
// closed, or its outbound queue is full. Callers treat it as transient and
// retry on their next trigger.
var ErrNotWritable = errors.New("realtime: connection not writable")

// TurnDetection selects how the server detects turn boundaries.
type TurnDetection string

const (
	// TurnDetectionServerVAD enables server-side voice activity detection;
	// the server emits speech_started / speech_stopped events.
	TurnDetectionServerVAD TurnDetection = "server_vad"

	// TurnDetectionNone disables server VAD; turns are committed purely by the
	// client's idle fallback.
	TurnDetectionNone TurnDetection = "none"
)

// IsValid reports whether t is a recognised turn-detection mode.
func (t TurnDetection) IsValid() bool {
	return t == TurnDetectionServerVAD || t == TurnDetectionNone
}

// VADParams tunes server-side voice activity detection.
type VADParams struct {
	// Threshold is the server's speech probability threshold in [0, 1].
	Threshold float64

	// PrefixPaddingMs is how much audio before detected speech the server
	// includes in the turn.
	PrefixPaddingMs int

	// SilenceDurationMs is how long the server waits in silence before
	// emitting speech_stopped.
	SilenceDurationMs int
}

// SessionParams is the initial configuration sent with session.configure.
type SessionParams struct {
	// SampleRate of the PCM16 input audio in Hz.
	SampleRate int

	// TurnDetection selects server VAD or client-driven turns.
	TurnDetection TurnDetection

	// VAD parameters; ignored when TurnDetection is none.
	VAD VADParams

	// Modalities are the output modalities requested for responses
	// (e.g. "text", "audio").
	Modalities []string

	// Instructions is an optional system prompt. Prompt construction is the
	// caller's business; the engine forwards it verbatim.
	Instructions string
}

// Conn is one open connection to a realtime endpoint. All methods are safe for
// concurrent use.
type Conn interface {
	// Send enqueues ev for transmission. It never blocks on the network; it
	// returns [ErrNotWritable] when the event cannot be queued.
	Send(ev ClientEvent) error

	// Events returns the inbound event stream. The channel is closed after a
	// final [ServerClosed] event has been delivered.
	Events() <-chan ServerEvent

	// Writable reports whether Send would currently accept an event.
	Writable() bool

	// Close terminates the connection. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider dials realtime connections. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name is the registry name of the provider, e.g. "openai-realtime".
	Name() string

	// Connect opens a connection and sends the session.configure event. The
	// returned Conn is ready to accept audio immediately.
	Connect(ctx context.Context, params SessionParams) (Conn, error)
}
