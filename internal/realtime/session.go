// Package realtime is the protocol engine that turns a continuous PCM16 capture
// stream into committed turns on a realtime model endpoint and reassembles the
// streamed responses.
//
// The pipeline is: [SilenceGate] → [Accumulator] and flush → commit
// coordinator → response lifecycle → [TextAssembler]. All of it lives in
// [Machine], which changes state only inside [Machine.Handle]. [Session] runs
// a Machine on one goroutine and feeds it submitted frames, submitted text,
// transport events and fired timers through a single channel, so no engine
// state is ever touched concurrently.
//
// The engine never reconnects on its own. When the transport fails, the
// session reports [engine.StatusDisconnected] and stops; reconnection is the
// caller's decision (see internal/session).
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/voicelink/internal/engine"
	"github.com/MrWong99/voicelink/pkg/audio"
	rt "github.com/MrWong99/voicelink/pkg/provider/realtime"
)

// ErrSessionClosed is returned by [Session] methods after the session stopped.
var ErrSessionClosed = errors.New("realtime: session closed")

// Compile-time assertion that Session satisfies engine.Backend.
var _ engine.Backend = (*Session)(nil)

const defaultQueueSize = 256

// ── Options ────────────────────────────────────────────────────────────────────

type sessionOptions struct {
	id        string
	clock     Clock
	callbacks engine.Callbacks
	logger    *slog.Logger
	recorder  func(sessionID string) Recorder
	queueSize int
}

// Option configures a [Session].
type Option func(*sessionOptions)

// WithSessionID sets the session identifier. Default: a random UUID.
func WithSessionID(id string) Option {
	return func(o *sessionOptions) { o.id = id }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *sessionOptions) { o.clock = c }
}

// WithCallbacks sets the callbacks receiving session output.
func WithCallbacks(cb engine.Callbacks) Option {
	return func(o *sessionOptions) { o.callbacks = cb }
}

// WithLogger sets the base logger. The session adds a session_id attribute.
func WithLogger(l *slog.Logger) Option {
	return func(o *sessionOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder mirrors the session counters into a metrics system. newRec is
// called once per session with the session ID.
func WithRecorder(newRec func(sessionID string) Recorder) Option {
	return func(o *sessionOptions) { o.recorder = newRec }
}

// WithQueueSize sets the capacity of the session's event queue.
func WithQueueSize(n int) Option {
	return func(o *sessionOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one live realtime session. It implements [engine.Backend]; all
// methods are safe for concurrent use.
type Session struct {
	id        string
	conn      rt.Conn
	machine   *Machine
	counters  *Counters
	recorder  Recorder
	converter *audio.Converter
	logger    *slog.Logger

	events chan Event
	done   chan struct{}

	shutdownOnce sync.Once
	status       atomic.Int32
}

// Dial connects through p and starts a session on the new connection.
func Dial(ctx context.Context, p rt.Provider, cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	conn, err := p.Connect(ctx, cfg.SessionParams())
	if err != nil {
		return nil, fmt.Errorf("realtime: connect %s: %w", p.Name(), err)
	}
	return NewSession(conn, cfg, opts...), nil
}

// NewFactory returns an [engine.Factory] that dials a new session through p
// for every call.
func NewFactory(p rt.Provider, cfg Config, opts ...Option) engine.Factory {
	return func(ctx context.Context, cb engine.Callbacks) (engine.Backend, error) {
		all := append(append([]Option(nil), opts...), WithCallbacks(cb))
		return Dial(ctx, p, cfg, all...)
	}
}

// NewSession starts a session on an already connected conn. The session owns
// conn from here on and closes it when it stops.
func NewSession(conn rt.Conn, cfg Config, opts ...Option) *Session {
	o := sessionOptions{
		clock:     SystemClock{},
		logger:    slog.Default(),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	cfg = cfg.withDefaults()

	s := &Session{
		id:        o.id,
		conn:      conn,
		converter: &audio.Converter{Target: cfg.Format},
		logger:    o.logger.With("session_id", o.id),
		events:    make(chan Event, o.queueSize),
		done:      make(chan struct{}),
	}
	if o.recorder != nil {
		s.recorder = o.recorder(o.id)
	}
	s.counters = NewCounters(s.recorder)

	cb := o.callbacks
	userStatus := cb.OnStatus
	cb.OnStatus = func(st engine.Status) {
		s.status.Store(int32(st))
		if userStatus != nil {
			userStatus(st)
		}
	}

	s.machine = NewMachine(cfg, conn, MachineOptions{
		Clock:     o.clock,
		Callbacks: cb,
		Counters:  s.counters,
		Logger:    s.logger,
		Post:      s.post,
	})

	s.logger.Info("realtime session started",
		"sample_rate", cfg.Format.SampleRate,
		"turn_detection", cfg.TurnDetection,
	)
	cb.Status(engine.StatusConnected)

	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Counters returns the live per-session counters.
func (s *Session) Counters() *Counters { return s.counters }

// Status returns the most recently reported status.
func (s *Session) Status() engine.Status { return engine.Status(s.status.Load()) }

// Done is closed once the session's event loop has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// SubmitAudioFrame queues one frame of PCM16 in the session format. The bytes
// are copied, so the caller may reuse pcm.
func (s *Session) SubmitAudioFrame(pcm []byte) error {
	return s.enqueue(FrameEvent{PCM: append([]byte(nil), pcm...)})
}

// SubmitFrame converts f to the session format and queues it. Frames that
// cannot be converted are dropped and counted.
func (s *Session) SubmitFrame(f audio.Frame) error {
	pcm, ok := s.converter.Convert(f)
	if !ok {
		s.counters.Inc(CounterMalformedFrames)
		return nil
	}
	return s.SubmitAudioFrame(pcm)
}

// SubmitText queues a typed user message followed by a response request.
func (s *Session) SubmitText(text string) error {
	return s.enqueue(TextEvent{Text: text})
}

// Commit ends the current turn now. With force set it commits even while
// commits are paused after a server rejection.
func (s *Session) Commit(force bool) error {
	return s.enqueue(CommitRequest{Force: force})
}

// RequestResponse asks for a response without new input. If a response is in
// flight the request is replayed once it finishes.
func (s *Session) RequestResponse(reason string) error {
	return s.enqueue(ResponseRequest{Force: true, Reason: reason})
}

// Shutdown stops the session and waits for the event loop to exit or ctx to
// end. Safe to call more than once.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		select {
		case s.events <- ShutdownEvent{}:
		case <-s.done:
		case <-ctx.Done():
			// The loop is backed up; closing the transport ends it.
			_ = s.conn.Close()
		}
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("realtime: shutdown: %w", ctx.Err())
	}
}

func (s *Session) enqueue(ev Event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// post is the scheduler's delivery path; it runs on timer goroutines.
func (s *Session) post(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		if s.recorder != nil {
			s.recorder.End()
		}
	}()

	inbound := s.conn.Events()
	for !s.machine.Closed() {
		select {
		case ev := <-s.events:
			s.machine.Handle(ev)
		case sev, ok := <-inbound:
			if !ok {
				inbound = nil
				sev = rt.ServerEvent{Type: rt.ServerClosed, Raw: "closed"}
			}
			s.machine.Handle(InboundEvent{Event: sev})
		}
	}

	snap := s.counters.Snapshot()
	s.logger.Info("realtime session stopped",
		"frames_received", snap.FramesReceived,
		"frames_dropped", snap.FramesDropped,
		"commits_sent", snap.CommitsSent,
		"empty_commits", snap.EmptyCommits,
		"responses_requested", snap.ResponsesRequested,
	)
}
