package realtime

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voicelink/internal/engine"
	"github.com/MrWong99/voicelink/pkg/audio"
	rt "github.com/MrWong99/voicelink/pkg/provider/realtime"
)

// CommitPhase is the commit coordinator's view of the current turn.
type CommitPhase int

const (
	// PhaseIdle: nothing buffered, nothing awaiting commit.
	PhaseIdle CommitPhase = iota

	// PhaseAwaitingFlush: accepted audio is buffered locally.
	PhaseAwaitingFlush

	// PhaseReadyToCommit: audio was appended upstream since the last commit.
	PhaseReadyToCommit

	// PhaseCommitted: a commit was sent and not yet acknowledged.
	PhaseCommitted
)

// String returns the phase name used in logs.
func (p CommitPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingFlush:
		return "awaiting_flush"
	case PhaseReadyToCommit:
		return "ready_to_commit"
	case PhaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

type commitReason string

const (
	reasonSpeechStopped commitReason = "speech_stopped"
	reasonIdle          commitReason = "idle"
	reasonManual        commitReason = "manual"
)

// endsTurn reports whether a commit for r closes a spoken turn and therefore
// gets tail padding when it is short.
func (r commitReason) endsTurn() bool {
	return r == reasonSpeechStopped || r == reasonManual
}

// MachineOptions carries a [Machine]'s collaborators. Every field is optional.
type MachineOptions struct {
	// Clock drives the flush and commit timers. Default: [SystemClock].
	Clock Clock

	// Callbacks receive text, status and error output.
	Callbacks engine.Callbacks

	// Counters receive diagnostics. Default: fresh counters with no recorder.
	Counters *Counters

	// Logger is used for all diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Post delivers fired timers back into the event stream. When nil, fired
	// timers are handled synchronously by calling Handle, which is what a
	// single-goroutine test with a [ManualClock] wants.
	Post func(Event)
}

// State is a snapshot of a [Machine]'s observable state.
type State struct {
	Phase                 CommitPhase
	Status                engine.Status
	BufferedBytes         int
	PendingAudioForCommit bool
	BytesSinceLastCommit  int
	PausedForEmptyCommit  bool
	SpeechActive          bool
	ResponseInProgress    bool
	ResponseDeferred      bool
	Threshold             float64
	Closed                bool
}

// Machine is the protocol engine for one session. It is not safe for
// concurrent use: every input arrives through [Machine.Handle], called from a
// single goroutine (see [Session]).
type Machine struct {
	cfg      Config
	conn     rt.Conn
	clock    Clock
	sched    *Scheduler
	cb       engine.Callbacks
	counters *Counters
	logger   *slog.Logger

	gate *SilenceGate
	acc  Accumulator
	text *TextAssembler
	resp responseLifecycle

	minCommitBytes   int
	tailPaddingBytes int

	pendingAudioForCommit bool
	bytesSinceLastCommit  int
	pausedForEmptyCommit  bool
	committing            bool
	acksOutstanding       int
	speechActive          bool

	lastFlush time.Time
	commitAt  time.Time
	status    engine.Status
	closed    bool
}

// NewMachine returns a Machine speaking over conn. cfg is completed with
// defaults for zero numeric fields.
func NewMachine(cfg Config, conn rt.Conn, opts MachineOptions) *Machine {
	cfg = cfg.withDefaults()
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	counters := opts.Counters
	if counters == nil {
		counters = NewCounters(nil)
	}

	m := &Machine{
		cfg:              cfg,
		conn:             conn,
		clock:            clock,
		cb:               opts.Callbacks,
		counters:         counters,
		logger:           logger,
		gate:             NewSilenceGate(cfg.Gate, counters, logger, clock.Now),
		text:             NewTextAssembler(logger, cfg.Debug),
		minCommitBytes:   cfg.MinCommitBytes(),
		tailPaddingBytes: cfg.TailPaddingBytes(),
		lastFlush:        clock.Now(),
		status:           engine.StatusConnected,
	}
	post := opts.Post
	if post == nil {
		post = m.Handle
	}
	m.sched = NewScheduler(clock, post)
	return m
}

// Handle applies one event. Events arriving after the machine closed are
// ignored.
func (m *Machine) Handle(ev Event) {
	if m.closed {
		return
	}
	switch e := ev.(type) {
	case FrameEvent:
		m.onFrame(e.PCM)
	case TextEvent:
		m.onText(e.Text)
	case InboundEvent:
		m.onServerEvent(e.Event)
	case TaskFired:
		if m.sched.Fire(e) {
			m.onTask(e.Key)
		}
	case CommitRequest:
		m.flush(true, "commit_request")
		m.commit(reasonManual, e.Force)
	case ResponseRequest:
		m.requestResponse(responseRequest{force: e.Force, reason: e.Reason})
	case ShutdownEvent:
		m.shutdown()
	default:
		m.logger.Warn("ignoring unknown engine event", "event", ev)
	}
}

// Closed reports whether the machine has shut down or lost its transport.
func (m *Machine) Closed() bool { return m.closed }

// Status returns the last status reported to the callbacks.
func (m *Machine) Status() engine.Status { return m.status }

// Counters returns the machine's counters.
func (m *Machine) Counters() *Counters { return m.counters }

// State returns a snapshot of the machine's state.
func (m *Machine) State() State {
	return State{
		Phase:                 m.phase(),
		Status:                m.status,
		BufferedBytes:         m.acc.Len(),
		PendingAudioForCommit: m.pendingAudioForCommit,
		BytesSinceLastCommit:  m.bytesSinceLastCommit,
		PausedForEmptyCommit:  m.pausedForEmptyCommit,
		SpeechActive:          m.speechActive,
		ResponseInProgress:    m.resp.inProgress,
		ResponseDeferred:      m.resp.deferred != nil,
		Threshold:             m.gate.Threshold(),
		Closed:                m.closed,
	}
}

func (m *Machine) phase() CommitPhase {
	switch {
	case m.pendingAudioForCommit:
		return PhaseReadyToCommit
	case m.acc.Len() > 0:
		return PhaseAwaitingFlush
	case m.acksOutstanding > 0:
		return PhaseCommitted
	default:
		return PhaseIdle
	}
}

// ── Audio path ─────────────────────────────────────────────────────────────────

func (m *Machine) onFrame(pcm []byte) {
	m.counters.Inc(CounterFramesReceived)
	if len(pcm)%audio.BytesPerSample != 0 {
		m.counters.Inc(CounterMalformedFrames)
		m.logger.Warn("dropping misaligned audio frame", "bytes", len(pcm))
		return
	}

	accepted, rms := m.gate.Observe(pcm)
	if !accepted {
		return
	}
	if m.pausedForEmptyCommit && m.gate.Voiced(rms) {
		m.pausedForEmptyCommit = false
		m.logger.Info("new speech after rejected commit, resuming commits", "rms", rms)
	}

	m.acc.Push(pcm)
	m.flush(false, "chunk")
	m.sched.Schedule(TaskFlushIdle, m.cfg.FlushInterval)
}

// flush sends the accumulated audio as one append. Unless force is set it
// only does so once MinChunkBytes are buffered or FlushInterval has passed
// since the previous flush. On failure the audio stays buffered.
func (m *Machine) flush(force bool, reason string) bool {
	n := m.acc.Len()
	if n == 0 {
		return false
	}
	now := m.clock.Now()
	if !force && n < m.cfg.MinChunkBytes && now.Sub(m.lastFlush) < m.cfg.FlushInterval {
		return false
	}
	if !m.conn.Writable() {
		m.counters.Inc(CounterFlushFailures)
		m.logger.Debug("transport not writable, keeping audio buffered", "reason", reason, "bytes", n)
		return false
	}
	if err := m.conn.Send(rt.ClientEvent{Type: rt.ClientAudioAppend, Audio: m.acc.Bytes()}); err != nil {
		m.counters.Inc(CounterFlushFailures)
		m.logger.Warn("failed to append audio", "reason", reason, "bytes", n, "err", err)
		return false
	}

	m.acc.Reset()
	m.sched.Cancel(TaskFlushIdle)
	m.pendingAudioForCommit = true
	m.bytesSinceLastCommit += n
	m.lastFlush = now
	m.counters.Inc(CounterAppendsSent)
	m.counters.Add(CounterBytesAppended, int64(n))
	return true
}

func (m *Machine) onTask(key TaskKey) {
	switch key {
	case TaskFlushIdle:
		m.flush(true, "idle")
		if m.acc.Len() > 0 {
			// Flush failed; try again on the next interval.
			m.sched.Schedule(TaskFlushIdle, m.cfg.FlushInterval)
			return
		}
		if m.cfg.IdleCommit && m.pendingAudioForCommit && !m.speechActive {
			m.commit(reasonIdle, false)
		}
	case TaskCommit:
		m.flush(true, string(reasonSpeechStopped))
		m.commit(reasonSpeechStopped, false)
	}
}

// ── Commit coordinator ─────────────────────────────────────────────────────────

// commit finalises the upstream buffer as a turn and requests a response.
func (m *Machine) commit(reason commitReason, force bool) bool {
	if m.committing {
		m.logger.Debug("commit already running", "reason", reason)
		return false
	}
	m.committing = true
	defer func() { m.committing = false }()

	if !m.pendingAudioForCommit {
		m.counters.Inc(CounterCommitsSkipped)
		m.logger.Debug("skipping commit, no audio since last commit", "reason", reason)
		return false
	}
	if m.pausedForEmptyCommit && !force {
		m.counters.Inc(CounterCommitsSkipped)
		m.logger.Debug("skipping commit, paused after rejected commit", "reason", reason)
		return false
	}
	if !m.conn.Writable() {
		m.deferCommit(reason, "transport not writable")
		return false
	}

	if short := m.minCommitBytes - m.bytesSinceLastCommit; short > 0 {
		if !m.cfg.PadShortCommits {
			m.deferCommit(reason, "below minimum commit size")
			return false
		}
		pad := short
		if reason.endsTurn() {
			pad += m.tailPaddingBytes
		}
		silence := audio.Silence(pad)
		if err := m.conn.Send(rt.ClientEvent{Type: rt.ClientAudioAppend, Audio: silence}); err != nil {
			m.counters.Inc(CounterFlushFailures)
			m.deferCommit(reason, err.Error())
			return false
		}
		m.bytesSinceLastCommit += len(silence)
		m.counters.Inc(CounterAppendsSent)
		m.counters.Add(CounterPaddingBytes, int64(len(silence)))
		m.logger.Debug("padded short commit", "reason", reason, "padding_bytes", len(silence))
	}

	if err := m.conn.Send(rt.ClientEvent{Type: rt.ClientAudioCommit}); err != nil {
		m.deferCommit(reason, err.Error())
		return false
	}

	committed := m.bytesSinceLastCommit
	m.bytesSinceLastCommit = 0
	m.pendingAudioForCommit = false
	m.acksOutstanding++
	m.commitAt = m.clock.Now()
	m.sched.Cancel(TaskCommit)
	m.gate.ResetWarmup()
	m.counters.Inc(CounterCommitsSent)
	m.logger.Info("committed audio turn",
		"reason", reason,
		"bytes", committed,
		"duration", m.cfg.Format.DurationOf(committed),
	)
	m.setStatus(engine.StatusCommitting)
	m.requestResponse(responseRequest{reason: "commit:" + string(reason)})
	return true
}

// deferCommit leaves the audio pending and retries on the next idle tick.
func (m *Machine) deferCommit(reason commitReason, why string) {
	m.counters.Inc(CounterCommitsDeferred)
	m.logger.Debug("deferring commit", "reason", reason, "why", why)
	m.sched.Schedule(TaskFlushIdle, m.cfg.FlushInterval)
}

// onCommitRejected pauses commits until new speech arrives so the engine does
// not loop on empty commits while the user is silent.
func (m *Machine) onCommitRejected(ev rt.ServerEvent) {
	m.pausedForEmptyCommit = true
	m.pendingAudioForCommit = false
	m.bytesSinceLastCommit = 0
	m.acc.Reset()
	m.sched.Cancel(TaskFlushIdle)
	m.sched.Cancel(TaskCommit)
	if m.acksOutstanding > 0 {
		m.acksOutstanding--
	}
	if d := m.resp.deferred; d != nil && !d.force {
		m.resp.deferred = nil
	}
	m.commitAt = time.Time{}
	m.counters.Inc(CounterEmptyCommits)
	m.logger.Info("server rejected commit, pausing until new speech",
		"event", ev.Raw,
		"code", ev.Code,
		"message", ev.Message,
	)
	m.setStatus(engine.StatusListening)
}

// onServerCommit adopts a commit the server made on its own (server VAD
// commits the buffer when it detects the end of speech).
func (m *Machine) onServerCommit() {
	m.logger.Info("server committed audio turn", "bytes", m.bytesSinceLastCommit)
	m.bytesSinceLastCommit = 0
	m.pendingAudioForCommit = false
	m.commitAt = m.clock.Now()
	m.sched.Cancel(TaskCommit)
	m.gate.ResetWarmup()
	m.setStatus(engine.StatusCommitting)
	m.requestResponse(responseRequest{reason: "server_commit"})
}

// ── Response lifecycle ─────────────────────────────────────────────────────────

func (m *Machine) requestResponse(req responseRequest) {
	if !m.resp.admit(req) {
		m.counters.Inc(CounterResponsesDeferred)
		m.logger.Debug("response in progress, deferring request", "reason", req.reason)
		return
	}
	err := m.conn.Send(rt.ClientEvent{
		Type:       rt.ClientResponseCreate,
		Modalities: m.cfg.Modalities,
	})
	if err != nil {
		m.counters.Inc(CounterResponseErrors)
		m.logger.Warn("failed to request response", "reason", req.reason, "err", err)
		return
	}
	m.resp.started(req)
	m.counters.Inc(CounterResponsesRequested)
	m.logger.Debug("requested response", "reason", req.reason)
}

func (m *Machine) onResponseFinished() {
	if replay := m.resp.finish(); replay != nil {
		m.counters.Inc(CounterResponsesReplayed)
		m.logger.Debug("replaying deferred response request", "reason", replay.reason)
		m.requestResponse(*replay)
	}
}

func (m *Machine) publishFinal() {
	text, ok := m.text.Publish(true)
	if !ok {
		return
	}
	m.counters.Inc(CounterTextsPublished)
	if !m.commitAt.IsZero() {
		m.counters.observeTurnLatency(m.clock.Now().Sub(m.commitAt))
		m.commitAt = time.Time{}
	}
	m.cb.TextFinal(text)
}

// ── Text input ─────────────────────────────────────────────────────────────────

func (m *Machine) onText(text string) {
	if text == "" {
		return
	}
	if err := m.conn.Send(rt.ClientEvent{Type: rt.ClientTextInput, Text: text}); err != nil {
		m.logger.Warn("failed to send text input", "err", err)
		m.cb.Error(engine.ErrorTransport, "text input not sent: "+err.Error())
		return
	}
	m.requestResponse(responseRequest{reason: "text"})
}

// ── Server events ──────────────────────────────────────────────────────────────

func (m *Machine) onServerEvent(ev rt.ServerEvent) {
	switch ev.Type {
	case rt.ServerSessionCreated, rt.ServerSessionUpdated:
		m.logger.Debug("realtime session ready", "event", ev.Raw)
		if m.status == engine.StatusConnected {
			m.setStatus(engine.StatusListening)
		}

	case rt.ServerSpeechStarted:
		m.speechActive = true
		m.sched.Cancel(TaskCommit)
		m.text.ResetBookmarks()
		m.setStatus(engine.StatusSpeaking)

	case rt.ServerSpeechStopped:
		m.speechActive = false
		m.sched.Schedule(TaskCommit, m.cfg.GracePeriod)
		m.setStatus(engine.StatusListening)

	case rt.ServerAudioCommitted:
		if m.acksOutstanding > 0 {
			m.acksOutstanding--
			return
		}
		m.onServerCommit()

	case rt.ServerCommitFailed, rt.ServerCommitNoAudio, rt.ServerCommitEmpty:
		m.onCommitRejected(ev)

	case rt.ServerResponseCreated:
		m.text.Reset()
		m.resp.inProgress = true
		m.setStatus(engine.StatusResponding)

	case rt.ServerResponseTextDelta:
		if ev.Delta == "" {
			return
		}
		m.text.Delta(ev.Delta)
		m.cb.TextUpdate(m.text.Text())
		m.text.Publish(false)

	case rt.ServerResponseTextDone:
		m.text.Done(ev.Text)

	case rt.ServerResponseDone:
		m.publishFinal()
		m.setStatus(engine.StatusListening)
		m.onResponseFinished()

	case rt.ServerResponseError:
		m.counters.Inc(CounterResponseErrors)
		m.logger.Warn("response failed", "code", ev.Code, "message", ev.Message)
		m.cb.Error(engine.ErrorResponse, errorDetail(ev))
		m.setStatus(engine.StatusListening)
		m.onResponseFinished()

	case rt.ServerError:
		m.onServerError(ev)

	case rt.ServerMalformed:
		m.counters.Inc(CounterMalformedEvents)
		m.logger.Warn("ignoring malformed server event", "err", ev.Message)

	case rt.ServerClosed:
		m.onTransportClosed(ev.Err)

	default:
		m.logger.Debug("ignoring server event", "event", ev.Raw)
	}
}

func (m *Machine) onServerError(ev rt.ServerEvent) {
	switch ev.Code {
	case rt.CodeActiveResponse:
		m.resp.rejectedActive()
		m.counters.Inc(CounterResponsesDeferred)
		m.logger.Debug("server response still active, queued request behind it")
	case rt.CodeCommitEmpty:
		m.onCommitRejected(ev)
	default:
		m.counters.Inc(CounterServerErrors)
		m.logger.Warn("server error", "code", ev.Code, "message", ev.Message)
		m.cb.Error(engine.ErrorServer, errorDetail(ev))
	}
}

func errorDetail(ev rt.ServerEvent) string {
	switch {
	case ev.Code != "" && ev.Message != "":
		return ev.Code + ": " + ev.Message
	case ev.Message != "":
		return ev.Message
	case ev.Code != "":
		return ev.Code
	default:
		return ev.Raw
	}
}

// ── Teardown ───────────────────────────────────────────────────────────────────

func (m *Machine) onTransportClosed(err error) {
	m.teardown()
	_ = m.conn.Close()
	if err != nil {
		m.logger.Error("realtime transport failed", "err", err)
		m.cb.Error(engine.ErrorTransport, err.Error())
	} else {
		m.logger.Info("realtime transport closed")
	}
	m.setStatus(engine.StatusDisconnected)
}

func (m *Machine) shutdown() {
	m.sched.CancelAll()
	m.flush(true, "shutdown")
	if m.pendingAudioForCommit || m.acc.Len() > 0 {
		m.logger.Debug("discarding uncommitted audio",
			"appended_bytes", m.bytesSinceLastCommit,
			"buffered_bytes", m.acc.Len(),
		)
	}
	m.teardown()
	if err := m.conn.Close(); err != nil {
		m.logger.Warn("closing realtime transport", "err", err)
	}
	m.setStatus(engine.StatusDisconnected)
}

// teardown discards all session state and marks the machine closed.
func (m *Machine) teardown() {
	m.closed = true
	m.sched.CancelAll()
	m.acc.Reset()
	m.pendingAudioForCommit = false
	m.bytesSinceLastCommit = 0
	m.acksOutstanding = 0
	m.speechActive = false
	m.resp.reset()
	m.text.Reset()
}

func (m *Machine) setStatus(s engine.Status) {
	if s == m.status {
		return
	}
	m.status = s
	m.cb.Status(s)
}
