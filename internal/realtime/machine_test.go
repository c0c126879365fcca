package realtime_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/engine"
	"github.com/MrWong99/voicelink/internal/realtime"
	rt "github.com/MrWong99/voicelink/pkg/provider/realtime"
	"github.com/MrWong99/voicelink/pkg/provider/realtime/mock"
)

// 20 ms of 16 kHz mono PCM16.
const (
	frameBytes = 640
	frameDur   = 20 * time.Millisecond
)

// voicedFrame returns a constant-amplitude frame well above the default
// silence threshold (RMS ≈ 0.09).
func voicedFrame() []byte { return levelFrame(3000) }

func silentFrame() []byte { return make([]byte, frameBytes) }

func levelFrame(amplitude int16) []byte { return sizedFrame(frameBytes, amplitude) }

func sizedFrame(size int, amplitude int16) []byte {
	pcm := make([]byte, size)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(amplitude))
	}
	return pcm
}

// ── harness ────────────────────────────────────────────────────────────────────

type harness struct {
	conn    *mock.Conn
	clock   *realtime.ManualClock
	machine *realtime.Machine

	finals   []string
	updates  []string
	statuses []engine.Status
	errKinds []engine.ErrorKind
}

func newHarness(t *testing.T, mutate ...func(*realtime.Config)) *harness {
	t.Helper()
	cfg := realtime.DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	h := &harness{
		conn:  mock.NewConn(),
		clock: realtime.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	h.machine = realtime.NewMachine(cfg, h.conn, realtime.MachineOptions{
		Clock:  h.clock,
		Logger: slog.New(slog.DiscardHandler),
		Callbacks: engine.Callbacks{
			OnTextUpdate: func(s string) { h.updates = append(h.updates, s) },
			OnTextFinal:  func(s string) { h.finals = append(h.finals, s) },
			OnStatus:     func(s engine.Status) { h.statuses = append(h.statuses, s) },
			OnError:      func(k engine.ErrorKind, _ string) { h.errKinds = append(h.errKinds, k) },
		},
	})
	return h
}

// feed pushes frames produced by gen for duration d, advancing the clock by
// one frame after each push.
func (h *harness) feed(d time.Duration, gen func() []byte) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += frameDur {
		h.machine.Handle(realtime.FrameEvent{PCM: gen()})
		h.clock.Advance(frameDur)
	}
}

func (h *harness) speak(d time.Duration) { h.feed(d, voicedFrame) }
func (h *harness) quiet(d time.Duration) { h.feed(d, silentFrame) }

func (h *harness) emit(ev rt.ServerEvent) {
	h.machine.Handle(realtime.InboundEvent{Event: ev})
}

func (h *harness) emitType(typ rt.ServerEventType) {
	h.emit(rt.ServerEvent{Type: typ})
}

// endTurn reports speech_stopped and lets the grace period elapse.
func (h *harness) endTurn() {
	h.emitType(rt.ServerSpeechStopped)
	h.clock.Advance(80 * time.Millisecond)
}

func (h *harness) sent(typ rt.ClientEventType) []rt.ClientEvent {
	return h.conn.SentOfType(typ)
}

func (h *harness) appendSizes() []int {
	var sizes []int
	for _, ev := range h.sent(rt.ClientAudioAppend) {
		sizes = append(sizes, len(ev.Audio))
	}
	return sizes
}

func (h *harness) appendedBytes() int { return sum(h.appendSizes()) }

func (h *harness) state() realtime.State { return h.machine.State() }

func (h *harness) snapshot() realtime.Snapshot { return h.machine.Counters().Snapshot() }

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

// ── Scenarios ──────────────────────────────────────────────────────────────────

func TestMachine_HappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.emitType(rt.ServerSessionCreated)
	h.emitType(rt.ServerSpeechStarted)
	h.speak(time.Second)
	h.endTurn()

	if got := h.appendedBytes(); got != 50*frameBytes {
		t.Errorf("appended %d bytes, want %d", got, 50*frameBytes)
	}
	if got := len(h.sent(rt.ClientAudioCommit)); got != 1 {
		t.Fatalf("commits = %d, want 1", got)
	}
	if got := h.snapshot().PaddingBytes; got != 0 {
		t.Errorf("padding = %d, want 0", got)
	}

	all := h.conn.Sent()
	if n := len(all); n < 2 || all[n-2].Type != rt.ClientAudioCommit || all[n-1].Type != rt.ClientResponseCreate {
		t.Fatalf("last events = %v, want commit then response.create", all)
	}
	if mods := all[len(all)-1].Modalities; !slices.Equal(mods, []string{"text"}) {
		t.Errorf("modalities = %v, want [text]", mods)
	}

	h.emitType(rt.ServerAudioCommitted)
	if got := h.state().Phase; got != realtime.PhaseIdle {
		t.Errorf("phase after ack = %v, want idle", got)
	}

	h.emitType(rt.ServerResponseCreated)
	h.emit(rt.ServerEvent{Type: rt.ServerResponseTextDelta, Delta: "Hello"})
	h.emit(rt.ServerEvent{Type: rt.ServerResponseTextDelta, Delta: " world"})
	h.emit(rt.ServerEvent{Type: rt.ServerResponseTextDone, Text: "Hello world"})
	h.emitType(rt.ServerResponseDone)
	h.emitType(rt.ServerResponseDone)

	if !slices.Equal(h.updates, []string{"Hello", "Hello world"}) {
		t.Errorf("updates = %q", h.updates)
	}
	if !slices.Equal(h.finals, []string{"Hello world"}) {
		t.Errorf("finals = %q, want exactly one", h.finals)
	}

	wantStatuses := []engine.Status{
		engine.StatusListening,
		engine.StatusSpeaking,
		engine.StatusListening,
		engine.StatusCommitting,
		engine.StatusResponding,
		engine.StatusListening,
	}
	if !slices.Equal(h.statuses, wantStatuses) {
		t.Errorf("statuses = %v, want %v", h.statuses, wantStatuses)
	}
	if got := len(h.sent(rt.ClientResponseCreate)); got != 1 {
		t.Errorf("response.create = %d, want 1", got)
	}
}

func TestMachine_ChunkThreshold(t *testing.T) {
	t.Parallel()

	// 10 ms frames; 15 of them add up to exactly MinChunkBytes.
	const small = 320

	tests := []struct {
		name          string
		frames        int
		amplitude     int16
		wantBuffered  int
		wantAppends   []int
		wantDropped   int64
		wantSinceLast int
	}{
		{
			name:         "near silence past warmup",
			frames:       5,
			amplitude:    7, // RMS ≈ 0.0002
			wantBuffered: 3 * small,
			wantDropped:  2,
		},
		{
			name:          "voiced frames reach the chunk size",
			frames:        15,
			amplitude:     3000,
			wantAppends:   []int{4800},
			wantSinceLast: 4800,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)

			for range tt.frames {
				h.machine.Handle(realtime.FrameEvent{PCM: sizedFrame(small, tt.amplitude)})
				h.clock.Advance(10 * time.Millisecond)
			}

			if got := h.appendSizes(); !slices.Equal(got, tt.wantAppends) {
				t.Errorf("appends = %v, want %v", got, tt.wantAppends)
			}
			st := h.state()
			if st.BufferedBytes != tt.wantBuffered {
				t.Errorf("buffered = %d, want %d", st.BufferedBytes, tt.wantBuffered)
			}
			if st.BytesSinceLastCommit != tt.wantSinceLast {
				t.Errorf("bytes since last commit = %d, want %d", st.BytesSinceLastCommit, tt.wantSinceLast)
			}
			if got := h.snapshot().FramesDropped; got != tt.wantDropped {
				t.Errorf("dropped = %d, want %d", got, tt.wantDropped)
			}
			if got := len(h.sent(rt.ClientAudioCommit)); got != 0 {
				t.Errorf("commits = %d, want 0", got)
			}
		})
	}
}

func TestMachine_ShortCommitPadding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		speech      time.Duration
		tail        time.Duration
		wantPadding int
	}{
		{name: "short utterance", speech: 60 * time.Millisecond, wantPadding: 1280},
		{name: "short utterance with tail", speech: 60 * time.Millisecond, tail: 20 * time.Millisecond, wantPadding: 1920},
		{name: "long enough", speech: 200 * time.Millisecond, tail: 20 * time.Millisecond, wantPadding: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, func(c *realtime.Config) { c.TailPadding = tt.tail })

			h.speak(tt.speech)
			h.endTurn()

			if got := len(h.sent(rt.ClientAudioCommit)); got != 1 {
				t.Fatalf("commits = %d, want 1", got)
			}
			snap := h.snapshot()
			if snap.PaddingBytes != int64(tt.wantPadding) {
				t.Errorf("padding = %d, want %d", snap.PaddingBytes, tt.wantPadding)
			}
			if got := h.appendedBytes(); got < 3200 {
				t.Errorf("appended %d bytes before commit, want >= 3200", got)
			}
			if tt.wantPadding > 0 {
				appends := h.sent(rt.ClientAudioAppend)
				pad := appends[len(appends)-1].Audio
				if len(pad) != tt.wantPadding || !bytes.Equal(pad, make([]byte, len(pad))) {
					t.Errorf("padding append = %d bytes (all zero: %v)", len(pad), bytes.Equal(pad, make([]byte, len(pad))))
				}
				if len(pad)%2 != 0 {
					t.Errorf("padding %d bytes is not sample aligned", len(pad))
				}
			}
		})
	}
}

func TestMachine_EmptyCommitRecovery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.speak(200 * time.Millisecond)
	h.endTurn()
	if got := len(h.sent(rt.ClientAudioCommit)); got != 1 {
		t.Fatalf("commits = %d, want 1", got)
	}

	h.emit(rt.ServerEvent{Type: rt.ServerCommitEmpty, Message: "buffer too small"})
	st := h.state()
	if !st.PausedForEmptyCommit || st.PendingAudioForCommit || st.BufferedBytes != 0 || st.BytesSinceLastCommit != 0 {
		t.Fatalf("state after rejection = %+v", st)
	}
	if got := h.snapshot().EmptyCommits; got != 1 {
		t.Errorf("empty commits = %d, want 1", got)
	}
	if len(h.errKinds) != 0 {
		t.Errorf("rejection surfaced errors %v", h.errKinds)
	}

	// Silence (including warmup frames) must not lift the pause.
	h.quiet(200 * time.Millisecond)
	h.clock.Advance(100 * time.Millisecond)
	if !h.state().PausedForEmptyCommit {
		t.Fatal("silent frames cleared the pause")
	}
	if got := len(h.sent(rt.ClientAudioCommit)); got != 1 {
		t.Fatalf("commits while paused = %d, want 1", got)
	}
	if got := h.snapshot().CommitsSkipped; got == 0 {
		t.Error("expected the paused idle commit to be counted as skipped")
	}

	h.speak(100 * time.Millisecond)
	if h.state().PausedForEmptyCommit {
		t.Fatal("speech did not clear the pause")
	}
	h.endTurn()
	if got := len(h.sent(rt.ClientAudioCommit)); got != 2 {
		t.Errorf("commits = %d, want 2", got)
	}
}

func TestMachine_CommitRejectionClearsDeferredRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		force       bool
		wantCreates int
	}{
		{name: "unforced is cleared", force: false, wantCreates: 1},
		{name: "forced survives", force: true, wantCreates: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)

			h.speak(200 * time.Millisecond)
			h.endTurn()
			h.machine.Handle(realtime.ResponseRequest{Force: tt.force, Reason: "follow-up"})
			if !h.state().ResponseDeferred {
				t.Fatal("request during an active response was not deferred")
			}

			h.emitType(rt.ServerCommitEmpty)
			h.emitType(rt.ServerResponseDone)
			if got := len(h.sent(rt.ClientResponseCreate)); got != tt.wantCreates {
				t.Errorf("response.create = %d, want %d", got, tt.wantCreates)
			}
		})
	}
}

func TestMachine_ErrorCodeEmptyCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.speak(200 * time.Millisecond)
	h.endTurn()
	h.emit(rt.ServerEvent{Type: rt.ServerError, Code: rt.CodeCommitEmpty, Message: "empty"})

	if !h.state().PausedForEmptyCommit {
		t.Error("empty-commit error code did not pause commits")
	}
	if len(h.errKinds) != 0 {
		t.Errorf("empty-commit error surfaced: %v", h.errKinds)
	}
}

func TestMachine_ForcedCommitIgnoresPause(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *realtime.Config) { c.Gate.WarmupFrames = 5 })

	h.speak(200 * time.Millisecond)
	h.endTurn()
	h.emitType(rt.ServerCommitFailed)

	h.quiet(60 * time.Millisecond) // warmup frames only
	h.machine.Handle(realtime.CommitRequest{})
	if got := len(h.sent(rt.ClientAudioCommit)); got != 1 {
		t.Fatalf("unforced commit while paused: commits = %d, want 1", got)
	}

	h.machine.Handle(realtime.CommitRequest{Force: true})
	if got := len(h.sent(rt.ClientAudioCommit)); got != 2 {
		t.Errorf("forced commit: commits = %d, want 2", got)
	}
}

func TestMachine_ResponseContention(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.speak(200 * time.Millisecond)
	h.endTurn()
	h.emitType(rt.ServerResponseCreated)

	h.speak(200 * time.Millisecond)
	h.endTurn()

	if got := len(h.sent(rt.ClientAudioCommit)); got != 2 {
		t.Fatalf("commits = %d, want 2", got)
	}
	if got := len(h.sent(rt.ClientResponseCreate)); got != 1 {
		t.Fatalf("response.create while in flight = %d, want 1", got)
	}
	if !h.state().ResponseDeferred {
		t.Fatal("second request was not deferred")
	}

	h.emitType(rt.ServerResponseDone)
	if got := len(h.sent(rt.ClientResponseCreate)); got != 2 {
		t.Fatalf("response.create after done = %d, want 2", got)
	}

	h.emitType(rt.ServerResponseCreated)
	h.emitType(rt.ServerResponseDone)
	if got := len(h.sent(rt.ClientResponseCreate)); got != 2 {
		t.Errorf("response.create after second done = %d, want 2", got)
	}

	snap := h.snapshot()
	if snap.ResponsesDeferred != 1 || snap.ResponsesReplayed != 1 {
		t.Errorf("deferred/replayed = %d/%d, want 1/1", snap.ResponsesDeferred, snap.ResponsesReplayed)
	}
}

func TestMachine_DeferredRequestReplay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		force bool
	}{
		{name: "unforced", force: false},
		{name: "forced", force: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)

			h.machine.Handle(realtime.ResponseRequest{Reason: "first"})
			h.machine.Handle(realtime.ResponseRequest{Force: tt.force, Reason: "second"})
			h.machine.Handle(realtime.ResponseRequest{Force: tt.force, Reason: "third"})
			if got := len(h.sent(rt.ClientResponseCreate)); got != 1 {
				t.Fatalf("response.create while in flight = %d, want 1", got)
			}

			h.emitType(rt.ServerResponseDone)
			if got := len(h.sent(rt.ClientResponseCreate)); got != 2 {
				t.Errorf("response.create after done = %d, want 2", got)
			}
			if h.state().ResponseDeferred {
				t.Error("deferred request still queued after done")
			}

			h.emitType(rt.ServerResponseDone)
			if got := len(h.sent(rt.ClientResponseCreate)); got != 2 {
				t.Errorf("response.create after replayed done = %d, want 2", got)
			}
		})
	}
}

func TestMachine_ActiveResponseError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.machine.Handle(realtime.ResponseRequest{Reason: "manual"})
	h.emit(rt.ServerEvent{
		Type:    rt.ServerError,
		Code:    rt.CodeActiveResponse,
		Message: "Conversation already has an active response",
	})

	st := h.state()
	if !st.ResponseInProgress || !st.ResponseDeferred {
		t.Fatalf("state = %+v, want in progress with deferred request", st)
	}
	if len(h.errKinds) != 0 {
		t.Errorf("active-response error surfaced: %v", h.errKinds)
	}

	h.emitType(rt.ServerResponseDone)
	if got := len(h.sent(rt.ClientResponseCreate)); got != 2 {
		t.Errorf("response.create = %d, want 2 (original + replay)", got)
	}
}

func TestMachine_TransportDrop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.speak(100 * time.Millisecond)
	if h.state().BufferedBytes == 0 {
		t.Fatal("expected buffered audio before the drop")
	}

	h.emit(rt.ServerEvent{Type: rt.ServerClosed, Err: errors.New("connection reset by peer")})

	st := h.state()
	if !st.Closed || st.BufferedBytes != 0 || st.PendingAudioForCommit {
		t.Fatalf("state after drop = %+v", st)
	}
	if got := h.statuses[len(h.statuses)-1]; got != engine.StatusDisconnected {
		t.Errorf("last status = %v, want disconnected", got)
	}
	if !slices.Equal(h.errKinds, []engine.ErrorKind{engine.ErrorTransport}) {
		t.Errorf("errors = %v, want [transport]", h.errKinds)
	}
	if h.conn.CloseCalls() != 1 {
		t.Errorf("close calls = %d, want 1", h.conn.CloseCalls())
	}

	before := len(h.conn.Sent())
	h.speak(300 * time.Millisecond)
	h.endTurn()
	h.clock.Advance(time.Second)
	if after := len(h.conn.Sent()); after != before {
		t.Errorf("sent %d events after the drop", after-before)
	}
}

func TestMachine_NormalCloseIsNotAnError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.emitType(rt.ServerClosed)

	if !h.state().Closed {
		t.Error("machine not closed")
	}
	if len(h.errKinds) != 0 {
		t.Errorf("errors = %v, want none", h.errKinds)
	}
	if got := h.machine.Status(); got != engine.StatusDisconnected {
		t.Errorf("status = %v, want disconnected", got)
	}
}

// ── Properties ─────────────────────────────────────────────────────────────────

func TestMachine_SilenceIsNeverSent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *realtime.Config) { c.Gate.WarmupFrames = 0 })

	h.quiet(time.Second)
	h.clock.Advance(time.Second)

	if got := len(h.sent(rt.ClientAudioAppend)); got != 0 {
		t.Errorf("appends = %d, want 0", got)
	}
	snap := h.snapshot()
	if snap.FramesDropped != 50 {
		t.Errorf("dropped = %d, want 50", snap.FramesDropped)
	}
	if th := h.state().Threshold; th < 0.001 || th > 0.008 {
		t.Errorf("threshold = %v, want within [floor, initial]", th)
	}
}

func TestMachine_FlushAccounting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for i := range 60 {
		frame := voicedFrame()
		if i%3 == 0 {
			frame = silentFrame()
		}
		h.machine.Handle(realtime.FrameEvent{PCM: frame})
		h.clock.Advance(frameDur)
	}
	h.endTurn()

	snap := h.snapshot()
	accepted := (snap.FramesReceived - snap.FramesDropped) * frameBytes
	if snap.BytesAppended != accepted {
		t.Errorf("bytes appended = %d, accepted = %d", snap.BytesAppended, accepted)
	}
	if got := int64(h.appendedBytes()) - snap.PaddingBytes; got != accepted {
		t.Errorf("append payloads minus padding = %d, want %d", got, accepted)
	}
	if h.state().BufferedBytes != 0 {
		t.Errorf("buffered = %d after commit", h.state().BufferedBytes)
	}
}

func TestMachine_NoCommitWithoutPendingAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.emitType(rt.ServerSpeechStarted)
	h.endTurn()
	h.clock.Advance(time.Second)

	if got := len(h.sent(rt.ClientAudioCommit)); got != 0 {
		t.Errorf("commits = %d, want 0", got)
	}
	if got := h.snapshot().CommitsSkipped; got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}

	// A second speech_stopped right after a commit has nothing new to commit.
	h.speak(200 * time.Millisecond)
	h.endTurn()
	h.endTurn()
	if got := len(h.sent(rt.ClientAudioCommit)); got != 1 {
		t.Errorf("commits = %d, want 1", got)
	}
}

func TestMachine_IdleCommit(t *testing.T) {
	t.Parallel()

	t.Run("commits after the flush interval", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, func(c *realtime.Config) { c.TurnDetection = rt.TurnDetectionNone })

		h.speak(300 * time.Millisecond)
		h.clock.Advance(300 * time.Millisecond)

		if got := len(h.sent(rt.ClientAudioCommit)); got != 1 {
			t.Fatalf("commits = %d, want 1", got)
		}
		if got := len(h.sent(rt.ClientResponseCreate)); got != 1 {
			t.Errorf("response.create = %d, want 1", got)
		}
	})

	t.Run("waits while speech is active", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		h.emitType(rt.ServerSpeechStarted)
		h.speak(300 * time.Millisecond)
		h.clock.Advance(300 * time.Millisecond)

		if got := len(h.sent(rt.ClientAudioCommit)); got != 0 {
			t.Errorf("commits = %d, want 0", got)
		}
		if got := h.appendedBytes(); got != 15*frameBytes {
			t.Errorf("appended %d bytes, want everything flushed (%d)", got, 15*frameBytes)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, func(c *realtime.Config) { c.IdleCommit = false })

		h.speak(300 * time.Millisecond)
		h.clock.Advance(time.Second)

		if got := len(h.sent(rt.ClientAudioCommit)); got != 0 {
			t.Errorf("commits = %d, want 0", got)
		}
	})
}

func TestMachine_ShortCommitWithoutPaddingIsDeferred(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *realtime.Config) { c.PadShortCommits = false })

	h.speak(60 * time.Millisecond)
	h.endTurn()
	if got := len(h.sent(rt.ClientAudioCommit)); got != 0 {
		t.Fatalf("commits = %d, want 0 for a short turn", got)
	}
	if got := h.snapshot().CommitsDeferred; got == 0 {
		t.Error("deferral not counted")
	}
	if !h.state().PendingAudioForCommit {
		t.Error("deferred audio lost its pending flag")
	}

	h.speak(100 * time.Millisecond)
	h.clock.Advance(300 * time.Millisecond)

	if got := len(h.sent(rt.ClientAudioCommit)); got != 1 {
		t.Errorf("commits = %d, want 1 once enough audio arrived", got)
	}
	if got := h.snapshot().PaddingBytes; got != 0 {
		t.Errorf("padding = %d, want 0", got)
	}
}

func TestMachine_FlushRetainsAudioWhenNotWritable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.conn.SetWritable(false)
	h.speak(200 * time.Millisecond)

	if got := h.state().BufferedBytes; got != 10*frameBytes {
		t.Fatalf("buffered = %d, want %d", got, 10*frameBytes)
	}
	if h.snapshot().FlushFailures == 0 {
		t.Error("flush failures not counted")
	}

	h.conn.SetWritable(true)
	h.clock.Advance(400 * time.Millisecond)

	if got := h.appendedBytes() - int(h.snapshot().PaddingBytes); got != 10*frameBytes {
		t.Errorf("appended %d bytes after recovery, want %d", got, 10*frameBytes)
	}
	if got := len(h.sent(rt.ClientAudioCommit)); got != 1 {
		t.Errorf("commits = %d, want 1", got)
	}
}

func TestMachine_ServerInitiatedCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.emitType(rt.ServerSpeechStarted)
	h.speak(200 * time.Millisecond)
	h.emitType(rt.ServerSpeechStopped)
	h.emitType(rt.ServerAudioCommitted)

	if got := len(h.sent(rt.ClientAudioCommit)); got != 0 {
		t.Errorf("client commits = %d, want 0", got)
	}
	if got := len(h.sent(rt.ClientResponseCreate)); got != 1 {
		t.Errorf("response.create = %d, want 1", got)
	}
	st := h.state()
	if st.PendingAudioForCommit || st.BytesSinceLastCommit != 0 {
		t.Errorf("state = %+v, want commit bookkeeping reset", st)
	}
}

func TestMachine_TextInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.machine.Handle(realtime.TextEvent{Text: "what is on my screen?"})
	h.machine.Handle(realtime.TextEvent{})

	sent := h.conn.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d events, want 2", len(sent))
	}
	if sent[0].Type != rt.ClientTextInput || sent[0].Text != "what is on my screen?" {
		t.Errorf("first event = %+v", sent[0])
	}
	if sent[1].Type != rt.ClientResponseCreate {
		t.Errorf("second event = %v, want response.create", sent[1].Type)
	}
}

func TestMachine_ServerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ev       rt.ServerEvent
		wantKind []engine.ErrorKind
		counter  string
	}{
		{
			name:     "response error",
			ev:       rt.ServerEvent{Type: rt.ServerResponseError, Code: "server_error", Message: "boom"},
			wantKind: []engine.ErrorKind{engine.ErrorResponse},
			counter:  realtime.CounterResponseErrors,
		},
		{
			name:     "generic server error",
			ev:       rt.ServerEvent{Type: rt.ServerError, Code: "invalid_request_error", Message: "bad"},
			wantKind: []engine.ErrorKind{engine.ErrorServer},
			counter:  realtime.CounterServerErrors,
		},
		{
			name:    "malformed event",
			ev:      rt.ServerEvent{Type: rt.ServerMalformed, Message: "unexpected end of JSON input"},
			counter: realtime.CounterMalformedEvents,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)

			h.machine.Handle(realtime.ResponseRequest{Reason: "test"})
			h.emit(tt.ev)

			if !slices.Equal(h.errKinds, tt.wantKind) {
				t.Errorf("errors = %v, want %v", h.errKinds, tt.wantKind)
			}
			if got := h.machine.Counters().Get(tt.counter); got != 1 {
				t.Errorf("%s = %d, want 1", tt.counter, got)
			}
			if h.state().Closed {
				t.Error("non-fatal error closed the machine")
			}
		})
	}
}

func TestMachine_ResponseErrorClearsInProgress(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.machine.Handle(realtime.ResponseRequest{Reason: "test"})
	h.emit(rt.ServerEvent{Type: rt.ServerResponseError, Code: "rate_limit_exceeded"})
	if h.state().ResponseInProgress {
		t.Fatal("response still in progress after error")
	}

	h.machine.Handle(realtime.ResponseRequest{Reason: "again"})
	if got := len(h.sent(rt.ClientResponseCreate)); got != 2 {
		t.Errorf("response.create = %d, want 2", got)
	}
}

func TestMachine_MisalignedFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.machine.Handle(realtime.FrameEvent{PCM: make([]byte, frameBytes+1)})

	snap := h.snapshot()
	if snap.MalformedFrames != 1 || snap.FramesDropped != 0 {
		t.Errorf("malformed/dropped = %d/%d, want 1/0", snap.MalformedFrames, snap.FramesDropped)
	}
	if h.state().BufferedBytes != 0 {
		t.Error("misaligned frame was buffered")
	}
}

func TestMachine_Shutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.speak(100 * time.Millisecond)
	h.machine.Handle(realtime.ShutdownEvent{})

	if got := sum(h.appendSizes()); got != 5*frameBytes {
		t.Errorf("final flush appended %d bytes, want %d", got, 5*frameBytes)
	}
	if got := len(h.sent(rt.ClientAudioCommit)); got != 0 {
		t.Errorf("commits = %d, want 0", got)
	}
	if !h.conn.Closed() {
		t.Error("transport not closed")
	}
	if got := h.machine.Status(); got != engine.StatusDisconnected {
		t.Errorf("status = %v, want disconnected", got)
	}
	if n := h.conn.CloseCalls(); n != 1 {
		t.Errorf("close calls = %d, want 1", n)
	}

	before := len(h.conn.Sent())
	h.speak(time.Second)
	h.clock.Advance(time.Second)
	if after := len(h.conn.Sent()); after != before {
		t.Errorf("sent %d events after shutdown", after-before)
	}
}
