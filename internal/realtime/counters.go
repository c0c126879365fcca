package realtime

import (
	"sync/atomic"
	"time"
)

// Counter names. They double as the "event" attribute of the exported
// session metrics.
const (
	CounterFramesReceived       = "frames_received"
	CounterFramesDropped        = "frames_dropped"
	CounterWarmupBypassed       = "warmup_bypassed"
	CounterThresholdAdjustments = "threshold_adjustments"
	CounterMalformedFrames      = "malformed_frames"
	CounterAppendsSent          = "appends_sent"
	CounterBytesAppended        = "bytes_appended"
	CounterPaddingBytes         = "padding_bytes"
	CounterFlushFailures        = "flush_failures"
	CounterCommitsSent          = "commits_sent"
	CounterCommitsSkipped       = "commits_skipped"
	CounterCommitsDeferred      = "commits_deferred"
	CounterEmptyCommits         = "empty_commits"
	CounterResponsesRequested   = "responses_requested"
	CounterResponsesDeferred    = "responses_deferred"
	CounterResponsesReplayed    = "responses_replayed"
	CounterResponseErrors       = "response_errors"
	CounterTextsPublished       = "texts_published"
	CounterServerErrors         = "server_errors"
	CounterMalformedEvents      = "malformed_events"
)

var counterNames = []string{
	CounterFramesReceived,
	CounterFramesDropped,
	CounterWarmupBypassed,
	CounterThresholdAdjustments,
	CounterMalformedFrames,
	CounterAppendsSent,
	CounterBytesAppended,
	CounterPaddingBytes,
	CounterFlushFailures,
	CounterCommitsSent,
	CounterCommitsSkipped,
	CounterCommitsDeferred,
	CounterEmptyCommits,
	CounterResponsesRequested,
	CounterResponsesDeferred,
	CounterResponsesReplayed,
	CounterResponseErrors,
	CounterTextsPublished,
	CounterServerErrors,
	CounterMalformedEvents,
}

// Recorder mirrors counter increments and turn latencies into an external
// metrics system. Implementations must be safe for concurrent use.
type Recorder interface {
	Count(name string, n int64)
	TurnLatency(d time.Duration)
	// End is called once when the session stops.
	End()
}

// Counters are the per-session diagnostic counters. Increments happen on the
// session goroutine; Snapshot may be called from any goroutine.
type Counters struct {
	vals     map[string]*atomic.Int64
	recorder Recorder
}

// NewCounters returns zeroed counters mirroring into rec. rec may be nil.
func NewCounters(rec Recorder) *Counters {
	c := &Counters{
		vals:     make(map[string]*atomic.Int64, len(counterNames)),
		recorder: rec,
	}
	for _, name := range counterNames {
		c.vals[name] = new(atomic.Int64)
	}
	return c
}

// Add increments the named counter by n. Unknown names are ignored.
func (c *Counters) Add(name string, n int64) {
	if c == nil || n == 0 {
		return
	}
	v, ok := c.vals[name]
	if !ok {
		return
	}
	v.Add(n)
	if c.recorder != nil {
		c.recorder.Count(name, n)
	}
}

// Inc increments the named counter by one.
func (c *Counters) Inc(name string) { c.Add(name, 1) }

// Get returns the current value of the named counter.
func (c *Counters) Get(name string) int64 {
	if c == nil {
		return 0
	}
	if v, ok := c.vals[name]; ok {
		return v.Load()
	}
	return 0
}

func (c *Counters) observeTurnLatency(d time.Duration) {
	if c != nil && c.recorder != nil {
		c.recorder.TurnLatency(d)
	}
}

// Snapshot is a point-in-time copy of [Counters].
type Snapshot struct {
	FramesReceived       int64
	FramesDropped        int64
	WarmupBypassed       int64
	ThresholdAdjustments int64
	MalformedFrames      int64
	AppendsSent          int64
	BytesAppended        int64
	PaddingBytes         int64
	FlushFailures        int64
	CommitsSent          int64
	CommitsSkipped       int64
	CommitsDeferred      int64
	EmptyCommits         int64
	ResponsesRequested   int64
	ResponsesDeferred    int64
	ResponsesReplayed    int64
	ResponseErrors       int64
	TextsPublished       int64
	ServerErrors         int64
	MalformedEvents      int64
}

// Snapshot returns the current values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FramesReceived:       c.Get(CounterFramesReceived),
		FramesDropped:        c.Get(CounterFramesDropped),
		WarmupBypassed:       c.Get(CounterWarmupBypassed),
		ThresholdAdjustments: c.Get(CounterThresholdAdjustments),
		MalformedFrames:      c.Get(CounterMalformedFrames),
		AppendsSent:          c.Get(CounterAppendsSent),
		BytesAppended:        c.Get(CounterBytesAppended),
		PaddingBytes:         c.Get(CounterPaddingBytes),
		FlushFailures:        c.Get(CounterFlushFailures),
		CommitsSent:          c.Get(CounterCommitsSent),
		CommitsSkipped:       c.Get(CounterCommitsSkipped),
		CommitsDeferred:      c.Get(CounterCommitsDeferred),
		EmptyCommits:         c.Get(CounterEmptyCommits),
		ResponsesRequested:   c.Get(CounterResponsesRequested),
		ResponsesDeferred:    c.Get(CounterResponsesDeferred),
		ResponsesReplayed:    c.Get(CounterResponsesReplayed),
		ResponseErrors:       c.Get(CounterResponseErrors),
		TextsPublished:       c.Get(CounterTextsPublished),
		ServerErrors:         c.Get(CounterServerErrors),
		MalformedEvents:      c.Get(CounterMalformedEvents),
	}
}
