package realtime

import (
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	rt "github.com/MrWong99/voicelink/pkg/provider/realtime"
)

// GateConfig tunes the [SilenceGate].
type GateConfig struct {
	// Enabled turns silence gating on. When false every frame is accepted.
	Enabled bool

	// Threshold is the starting RMS threshold on the normalised [0, 1] scale.
	// Frames below it are silent. Default: 0.008.
	Threshold float64

	// Floor is the lowest value auto-adjust may lower Threshold to.
	// Default: 0.001.
	Floor float64

	// AutoAdjust lowers Threshold after AdjustAfter consecutive drops.
	AutoAdjust bool

	// WarmupFrames is how many silent frames are accepted at the start of a
	// session or turn. Default: 3.
	WarmupFrames int

	// AdjustAfter is the consecutive-drop count that triggers auto-adjust.
	// Default: 12.
	AdjustAfter int

	// AdjustFactor multiplies Threshold on each auto-adjust. Default: 0.75.
	AdjustFactor float64

	// LogEvery rate-limits the "dropping silence" diagnostic. Default: 4s.
	LogEvery time.Duration
}

// Config holds the engine's tuning constants. Start from [DefaultConfig];
// zero numeric fields are replaced with defaults by [NewMachine].
type Config struct {
	// Format is the session audio format. Only mono PCM16 is sent upstream.
	Format audio.Format

	// MinChunkBytes is the accumulated size that triggers a flush. Default: 4800.
	MinChunkBytes int

	// FlushInterval flushes smaller accumulations and arms the idle task.
	// Default: 200ms.
	FlushInterval time.Duration

	// Gate configures silence gating.
	Gate GateConfig

	// MinCommit is the shortest audio span the server accepts as a commit.
	// Default: 100ms.
	MinCommit time.Duration

	// PadShortCommits appends silence to reach MinCommit instead of deferring.
	PadShortCommits bool

	// TailPadding is extra silence appended to short commits that end a turn.
	TailPadding time.Duration

	// GracePeriod delays the commit after speech_stopped so trailing frames
	// still in flight reach the accumulator. Default: 80ms.
	GracePeriod time.Duration

	// IdleCommit commits pending audio when the idle flush task fires outside
	// of detected speech.
	IdleCommit bool

	// TurnDetection and VAD are forwarded to the server at connect time.
	TurnDetection rt.TurnDetection
	VAD           rt.VADParams

	// Modalities requested for each response. Default: ["text"].
	Modalities []string

	// Instructions is forwarded verbatim in the session configuration.
	Instructions string

	// Debug logs text previews and per-event diagnostics at info level.
	Debug bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Format:        audio.Format{SampleRate: 16000, Channels: 1},
		MinChunkBytes: 4800,
		FlushInterval: 200 * time.Millisecond,
		Gate: GateConfig{
			Enabled:      true,
			Threshold:    0.008,
			Floor:        0.001,
			AutoAdjust:   true,
			WarmupFrames: 3,
			AdjustAfter:  12,
			AdjustFactor: 0.75,
			LogEvery:     4 * time.Second,
		},
		MinCommit:       100 * time.Millisecond,
		PadShortCommits: true,
		GracePeriod:     80 * time.Millisecond,
		IdleCommit:      true,
		TurnDetection:   rt.TurnDetectionServerVAD,
		VAD: rt.VADParams{
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Modalities: []string{"text"},
	}
}

// withDefaults fills zero numeric fields. Booleans are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = d.Format.SampleRate
	}
	// The server only takes mono input; conversion happens before the gate.
	c.Format.Channels = 1
	if c.MinChunkBytes <= 0 {
		c.MinChunkBytes = d.MinChunkBytes
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.Gate.Threshold <= 0 {
		c.Gate.Threshold = d.Gate.Threshold
	}
	if c.Gate.Floor <= 0 {
		c.Gate.Floor = d.Gate.Floor
	}
	if c.Gate.Floor > c.Gate.Threshold {
		c.Gate.Floor = c.Gate.Threshold
	}
	if c.Gate.WarmupFrames < 0 {
		c.Gate.WarmupFrames = 0
	}
	if c.Gate.AdjustAfter <= 0 {
		c.Gate.AdjustAfter = d.Gate.AdjustAfter
	}
	if c.Gate.AdjustFactor <= 0 || c.Gate.AdjustFactor >= 1 {
		c.Gate.AdjustFactor = d.Gate.AdjustFactor
	}
	if c.Gate.LogEvery <= 0 {
		c.Gate.LogEvery = d.Gate.LogEvery
	}
	if c.MinCommit <= 0 {
		c.MinCommit = d.MinCommit
	}
	if c.TailPadding < 0 {
		c.TailPadding = 0
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.TurnDetection == "" {
		c.TurnDetection = d.TurnDetection
	}
	if len(c.Modalities) == 0 {
		c.Modalities = d.Modalities
	}
	return c
}

// MinCommitBytes is MinCommit expressed in sample-aligned bytes.
func (c Config) MinCommitBytes() int {
	return c.Format.BytesFor(c.MinCommit)
}

// TailPaddingBytes is TailPadding expressed in sample-aligned bytes.
func (c Config) TailPaddingBytes() int {
	return c.Format.BytesFor(c.TailPadding)
}

// SessionParams derives the connect-time session configuration.
func (c Config) SessionParams() rt.SessionParams {
	return rt.SessionParams{
		SampleRate:    c.Format.SampleRate,
		TurnDetection: c.TurnDetection,
		VAD:           c.VAD,
		Modalities:    append([]string(nil), c.Modalities...),
		Instructions:  c.Instructions,
	}
}
