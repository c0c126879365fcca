package realtime

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// SilenceGate drops frames whose RMS level falls below an adaptive threshold.
//
// A few silent frames are let through at the start of each turn (warmup) so
// the server sees the onset of speech. After AdjustAfter consecutive drops the
// threshold is lowered by AdjustFactor, never below Floor; it is never raised,
// so a quiet microphone is accommodated within a few hundred milliseconds.
type SilenceGate struct {
	cfg       GateConfig
	threshold float64

	warmupRemaining int
	consecutive     int
	skipped         int64

	counters *Counters
	logger   *slog.Logger
	now      func() time.Time
	lastLog  time.Time
}

// NewSilenceGate returns a gate configured by cfg. counters may be nil.
func NewSilenceGate(cfg GateConfig, counters *Counters, logger *slog.Logger, now func() time.Time) *SilenceGate {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	threshold := max(cfg.Threshold, cfg.Floor)
	return &SilenceGate{
		cfg:             cfg,
		threshold:       threshold,
		warmupRemaining: cfg.WarmupFrames,
		counters:        counters,
		logger:          logger,
		now:             now,
	}
}

// Observe measures pcm and decides whether it is forwarded. It never fails.
func (g *SilenceGate) Observe(pcm []byte) (accepted bool, rms float64) {
	rms = audio.RMS(pcm)
	if !g.cfg.Enabled {
		return true, rms
	}

	if rms >= g.threshold {
		g.consecutive = 0
		return true, rms
	}

	if g.warmupRemaining > 0 {
		g.warmupRemaining--
		g.counters.Inc(CounterWarmupBypassed)
		return true, rms
	}

	g.consecutive++
	if g.cfg.AutoAdjust && g.consecutive >= g.cfg.AdjustAfter && g.threshold > g.cfg.Floor {
		prev := g.threshold
		g.threshold = max(g.cfg.Floor, g.threshold*g.cfg.AdjustFactor)
		g.consecutive = 0
		g.counters.Inc(CounterThresholdAdjustments)
		g.logger.Info("lowered silence threshold",
			"from", prev,
			"to", g.threshold,
			"rms", rms,
		)
		if rms >= g.threshold {
			return true, rms
		}
	}

	g.skipped++
	g.counters.Inc(CounterFramesDropped)
	if now := g.now(); now.Sub(g.lastLog) >= g.cfg.LogEvery {
		g.lastLog = now
		g.logger.Debug("dropping silent audio",
			"skipped", g.skipped,
			"rms", rms,
			"threshold", g.threshold,
		)
	}
	return false, rms
}

// Voiced reports whether rms is at or above the current threshold, i.e. the
// frame would pass without warmup. A disabled gate treats every frame as voiced.
func (g *SilenceGate) Voiced(rms float64) bool {
	return !g.cfg.Enabled || rms >= g.threshold
}

// ResetWarmup re-arms warmup for the next turn.
func (g *SilenceGate) ResetWarmup() {
	g.warmupRemaining = g.cfg.WarmupFrames
	g.consecutive = 0
}

// Threshold returns the current threshold.
func (g *SilenceGate) Threshold() float64 { return g.threshold }

// Skipped returns the number of frames dropped so far.
func (g *SilenceGate) Skipped() int64 { return g.skipped }
