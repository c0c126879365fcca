package realtime_test

import (
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/realtime"
)

func newGate(t *testing.T, mutate func(*realtime.GateConfig)) (*realtime.SilenceGate, *realtime.Counters) {
	t.Helper()
	cfg := realtime.DefaultConfig().Gate
	if mutate != nil {
		mutate(&cfg)
	}
	counters := realtime.NewCounters(nil)
	g := realtime.NewSilenceGate(cfg, counters, slog.New(slog.DiscardHandler), func() time.Time { return time.Time{} })
	return g, counters
}

func TestSilenceGate_Observe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		mutate       func(*realtime.GateConfig)
		frames       [][]byte
		wantAccepted []bool
	}{
		{
			name:         "voiced frames pass",
			frames:       [][]byte{voicedFrame(), voicedFrame()},
			wantAccepted: []bool{true, true},
		},
		{
			name:         "warmup lets the first silent frames through",
			frames:       [][]byte{silentFrame(), silentFrame(), silentFrame(), silentFrame()},
			wantAccepted: []bool{true, true, true, false},
		},
		{
			name:         "voiced frames do not consume warmup",
			mutate:       func(c *realtime.GateConfig) { c.WarmupFrames = 1 },
			frames:       [][]byte{voicedFrame(), silentFrame(), silentFrame()},
			wantAccepted: []bool{true, true, false},
		},
		{
			name:         "disabled gate accepts silence",
			mutate:       func(c *realtime.GateConfig) { c.Enabled = false; c.WarmupFrames = 0 },
			frames:       [][]byte{silentFrame(), silentFrame()},
			wantAccepted: []bool{true, true},
		},
		{
			name:         "empty frame is silent",
			mutate:       func(c *realtime.GateConfig) { c.WarmupFrames = 0 },
			frames:       [][]byte{{}},
			wantAccepted: []bool{false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g, _ := newGate(t, tt.mutate)
			for i, f := range tt.frames {
				got, _ := g.Observe(f)
				if got != tt.wantAccepted[i] {
					t.Errorf("frame %d: accepted = %v, want %v", i, got, tt.wantAccepted[i])
				}
			}
		})
	}
}

func TestSilenceGate_RMS(t *testing.T) {
	t.Parallel()
	g, _ := newGate(t, nil)

	_, rms := g.Observe(levelFrame(16384))
	if rms < 0.4999 || rms > 0.5001 {
		t.Errorf("rms = %v, want 0.5", rms)
	}
}

func TestSilenceGate_ResetWarmup(t *testing.T) {
	t.Parallel()
	g, counters := newGate(t, func(c *realtime.GateConfig) { c.WarmupFrames = 2 })

	for range 3 {
		g.Observe(silentFrame())
	}
	if ok, _ := g.Observe(silentFrame()); ok {
		t.Fatal("silent frame accepted after warmup was used up")
	}

	g.ResetWarmup()
	if ok, _ := g.Observe(silentFrame()); !ok {
		t.Error("silent frame rejected right after ResetWarmup")
	}
	if got := counters.Get(realtime.CounterWarmupBypassed); got != 3 {
		t.Errorf("warmup bypassed = %d, want 3", got)
	}
	if got := g.Skipped(); got != 2 {
		t.Errorf("skipped = %d, want 2", got)
	}
}

func TestSilenceGate_AutoAdjustAcceptsQuietSpeaker(t *testing.T) {
	t.Parallel()
	g, counters := newGate(t, func(c *realtime.GateConfig) { c.WarmupFrames = 0 })

	// RMS ≈ 0.007: below the 0.008 default, above 0.008*0.75.
	quiet := levelFrame(229)
	for i := range 11 {
		if ok, _ := g.Observe(quiet); ok {
			t.Fatalf("frame %d accepted before the threshold was lowered", i)
		}
	}
	if ok, _ := g.Observe(quiet); !ok {
		t.Fatal("12th frame rejected; expected re-test against the lowered threshold")
	}
	if got := g.Threshold(); math.Abs(got-0.006) > 1e-12 {
		t.Errorf("threshold = %v, want 0.006", got)
	}
	if got := counters.Get(realtime.CounterThresholdAdjustments); got != 1 {
		t.Errorf("adjustments = %d, want 1", got)
	}
	if got := counters.Get(realtime.CounterFramesDropped); got != 11 {
		t.Errorf("dropped = %d, want 11", got)
	}
}

func TestSilenceGate_ThresholdIsMonotonicAndFloored(t *testing.T) {
	t.Parallel()
	g, _ := newGate(t, func(c *realtime.GateConfig) { c.WarmupFrames = 0 })

	prev := g.Threshold()
	for range 500 {
		g.Observe(silentFrame())
		th := g.Threshold()
		if th > prev {
			t.Fatalf("threshold rose from %v to %v", prev, th)
		}
		if th < 0.001 {
			t.Fatalf("threshold %v below floor", th)
		}
		prev = th
	}
	if prev != 0.001 {
		t.Errorf("threshold = %v, want it to settle on the floor", prev)
	}
}

func TestSilenceGate_NoAutoAdjust(t *testing.T) {
	t.Parallel()
	g, _ := newGate(t, func(c *realtime.GateConfig) {
		c.WarmupFrames = 0
		c.AutoAdjust = false
	})

	for range 100 {
		g.Observe(silentFrame())
	}
	if got := g.Threshold(); got != 0.008 {
		t.Errorf("threshold = %v, want unchanged 0.008", got)
	}
}
