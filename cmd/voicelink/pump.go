package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/voicelink/internal/engine"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/pkg/audio"
)

// pump reads raw PCM16 from an input stream in capture-sized frames, converts
// it to the session format and submits it to a backend.
type pump struct {
	src       io.Reader
	input     audio.Format
	frame     time.Duration
	paced     bool
	converter *audio.Converter
	backend   engine.Backend
	logger    *slog.Logger

	// sleep waits between paced frames. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// pumpStats summarises one pump run.
type pumpStats struct {
	Frames  int
	Dropped int
	Bytes   int
}

func newPump(src io.Reader, input, target audio.Format, frame time.Duration, paced bool, b engine.Backend, logger *slog.Logger) *pump {
	return &pump{
		src:       src,
		input:     input,
		frame:     frame,
		paced:     paced,
		converter: &audio.Converter{Target: target},
		backend:   b,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Run streams until the input ends or ctx is done. Frames submitted while the
// session is reconnecting are dropped. It returns nil at end of input.
func (p *pump) Run(ctx context.Context) (pumpStats, error) {
	var st pumpStats
	size := p.input.BytesFor(p.frame)
	if size <= 0 {
		return st, fmt.Errorf("pump: frame of %v holds no samples at %d Hz", p.frame, p.input.SampleRate)
	}
	buf := make([]byte, size)
	var captured time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		n, err := io.ReadFull(p.src, buf)
		if n > 0 {
			// A short final read is kept if it still holds whole samples;
			// the converter rejects anything misaligned.
			frame := audio.Frame{
				Data:       append([]byte(nil), buf[:n]...),
				SampleRate: p.input.SampleRate,
				Channels:   p.input.Channels,
				Timestamp:  captured,
			}
			captured += p.input.DurationOf(n)
			p.submit(frame, &st)
			if p.paced {
				if err := p.sleep(ctx, p.input.DurationOf(n)); err != nil {
					return st, err
				}
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return st, nil
		default:
			return st, fmt.Errorf("pump: read input: %w", err)
		}
	}
}

func (p *pump) submit(f audio.Frame, st *pumpStats) {
	pcm, ok := p.converter.Convert(f)
	if !ok {
		st.Dropped++
		return
	}
	err := p.backend.SubmitAudioFrame(pcm)
	switch {
	case err == nil:
		st.Frames++
		st.Bytes += len(pcm)
	case errors.Is(err, session.ErrNotConnected):
		st.Dropped++
		p.logger.Debug("frame dropped while reconnecting", "at", f.Timestamp)
	default:
		st.Dropped++
		p.logger.Warn("frame rejected", "at", f.Timestamp, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
