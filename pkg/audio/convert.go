package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Converter turns captured frames into the session's mono wire format. It logs
// a warning on the first format mismatch and on the first misaligned frame.
// Create one per capture stream; it is not meant to be shared across goroutines.
type Converter struct {
	// Target is the format the realtime session was configured with. Only mono
	// targets are supported; the model endpoints accept a single channel.
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns f's PCM in the target format. ok is false when the frame is
// unusable (odd byte count or a misaligned stereo frame) and must be dropped.
// Frames already in the target format are returned without copying.
func (c *Converter) Convert(f Frame) (pcm []byte, ok bool) {
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = c.Target.SampleRate
	}

	if len(f.Data)%(channels*BytesPerSample) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM frame, dropping",
				"bytes", len(f.Data),
				"channels", channels,
			)
		})
		return nil, false
	}

	if rate == c.Target.SampleRate && channels == 1 {
		return f.Data, true
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(rate, channels),
			"to", formatString(c.Target.SampleRate, 1),
		)
	})

	// Down-mix before resampling so the interpolation runs over half the data.
	pcm = f.Data
	if channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if rate != c.Target.SampleRate {
		pcm = ResampleMono16(pcm, rate, c.Target.SampleRate)
	}
	return pcm, true
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match, or either is invalid, pcm is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// formatString returns a human-readable label such as "48000Hz stereo".
func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
