// Package audio holds the PCM primitives shared by the capture side and the
// realtime engine: the frame type, RMS measurement, silence generation, and
// format conversion to the session's wire format.
//
// All PCM handled here is signed 16-bit little-endian.
package audio

import "time"

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// Frame is a single chunk of captured audio. Frames are produced by the capture
// collaborator and consumed exactly once by the engine; the engine never keeps
// a reference to Data after gating.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for desktop capture, 16000 for the model).
	SampleRate int

	// Channels is 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when the frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.SampleRate * ch * BytesPerSample
}

// BytesFor returns the number of bytes needed to hold d of audio in format f,
// rounded down to a whole sample frame.
func (f Format) BytesFor(d time.Duration) int {
	if d <= 0 || f.SampleRate <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return AlignDown(n, f.frameWidth())
}

// DurationOf returns the playback duration of n bytes in format f.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f Format) frameWidth() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return ch * BytesPerSample
}

// AlignDown rounds n down to a multiple of width.
func AlignDown(n, width int) int {
	if width <= 1 {
		return n
	}
	return n - n%width
}

// AlignUp rounds n up to a multiple of width.
func AlignUp(n, width int) int {
	if width <= 1 || n%width == 0 {
		return n
	}
	return n + width - n%width
}
