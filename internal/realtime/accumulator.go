package realtime

import "github.com/MrWong99/voicelink/pkg/audio"

// Accumulator holds accepted frames until they are flushed as one append.
// The zero value is ready to use.
type Accumulator struct {
	chunks [][]byte
	size   int
}

// Push appends a copy of pcm.
func (a *Accumulator) Push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	a.chunks = append(a.chunks, append([]byte(nil), pcm...))
	a.size += len(pcm)
}

// Len returns the number of buffered bytes.
func (a *Accumulator) Len() int { return a.size }

// Bytes returns the buffered audio as one contiguous payload without
// clearing it.
func (a *Accumulator) Bytes() []byte { return audio.Concat(a.chunks) }

// Reset discards everything buffered.
func (a *Accumulator) Reset() {
	a.chunks = nil
	a.size = 0
}
