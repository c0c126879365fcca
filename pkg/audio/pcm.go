package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root-mean-square level of pcm normalised to [0, 1], i.e.
// sqrt(mean((s/32768)^2)) over every sample. A trailing odd byte is ignored.
// Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns n zero bytes, rounded up to a whole sample so the result is
// always valid PCM16.
func Silence(n int) []byte {
	if n <= 0 {
		return nil
	}
	return make([]byte, AlignUp(n, BytesPerSample))
}

// Concat joins chunks into one freshly allocated slice.
func Concat(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
