package audio

import "math"

// fullScale is the magnitude of the most negative int16 sample.
const fullScale = 32768.0

// Level returns the RMS level of interleaved int16 PCM samples, normalised to
// [0, 1]. An empty slice has level 0.
func Level(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(pcm))) / fullScale
}

// LevelBytes is [Level] for little-endian int16 PCM stored as bytes. A
// trailing odd byte is ignored.
func LevelBytes(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += v * v
	}
	return math.Sqrt(sum/float64(n)) / fullScale
}
