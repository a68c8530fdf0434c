package audio

import (
	"math"
	"testing"
)

func TestLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pcm  []int16
		want float64
	}{
		{name: "empty", pcm: nil, want: 0},
		{name: "silence", pcm: []int16{0, 0, 0, 0}, want: 0},
		{name: "full scale negative", pcm: []int16{-32768, -32768}, want: 1},
		{name: "half scale square", pcm: []int16{16384, -16384, 16384, -16384}, want: 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Level(tt.pcm); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevelBytes_MatchesLevel(t *testing.T) {
	t.Parallel()

	pcm := []int16{1000, -2000, 3000, -4000, 32767}
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	// Trailing odd byte must be ignored.
	b = append(b, 0x7f)

	if got, want := LevelBytes(b), Level(pcm); math.Abs(got-want) > 1e-12 {
		t.Errorf("LevelBytes = %v, want %v", got, want)
	}
}
