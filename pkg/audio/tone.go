package audio

import (
	"math"
	"time"
)

// Tone synthesis parameters. The tone substitutes for synthesized speech when
// the TTS backend fails, so it is deliberately quiet and soft-edged.
const (
	toneAmplitude = 6000 // ~18% of full scale
	toneFade      = 5 * time.Millisecond
)

// Tone generates d worth of canonical PCM containing a sine wave at freq Hz
// with a short linear fade at both ends to avoid clicks. A non-positive
// duration yields an empty slice.
func Tone(d time.Duration, freq float64) []byte {
	n := BytesFor(d) / BytesPerSample
	if n <= 0 {
		return nil
	}

	fade := BytesFor(toneFade) / BytesPerSample
	if fade*2 > n {
		fade = n / 2
	}

	out := make([]byte, n*BytesPerSample)
	step := 2 * math.Pi * freq / SampleRate
	for i := range n {
		v := toneAmplitude * math.Sin(step*float64(i))
		if i < fade {
			v *= float64(i) / float64(fade)
		} else if n-i <= fade {
			v *= float64(n-i) / float64(fade)
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
