package audio_test

import (
	"testing"
	"time"

	"github.com/voxmux/voxmux/pkg/audio"
)

func TestDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  time.Duration
	}{
		{name: "zero", bytes: 0, want: 0},
		{name: "one chunk", bytes: audio.ChunkBytes, want: 100 * time.Millisecond},
		{name: "one second", bytes: audio.SampleRate * audio.BytesPerSample, want: time.Second},
		{name: "just under 100ms", bytes: audio.ChunkBytes - 2, want: 100*time.Millisecond - time.Second/audio.SampleRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.Duration(tt.bytes); got != tt.want {
				t.Errorf("Duration(%d) = %v, want %v", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestBytesForRoundTrip(t *testing.T) {
	t.Parallel()

	for _, d := range []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond, time.Second, 5 * time.Second} {
		n := audio.BytesFor(d)
		if n%audio.BytesPerSample != 0 {
			t.Errorf("BytesFor(%v) = %d, not sample-aligned", d, n)
		}
		if got := audio.Duration(n); got != d {
			t.Errorf("Duration(BytesFor(%v)) = %v", d, got)
		}
	}
}

func TestChunkBytesIs100ms(t *testing.T) {
	t.Parallel()

	if audio.ChunkBytes != 4800 {
		t.Fatalf("ChunkBytes = %d, want 4800", audio.ChunkBytes)
	}
	if got := audio.Duration(audio.ChunkBytes); got != audio.ChunkDuration {
		t.Fatalf("Duration(ChunkBytes) = %v, want %v", got, audio.ChunkDuration)
	}
}
