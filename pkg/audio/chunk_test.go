package audio

import (
	"testing"
	"time"
)

func TestNewPCMChunk_DerivesDuration(t *testing.T) {
	// 8 kHz mono int16: 160 frames = 20 ms.
	data := make([]byte, 320)
	c, err := NewPCMChunk(data, 8000, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Duration != 20*time.Millisecond {
		t.Errorf("duration = %v, want 20ms", c.Duration)
	}
	if c.SampleRate != 8000 || c.SampleWidth != 2 || c.Channels != 1 {
		t.Errorf("format = %d/%d/%d, want 8000/2/1", c.SampleRate, c.SampleWidth, c.Channels)
	}
}

func TestNewPCMChunk_RejectsBadInput(t *testing.T) {
	if _, err := NewPCMChunk(make([]byte, 320), 0, 2, 1); err == nil {
		t.Error("zero sample rate should be rejected")
	}
	// 321 bytes is not a whole number of 2-byte frames.
	if _, err := NewPCMChunk(make([]byte, 321), 8000, 2, 1); err == nil {
		t.Error("partial frame should be rejected")
	}
}

func TestPCMDuration(t *testing.T) {
	tests := []struct {
		n, rate, width, ch int
		want               time.Duration
	}{
		{320, 8000, 2, 1, 20 * time.Millisecond},
		{640, 16000, 2, 1, 20 * time.Millisecond},
		{0, 8000, 2, 1, 0},
		{320, 0, 2, 1, 0},
	}
	for _, tc := range tests {
		if got := PCMDuration(tc.n, tc.rate, tc.width, tc.ch); got != tc.want {
			t.Errorf("PCMDuration(%d, %d, %d, %d) = %v, want %v",
				tc.n, tc.rate, tc.width, tc.ch, got, tc.want)
		}
	}
}
