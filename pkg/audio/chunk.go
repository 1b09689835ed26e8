// Package audio provides the audio chunk value type, WAV framing, and the
// bounded playback buffer used by the carrier streamer.
//
// Chunks are the atomic unit of audio transport in the synthesis core:
// providers emit them, the cache stores their raw bytes, and the carrier
// uploader posts them one HTTP request at a time.
package audio

import (
	"fmt"
	"time"
)

// Chunk is a single span of PCM audio with its format descriptor.
// Duration is authoritative; the byte length is derived from it and the
// format, never the other way around once a chunk is constructed.
type Chunk struct {
	// Data is raw little-endian PCM.
	Data []byte

	// Duration is the playback time of Data.
	Duration time.Duration

	// SampleRate in Hz (e.g., 8000 for telephony, 16000 for providers).
	SampleRate int

	// SampleWidth in bytes per sample (2 for int16 PCM).
	SampleWidth int

	// Channels: 1 for mono telephony audio.
	Channels int

	// Metadata carries optional annotations (provider name, fragment index).
	Metadata map[string]string
}

// NewPCMChunk builds a Chunk from raw PCM bytes, deriving the duration from
// the byte count and format.
func NewPCMChunk(data []byte, sampleRate, sampleWidth, channels int) (Chunk, error) {
	if sampleRate <= 0 || sampleWidth <= 0 || channels <= 0 {
		return Chunk{}, fmt.Errorf("audio: invalid format %d Hz / %d bytes / %d ch", sampleRate, sampleWidth, channels)
	}
	frameSize := sampleWidth * channels
	if len(data)%frameSize != 0 {
		return Chunk{}, fmt.Errorf("audio: %d bytes is not a whole number of %d-byte frames", len(data), frameSize)
	}
	frames := len(data) / frameSize
	dur := time.Duration(frames) * time.Second / time.Duration(sampleRate)
	return Chunk{
		Data:        data,
		Duration:    dur,
		SampleRate:  sampleRate,
		SampleWidth: sampleWidth,
		Channels:    channels,
	}, nil
}

// PCMDuration computes the playback time of n raw PCM bytes in the given
// format. Returns zero for a non-positive format.
func PCMDuration(n, sampleRate, sampleWidth, channels int) time.Duration {
	frameSize := sampleWidth * channels
	if sampleRate <= 0 || frameSize <= 0 {
		return 0
	}
	return time.Duration(n/frameSize) * time.Second / time.Duration(sampleRate)
}
