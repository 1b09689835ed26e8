package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of a canonical PCM WAV header (RIFF + fmt + data).
const wavHeaderSize = 44

// ErrNotWAV is returned by [FromWAV] when the input does not carry a RIFF/WAVE
// header.
var ErrNotWAV = errors.New("audio: not a WAV stream")

// ToWAV frames the chunk's PCM data with a canonical 44-byte WAV header.
func ToWAV(c Chunk) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(c.Data))

	byteRate := c.SampleRate * c.Channels * c.SampleWidth
	blockAlign := c.Channels * c.SampleWidth

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(c.Data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(c.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(c.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(c.SampleWidth*8))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(c.Data)))
	buf.Write(c.Data)

	return buf.Bytes()
}

// FromWAV parses a PCM WAV stream into a Chunk. Only uncompressed PCM is
// supported; anything else is an error since codec conversion is outside the
// scope of this package. Unknown RIFF sub-chunks before "data" are skipped.
func FromWAV(data []byte) (Chunk, error) {
	if len(data) < wavHeaderSize ||
		string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Chunk{}, ErrNotWAV
	}

	var (
		sampleRate  int
		channels    int
		sampleWidth int
		haveFmt     bool
	)

	// Walk sub-chunks starting after the RIFF descriptor.
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			return Chunk{}, fmt.Errorf("audio: truncated WAV sub-chunk %q", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Chunk{}, fmt.Errorf("audio: fmt sub-chunk too small (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return Chunk{}, fmt.Errorf("audio: unsupported WAV format %d (PCM only)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			sampleWidth = int(binary.LittleEndian.Uint16(data[body+14:body+16])) / 8
			haveFmt = true

		case "data":
			if !haveFmt {
				return Chunk{}, errors.New("audio: WAV data sub-chunk before fmt")
			}
			pcm := make([]byte, size)
			copy(pcm, data[body:body+size])
			return NewPCMChunk(pcm, sampleRate, sampleWidth, channels)
		}

		// Sub-chunks are word-aligned.
		pos = body + size + size%2
	}

	return Chunk{}, errors.New("audio: WAV stream has no data sub-chunk")
}
