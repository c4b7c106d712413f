package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrNotWAV is returned by ParseWAV when the input lacks a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// IsWAV reports whether b starts with a RIFF....WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 &&
		string(b[0:4]) == "RIFF" &&
		string(b[8:12]) == "WAVE"
}

// ParseWAV extracts PCM audio from a RIFF/WAVE stream. Supported encodings
// are integer PCM at 8, 16, or 32 bits per sample, any channel count, any
// sample rate. Multi-channel audio is averaged to mono. The result is float32
// mono in [-1, 1] at the file's declared sample rate; the caller resamples.
func ParseWAV(b []byte) (samples []float32, sampleRate int, err error) {
	if !IsWAV(b) {
		return nil, 0, ErrNotWAV
	}

	var (
		channels      int
		bitsPerSample int
		data          []byte
		haveFmt       bool
	)

	// Walk RIFF chunks after the 12-byte header.
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body > len(b) {
			break
		}
		end := body + size
		if end > len(b) {
			end = len(b)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, 0, fmt.Errorf("audio: wav fmt chunk too short: %d bytes", end-body)
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			if format != 1 { // PCM only
				return nil, 0, fmt.Errorf("audio: unsupported wav format tag %d (PCM only)", format)
			}
			channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			haveFmt = true
		case "data":
			data = b[body:end]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || data == nil {
		return nil, 0, errors.New("audio: wav missing fmt or data chunk")
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, 0, fmt.Errorf("audio: wav has invalid format (channels=%d rate=%d)", channels, sampleRate)
	}

	switch bitsPerSample {
	case 8:
		samples = decodeWAV8(data, channels)
	case 16:
		samples = PCM16ToFloat32Mono(data, channels)
	case 32:
		samples = decodeWAV32(data, channels)
	default:
		return nil, 0, fmt.Errorf("audio: unsupported wav bit depth %d", bitsPerSample)
	}
	return samples, sampleRate, nil
}

// decodeWAV8 converts unsigned 8-bit PCM (biased at 128) to mono float32.
func decodeWAV8(data []byte, channels int) []float32 {
	frames := len(data) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += (float32(data[i*channels+ch]) - 128.0) / 128.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// decodeWAV32 converts signed 32-bit PCM to mono float32.
func decodeWAV32(data []byte, channels int) []float32 {
	frames := len(data) / (4 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float64
		for ch := range channels {
			idx := (i*channels + ch) * 4
			v := int32(binary.LittleEndian.Uint32(data[idx : idx+4]))
			sum += float64(v) / float64(math.MaxInt32)
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}
