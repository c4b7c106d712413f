package audio

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

// buildWAV assembles a minimal RIFF/WAVE file around the given fmt fields
// and raw data chunk.
func buildWAV(formatTag, channels, sampleRate, bitsPerSample int, data []byte) []byte {
	var fmtChunk [16]byte
	binary.LittleEndian.PutUint16(fmtChunk[0:], uint16(formatTag))
	binary.LittleEndian.PutUint16(fmtChunk[2:], uint16(channels))
	binary.LittleEndian.PutUint32(fmtChunk[4:], uint32(sampleRate))
	byteRate := sampleRate * channels * bitsPerSample / 8
	binary.LittleEndian.PutUint32(fmtChunk[8:], uint32(byteRate))
	binary.LittleEndian.PutUint16(fmtChunk[12:], uint16(channels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(fmtChunk[14:], uint16(bitsPerSample))

	var out []byte
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(4+8+len(fmtChunk)+8+len(data)))
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(fmtChunk)))
	out = append(out, fmtChunk[:]...)
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
	out = append(out, data...)
	return out
}

func TestIsWAV(t *testing.T) {
	wav := buildWAV(1, 1, 16000, 16, pcmBytes(0))
	if !IsWAV(wav) {
		t.Error("IsWAV(valid wav) = false, want true")
	}
	if IsWAV([]byte("RIFFxxxx")) {
		t.Error("IsWAV(short header) = true, want false")
	}
	if IsWAV(pcmBytes(1, 2, 3, 4, 5, 6)) {
		t.Error("IsWAV(raw pcm) = true, want false")
	}
}

func TestParseWAV16BitMono(t *testing.T) {
	wav := buildWAV(1, 1, 8000, 16, pcmBytes(0, 16384, -16384))
	samples, rate, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if rate != 8000 {
		t.Errorf("rate = %d, want 8000", rate)
	}
	want := []float32{0, 0.5, -0.5}
	if len(samples) != len(want) {
		t.Fatalf("len = %d, want %d", len(samples), len(want))
	}
	for i := range want {
		if math.Abs(float64(samples[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, samples[i], want[i])
		}
	}
}

func TestParseWAVStereoDownmix(t *testing.T) {
	// One stereo frame whose channels cancel out.
	wav := buildWAV(1, 2, 44100, 16, pcmBytes(16384, -16384))
	samples, rate, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if rate != 44100 {
		t.Errorf("rate = %d, want 44100", rate)
	}
	if len(samples) != 1 {
		t.Fatalf("len = %d, want 1", len(samples))
	}
	if math.Abs(float64(samples[0])) > 1e-6 {
		t.Errorf("downmixed sample = %v, want 0", samples[0])
	}
}

func TestParseWAV8Bit(t *testing.T) {
	// Unsigned 8-bit with bias 128: 128 → 0, 255 → ~1, 0 → -1.
	wav := buildWAV(1, 1, 16000, 8, []byte{128, 255, 0})
	samples, _, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if math.Abs(float64(samples[0])) > 1e-6 {
		t.Errorf("sample 0 = %v, want 0", samples[0])
	}
	if samples[1] < 0.9 {
		t.Errorf("sample 1 = %v, want near 1", samples[1])
	}
	if samples[2] > -0.9 {
		t.Errorf("sample 2 = %v, want near -1", samples[2])
	}
}

func TestParseWAV32Bit(t *testing.T) {
	var data []byte
	data = binary.LittleEndian.AppendUint32(data, uint32(math.MaxInt32))
	data = binary.LittleEndian.AppendUint32(data, 0)
	wav := buildWAV(1, 1, 16000, 32, data)
	samples, _, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if math.Abs(float64(samples[0])-1) > 1e-6 {
		t.Errorf("sample 0 = %v, want 1", samples[0])
	}
	if samples[1] != 0 {
		t.Errorf("sample 1 = %v, want 0", samples[1])
	}
}

func TestParseWAVRejections(t *testing.T) {
	tests := []struct {
		name string
		wav  []byte
		want string
	}{
		{"not wav", []byte("nonsense"), "not a RIFF"},
		{"float format tag", buildWAV(3, 1, 16000, 32, make([]byte, 8)), "format tag"},
		{"24 bit", buildWAV(1, 1, 16000, 24, make([]byte, 6)), "bit depth"},
		{"zero channels", buildWAV(1, 0, 16000, 16, pcmBytes(1)), "invalid format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseWAV(tt.wav)
			if err == nil {
				t.Fatal("ParseWAV error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}
