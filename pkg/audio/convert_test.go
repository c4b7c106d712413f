package audio

import (
	"math"
	"testing"
)

func TestPCM16RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 16384, -16384, 32767, -32768}
	b := Int16sToBytes(in)
	out := BytesToInt16s(b)
	if len(out) != len(in) {
		t.Fatalf("round trip length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	b := Int16sToBytes([]int16{0, 16384, -16384, 32767})
	got := PCM16ToFloat32(b)
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat32IgnoresTrailingByte(t *testing.T) {
	b := append(Int16sToBytes([]int16{100, 200}), 0x7f)
	if got := PCM16ToFloat32(b); len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestPCM16ToFloat32MonoAveragesChannels(t *testing.T) {
	// Stereo frames: (16384, -16384) averages to 0, (16384, 16384) to 0.5.
	b := Int16sToBytes([]int16{16384, -16384, 16384, 16384})
	got := PCM16ToFloat32Mono(b, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if math.Abs(float64(got[0])) > 1e-6 {
		t.Errorf("frame 0 = %v, want 0", got[0])
	}
	if math.Abs(float64(got[1]-0.5)) > 1e-6 {
		t.Errorf("frame 1 = %v, want 0.5", got[1])
	}
}

func TestFloat32ToPCM16Clamps(t *testing.T) {
	b := Float32ToPCM16([]float32{2.0, -2.0, 0})
	out := BytesToInt16s(b)
	if out[0] != 32767 {
		t.Errorf("over-range sample = %d, want 32767", out[0])
	}
	if out[1] != -32768 {
		t.Errorf("under-range sample = %d, want -32768", out[1])
	}
	if out[2] != 0 {
		t.Errorf("zero sample = %d, want 0", out[2])
	}
}

func TestSignalMetrics(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := StdDev(nil); got != 0 {
		t.Errorf("StdDev(nil) = %v, want 0", got)
	}
	if got := DynamicRange(nil); got != 0 {
		t.Errorf("DynamicRange(nil) = %v, want 0", got)
	}

	square := []float32{0.5, -0.5, 0.5, -0.5}
	if got := RMS(square); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS(square) = %v, want 0.5", got)
	}
	if got := StdDev(square); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("StdDev(square) = %v, want 0.5", got)
	}
	if got := DynamicRange(square); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("DynamicRange(square) = %v, want 1.0", got)
	}

	// A constant offset has zero variance but non-zero RMS.
	dc := []float32{0.25, 0.25, 0.25}
	if got := StdDev(dc); got > 1e-9 {
		t.Errorf("StdDev(dc) = %v, want 0", got)
	}
	if got := RMS(dc); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("RMS(dc) = %v, want 0.25", got)
	}
}
