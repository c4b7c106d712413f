package session

import (
	"testing"

	"github.com/speechrelay/asrworkerd/internal/vad"
)

func TestUpdateKeepsLastSpeechSegment(t *testing.T) {
	c := New()
	buf := make([]float32, 16000)
	for i := range buf {
		buf[i] = float32(i%100) / 100
	}

	c.Update(buf, []vad.Segment{{Start: 1000, End: 2000}, {Start: 5000, End: 6000}})

	tail := c.Audio()
	if len(tail) != 1000 {
		t.Fatalf("tail len = %d, want 1000", len(tail))
	}
	if tail[0] != buf[5000] {
		t.Errorf("tail[0] = %v, want %v", tail[0], buf[5000])
	}
}

func TestUpdateFallsBackToLastTwoSeconds(t *testing.T) {
	c := New()
	buf := make([]float32, 3*16000)
	c.Update(buf, nil)

	if got := len(c.Audio()); got != vad.ContextTailSamples {
		t.Errorf("tail len = %d, want %d", got, vad.ContextTailSamples)
	}
}

func TestAudioReturnsCopy(t *testing.T) {
	c := New()
	buf := []float32{0.1, 0.2, 0.3}
	c.Update(buf, []vad.Segment{{Start: 0, End: 3}})

	got := c.Audio()
	got[0] = 9
	if again := c.Audio(); again[0] == 9 {
		t.Error("Audio returned a view into the stored tail")
	}
}

func TestAudioEmpty(t *testing.T) {
	c := New()
	if got := c.Audio(); got != nil {
		t.Errorf("Audio on empty store = %v, want nil", got)
	}
}

func TestUpdateText(t *testing.T) {
	c := New()

	c.UpdateText("  你好世界  ")
	if got := c.Text(); got != "你好世界" {
		t.Errorf("Text = %q, want trimmed sentence", got)
	}

	// Empty updates leave the previous sentence in place.
	c.UpdateText("   ")
	if got := c.Text(); got != "你好世界" {
		t.Errorf("Text = %q after empty update, want unchanged", got)
	}

	c.UpdateText("下一句")
	if got := c.Text(); got != "下一句" {
		t.Errorf("Text = %q, want replaced sentence", got)
	}
}

func TestResets(t *testing.T) {
	c := New()
	c.Update([]float32{0.5}, []vad.Segment{{Start: 0, End: 1}})
	c.UpdateText("hello")

	c.ResetAudio()
	if c.Audio() != nil {
		t.Error("Audio after ResetAudio is non-nil")
	}
	if c.Text() != "hello" {
		t.Error("ResetAudio must not clear text")
	}

	c.ResetText()
	if c.Text() != "" {
		t.Error("Text after ResetText is non-empty")
	}
}
