// Package vad implements streaming voice-activity detection with a
// Silero-style ONNX model. The model scores 512-sample frames (32 ms at
// 16 kHz) and carries a recurrent hidden state across frames; segments of
// consecutive speech frames are reported as sample ranges over the input
// buffer.
package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/speechrelay/asrworkerd/pkg/audio"
)

const (
	// FrameSize is the model's fixed analysis window (32 ms at 16 kHz).
	FrameSize = 512

	// stateLen is the flattened hidden-state size (shape [2, 1, 128]).
	stateLen = 2 * 128

	// DefaultSilenceThreshold is the speech probability above which a frame
	// starts or extends a segment.
	DefaultSilenceThreshold = 0.2

	// ContextTailSeconds bounds the audio tail carried across utterances.
	ContextTailSeconds = 2
)

// ContextTailSamples is ContextTailSeconds expressed in samples.
const ContextTailSamples = ContextTailSeconds * audio.SampleRate

// Segment is a half-open sample range [Start, End) classified as speech.
type Segment struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

var ortInitOnce sync.Once

// initRuntime initialises the ONNX Runtime environment once per process.
func initRuntime(libraryPath string) error {
	var err error
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		err = ort.InitializeEnvironment()
	})
	return err
}

// Detector runs per-frame speech-probability inference with a carried hidden
// state. It is safe for concurrent use: the hidden state is guarded by a
// mutex and read before / written after each inference, while the inference
// call itself runs outside that lock. Inferences are serialised on their own
// mutex because the session binds fixed input/output tensors.
type Detector struct {
	threshold float32

	// stateMu guards only the carried hidden state.
	stateMu sync.Mutex
	state   [stateLen]float32

	// runMu serialises access to the session and its bound tensors.
	runMu     sync.Mutex
	session   *ort.AdvancedSession
	inputT    *ort.Tensor[float32]
	stateT    *ort.Tensor[float32]
	srT       *ort.Tensor[int64]
	probT     *ort.Tensor[float32]
	stateOutT *ort.Tensor[float32]
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides the speech-probability threshold. Default 0.2.
func WithThreshold(t float32) Option {
	return func(d *Detector) { d.threshold = t }
}

// New loads the ONNX model at modelPath and prepares the inference session.
// ortLibraryPath optionally points at the onnxruntime shared library; leave
// empty to use the platform default search path.
func New(modelPath, ortLibraryPath string, opts ...Option) (*Detector, error) {
	if modelPath == "" {
		return nil, errors.New("vad: model path must not be empty")
	}
	if err := initRuntime(ortLibraryPath); err != nil {
		return nil, fmt.Errorf("vad: init onnxruntime: %w", err)
	}

	d := &Detector{threshold: DefaultSilenceThreshold}
	for _, o := range opts {
		o(d)
	}

	var err error
	if d.inputT, err = ort.NewEmptyTensor[float32](ort.NewShape(1, FrameSize)); err != nil {
		return nil, fmt.Errorf("vad: create input tensor: %w", err)
	}
	if d.stateT, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		return nil, fmt.Errorf("vad: create state tensor: %w", err)
	}
	if d.srT, err = ort.NewTensor(ort.NewShape(1), []int64{audio.SampleRate}); err != nil {
		return nil, fmt.Errorf("vad: create sr tensor: %w", err)
	}
	if d.probT, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		return nil, fmt.Errorf("vad: create output tensor: %w", err)
	}
	if d.stateOutT, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		return nil, fmt.Errorf("vad: create state output tensor: %w", err)
	}

	d.session, err = ort.NewAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{d.inputT, d.stateT, d.srT},
		[]ort.Value{d.probT, d.stateOutT},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("vad: load model %q: %w", modelPath, err)
	}
	return d, nil
}

// Close releases the ONNX session and tensors.
func (d *Detector) Close() error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	for _, t := range []interface{ Destroy() error }{d.inputT, d.stateT, d.srT, d.probT, d.stateOutT} {
		if t != nil {
			t.Destroy()
		}
	}
	return nil
}

// Reset zeroes the carried hidden state.
func (d *Detector) Reset() {
	d.stateMu.Lock()
	d.state = [stateLen]float32{}
	d.stateMu.Unlock()
}

// DetectSpeech slides the model's analysis window over buf and returns the
// speech segments found. A trailing partial frame is ignored. An inference
// failure aborts detection; callers fall back to the last-2-seconds tail.
func (d *Detector) DetectSpeech(buf []float32) ([]Segment, error) {
	var (
		segments []Segment
		current  *Segment
	)

	for off := 0; off+FrameSize <= len(buf); off += FrameSize {
		p, err := d.processFrame(buf[off : off+FrameSize])
		if err != nil {
			return nil, err
		}
		if p > d.threshold {
			if current == nil {
				current = &Segment{Start: off}
			}
			current.End = off + FrameSize
		} else if current != nil {
			segments = append(segments, *current)
			current = nil
		}
	}
	if current != nil {
		segments = append(segments, *current)
	}
	return segments, nil
}

// processFrame runs one inference. The hidden state is copied out under
// stateMu, the model runs under runMu only, and the new state is stored back
// under stateMu afterwards.
func (d *Detector) processFrame(frame []float32) (float32, error) {
	d.stateMu.Lock()
	state := d.state
	d.stateMu.Unlock()

	d.runMu.Lock()
	copy(d.inputT.GetData(), frame)
	copy(d.stateT.GetData(), state[:])
	if err := d.session.Run(); err != nil {
		d.runMu.Unlock()
		return 0, fmt.Errorf("vad: inference: %w", err)
	}
	raw := d.probT.GetData()[0]
	copy(state[:], d.stateOutT.GetData())
	d.runMu.Unlock()

	d.stateMu.Lock()
	d.state = state
	d.stateMu.Unlock()

	return interpretOutput(raw), nil
}

// interpretOutput normalises the model's raw scalar into a speech
// probability. Different Silero exports emit logits, silence probabilities,
// or speech probabilities; the ranges below disambiguate them.
func interpretOutput(r float32) float32 {
	switch {
	case r < -10 || r > 10:
		return sigmoid(r)
	case r > -0.01 && r < 0.2:
		return sigmoid(r * 10)
	case r < 0.5:
		return 1 - r
	default:
		return r
	}
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// TailSlice picks the audio carried into the next utterance: the last speech
// segment trimmed to the context bound, or the final two seconds of buf when
// no segments were detected.
func TailSlice(buf []float32, segments []Segment) []float32 {
	var tail []float32
	if len(segments) > 0 {
		last := segments[len(segments)-1]
		start, end := last.Start, last.End
		if start < 0 {
			start = 0
		}
		if end > len(buf) {
			end = len(buf)
		}
		tail = buf[start:end]
	} else {
		tail = buf
	}
	if len(tail) > ContextTailSamples {
		tail = tail[len(tail)-ContextTailSamples:]
	}

	out := make([]float32, len(tail))
	copy(out, tail)
	return out
}

// LogInferenceError records a VAD failure; the request proceeds with the
// fallback tail.
func LogInferenceError(err error) {
	slog.Warn("vad inference failed, falling back to last-2s context tail", "error", err)
}
