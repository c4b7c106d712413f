// Package worker hosts the ASR model in a supervised child process and
// provides the parent-side manager that dispatches jobs to it.
//
// The parent and child communicate over the child's stdin/stdout pipes with
// length-prefixed msgpack frames. Isolating the model in its own OS process
// means a native crash in the inference library kills only the child; the
// parent drains in-flight jobs with a retryable error and restarts it.
package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Control job IDs published on the result channel. They are deliberately
// invalid as user job IDs.
const (
	// InitErrorID signals that the model failed to load. The parent fails
	// all pending jobs and backs off before retrying the spawn.
	InitErrorID = "__init_error__"

	// WorkerExitID signals an orderly child shutdown.
	WorkerExitID = "__worker_exit__"

	// ReadyID signals that the model is loaded and warmed up; the parent
	// moves the worker to the Running state on receipt.
	ReadyID = "__ready__"

	// StopJobID is the stop sentinel the parent enqueues on shutdown.
	StopJobID = "__stop__"
)

// maxFrameBytes bounds a single IPC frame. 30 s of float32 mono audio at
// 16 kHz is under 2 MiB; 64 MiB leaves generous headroom for msgpack
// overhead and long transcripts.
const maxFrameBytes = 64 << 20

// Job is one transcription request sent to the child.
type Job struct {
	ID      string `msgpack:"id"`
	TraceID string `msgpack:"trace_id,omitempty"`

	// Audio is float32 mono at 16 kHz, already validated by the parent.
	Audio []float32 `msgpack:"audio"`

	// Language is a language code, or empty for auto-detection.
	Language string `msgpack:"language,omitempty"`

	// Task is "transcribe" or "translate".
	Task string `msgpack:"task,omitempty"`

	// Decoding knobs. Zero values mean "use the worker's defaults".
	BeamSize                  int     `msgpack:"beam_size,omitempty"`
	Temperature               float64 `msgpack:"temperature,omitempty"`
	Patience                  float64 `msgpack:"patience,omitempty"`
	CompressionRatioThreshold float64 `msgpack:"compression_ratio_threshold,omitempty"`
	LogProbThreshold          float64 `msgpack:"log_prob_threshold,omitempty"`
	NoSpeechThreshold         float64 `msgpack:"no_speech_threshold,omitempty"`
	ConditionOnPreviousText   bool    `msgpack:"condition_on_previous_text,omitempty"`

	// InitialPrompt biases decoding, typically the previous sentence.
	InitialPrompt string `msgpack:"initial_prompt,omitempty"`

	// PaddingMs appends that much trailing silence before inference.
	PaddingMs int `msgpack:"padding_ms,omitempty"`
}

// SegmentInfo is one decoded segment. Pointer fields are nil when the
// backend does not report the attribute.
type SegmentInfo struct {
	Text         string   `msgpack:"text" json:"text"`
	Start        *float64 `msgpack:"start" json:"start"`
	End          *float64 `msgpack:"end" json:"end"`
	NoSpeechProb *float64 `msgpack:"no_speech_prob" json:"no_speech_prob"`
}

// Result is the child's reply for one job, or a control message when JobID
// is one of the control IDs.
type Result struct {
	JobID                 string             `msgpack:"job_id"`
	Text                  string             `msgpack:"text"`
	Language              string             `msgpack:"language,omitempty"`
	LanguageProbabilities map[string]float64 `msgpack:"language_probabilities,omitempty"`
	Segments              []SegmentInfo      `msgpack:"segments"`
	DurationMs            int64              `msgpack:"duration_ms"`
	Error                 string             `msgpack:"error,omitempty"`
}

// WriteFrame marshals v and writes it as a u32 little-endian length-prefixed
// msgpack frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("worker: marshal frame: %w", err)
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("worker: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("worker: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed msgpack frame into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 || n > maxFrameBytes {
		return fmt.Errorf("worker: implausible frame length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("worker: read frame payload: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("worker: unmarshal frame: %w", err)
	}
	return nil
}
