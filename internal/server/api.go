package server

import "github.com/speechrelay/asrworkerd/internal/worker"

// UtteranceRequest is the POST /utterance body. Audio travels base64-encoded;
// decoding knobs left at their zero value fall back to the worker defaults.
type UtteranceRequest struct {
	JobID   string `json:"job_id"`
	TraceID string `json:"trace_id,omitempty"`

	// SrcLang is "auto" or a language code, passed through to the model.
	SrcLang string `json:"src_lang"`

	// Audio is the base64-encoded payload; AudioFormat is "pcm16", "opus"
	// or "wav"; SampleRate is the declared rate for raw PCM16.
	Audio       string `json:"audio"`
	AudioFormat string `json:"audio_format"`
	SampleRate  int    `json:"sample_rate"`

	// Task is "transcribe" (default) or "translate".
	Task string `json:"task"`

	BeamSize                  int     `json:"beam_size"`
	Temperature               float64 `json:"temperature"`
	Patience                  float64 `json:"patience"`
	CompressionRatioThreshold float64 `json:"compression_ratio_threshold"`
	LogProbThreshold          float64 `json:"log_prob_threshold"`
	NoSpeechThreshold         float64 `json:"no_speech_threshold"`
	ConditionOnPreviousText   bool    `json:"condition_on_previous_text"`

	// UseContextBuffer prepends the rolling audio tail to this utterance;
	// UseTextContext passes the last committed sentence as the initial
	// prompt.
	UseContextBuffer bool `json:"use_context_buffer"`
	UseTextContext   bool `json:"use_text_context"`

	// PaddingMs appends trailing silence before inference.
	PaddingMs int `json:"padding_ms"`
}

// UtteranceResponse is the POST /utterance reply. Nullable fields use
// pointers so absent values serialise as JSON null.
type UtteranceResponse struct {
	Text                  string               `json:"text"`
	Segments              []worker.SegmentInfo `json:"segments"`
	Language              *string              `json:"language"`
	LanguageProbability   *float64             `json:"language_probability"`
	LanguageProbabilities map[string]float64   `json:"language_probabilities"`

	// Duration is the processed buffer length in seconds.
	Duration float64 `json:"duration"`

	// VADSegments are [start, end) sample index pairs over the processed
	// buffer.
	VADSegments [][2]int `json:"vad_segments"`
}

// ResetRequest is the POST /reset body. Absent fields default to false.
type ResetRequest struct {
	ResetVAD         bool `json:"reset_vad"`
	ResetContext     bool `json:"reset_context"`
	ResetTextContext bool `json:"reset_text_context"`
}

// HealthResponse is the GET /health reply.
type HealthResponse struct {
	Status         string       `json:"status"`
	ASRModelLoaded bool         `json:"asr_model_loaded"`
	VADModelLoaded bool         `json:"vad_model_loaded"`
	ASRWorker      worker.Stats `json:"asr_worker"`
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
}
