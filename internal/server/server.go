// Package server wires the utterance transcription pipeline to its HTTP
// surface: decode, validate, gate, VAD, worker submission, transcript
// post-processing, and the reset/health/metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speechrelay/asrworkerd/internal/config"
	"github.com/speechrelay/asrworkerd/internal/observe"
	"github.com/speechrelay/asrworkerd/internal/session"
	"github.com/speechrelay/asrworkerd/internal/vad"
	"github.com/speechrelay/asrworkerd/internal/worker"
	"github.com/speechrelay/asrworkerd/pkg/audio"
)

// SpeechDetector is the part of the VAD detector the handlers use. A nil
// detector disables VAD; context trimming then falls back to last-2s tails.
type SpeechDetector interface {
	DetectSpeech(buf []float32) ([]vad.Segment, error)
	Reset()
}

var _ SpeechDetector = (*vad.Detector)(nil)

// JobSubmitter is the part of the worker manager the handlers use.
type JobSubmitter interface {
	Submit(ctx context.Context, job worker.Job) (worker.Result, error)
	Ready() bool
	Stats() worker.Stats
}

var _ JobSubmitter = (*worker.Manager)(nil)

// Server holds the shared pipeline components behind the HTTP handlers.
type Server struct {
	cfg       *config.Config
	manager   JobSubmitter
	detector  SpeechDetector
	store     *session.ContextStore
	validator *audio.Validator
	metrics   *observe.Metrics
}

// New creates a Server. detector may be nil when no VAD model is configured.
func New(cfg *config.Config, manager JobSubmitter, detector SpeechDetector, store *session.ContextStore, metrics *observe.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		manager:   manager,
		detector:  detector,
		store:     store,
		validator: audio.NewValidator(cfg.Limits.MaxAudioDurationSec, audio.GateThresholds{}),
		metrics:   metrics,
	}
}

// Register adds all routes to mux. The observability middleware is applied
// by the caller around the whole mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /utterance", s.handleUtterance)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// writeJSON encodes v as JSON with the given status code. On encoding
// failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

// writeError sends a JSON error body with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
