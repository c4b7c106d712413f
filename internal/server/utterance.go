package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/speechrelay/asrworkerd/internal/observe"
	"github.com/speechrelay/asrworkerd/internal/textproc"
	"github.com/speechrelay/asrworkerd/internal/vad"
	"github.com/speechrelay/asrworkerd/internal/worker"
	"github.com/speechrelay/asrworkerd/pkg/audio"
)

// handleUtterance runs the full transcription pipeline for one request:
// decode, sanitize, quality gate, VAD, optional context prepend, worker
// submission, transcript dedup and filtering, context refresh.
func (s *Server) handleUtterance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observe.Logger(ctx).With("component", "utterance_handler")

	var req UtteranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.RecordUtterance(ctx, "bad_request")
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Audio == "" || req.AudioFormat == "" {
		s.metrics.RecordUtterance(ctx, "unprocessable")
		writeError(w, http.StatusUnprocessableEntity, "audio and audio_format are required")
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	logger = logger.With("job_id", req.JobID)

	raw, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		s.metrics.RecordUtterance(ctx, "bad_request")
		writeError(w, http.StatusBadRequest, "invalid base64 audio: "+err.Error())
		return
	}

	decodeStart := time.Now()
	samples, err := audio.Decode(raw, req.AudioFormat, req.SampleRate, s.validator.MaxSamples())
	if err != nil {
		s.metrics.RecordUtterance(ctx, "bad_request")
		writeError(w, http.StatusBadRequest, "decode audio: "+err.Error())
		return
	}
	samples = s.validator.Sanitize(samples)
	s.metrics.DecodeDuration.Record(ctx, time.Since(decodeStart).Seconds(),
		metric.WithAttributes(attribute.String("format", req.AudioFormat)))

	if gate := s.validator.Gate(samples); !gate.OK {
		logger.Info("audio rejected by quality gate",
			"reason", gate.Reason,
			"rms", gate.RMS,
			"stddev", gate.StdDev,
			"dynamic_range", gate.Range,
			"duration_sec", gate.Duration,
		)
		s.metrics.RecordGateRejection(ctx, gate.Reason)
		s.metrics.RecordUtterance(ctx, "rejected")
		writeJSON(w, http.StatusOK, UtteranceResponse{
			Segments:    []worker.SegmentInfo{},
			Duration:    gate.Duration,
			VADSegments: [][2]int{},
		})
		return
	}

	// VAD runs over the original buffer; its last speech segment feeds the
	// context tail after a successful transcription. An inference error is
	// not fatal: the audio is submitted anyway and the context store falls
	// back to its last-2-seconds tail.
	var segments []vad.Segment
	vadRan := false
	if s.detector != nil {
		vadStart := time.Now()
		segments, err = s.detector.DetectSpeech(samples)
		if err != nil {
			vad.LogInferenceError(err)
			segments = nil
		} else {
			vadRan = true
		}
		s.metrics.VADDuration.Record(ctx, time.Since(vadStart).Seconds())
	}
	if vadRan && len(segments) == 0 {
		logger.Info("no speech detected, skipping transcription",
			"duration_sec", float64(len(samples))/audio.SampleRate)
		s.metrics.RecordUtterance(ctx, "no_speech")
		writeJSON(w, http.StatusOK, UtteranceResponse{
			Segments:    []worker.SegmentInfo{},
			Duration:    float64(len(samples)) / audio.SampleRate,
			VADSegments: [][2]int{},
		})
		return
	}

	// "auto" means model-side language detection.
	lang := req.SrcLang
	if lang == "auto" {
		lang = ""
	}

	processed := samples
	contextLen := 0
	if req.UseContextBuffer {
		if tail := s.store.Audio(); len(tail) > 0 {
			contextLen = len(tail)
			processed = append(tail, samples...)
			processed = s.validator.Sanitize(processed)
		}
	}
	initialPrompt := ""
	if req.UseTextContext {
		initialPrompt = s.store.Text()
	}

	job := worker.Job{
		ID:                        req.JobID,
		TraceID:                   req.TraceID,
		Audio:                     processed,
		Language:                  lang,
		Task:                      req.Task,
		BeamSize:                  req.BeamSize,
		Temperature:               req.Temperature,
		Patience:                  req.Patience,
		CompressionRatioThreshold: req.CompressionRatioThreshold,
		LogProbThreshold:          req.LogProbThreshold,
		NoSpeechThreshold:         req.NoSpeechThreshold,
		ConditionOnPreviousText:   req.ConditionOnPreviousText,
		InitialPrompt:             initialPrompt,
		PaddingMs:                 req.PaddingMs,
	}

	submitStart := time.Now()
	res, err := s.manager.Submit(ctx, job)
	if err != nil {
		s.writeSubmitError(w, r, logger, err)
		return
	}
	s.metrics.TranscribeDuration.Record(ctx, time.Since(submitStart).Seconds())

	if res.Error != "" {
		logger.Error("worker reported job failure", "error", res.Error)
		s.metrics.RecordUtterance(ctx, "error")
		writeError(w, http.StatusInternalServerError, "transcription failed: "+res.Error)
		return
	}

	text := textproc.Dedup(res.Text)
	filtered := textproc.Filter(text)
	if filtered == "" && res.Text != "" {
		logger.Info("transcript suppressed by text filters", "raw_text", res.Text)
		s.metrics.FilteredTranscripts.Add(ctx, 1)
	}

	// Context refresh uses the original buffer, not the context-prepended
	// one, so the tail never compounds across requests.
	s.store.Update(samples, segments)
	s.store.UpdateText(filtered)

	resp := UtteranceResponse{
		Text:                  filtered,
		Segments:              res.Segments,
		LanguageProbabilities: res.LanguageProbabilities,
		Duration:              float64(len(processed)) / audio.SampleRate,
		VADSegments:           make([][2]int, 0, len(segments)),
	}
	if resp.Segments == nil {
		resp.Segments = []worker.SegmentInfo{}
	}
	if res.Language != "" {
		resp.Language = &res.Language
	}
	if p, ok := res.LanguageProbabilities[res.Language]; ok {
		resp.LanguageProbability = &p
	}
	for _, seg := range segments {
		// Shift into processed-buffer coordinates when context was prepended.
		resp.VADSegments = append(resp.VADSegments, [2]int{seg.Start + contextLen, seg.End + contextLen})
	}

	logger.Info("utterance transcribed",
		"duration_sec", resp.Duration,
		"text_len", len(filtered),
		"segments", len(resp.Segments),
		"worker_ms", res.DurationMs,
	)
	s.metrics.RecordUtterance(ctx, "ok")
	writeJSON(w, http.StatusOK, resp)
}

// writeSubmitError maps manager errors onto HTTP status codes.
func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, worker.ErrQueueFull):
		logger.Warn("rejecting utterance, queue full")
		s.metrics.RecordUtterance(ctx, "queue_full")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "transcription queue is full")

	case errors.Is(err, worker.ErrWorkerUnavailable):
		logger.Warn("rejecting utterance, worker unavailable")
		s.metrics.RecordUtterance(ctx, "unavailable")
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusServiceUnavailable, "transcription worker is not ready")

	case errors.Is(err, worker.ErrTimeout):
		logger.Warn("utterance timed out")
		s.metrics.RecordUtterance(ctx, "timeout")
		writeError(w, http.StatusGatewayTimeout, "transcription timed out")

	default:
		logger.Warn("utterance failed", "error", err)
		s.metrics.RecordUtterance(ctx, "error")
		writeError(w, http.StatusInternalServerError, "transcription failed: "+err.Error())
	}
}
