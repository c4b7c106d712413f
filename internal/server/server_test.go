package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/speechrelay/asrworkerd/internal/config"
	"github.com/speechrelay/asrworkerd/internal/observe"
	"github.com/speechrelay/asrworkerd/internal/session"
	"github.com/speechrelay/asrworkerd/internal/vad"
	"github.com/speechrelay/asrworkerd/internal/worker"
	"github.com/speechrelay/asrworkerd/pkg/audio"
)

// fakeSubmitter implements JobSubmitter with canned responses.
type fakeSubmitter struct {
	res    worker.Result
	err    error
	ready  bool
	gotJob worker.Job
}

func (f *fakeSubmitter) Submit(_ context.Context, job worker.Job) (worker.Result, error) {
	f.gotJob = job
	return f.res, f.err
}

func (f *fakeSubmitter) Ready() bool { return f.ready }

func (f *fakeSubmitter) Stats() worker.Stats {
	return worker.Stats{WorkerState: "running", WorkerPID: 42}
}

// fakeDetector implements SpeechDetector with fixed segments.
type fakeDetector struct {
	segments   []vad.Segment
	err        error
	resetCalls int
}

func (f *fakeDetector) DetectSpeech(_ []float32) ([]vad.Segment, error) {
	return f.segments, f.err
}

func (f *fakeDetector) Reset() { f.resetCalls++ }

func newTestServer(t *testing.T, sub JobSubmitter, det SpeechDetector) (*Server, *session.ContextStore) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Limits.MaxAudioDurationSec = 30
	cfg.Limits.MaxWaitSeconds = 1
	cfg.Limits.MaxConcurrency = 3

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store := session.New()
	return New(cfg, sub, det, store, metrics), store
}

// sinePCM16 returns base64-encoded PCM16 of a 440 Hz sine at 16 kHz.
func sinePCM16(seconds float64) string {
	n := int(seconds * audio.SampleRate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(samples))
}

func postUtterance(t *testing.T, s *Server, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/utterance", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.handleUtterance(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) UtteranceResponse {
	t.Helper()
	var resp UtteranceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestUtteranceMissingFields(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{ready: true}, nil)

	rec := postUtterance(t, s, UtteranceRequest{AudioFormat: "pcm16"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}

	rec = postUtterance(t, s, UtteranceRequest{Audio: sinePCM16(1)})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestUtteranceBadJSON(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{ready: true}, nil)
	req := httptest.NewRequest(http.MethodPost, "/utterance", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	s.handleUtterance(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUtteranceBadBase64(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{ready: true}, nil)
	rec := postUtterance(t, s, UtteranceRequest{Audio: "!!!not-base64!!!", AudioFormat: "pcm16"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUtteranceUnsupportedFormat(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{ready: true}, nil)
	rec := postUtterance(t, s, UtteranceRequest{Audio: sinePCM16(1), AudioFormat: "mp3"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUtteranceQualityGateRejection(t *testing.T) {
	sub := &fakeSubmitter{ready: true}
	s, _ := newTestServer(t, sub, nil)

	// 0.1 s of silence fails the gate; the model must not be called.
	silence := base64.StdEncoding.EncodeToString(make([]byte, int(0.1*audio.SampleRate)*2))
	rec := postUtterance(t, s, UtteranceRequest{
		Audio:       silence,
		AudioFormat: "pcm16",
		SampleRate:  audio.SampleRate,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Text != "" {
		t.Errorf("text = %q, want empty", resp.Text)
	}
	if len(resp.Segments) != 0 || len(resp.VADSegments) != 0 {
		t.Errorf("segments = %v vad = %v, want both empty", resp.Segments, resp.VADSegments)
	}
	if math.Abs(resp.Duration-0.1) > 0.01 {
		t.Errorf("duration = %v, want ≈0.1", resp.Duration)
	}
	if sub.gotJob.ID != "" {
		t.Error("worker was called for gate-rejected audio")
	}
}

func TestUtteranceSuccess(t *testing.T) {
	start, end := 0.0, 1.0
	sub := &fakeSubmitter{
		ready: true,
		res: worker.Result{
			Text:                  "hello world",
			Language:              "en",
			LanguageProbabilities: map[string]float64{"en": 0.95},
			Segments:              []worker.SegmentInfo{{Text: "hello world", Start: &start, End: &end}},
			DurationMs:            200,
		},
	}
	det := &fakeDetector{segments: []vad.Segment{{Start: 512, End: 2048}}}
	s, store := newTestServer(t, sub, det)

	rec := postUtterance(t, s, UtteranceRequest{
		JobID:       "job-1",
		Audio:       sinePCM16(1),
		AudioFormat: "pcm16",
		SampleRate:  audio.SampleRate,
		SrcLang:     "auto",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeResponse(t, rec)

	if resp.Text != "hello world" {
		t.Errorf("text = %q, want hello world", resp.Text)
	}
	if resp.Language == nil || *resp.Language != "en" {
		t.Errorf("language = %v, want en", resp.Language)
	}
	if resp.LanguageProbability == nil || *resp.LanguageProbability != 0.95 {
		t.Errorf("language probability = %v, want 0.95", resp.LanguageProbability)
	}
	if math.Abs(resp.Duration-1.0) > 0.01 {
		t.Errorf("duration = %v, want ≈1.0", resp.Duration)
	}
	if len(resp.VADSegments) != 1 || resp.VADSegments[0] != [2]int{512, 2048} {
		t.Errorf("vad segments = %v, want [[512 2048]]", resp.VADSegments)
	}

	// auto maps to empty language for the worker.
	if sub.gotJob.Language != "" {
		t.Errorf("job language = %q, want empty for auto", sub.gotJob.Language)
	}
	if sub.gotJob.ID != "job-1" {
		t.Errorf("job id = %q, want job-1", sub.gotJob.ID)
	}

	// Context store refreshed from the transcript and VAD tail.
	if store.Text() != "hello world" {
		t.Errorf("stored sentence = %q, want hello world", store.Text())
	}
	if got := len(store.Audio()); got != 2048-512 {
		t.Errorf("stored tail = %d samples, want %d", got, 2048-512)
	}
}

func TestUtteranceContextPrepend(t *testing.T) {
	sub := &fakeSubmitter{ready: true, res: worker.Result{Text: "ok"}}
	det := &fakeDetector{segments: []vad.Segment{{Start: 0, End: 512}}}
	s, store := newTestServer(t, sub, det)

	// Seed half a second of context tail.
	tailLen := audio.SampleRate / 2
	store.Update(make([]float32, tailLen), []vad.Segment{{Start: 0, End: tailLen}})
	store.UpdateText("前一句")

	rec := postUtterance(t, s, UtteranceRequest{
		Audio:            sinePCM16(1),
		AudioFormat:      "pcm16",
		SampleRate:       audio.SampleRate,
		UseContextBuffer: true,
		UseTextContext:   true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeResponse(t, rec)

	wantLen := audio.SampleRate + tailLen
	if len(sub.gotJob.Audio) != wantLen {
		t.Errorf("submitted audio = %d samples, want %d", len(sub.gotJob.Audio), wantLen)
	}
	if sub.gotJob.InitialPrompt != "前一句" {
		t.Errorf("initial prompt = %q, want 前一句", sub.gotJob.InitialPrompt)
	}
	if math.Abs(resp.Duration-1.5) > 0.01 {
		t.Errorf("duration = %v, want ≈1.5", resp.Duration)
	}
	// VAD segments shift into processed-buffer coordinates.
	if len(resp.VADSegments) != 1 || resp.VADSegments[0] != [2]int{tailLen, tailLen + 512} {
		t.Errorf("vad segments = %v, want offset by %d", resp.VADSegments, tailLen)
	}
}

func TestUtteranceNoSpeechSkipsWorker(t *testing.T) {
	sub := &fakeSubmitter{ready: true, res: worker.Result{Text: "should not appear"}}
	det := &fakeDetector{segments: nil}
	s, store := newTestServer(t, sub, det)
	store.UpdateText("之前的句子")

	rec := postUtterance(t, s, UtteranceRequest{
		Audio:       sinePCM16(1),
		AudioFormat: "pcm16",
		SampleRate:  audio.SampleRate,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Text != "" {
		t.Errorf("text = %q, want empty for speechless audio", resp.Text)
	}
	if len(resp.Segments) != 0 || len(resp.VADSegments) != 0 {
		t.Errorf("segments = %v vad = %v, want both empty", resp.Segments, resp.VADSegments)
	}
	if math.Abs(resp.Duration-1.0) > 0.01 {
		t.Errorf("duration = %v, want ≈1.0", resp.Duration)
	}
	if sub.gotJob.ID != "" {
		t.Error("worker was called for audio without speech")
	}
	// The context store stays untouched, like a gate rejection.
	if store.Text() != "之前的句子" {
		t.Errorf("stored sentence = %q, want unchanged", store.Text())
	}
}

func TestUtteranceVADErrorStillTranscribes(t *testing.T) {
	sub := &fakeSubmitter{ready: true, res: worker.Result{Text: "hello"}}
	det := &fakeDetector{err: errors.New("ort session broke")}
	s, _ := newTestServer(t, sub, det)

	rec := postUtterance(t, s, UtteranceRequest{
		Audio:       sinePCM16(1),
		AudioFormat: "pcm16",
		SampleRate:  audio.SampleRate,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Text != "hello" {
		t.Errorf("text = %q, want hello despite VAD failure", resp.Text)
	}
	if sub.gotJob.ID == "" {
		t.Error("worker was not called after a VAD inference failure")
	}
}

func TestUtteranceFilterSuppressesHallucination(t *testing.T) {
	sub := &fakeSubmitter{ready: true, res: worker.Result{Text: "谢谢观看"}}
	s, store := newTestServer(t, sub, nil)
	store.UpdateText("之前的句子")

	rec := postUtterance(t, s, UtteranceRequest{
		Audio:       sinePCM16(1),
		AudioFormat: "pcm16",
		SampleRate:  audio.SampleRate,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Text != "" {
		t.Errorf("text = %q, want empty after filtering", resp.Text)
	}
	// A suppressed transcript must not clobber the stored sentence.
	if store.Text() != "之前的句子" {
		t.Errorf("stored sentence = %q, want unchanged", store.Text())
	}
}

func TestUtteranceSubmitErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  string
	}{
		{"queue full", worker.ErrQueueFull, http.StatusServiceUnavailable, "1"},
		{"worker unavailable", worker.ErrWorkerUnavailable, http.StatusServiceUnavailable, "2"},
		{"timeout", worker.ErrTimeout, http.StatusGatewayTimeout, ""},
		{"crash", worker.ErrWorkerCrashed, http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, &fakeSubmitter{ready: true, err: tt.err}, nil)
			rec := postUtterance(t, s, UtteranceRequest{
				Audio:       sinePCM16(1),
				AudioFormat: "pcm16",
				SampleRate:  audio.SampleRate,
			})
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.wantRetry {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantRetry)
			}
		})
	}
}

func TestUtteranceWorkerReportedError(t *testing.T) {
	sub := &fakeSubmitter{ready: true, res: worker.Result{Error: "inference exploded"}}
	s, _ := newTestServer(t, sub, nil)

	rec := postUtterance(t, s, UtteranceRequest{
		Audio:       sinePCM16(1),
		AudioFormat: "pcm16",
		SampleRate:  audio.SampleRate,
	})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestUtteranceGeneratesJobID(t *testing.T) {
	sub := &fakeSubmitter{ready: true, res: worker.Result{Text: "ok"}}
	s, _ := newTestServer(t, sub, nil)

	rec := postUtterance(t, s, UtteranceRequest{
		Audio:       sinePCM16(1),
		AudioFormat: "pcm16",
		SampleRate:  audio.SampleRate,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if sub.gotJob.ID == "" {
		t.Error("job id was not generated for a request without one")
	}
}

func TestResetHandler(t *testing.T) {
	det := &fakeDetector{}
	s, store := newTestServer(t, &fakeSubmitter{ready: true}, det)
	store.Update([]float32{0.5}, nil)
	store.UpdateText("hello")

	body, _ := json.Marshal(ResetRequest{ResetVAD: true, ResetContext: true, ResetTextContext: true})
	req := httptest.NewRequest(http.MethodPost, "/reset", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleReset(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %q, want ok", resp["status"])
	}
	if det.resetCalls != 1 {
		t.Errorf("detector resets = %d, want 1", det.resetCalls)
	}
	if store.Audio() != nil || store.Text() != "" {
		t.Error("context store not cleared")
	}
}

func TestResetHandlerPartial(t *testing.T) {
	det := &fakeDetector{}
	s, store := newTestServer(t, &fakeSubmitter{ready: true}, det)
	store.UpdateText("keep me")

	body, _ := json.Marshal(ResetRequest{ResetVAD: true})
	req := httptest.NewRequest(http.MethodPost, "/reset", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleReset(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if store.Text() != "keep me" {
		t.Errorf("text context = %q, want untouched", store.Text())
	}
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{ready: true}, &fakeDetector{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || !resp.ASRModelLoaded || !resp.VADModelLoaded {
		t.Errorf("health = %+v, want all loaded", resp)
	}
	if resp.ASRWorker.WorkerPID != 42 {
		t.Errorf("worker pid = %d, want 42", resp.ASRWorker.WorkerPID)
	}
}

func TestHealthHandlerDegraded(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{ready: false}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.ASRModelLoaded || resp.VADModelLoaded {
		t.Errorf("health = %+v, want degraded and unloaded", resp)
	}
}
