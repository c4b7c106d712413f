// This file contains the worker child-process loop, backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/speechrelay/asrworkerd/internal/config"
	"github.com/speechrelay/asrworkerd/pkg/audio"
)

// warmupSeconds is the length of the silence buffer run through the model
// at startup so the first real job does not pay one-time allocation costs.
const warmupSeconds = 1

// RunChild is the entry point of the `-worker` re-exec mode. It loads the
// model once, emits a ready notification, then serves jobs from in until the
// stop sentinel or EOF. It never lets a job error escape the loop; failures
// travel back as Result.Error.
func RunChild(cfg *config.Config, in io.Reader, out io.Writer) error {
	logger := slog.With("component", "asr_worker_child")

	model, err := whisperlib.New(cfg.ASR.ModelPath)
	if err != nil {
		logger.Error("model load failed", "model", cfg.ASR.ModelPath, "error", err)
		// Best effort: the parent may already be gone.
		_ = WriteFrame(out, Result{
			JobID: InitErrorID,
			Error: fmt.Sprintf("load model %q: %v", cfg.ASR.ModelPath, err),
		})
		return err
	}
	defer model.Close()

	if err := warmup(model); err != nil {
		logger.Error("warmup inference failed", "error", err)
		_ = WriteFrame(out, Result{JobID: InitErrorID, Error: "warmup: " + err.Error()})
		return err
	}

	logger.Info("model loaded and warmed up",
		"model", cfg.ASR.ModelPath,
		"multilingual", model.IsMultilingual(),
	)
	if err := WriteFrame(out, Result{JobID: ReadyID}); err != nil {
		return err
	}

	for {
		var job Job
		if err := ReadFrame(in, &job); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("request pipe closed, exiting")
				_ = WriteFrame(out, Result{JobID: WorkerExitID})
				return nil
			}
			return fmt.Errorf("worker: read job: %w", err)
		}
		if job.ID == StopJobID {
			logger.Info("stop sentinel received, exiting")
			return WriteFrame(out, Result{JobID: WorkerExitID})
		}

		res := transcribe(model, cfg, job)
		if err := WriteFrame(out, res); err != nil {
			return fmt.Errorf("worker: write result for job %s: %w", job.ID, err)
		}
	}
}

// warmup runs a short silence buffer through a fresh context.
func warmup(model whisperlib.Model) error {
	wctx, err := model.NewContext()
	if err != nil {
		return err
	}
	silence := make([]float32, warmupSeconds*audio.SampleRate)
	return wctx.Process(silence, nil, nil, nil)
}

// transcribe runs one job and always returns a Result; any failure is
// reported through Result.Error.
func transcribe(model whisperlib.Model, cfg *config.Config, job Job) Result {
	start := time.Now()
	res := Result{JobID: job.ID, Segments: []SegmentInfo{}}

	samples := job.Audio
	if job.PaddingMs > 0 {
		pad := make([]float32, job.PaddingMs*audio.SampleRate/1000)
		samples = append(samples, pad...)
	}
	if len(samples) == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	wctx, err := model.NewContext()
	if err != nil {
		res.Error = "create context: " + err.Error()
		return res
	}

	lang := job.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("failed to set language, using model default",
			"job_id", job.ID, "language", lang, "error", err)
	}
	wctx.SetTranslate(job.Task == "translate")

	beam := job.BeamSize
	if beam == 0 {
		beam = cfg.ASR.BeamSize
	}
	if beam > 0 {
		wctx.SetBeamSize(beam)
	}
	wctx.SetTemperature(float32(job.Temperature))
	if job.InitialPrompt != "" {
		wctx.SetInitialPrompt(job.InitialPrompt)
	}
	// whisper.cpp replaces the compression-ratio check with an entropy
	// threshold; patience, log-prob and no-speech thresholds, and
	// condition_on_previous_text have no equivalent here and are accepted
	// but ignored.
	if job.CompressionRatioThreshold > 0 {
		wctx.SetEntropyThold(float32(job.CompressionRatioThreshold))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		res.Error = "process audio: " + err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Error = "read segment: " + err.Error()
			res.DurationMs = time.Since(start).Milliseconds()
			return res
		}

		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)

		segStart := segment.Start.Seconds()
		segEnd := segment.End.Seconds()
		// The bindings do not expose per-segment no-speech probability.
		res.Segments = append(res.Segments, SegmentInfo{
			Text:         text,
			Start:        &segStart,
			End:          &segEnd,
			NoSpeechProb: nil,
		})
	}

	res.Text = strings.Join(parts, " ")
	if job.Language != "" {
		res.Language = job.Language
	} else {
		res.Language = wctx.Language()
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}
