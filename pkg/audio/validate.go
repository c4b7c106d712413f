package audio

import (
	"fmt"
	"log/slog"
	"math"
)

// Default quality-gate thresholds. Audio below any of these is near-silence
// that Whisper-family models tend to hallucinate on, so it never reaches the
// worker.
const (
	DefaultMaxDurationSec  = 30
	DefaultMinRMS          = 0.0005
	DefaultMinStdDev       = 0.0005
	DefaultMinDynamicRange = 0.005
	DefaultMinDurationSec  = 0.3
)

// GateThresholds holds the quality-gate limits. The zero value is replaced
// by the defaults in NewValidator.
type GateThresholds struct {
	MinRMS          float64
	MinStdDev       float64
	MinDynamicRange float64
	MinDurationSec  float64
}

// GateResult describes a quality-gate decision.
type GateResult struct {
	OK       bool
	Reason   string
	RMS      float64
	StdDev   float64
	Range    float64
	Duration float64
}

// Validator sanitises decoded audio and applies the duration cap and the
// quality gate. Safe for concurrent use; it holds only immutable thresholds.
type Validator struct {
	maxDurationSec int
	gate           GateThresholds
}

// NewValidator creates a Validator. Zero-value fields fall back to the
// package defaults.
func NewValidator(maxDurationSec int, gate GateThresholds) *Validator {
	if maxDurationSec <= 0 {
		maxDurationSec = DefaultMaxDurationSec
	}
	if gate.MinRMS == 0 {
		gate.MinRMS = DefaultMinRMS
	}
	if gate.MinStdDev == 0 {
		gate.MinStdDev = DefaultMinStdDev
	}
	if gate.MinDynamicRange == 0 {
		gate.MinDynamicRange = DefaultMinDynamicRange
	}
	if gate.MinDurationSec == 0 {
		gate.MinDurationSec = DefaultMinDurationSec
	}
	return &Validator{maxDurationSec: maxDurationSec, gate: gate}
}

// MaxSamples returns the duration cap expressed in samples.
func (v *Validator) MaxSamples() int { return v.maxDurationSec * SampleRate }

// Sanitize replaces NaN with 0, ±Inf with ±1, clips everything to [-1, 1],
// and truncates audio longer than the duration cap. It mutates and returns
// samples.
func (v *Validator) Sanitize(samples []float32) []float32 {
	for i, s := range samples {
		switch {
		case math.IsNaN(float64(s)):
			samples[i] = 0
		case math.IsInf(float64(s), 1):
			samples[i] = 1
		case math.IsInf(float64(s), -1):
			samples[i] = -1
		case s > 1:
			samples[i] = 1
		case s < -1:
			samples[i] = -1
		}
	}

	if maxN := v.MaxSamples(); len(samples) > maxN {
		slog.Warn("audio exceeds duration cap, truncating",
			"duration_sec", float64(len(samples))/SampleRate,
			"cap_sec", v.maxDurationSec,
		)
		samples = samples[:maxN]
	}
	return samples
}

// Gate computes the quality metrics and reports whether the audio clears the
// configured thresholds. Audio failing the gate is answered with an empty
// transcript instead of being fed to the model.
func (v *Validator) Gate(samples []float32) GateResult {
	r := GateResult{
		RMS:      RMS(samples),
		StdDev:   StdDev(samples),
		Range:    DynamicRange(samples),
		Duration: float64(len(samples)) / SampleRate,
	}

	switch {
	case r.Duration < v.gate.MinDurationSec:
		r.Reason = fmt.Sprintf("duration %.3fs below %.3fs", r.Duration, v.gate.MinDurationSec)
	case r.RMS < v.gate.MinRMS:
		r.Reason = fmt.Sprintf("rms %.6f below %.6f", r.RMS, v.gate.MinRMS)
	case r.StdDev < v.gate.MinStdDev:
		r.Reason = fmt.Sprintf("stddev %.6f below %.6f", r.StdDev, v.gate.MinStdDev)
	case r.Range < v.gate.MinDynamicRange:
		r.Reason = fmt.Sprintf("dynamic range %.6f below %.6f", r.Range, v.gate.MinDynamicRange)
	default:
		r.OK = true
	}
	return r
}
