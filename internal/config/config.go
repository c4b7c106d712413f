// Package config provides the configuration schema and loader for the ASR
// worker service. Configuration comes from an optional YAML file; every
// operationally relevant field can be overridden through environment
// variables so the service deploys cleanly without a config file at all.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Device selects the compute device for the ASR model.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// Config is the root configuration structure.
type Config struct {
	Server ServerConfig `yaml:"server"`
	ASR    ASRConfig    `yaml:"asr"`
	VAD    VADConfig    `yaml:"vad"`
	Limits LimitsConfig `yaml:"limits"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Port is the HTTP listen port. Default 6007.
	Port int `yaml:"port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ASRConfig configures the Whisper-family model hosted by the worker child
// process and its decoding defaults.
type ASRConfig struct {
	// ModelPath is the Whisper model identifier or on-disk path.
	ModelPath string `yaml:"model_path"`

	// Device is "cuda" or "cpu". Empty means auto-detect.
	Device Device `yaml:"device"`

	// ComputeType is "float16" or "float32". CPU always forces float32.
	ComputeType string `yaml:"compute_type"`

	// Decoding defaults; individual requests may override them.
	BeamSize                  int     `yaml:"beam_size"`
	Temperature               float64 `yaml:"temperature"`
	Patience                  float64 `yaml:"patience"`
	CompressionRatioThreshold float64 `yaml:"compression_ratio_threshold"`
	LogProbThreshold          float64 `yaml:"log_prob_threshold"`
	NoSpeechThreshold         float64 `yaml:"no_speech_threshold"`
}

// VADConfig configures the streaming voice-activity detector.
type VADConfig struct {
	// ModelPath points at the Silero-style ONNX model file.
	ModelPath string `yaml:"model_path"`

	// OrtLibraryPath optionally points at the onnxruntime shared library.
	OrtLibraryPath string `yaml:"ort_library_path"`

	// Threshold is the speech probability above which a frame counts as
	// speech. Default 0.2.
	Threshold float64 `yaml:"threshold"`
}

// LimitsConfig bounds per-request resource usage.
type LimitsConfig struct {
	// MaxAudioDurationSec is the hard per-request duration cap. Default 30.
	MaxAudioDurationSec int `yaml:"max_audio_duration_sec"`

	// MaxWaitSeconds is the worker result timeout. Default 30.
	MaxWaitSeconds int `yaml:"max_wait_seconds"`

	// MaxConcurrency is the worker request queue capacity. Default 3.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// Defaults applied when neither YAML nor environment provides a value.
const (
	DefaultPort                = 6007
	DefaultBeamSize            = 5
	DefaultMaxAudioDurationSec = 30
	DefaultMaxWaitSeconds      = 30
	DefaultMaxConcurrency      = 3
)

// Load reads the YAML configuration file at path (if path is non-empty),
// applies environment variable overrides, and validates the result. A
// missing .env file is not an error.
func Load(path string) (*Config, error) {
	// Best-effort .env loading; real environment variables win.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		cfg, err = LoadFromReader(f)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r without applying environment
// overrides or validation. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from the documented environment variables.
func applyEnv(cfg *Config) {
	envString("ASR_MODEL_PATH", &cfg.ASR.ModelPath)
	if v := os.Getenv("ASR_DEVICE"); v != "" {
		cfg.ASR.Device = Device(v)
	}
	envString("ASR_COMPUTE_TYPE", &cfg.ASR.ComputeType)
	envInt("ASR_BEAM_SIZE", &cfg.ASR.BeamSize)
	envFloat("ASR_TEMPERATURE", &cfg.ASR.Temperature)
	envFloat("ASR_PATIENCE", &cfg.ASR.Patience)
	envFloat("ASR_COMPRESSION_RATIO_THRESHOLD", &cfg.ASR.CompressionRatioThreshold)
	envFloat("ASR_LOG_PROB_THRESHOLD", &cfg.ASR.LogProbThreshold)
	envFloat("ASR_NO_SPEECH_THRESHOLD", &cfg.ASR.NoSpeechThreshold)
	envString("VAD_MODEL_PATH", &cfg.VAD.ModelPath)
	envString("VAD_ORT_LIBRARY_PATH", &cfg.VAD.OrtLibraryPath)
	envInt("MAX_AUDIO_DURATION_SEC", &cfg.Limits.MaxAudioDurationSec)
	envInt("MAX_WAIT_SECONDS", &cfg.Limits.MaxWaitSeconds)
	envInt("FASTER_WHISPER_VAD_PORT", &cfg.Server.Port)
}

// applyDefaults fills remaining zero values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.ASR.BeamSize == 0 {
		cfg.ASR.BeamSize = DefaultBeamSize
	}
	if cfg.ASR.CompressionRatioThreshold == 0 {
		cfg.ASR.CompressionRatioThreshold = 2.4
	}
	if cfg.ASR.LogProbThreshold == 0 {
		cfg.ASR.LogProbThreshold = -1.0
	}
	if cfg.ASR.NoSpeechThreshold == 0 {
		cfg.ASR.NoSpeechThreshold = 0.6
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = 0.2
	}
	if cfg.Limits.MaxAudioDurationSec == 0 {
		cfg.Limits.MaxAudioDurationSec = DefaultMaxAudioDurationSec
	}
	if cfg.Limits.MaxWaitSeconds == 0 {
		cfg.Limits.MaxWaitSeconds = DefaultMaxWaitSeconds
	}
	if cfg.Limits.MaxConcurrency == 0 {
		cfg.Limits.MaxConcurrency = DefaultMaxConcurrency
	}
	// float16 inference is only available on CUDA.
	if cfg.ASR.Device == DeviceCPU && cfg.ASR.ComputeType == "float16" {
		slog.Warn("compute type float16 is not available on cpu, forcing float32")
		cfg.ASR.ComputeType = "float32"
	}
	if cfg.ASR.ComputeType == "" {
		cfg.ASR.ComputeType = "float32"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.ASR.ModelPath == "" {
		errs = append(errs, errors.New("asr.model_path is required (or set ASR_MODEL_PATH)"))
	}
	if cfg.ASR.Device != "" && cfg.ASR.Device != DeviceCUDA && cfg.ASR.Device != DeviceCPU {
		errs = append(errs, fmt.Errorf("asr.device %q is invalid; valid values: cuda, cpu", cfg.ASR.Device))
	}
	if ct := cfg.ASR.ComputeType; ct != "" && ct != "float16" && ct != "float32" {
		errs = append(errs, fmt.Errorf("asr.compute_type %q is invalid; valid values: float16, float32", ct))
	}
	if cfg.ASR.BeamSize < 0 {
		errs = append(errs, fmt.Errorf("asr.beam_size %d must not be negative", cfg.ASR.BeamSize))
	}
	if cfg.VAD.ModelPath == "" {
		slog.Warn("vad.model_path is empty; speech gating and context trimming fall back to last-2s tails")
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.3f is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.Limits.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("limits.max_concurrency %d must be at least 1", cfg.Limits.MaxConcurrency))
	}

	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment override", "key", key, "value", v)
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring non-numeric environment override", "key", key, "value", v)
		return
	}
	*dst = f
}
