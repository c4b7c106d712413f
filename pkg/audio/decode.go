package audio

import (
	"errors"
	"fmt"
	"log/slog"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Format names accepted in utterance requests.
const (
	FormatPCM16 = "pcm16"
	FormatOpus  = "opus"
	FormatWAV   = "wav"
)

// Decode errors surfaced to the HTTP layer.
var (
	// ErrUnsupportedFormat is returned for an unknown audio_format value.
	ErrUnsupportedFormat = errors.New("audio: unsupported audio format")

	// ErrContinuousOpus is returned when audio_format is "opus" but the bytes
	// do not start with a plausible packet-length header. Continuous Opus byte
	// streams without the project framing are a documented failure mode and
	// are rejected outright.
	ErrContinuousOpus = errors.New("audio: continuous opus byte streams are not supported (length-prefixed packet framing required)")

	// ErrEmptyAudio is returned when the input decodes to zero samples.
	ErrEmptyAudio = errors.New("audio: input decoded to zero samples")
)

// Decode converts raw request bytes into float32 mono samples at 16 kHz.
//
// Detection rules, in order:
//
//  1. RIFF....WAVE header → WAV, regardless of the declared format.
//  2. format "pcm16" → little-endian int16 at the declared sample rate.
//  3. format "opus" with a plausible u16 LE length header → framed packet
//     stream decoded packet by packet.
//  4. format "opus" otherwise → rejected (ErrContinuousOpus).
//
// sampleRate is the declared source rate for raw PCM16; it is ignored for
// WAV (the file header wins) and Opus (fixed 16 kHz framing). maxSamples
// bounds the framed-Opus accumulation buffer; zero or negative falls back
// to the default duration cap.
func Decode(raw []byte, format string, sampleRate, maxSamples int) ([]float32, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyAudio
	}

	if IsWAV(raw) {
		samples, rate, err := ParseWAV(raw)
		if err != nil {
			return nil, err
		}
		return Resample(samples, rate, SampleRate)
	}

	switch format {
	case FormatPCM16:
		if sampleRate <= 0 {
			sampleRate = SampleRate
		}
		return Resample(PCM16ToFloat32(raw), sampleRate, SampleRate)

	case FormatOpus:
		if !looksFramed(raw) {
			return nil, ErrContinuousOpus
		}
		if maxSamples <= 0 {
			maxSamples = DefaultMaxDurationSec * SampleRate
		}
		return decodeFramedOpus(raw, maxSamples)

	case FormatWAV:
		// Declared WAV without a RIFF header.
		return nil, fmt.Errorf("%w: declared wav but missing RIFF header", ErrUnsupportedFormat)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// looksFramed reports whether the first two bytes parse to a plausible
// packet length for the project's Opus framing.
func looksFramed(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	n := int(raw[0]) | int(raw[1])<<8
	return n > 0 && n <= MaxPacketBytes && len(raw) >= 2+n
}

// decodeFramedOpus runs the packet framer over raw and decodes every packet.
// A packet that fails to decode contributes nothing but does not abort the
// stream.
func decodeFramedOpus(raw []byte, capSamples int) ([]float32, error) {
	dec, err := NewOpusDecoder()
	if err != nil {
		return nil, err
	}

	pcm, packets := framePackets(raw, capSamples, dec.Decode)
	if packets == 0 {
		return nil, ErrContinuousOpus
	}
	if dec.FailTotal > 0 {
		slog.Warn("framed opus stream had undecodable packets",
			"packets", packets,
			"failed", dec.FailTotal,
		)
	}
	return PCM16ToFloat32(pcm), nil
}

// framePackets pops every complete packet out of raw, decodes each one, and
// accumulates the PCM16 in a ring bounded at capSamples. An adversarially
// long packet stream therefore keeps only its newest capSamples of audio
// instead of growing without limit.
func framePackets(raw []byte, capSamples int, decode func([]byte) []byte) (pcm []byte, packets int) {
	framer := NewPacketFramer()
	framer.Feed(raw)

	ring := NewRingBuffer(capSamples)
	for {
		_, payload, ok := framer.TryPop()
		if !ok {
			break
		}
		packets++
		ring.Write(decode(payload))
	}
	if trailing := framer.Buffered(); trailing > 0 {
		slog.Debug("framed opus stream has trailing bytes", "bytes", trailing)
	}
	return ring.Read(ring.AvailableSamples()), packets
}

// Resample converts samples from srcRate to dstRate using the polyphase
// resampler. Same-rate input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) ([]float32, error) {
	if srcRate == dstRate || len(samples) == 0 {
		return samples, nil
	}
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}

	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s)
	}
	out, err := rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample %d -> %d: %w", srcRate, dstRate, err)
	}

	res := make([]float32, len(out))
	for i, s := range out {
		res[i] = float32(s)
	}
	return res, nil
}
