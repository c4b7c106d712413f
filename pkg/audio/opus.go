package audio

import (
	"fmt"
	"log/slog"

	"layeh.com/gopus"
)

// Opus packets arrive as mono 16 kHz, 20 ms frames preferred (320 samples).
// maxOpusFrameSize covers up to 120 ms frames so oversized but valid packets
// still decode.
const (
	opusChannels     = 1
	maxOpusFrameSize = SampleRate * 120 / 1000
)

// OpusDecoder wraps a gopus Opus decoder configured for mono 16 kHz audio.
// A decode failure yields empty output instead of an error so that a single
// corrupt packet never discards previously decoded audio; failures are
// tracked in counters instead.
//
// OpusDecoder is not safe for concurrent use; each stream gets its own
// decoder to keep the native decoder state coherent.
type OpusDecoder struct {
	dec *gopus.Decoder

	// LastDecodeSamples is the sample count produced by the most recent
	// successful decode.
	LastDecodeSamples int

	// ConsecutiveFails counts decode failures since the last success.
	ConsecutiveFails int

	// FailTotal counts all decode failures over the decoder's lifetime.
	FailTotal int
}

// NewOpusDecoder creates an Opus decoder for the pipeline's fixed format.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes a single Opus packet into PCM16 little-endian bytes.
// On failure it returns nil and updates the failure counters.
func (d *OpusDecoder) Decode(packet []byte) []byte {
	pcm, err := d.dec.Decode(packet, maxOpusFrameSize, false)
	if err != nil {
		d.ConsecutiveFails++
		d.FailTotal++
		slog.Warn("opus packet decode failed",
			"packet_bytes", len(packet),
			"consecutive_fails", d.ConsecutiveFails,
			"fail_total", d.FailTotal,
			"error", err,
		)
		return nil
	}
	d.ConsecutiveFails = 0
	d.LastDecodeSamples = len(pcm)
	return Int16sToBytes(pcm)
}
