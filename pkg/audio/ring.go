package audio

import "log/slog"

// RingBuffer is a bounded queue of raw PCM16 bytes stored in chunks but
// accounted in samples (bytes/2). When the total exceeds the capacity,
// the oldest chunks are evicted whole and the leading partial chunk is
// trimmed so the retained tail fits.
//
// RingBuffer is not safe for concurrent use.
type RingBuffer struct {
	chunks          [][]byte
	capacitySamples int
	totalSamples    int
}

// NewRingBuffer creates a ring buffer holding up to capacitySamples PCM16
// samples.
func NewRingBuffer(capacitySamples int) *RingBuffer {
	return &RingBuffer{capacitySamples: capacitySamples}
}

// AvailableSamples returns the number of retained samples.
func (r *RingBuffer) AvailableSamples() int { return r.totalSamples }

// Write appends pcm (little-endian int16 bytes) and evicts from the front
// until the buffer fits its capacity again.
func (r *RingBuffer) Write(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	r.chunks = append(r.chunks, chunk)
	r.totalSamples += len(chunk) / 2

	if r.totalSamples <= r.capacitySamples {
		return
	}

	evicted := 0
	// Drop whole chunks from the front while the next chunk's removal still
	// leaves us over capacity.
	for len(r.chunks) > 0 {
		head := len(r.chunks[0]) / 2
		if r.totalSamples-head < r.capacitySamples {
			break
		}
		r.totalSamples -= head
		evicted += head
		r.chunks = r.chunks[1:]
	}
	// Trim the leading partial chunk.
	if r.totalSamples > r.capacitySamples && len(r.chunks) > 0 {
		over := r.totalSamples - r.capacitySamples
		r.chunks[0] = r.chunks[0][over*2:]
		r.totalSamples -= over
		evicted += over
	}
	if evicted > 0 {
		slog.Debug("pcm ring buffer evicted oldest audio",
			"evicted_samples", evicted,
			"capacity_samples", r.capacitySamples,
		)
	}
}

// Read consumes up to n samples across chunk boundaries and returns them as
// little-endian int16 bytes.
func (r *RingBuffer) Read(n int) []byte {
	if n <= 0 || r.totalSamples == 0 {
		return nil
	}
	if n > r.totalSamples {
		n = r.totalSamples
	}
	out := make([]byte, 0, n*2)
	remaining := n
	for remaining > 0 && len(r.chunks) > 0 {
		head := r.chunks[0]
		headSamples := len(head) / 2
		if headSamples <= remaining {
			out = append(out, head...)
			remaining -= headSamples
			r.chunks = r.chunks[1:]
		} else {
			out = append(out, head[:remaining*2]...)
			r.chunks[0] = head[remaining*2:]
			remaining = 0
		}
	}
	r.totalSamples -= n
	return out
}

// Clear discards all retained audio.
func (r *RingBuffer) Clear() {
	r.chunks = nil
	r.totalSamples = 0
}
