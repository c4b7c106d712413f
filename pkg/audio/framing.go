package audio

import "log/slog"

// MaxPacketBytes is the largest Opus packet payload the framer accepts.
// A decoded length of zero or above this bound is treated as protocol
// desync and clears the buffer.
const MaxPacketBytes = 4096

// PacketFramer reassembles discrete Opus packets from a byte stream using a
// u16 little-endian length prefix, optionally preceded by a u32 little-endian
// sequence number. Frames split or merged across Feed calls are handled; a
// valid length-prefixed stream fed in arbitrary chunks always yields the
// original packet sequence.
//
// PacketFramer is not safe for concurrent use; each stream gets its own.
type PacketFramer struct {
	buf     []byte
	withSeq bool

	// DesyncCount counts buffer resets caused by an implausible length header.
	DesyncCount int
}

// FramerOption configures a PacketFramer.
type FramerOption func(*PacketFramer)

// WithSeq makes the framer expect a u32 little-endian sequence number before
// each payload.
func WithSeq() FramerOption {
	return func(f *PacketFramer) { f.withSeq = true }
}

// NewPacketFramer creates a framer with the supplied options.
func NewPacketFramer(opts ...FramerOption) *PacketFramer {
	f := &PacketFramer{}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Feed appends raw stream bytes to the framer's buffer.
func (f *PacketFramer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Buffered returns the number of bytes awaiting reassembly.
func (f *PacketFramer) Buffered() int { return len(f.buf) }

// TryPop returns the next complete packet, if any. seq is zero unless the
// framer was created with WithSeq. ok is false when the buffer holds no
// complete packet yet.
//
// An implausible length header (0 or > MaxPacketBytes) indicates the stream
// has lost framing; the buffer is cleared so the next Feed starts clean.
func (f *PacketFramer) TryPop() (seq uint32, payload []byte, ok bool) {
	header := 2
	if f.withSeq {
		header += 4
	}
	if len(f.buf) < header {
		return 0, nil, false
	}

	n := int(f.buf[0]) | int(f.buf[1])<<8
	if n == 0 || n > MaxPacketBytes {
		slog.Error("packet framer desync, clearing buffer",
			"length", n,
			"buffered", len(f.buf),
		)
		f.buf = nil
		f.DesyncCount++
		return 0, nil, false
	}
	if len(f.buf) < header+n {
		return 0, nil, false
	}

	off := 2
	if f.withSeq {
		seq = uint32(f.buf[2]) | uint32(f.buf[3])<<8 | uint32(f.buf[4])<<16 | uint32(f.buf[5])<<24
		off = 6
	}

	payload = make([]byte, n)
	copy(payload, f.buf[off:off+n])
	f.buf = f.buf[off+n:]
	return seq, payload, true
}

// Reset discards all buffered bytes.
func (f *PacketFramer) Reset() { f.buf = nil }
