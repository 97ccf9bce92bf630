// Package wire provides the length-delimited message framing used for
// every encoded Packet or FilterPacket carried on a QUIC stream in this
// module (handshake frames and application stream frames alike).
//
// It is a thin, domain-specific wrapper around `code.hybscloud.com/framer`
// (pulled in from the example pack's `hayabusa-cloud-framer` repo, which
// this module's own distillation was not close enough to to adopt as
// teacher, but whose single job — "protocol adaptation: on stream
// transports, framer adds a compact length prefix and preserves
// one-message-per-Read/Write" — is exactly the length-delimited frame
// codec spec.md §4.1/§6 calls for). A QUIC stream is a BinaryStream
// transport in framer's terms (boundaries are not preserved on the wire,
// so framer adds its own length prefix); datagrams are not run through
// this package at all, since spec.md requires them to carry one encoded
// Packet with no length prefix.
package wire

import (
	"bytes"
	"fmt"
	"io"

	"code.hybscloud.com/framer"
)

// MaxFrameSize bounds how large a single stream-carried frame (handshake
// or application packet) may be. It is also the size of the scratch
// buffer each stream reader allocates.
const MaxFrameSize = 64 * 1024

// FrameWriter writes one message per Write call, length-prefixed,
// big-endian, onto the wrapped stream.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w (a QUIC send stream) for length-delimited writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: framer.NewWriter(w)}
}

// FrameBytes returns b with its length prefix applied, without writing to
// any stream. Used by callers (the Writer's coalescing flush buffer) that
// need to accumulate several frames before a single underlying Write.
func FrameBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw := framer.NewWriter(&buf)
	n, err := fw.Write(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, io.ErrShortWrite
	}
	return buf.Bytes(), nil
}

// WriteFrame writes one complete frame. It blocks until the whole frame
// (length prefix + payload) has been accepted by the underlying stream.
func (fw *FrameWriter) WriteFrame(b []byte) error {
	n, err := fw.w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// FrameReader reads one message per ReadFrame call from the wrapped
// stream, using an internally owned scratch buffer capped at
// MaxFrameSize.
type FrameReader struct {
	r   io.Reader
	buf []byte
}

// NewFrameReader wraps r (a QUIC receive stream) for length-delimited
// reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:   framer.NewReader(r, framer.WithReadLimit(MaxFrameSize)),
		buf: make([]byte, MaxFrameSize),
	}
}

// ReadFrame blocks until one complete frame has arrived and returns a copy
// of its payload. Returns io.EOF when the peer has finished the stream
// cleanly at a message boundary.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	n, err := fr.r.Read(fr.buf)
	if err != nil && n == 0 {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds MaxFrameSize", n)
	}
	out := make([]byte, n)
	copy(out, fr.buf[:n])
	return out, err
}
