// Package filter implements the bidirectional "filter handshake" that
// gates every new connection: each side opens a unidirectional stream and
// writes one magic-plus-version frame, and accepts the peer's, before
// either side is allowed to send or receive application packets.
//
// Ported from the teacher's `sockatz/common/conn.go` Accept/Dial QUIC
// usage pattern (context-gated stream accept/open against a
// quic.Connection) and the upstream Rust crate's `src/socket/filter.rs`
// (both directions run concurrently with a join, a 5s timeout per
// direction, magic-bytes + major-version validation, minor mismatch
// logged but accepted).
package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/netmux/qnet/internal/version"
	"github.com/netmux/qnet/internal/wire"
)

// MagicBytes identifies this protocol on the wire. Not intended to
// authenticate peers, only to reject port scanners and accidental
// connections — see spec.md §4.2.
const MagicBytes uint64 = 0x87213c5b6657d98a

// DefaultTimeout is the per-direction handshake deadline.
const DefaultTimeout = 5 * time.Second

// Packet is the handshake frame exchanged by both peers.
type Packet struct {
	Magic uint64
	Major uint16
	Minor uint16
}

type wirePacket struct {
	_     struct{} `cbor:",toarray"`
	Magic uint64
	Major uint16
	Minor uint16
}

func (p Packet) encode() ([]byte, error) {
	return cbor.Marshal(wirePacket{Magic: p.Magic, Major: p.Major, Minor: p.Minor})
}

func decodePacket(b []byte) (Packet, error) {
	var wp wirePacket
	if err := cbor.Unmarshal(b, &wp); err != nil {
		return Packet{}, err
	}
	return Packet{Magic: wp.Magic, Major: wp.Major, Minor: wp.Minor}, nil
}

// Error kinds, matching spec.md §7's FilterError taxonomy. Err wraps the
// underlying cause where one exists.
type Error struct {
	Kind string
	Err  error

	// PeerMajor/PeerMinor are populated when Kind == "NotCompatible".
	PeerMajor, PeerMinor uint16
}

func (e *Error) Error() string {
	if e.Kind == "NotCompatible" {
		return fmt.Sprintf("filter: peer version %d.%d is not compatible with %d.%d",
			e.PeerMajor, e.PeerMinor, version.Major, version.Minor)
	}
	if e.Err != nil {
		return fmt.Sprintf("filter: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("filter: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func timedOut(err error) error  { return &Error{Kind: "TimedOut", Err: err} }
func ioErr(err error) error     { return &Error{Kind: "IoError", Err: err} }
func decodeErr(err error) error { return &Error{Kind: "DecodeError", Err: err} }
func badMagic() error           { return &Error{Kind: "InvalidMagicBytes"} }
func noResponse() error         { return &Error{Kind: "NoResponse"} }
func notCompatible(maj, min uint16) error {
	return &Error{Kind: "NotCompatible", PeerMajor: maj, PeerMinor: min}
}

// conn is the subset of quic.Connection the handshake needs; a narrow
// interface keeps this package testable without a live QUIC connection.
type conn interface {
	OpenUniStreamSync(ctx context.Context) (quic.SendStream, error)
	AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error)
}

// Run performs the bidirectional handshake over c. log may be nil. It
// waits for both directions to complete and returns the send direction's
// error if there is one, else the receive direction's; when both fail,
// the receive error is not reported.
func Run(ctx context.Context, c conn, timeout time.Duration, log *logging.Logger) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)

	go func() { sendDone <- send(ctx, c, timeout) }()
	go func() { recvDone <- recv(ctx, c, timeout, log) }()

	sendErr := <-sendDone
	recvErr := <-recvDone

	if sendErr != nil {
		return sendErr
	}
	return recvErr
}

func send(ctx context.Context, c conn, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := c.OpenUniStreamSync(cctx)
	if err != nil {
		if cctx.Err() != nil {
			return timedOut(err)
		}
		return ioErr(err)
	}

	pkt := Packet{Magic: MagicBytes, Major: version.Major, Minor: version.Minor}
	b, err := pkt.encode()
	if err != nil {
		return &Error{Kind: "EncodeError", Err: err}
	}

	fw := wire.NewFrameWriter(stream)
	if err := fw.WriteFrame(b); err != nil {
		return ioErr(err)
	}
	if err := stream.Close(); err != nil {
		return ioErr(err)
	}
	return nil
}

func recv(ctx context.Context, c conn, timeout time.Duration, log *logging.Logger) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := c.AcceptUniStream(cctx)
	if err != nil {
		if cctx.Err() != nil {
			return timedOut(err)
		}
		return noResponse()
	}

	fr := wire.NewFrameReader(stream)
	b, err := fr.ReadFrame()
	if err != nil && len(b) == 0 {
		if cctx.Err() != nil {
			return timedOut(err)
		}
		return ioErr(err)
	}

	pkt, err := decodePacket(b)
	if err != nil {
		return decodeErr(err)
	}

	if pkt.Magic != MagicBytes {
		if log != nil {
			log.Debugf("filter: invalid magic bytes from peer (got %#x)", pkt.Magic)
		}
		return badMagic()
	}

	if pkt.Major != version.Major {
		return notCompatible(pkt.Major, pkt.Minor)
	}
	if pkt.Minor != version.Minor && log != nil {
		log.Warningf("filter: peer minor version %d differs from ours %d; proceeding", pkt.Minor, version.Minor)
	}

	return nil
}
