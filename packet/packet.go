// Package packet defines the delivery-mode-tagged message envelope this
// library dispatches onto QUIC streams and datagrams, and its wire codec.
//
// Encoding follows the teacher's own wire-serialization idiom
// (`core/pki/descriptor.go`'s hand-rolled `MarshalCBOR`/`cbor.Unmarshal`
// pair around a type whose generic struct encoding would not match the
// wire shape) using `github.com/fxamacker/cbor/v2`, the CBOR library
// declared in the teacher's go.mod, in place of the upstream Rust crate's
// bincode (the specification explicitly allows "any scheme ... provided
// both peers agree"). PacketHeader is encoded as a compact CBOR array via
// the `cbor:",toarray"` struct tag rather than a map, so the wire form
// stays close to the upstream `[discriminant, stream_id, seq_id]` shape.
package packet

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies which of the five delivery-mode variants a PacketHeader
// carries. The zero value is Ordered, matching the upstream crate's
// `Default for PacketHeader`.
type Kind uint8

const (
	// Ordered packets are reliable and strictly ordered per stream_id.
	Ordered Kind = iota
	// Sequenced packets are reliable and ordered, but stale arrivals (by
	// seq_id) are dropped by the reader.
	Sequenced
	// Unordered packets are reliable with no ordering guarantee.
	Unordered
	// UnreliableSequenced packets travel as datagrams; stale arrivals are
	// dropped by the reader.
	UnreliableSequenced
	// UnreliableUnordered packets travel as datagrams with no guarantees
	// at all.
	UnreliableUnordered
)

func (k Kind) String() string {
	switch k {
	case Ordered:
		return "Ordered"
	case Sequenced:
		return "Sequenced"
	case Unordered:
		return "Unordered"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case UnreliableUnordered:
		return "UnreliableUnordered"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Reliable reports whether packets of this kind are carried on a reliable
// (stream) sub-transport rather than an unreliable datagram.
func (k Kind) Reliable() bool {
	return k == Ordered || k == Sequenced || k == Unordered
}

// StaleDroppable reports whether the reader must apply the stale-drop policy
// to packets of this kind.
func (k Kind) StaleDroppable() bool {
	return k == Sequenced || k == UnreliableSequenced
}

// Header is the tagged-union envelope header. Only the fields relevant to
// Kind are meaningful; StreamID is ignored for Unordered/UnreliableUnordered
// and SeqID is writer-assigned (any caller-supplied value is overwritten).
type Header struct {
	Kind     Kind
	StreamID uint8
	SeqID    uint16
}

// WithSeqID returns a copy of h with SeqID set. A no-op for kinds that do
// not carry a seq_id.
func (h Header) WithSeqID(seq uint16) Header {
	switch h.Kind {
	case Sequenced, UnreliableSequenced:
		h.SeqID = seq
	}
	return h
}

// Packet is the application-visible envelope: a header plus an opaque
// payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// OrderedPacket builds a reliable, per-stream-ordered packet.
func OrderedPacket(payload []byte, streamID uint8) Packet {
	return Packet{Header: Header{Kind: Ordered, StreamID: streamID}, Payload: payload}
}

// SequencedPacket builds a reliable packet subject to stale-drop at the
// reader; seq_id is assigned by the Writer and any value set here is
// ignored.
func SequencedPacket(payload []byte, streamID uint8) Packet {
	return Packet{Header: Header{Kind: Sequenced, StreamID: streamID}, Payload: payload}
}

// UnorderedPacket builds a reliable packet with no ordering guarantee.
func UnorderedPacket(payload []byte) Packet {
	return Packet{Header: Header{Kind: Unordered}, Payload: payload}
}

// UnreliableSequencedPacket builds a best-effort packet subject to
// stale-drop at the reader.
func UnreliableSequencedPacket(payload []byte, streamID uint8) Packet {
	return Packet{Header: Header{Kind: UnreliableSequenced, StreamID: streamID}, Payload: payload}
}

// UnreliableUnorderedPacket builds a best-effort packet with no guarantees.
func UnreliableUnorderedPacket(payload []byte) Packet {
	return Packet{Header: Header{Kind: UnreliableUnordered}, Payload: payload}
}

// wireHeader is the on-the-wire shape of Header: a 3-element CBOR array,
// discriminant first. Encoding unconditionally carries all three fields
// (rather than only the fields the variant needs) to keep the codec
// trivial and constant-size; the saved bytes from a sparser encoding are
// not worth the branching.
type wireHeader struct {
	_        struct{} `cbor:",toarray"`
	Kind     uint8
	StreamID uint8
	SeqID    uint16
}

type wirePacket struct {
	_       struct{} `cbor:",toarray"`
	Header  wireHeader
	Payload []byte
}

// DecodeError is returned by Decode when the buffer is truncated, carries
// an unknown header discriminant, or is otherwise malformed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("packet: decode error: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// Encode serializes p. It only fails for pathological in-memory values
// (e.g. a payload cbor cannot represent), which should not occur for a
// well-formed Packet.
func (p Packet) Encode() ([]byte, error) {
	wp := wirePacket{
		Header: wireHeader{
			Kind:     uint8(p.Header.Kind),
			StreamID: p.Header.StreamID,
			SeqID:    p.Header.SeqID,
		},
		Payload: p.Payload,
	}
	b, err := encMode.Marshal(wp)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Decode parses a single encoded Packet from b.
func Decode(b []byte) (Packet, error) {
	var wp wirePacket
	if err := cbor.Unmarshal(b, &wp); err != nil {
		return Packet{}, &DecodeError{Err: err}
	}
	if wp.Header.Kind > uint8(UnreliableUnordered) {
		return Packet{}, &DecodeError{Err: fmt.Errorf("unknown header discriminant %d", wp.Header.Kind)}
	}
	return Packet{
		Header: Header{
			Kind:     Kind(wp.Header.Kind),
			StreamID: wp.Header.StreamID,
			SeqID:    wp.Header.SeqID,
		},
		Payload: wp.Payload,
	}, nil
}
