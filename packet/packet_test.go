package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Packet{
		OrderedPacket([]byte("hello"), 3),
		SequencedPacket([]byte("world"), 7).withSeqIDForTest(42),
		UnorderedPacket([]byte{}),
		UnreliableSequencedPacket([]byte{0xff, 0x00, 0x10}, 255),
		UnreliableUnorderedPacket(nil),
	}

	for _, p := range cases {
		b, err := p.Encode()
		require.NoError(t, err)

		got, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, p.Header, got.Header)
		require.Equal(t, len(p.Payload), len(got.Payload))
		require.Equal(t, p.Payload, got.Payload)
	}
}

func (p Packet) withSeqIDForTest(seq uint16) Packet {
	p.Header = p.Header.WithSeqID(seq)
	return p
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestDecodeUnknownDiscriminant(t *testing.T) {
	p := OrderedPacket([]byte("x"), 1)
	b, err := p.Encode()
	require.NoError(t, err)

	// Corrupt the discriminant: the encoded packet is a 2-element array
	// (0x82, header then payload) whose first element is the 3-element
	// header array (0x83), so the Kind byte is at index 2.
	require.True(t, len(b) > 2)
	corrupt := make([]byte, len(b))
	copy(corrupt, b)
	corrupt[2] = 0x09 // out of range discriminant

	_, err = Decode(corrupt)
	require.Error(t, err)
}

func TestWithSeqIDNoopForNonSequenced(t *testing.T) {
	h := Header{Kind: Ordered, StreamID: 1}
	h2 := h.WithSeqID(99)
	require.Equal(t, h, h2)

	h = Header{Kind: Unordered}
	require.Equal(t, h, h.WithSeqID(99))

	h = Header{Kind: UnreliableUnordered}
	require.Equal(t, h, h.WithSeqID(99))
}

func TestKindPredicates(t *testing.T) {
	require.True(t, Ordered.Reliable())
	require.True(t, Sequenced.Reliable())
	require.True(t, Unordered.Reliable())
	require.False(t, UnreliableSequenced.Reliable())
	require.False(t, UnreliableUnordered.Reliable())

	require.False(t, Ordered.StaleDroppable())
	require.True(t, Sequenced.StaleDroppable())
	require.False(t, Unordered.StaleDroppable())
	require.True(t, UnreliableSequenced.StaleDroppable())
	require.False(t, UnreliableUnordered.StaleDroppable())
}
