package reader

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/netmux/qnet/internal/wire"
	"github.com/netmux/qnet/metrics"
	"github.com/netmux/qnet/packet"
)

// fakeReceiveStream adapts an io.Reader to quic.ReceiveStream.
type fakeReceiveStream struct {
	io.Reader
}

func (fakeReceiveStream) StreamID() quic.StreamID         { return 0 }
func (fakeReceiveStream) CancelRead(quic.StreamErrorCode) {}
func (fakeReceiveStream) SetReadDeadline(time.Time) error { return nil }

type fakeConn struct {
	mu        sync.Mutex
	streams   []io.Reader
	datagrams [][]byte
	streamCh  chan quic.ReceiveStream
	datagram  chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		streamCh: make(chan quic.ReceiveStream, 16),
		datagram: make(chan []byte, 16),
	}
}

func (c *fakeConn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	select {
	case s := <-c.streamCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.datagram:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) pushStream(packets ...packet.Packet) {
	var buf bytes.Buffer
	for _, p := range packets {
		b, err := p.Encode()
		if err != nil {
			panic(err)
		}
		framed, err := wire.FrameBytes(b)
		if err != nil {
			panic(err)
		}
		buf.Write(framed)
	}
	c.streamCh <- fakeReceiveStream{bytes.NewReader(buf.Bytes())}
}

func (c *fakeConn) pushDatagram(p packet.Packet) {
	b, err := p.Encode()
	if err != nil {
		panic(err)
	}
	c.datagram <- b
}

func newTestReader(t *testing.T) (*Reader, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	stats := &metrics.ConnStats{}
	r := New(conn, 16, stats, nil, nil)
	t.Cleanup(r.Halt)
	return r, conn
}

func TestRecvDeliversStreamPacket(t *testing.T) {
	r, conn := newTestReader(t)
	conn.pushStream(packet.OrderedPacket([]byte("hello"), 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), p.Payload)
}

func TestRecvDeliversDatagramPacket(t *testing.T) {
	r, conn := newTestReader(t)
	conn.pushDatagram(packet.UnreliableUnorderedPacket([]byte("dg")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("dg"), p.Payload)
}

func TestStaleSequencedPacketsAreDropped(t *testing.T) {
	r, conn := newTestReader(t)

	mkSeq := func(seq uint16, payload string) packet.Packet {
		p := packet.SequencedPacket([]byte(payload), 3)
		p.Header = p.Header.WithSeqID(seq)
		return p
	}

	// Send seq 5 then a stale seq 2 on the same stream.
	conn.pushStream(mkSeq(5, "five"), mkSeq(2, "stale-two"), mkSeq(6, "six"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p1, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "five", string(p1.Payload))

	p2, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "six", string(p2.Payload), "the stale seq 2 packet must be dropped, not delivered")

	snap := r.stats.Snapshot()
	require.Equal(t, uint64(1), snap.StaleDropped)
}

func TestDuplicateSequencedPacketIsDropped(t *testing.T) {
	r, conn := newTestReader(t)

	mkSeq := func(seq uint16, payload string) packet.Packet {
		p := packet.SequencedPacket([]byte(payload), 7)
		p.Header = p.Header.WithSeqID(seq)
		return p
	}

	// The opening of spec.md §8 scenario 4's vector: seq_id 1 arrives twice
	// in a row. The second arrival of the same seq_id must be dropped, not
	// accepted a second time.
	conn.pushStream(mkSeq(1, "first"), mkSeq(1, "duplicate"), mkSeq(2, "second"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p1, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", string(p1.Payload))

	p2, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", string(p2.Payload), "the duplicate seq_id 1 packet must be dropped, not delivered")

	snap := r.stats.Snapshot()
	require.Equal(t, uint64(1), snap.StaleDropped)
}

func TestOnPacketHookInvokedAlongsideRecv(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	var seen []string
	rd := New(conn, 16, &metrics.ConnStats{}, nil, func(p packet.Packet) {
		mu.Lock()
		seen = append(seen, string(p.Payload))
		mu.Unlock()
	})
	t.Cleanup(rd.Halt)

	conn.pushStream(packet.OrderedPacket([]byte("hooked"), 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := rd.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "hooked", string(p.Payload))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "hooked"
	}, time.Second, 10*time.Millisecond)
}
