// Package reader implements the inbound half of a Socket: fan-in across
// newly accepted uni-streams, already-open streams, and datagrams, with
// wrap-safe stale-sequence dropping.
//
// The fan-in shape is deliberately three independent producers feeding one
// shared channel rather than one big select over heterogeneous blocking
// calls (accepting a new stream and reading an existing one are both
// blocking quic-go calls that cannot be multiplexed in a single select
// without a pump goroutine per source anyway). Because stream-accept and
// stream-read live in separate goroutines that both just feed the same
// channel, accepting a new stream can never starve delivery of data
// already in flight on existing streams, and vice versa — satisfied by
// construction rather than by scheduling policy. Lifecycle/halt plumbing
// follows the same `worker.Worker`-embedding idiom as `writer.Writer`,
// grounded on `sockatz/common/conn.go`.
package reader

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/netmux/qnet/internal/wire"
	"github.com/netmux/qnet/metrics"
	"github.com/netmux/qnet/packet"
	"github.com/netmux/qnet/workerutil"
)

// Conn is the subset of *quic.Conn the Reader needs.
type Conn interface {
	AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
}

// Error reports a failure from the Reader. The only Kind produced is
// "Closed", returned by Recv once the Reader is halted. Failures to accept
// a stream, read a stream, receive a datagram or decode a packet are
// logged and are not reported through Recv.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reader: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("reader: %s", e.Kind)
}
func (e *Error) Unwrap() error { return e.Err }

var errClosed = &Error{Kind: "Closed"}

type staleKey struct {
	kind     packet.Kind
	streamID uint8
}

// Reader receives inbound packets and applies the stale-sequence drop
// policy before they reach Recv.
type Reader struct {
	workerutil.Worker

	conn  Conn
	log   *logging.Logger
	stats *metrics.ConnStats

	decoded  chan packet.Packet
	onPacket func(packet.Packet)

	acceptCtx    context.Context
	acceptCancel context.CancelFunc

	staleMu sync.Mutex
	stale   map[staleKey]uint16
}

// New constructs a Reader over conn. channelCapacity bounds the delivered
// queue consumed by Recv. log may be nil. onPacket, if non-nil, is invoked
// inline for every accepted (non-dropped) packet in addition to it being
// queued for Recv.
func New(conn Conn, channelCapacity int, stats *metrics.ConnStats, log *logging.Logger, onPacket func(packet.Packet)) *Reader {
	acceptCtx, acceptCancel := context.WithCancel(context.Background())
	r := &Reader{
		conn:         conn,
		log:          log,
		stats:        stats,
		decoded:      make(chan packet.Packet, channelCapacity),
		onPacket:     onPacket,
		acceptCtx:    acceptCtx,
		acceptCancel: acceptCancel,
		stale:        make(map[staleKey]uint16),
	}
	r.Go(r.acceptLoop)
	r.Go(r.datagramLoop)
	r.Go(func() {
		<-r.HaltCh()
		r.acceptCancel()
	})
	return r
}

// UnderlyingConn returns the Conn this Reader was constructed with, so a
// Socket can recover it after Split/Reunite.
func (r *Reader) UnderlyingConn() Conn { return r.conn }

// Stats returns the counters this Reader updates as it receives.
func (r *Reader) Stats() *metrics.ConnStats { return r.stats }

// Recv blocks until a packet is available, ctx is done, or the Reader is
// halted.
func (r *Reader) Recv(ctx context.Context) (packet.Packet, error) {
	select {
	case p := <-r.decoded:
		return p, nil
	case <-r.HaltCh():
		return packet.Packet{}, errClosed
	case <-ctx.Done():
		return packet.Packet{}, ctx.Err()
	}
}

// acceptLoop accepts new uni-streams and spawns a pump goroutine for each
// one; it never itself blocks on stream data.
func (r *Reader) acceptLoop() {
	defer r.acceptCancel()
	for {
		stream, err := r.conn.AcceptUniStream(r.acceptCtx)
		if err != nil {
			select {
			case <-r.HaltCh():
				return
			default:
			}
			if r.log != nil {
				r.log.Debugf("reader: accept uni-stream: %v", err)
			}
			return
		}
		r.Go(func() { r.pumpStream(stream) })
	}
}

// pumpStream reads length-delimited frames from one stream until it ends
// or errors, decoding and delivering each as a packet. stream.Read is a
// plain blocking call with no context to cancel, so a watcher goroutine
// cancels the read directly on Halt (Socket.Close halts the Writer/Reader
// before closing the connection, so nothing but this watcher will ever
// unblock a pump sitting on a stream the peer never finishes).
func (r *Reader) pumpStream(stream quic.ReceiveStream) {
	done := make(chan struct{})
	defer close(done)
	r.Go(func() {
		select {
		case <-r.HaltCh():
			stream.CancelRead(0)
		case <-done:
		}
	})

	fr := wire.NewFrameReader(stream)
	for {
		frame, err := fr.ReadFrame()
		if len(frame) > 0 {
			r.handleDecoded(frame)
		}
		if err != nil {
			if err != io.EOF && r.log != nil {
				r.log.Debugf("reader: stream read: %v", err)
			}
			return
		}
		select {
		case <-r.HaltCh():
			return
		default:
		}
	}
}

// datagramLoop reads unreliable packets directly off the connection.
func (r *Reader) datagramLoop() {
	for {
		b, err := r.conn.ReceiveDatagram(r.acceptCtx)
		if err != nil {
			select {
			case <-r.HaltCh():
				return
			default:
			}
			if r.log != nil {
				r.log.Debugf("reader: receive datagram: %v", err)
			}
			return
		}
		r.handleDecoded(b)
	}
}

func (r *Reader) handleDecoded(b []byte) {
	pkt, err := packet.Decode(b)
	if err != nil {
		if r.stats != nil {
			r.stats.IncDatagramsDropped()
		}
		if r.log != nil {
			r.log.Warningf("reader: decode failed: %v", err)
		}
		return
	}

	if pkt.Header.Kind.StaleDroppable() && r.shouldDrop(pkt.Header.Kind, pkt.Header.StreamID, pkt.Header.SeqID) {
		if r.stats != nil {
			r.stats.IncStaleDropped()
		}
		return
	}

	if r.stats != nil {
		r.stats.AddBytesRecv(uint64(len(b)))
		r.stats.IncPacketsRecv()
	}

	if r.onPacket != nil {
		r.onPacket(pkt)
	}

	select {
	case r.decoded <- pkt:
	case <-r.HaltCh():
	}
}

// shouldDrop implements the wrap-safe stale-sequence comparison: a new
// sequence number s is accepted over the stored value r iff
// (s - r) mod 2^16 < 2^15, i.e. s is "ahead" of r in the half of the ring
// closer to r by forward distance. The very first packet for a given key
// is compared against a stored 0, so it is accepted only if its seq_id is
// below 2^15. On acceptance the stored value is ratcheted to
// s+1 (mod 2^16), not s itself, so a second arrival of the same seq_id
// falls on the "stale" side of the comparison and is rejected rather
// than re-accepted; see `original_source/src/socket/reader.rs`'s
// seq_id_should_drop, which advances recv_seq_id the same way.
func (r *Reader) shouldDrop(kind packet.Kind, streamID uint8, seq uint16) bool {
	key := staleKey{kind: kind, streamID: streamID}

	r.staleMu.Lock()
	defer r.staleMu.Unlock()

	// r.stale[key] defaults to 0 for a key not yet seen, which is exactly
	// the r=0 case the first-packet rule above describes: any first
	// packet with seq in the forward half of the ring from 0 is accepted.
	last := r.stale[key]
	delta := uint16(seq - last)
	if delta < 1<<15 {
		r.stale[key] = seq + 1
		return false
	}
	return true
}
