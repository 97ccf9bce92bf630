// Package writer implements the outbound half of a Socket: per-stream_id
// reliable stream dispatch with coalesced flushing, one-shot streams for
// unordered traffic, and direct datagram sends for unreliable traffic.
// Unordered sends are spawned off the shared dispatch loop onto their own
// goroutine (`original_source/src/writer.rs`'s send_unordered does the
// same with a tokio::spawn) so one slow stream open cannot head-of-line
// block Ordered/Sequenced/datagram traffic sharing the same Writer.
//
// The background dispatch loop and its halt/shutdown handshake follow the
// teacher's worker-embedding idiom seen throughout
// `sockatz/common/conn.go` (a `worker.Worker`-embedded type whose methods
// push work onto channels read by one goroutine spawned with `c.Go`).
package writer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	channels "gopkg.in/eapache/channels.v1"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/netmux/qnet/internal/wire"
	"github.com/netmux/qnet/metrics"
	"github.com/netmux/qnet/packet"
	"github.com/netmux/qnet/workerutil"
)

// maxDatagramPayload bounds packets sent via SendDatagram. quic-go does
// not expose a stable cross-version accessor for the negotiated maximum
// datagram frame size, so this module uses a conservative constant that
// fits within the smallest common path MTU rather than probing the
// connection; spec.md explicitly excludes datagram fragmentation, so a
// caller exceeding this must split the payload itself.
const maxDatagramPayload = 1200

// Conn is the subset of *quic.Conn the Writer needs: opening outbound
// uni-streams for reliable traffic and sending datagrams for unreliable
// traffic.
type Conn interface {
	OpenUniStreamSync(ctx context.Context) (quic.SendStream, error)
	SendDatagram(b []byte) error
}

// Error reports a failure from the Writer's dispatch path. Kind is one of
// "StreamOpenFailed", "EncodeFailed", "WriteFailed", "DatagramTooLarge",
// or "Closed".
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("writer: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("writer: %s", e.Kind)
}
func (e *Error) Unwrap() error { return e.Err }

var errClosed = &Error{Kind: "Closed"}

type outboundStream struct {
	mu     sync.Mutex
	stream quic.SendStream
	buf    bytes.Buffer
	dirty  bool
}

type seqKey struct {
	kind     packet.Kind
	streamID uint8
}

// Writer dispatches outbound packets onto a quic connection. It owns no
// connection lifecycle of its own (the Socket does); Halt only stops the
// dispatch loop.
type Writer struct {
	workerutil.Worker

	conn  Conn
	log   *logging.Logger
	stats *metrics.ConnStats
	inbox *channels.NativeChannel
	flush time.Duration

	// ctx is cancelled as soon as Halt is called, so a blocking
	// OpenUniStreamSync call (in getOrOpenStream or a one-shot send) is
	// guaranteed to unblock on Halt even if the underlying connection is
	// not yet closed — mirroring reader.Reader's acceptCtx.
	ctx    context.Context
	cancel context.CancelFunc

	streamsMu sync.Mutex
	streams   map[uint8]*outboundStream

	seqMu sync.Mutex
	seq   map[seqKey]uint32
}

type sendReq struct {
	pkt  packet.Packet
	done chan error
}

// New constructs a Writer over conn. channelCapacity bounds the inbox
// queue between Send and the dispatch loop; flushInterval is the
// coalescing period for buffered reliable-stream writes. log may be nil.
func New(conn Conn, channelCapacity int, flushInterval time.Duration, stats *metrics.ConnStats, log *logging.Logger) *Writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		conn:    conn,
		log:     log,
		stats:   stats,
		inbox:   channels.NewNativeChannel(channelCapacity),
		flush:   flushInterval,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint8]*outboundStream),
		seq:     make(map[seqKey]uint32),
	}
	w.Go(w.worker)
	w.Go(func() {
		<-w.HaltCh()
		w.cancel()
	})
	return w
}

// UnderlyingConn returns the Conn this Writer was constructed with, so a
// Socket can recover it after Split/Reunite.
func (w *Writer) UnderlyingConn() Conn { return w.conn }

// Stats returns the counters this Writer updates as it sends.
func (w *Writer) Stats() *metrics.ConnStats { return w.stats }

// Send enqueues pkt for dispatch and blocks until the dispatch loop has
// handled it: datagrams and Unordered packets have then been handed to the
// transport, while Ordered/Sequenced packets have been appended to their
// stream's buffer, which the flush ticker (or Halt) writes to the stream.
// Send never waits for an acknowledgement — there is none in this model
// beyond what the reliable stream transport itself provides.
func (w *Writer) Send(ctx context.Context, pkt packet.Packet) error {
	req := sendReq{pkt: pkt, done: make(chan error, 1)}
	select {
	case w.inbox.In() <- req:
	case <-w.HaltCh():
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-w.HaltCh():
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) worker() {
	ticker := time.NewTicker(w.flush)
	defer ticker.Stop()

	for {
		select {
		case <-w.HaltCh():
			w.inbox.Close()
			w.closeAllStreams()
			return
		case v := <-w.inbox.Out():
			req := v.(sendReq)
			if req.pkt.Header.Kind == packet.Unordered {
				// Decoupled from the shared dispatch loop: a slow or
				// blocked one-shot stream open must not stall delivery
				// of Ordered/Sequenced/datagram traffic sharing this
				// Writer, mirroring the original's per-send spawn for
				// unordered sends.
				w.Go(func() { req.done <- w.sendOneShot(req.pkt) })
				continue
			}
			req.done <- w.dispatch(req.pkt)
		case <-ticker.C:
			w.flushAll()
		}
	}
}

func (w *Writer) dispatch(pkt packet.Packet) error {
	switch pkt.Header.Kind {
	case packet.Ordered:
		return w.sendOnSharedStream(pkt)
	case packet.Sequenced:
		pkt.Header = pkt.Header.WithSeqID(w.nextSeq(packet.Sequenced, pkt.Header.StreamID))
		return w.sendOnSharedStream(pkt)
	case packet.Unordered:
		// worker() intercepts this kind before calling dispatch and spawns
		// sendOneShot on its own goroutine instead; kept here so dispatch
		// remains a complete switch over every Kind.
		return w.sendOneShot(pkt)
	case packet.UnreliableSequenced:
		pkt.Header = pkt.Header.WithSeqID(w.nextSeq(packet.UnreliableSequenced, pkt.Header.StreamID))
		return w.sendDatagram(pkt)
	case packet.UnreliableUnordered:
		return w.sendDatagram(pkt)
	default:
		return &Error{Kind: "EncodeFailed", Err: fmt.Errorf("unknown packet kind %v", pkt.Header.Kind)}
	}
}

func (w *Writer) nextSeq(kind packet.Kind, streamID uint8) uint16 {
	w.seqMu.Lock()
	defer w.seqMu.Unlock()
	key := seqKey{kind: kind, streamID: streamID}
	v := w.seq[key]
	w.seq[key] = v + 1
	return uint16(v)
}

// sendOnSharedStream writes pkt into the buffered, coalesced outbound
// stream for its StreamID, opening the stream on first use. The stream
// stays open for the Writer's lifetime (closed only at Halt), matching
// the data model invariant that at most one outbound stream is open per
// stream_id for ordered/sequenced traffic.
func (w *Writer) sendOnSharedStream(pkt packet.Packet) error {
	os, err := w.getOrOpenStream(pkt.Header.StreamID)
	if err != nil {
		return err
	}

	b, err := pkt.Encode()
	if err != nil {
		return &Error{Kind: "EncodeFailed", Err: err}
	}
	framed, err := wire.FrameBytes(b)
	if err != nil {
		return &Error{Kind: "EncodeFailed", Err: err}
	}

	os.mu.Lock()
	os.buf.Write(framed)
	os.dirty = true
	os.mu.Unlock()

	if w.stats != nil {
		w.stats.AddBytesSent(uint64(len(framed)))
		w.stats.IncPacketsSent()
	}
	return nil
}

func (w *Writer) getOrOpenStream(streamID uint8) (*outboundStream, error) {
	w.streamsMu.Lock()
	if os, ok := w.streams[streamID]; ok {
		w.streamsMu.Unlock()
		return os, nil
	}
	w.streamsMu.Unlock()

	stream, err := w.conn.OpenUniStreamSync(w.ctx)
	if err != nil {
		return nil, &Error{Kind: "StreamOpenFailed", Err: err}
	}

	w.streamsMu.Lock()
	defer w.streamsMu.Unlock()
	if os, ok := w.streams[streamID]; ok {
		// Lost the race with a concurrent open for the same stream_id;
		// keep the winner and abandon this stream.
		stream.CancelWrite(0)
		return os, nil
	}
	os := &outboundStream{stream: stream}
	w.streams[streamID] = os
	return os, nil
}

// sendOneShot opens a new uni-stream for a single Unordered packet and
// closes it once written, so unordered traffic never blocks behind or on
// any other stream_id's backlog. Called from its own goroutine (spawned
// per-send by worker()), not from the shared dispatch loop.
func (w *Writer) sendOneShot(pkt packet.Packet) error {
	stream, err := w.conn.OpenUniStreamSync(w.ctx)
	if err != nil {
		return &Error{Kind: "StreamOpenFailed", Err: err}
	}
	b, err := pkt.Encode()
	if err != nil {
		stream.CancelWrite(0)
		return &Error{Kind: "EncodeFailed", Err: err}
	}
	if err := wire.NewFrameWriter(stream).WriteFrame(b); err != nil {
		return &Error{Kind: "WriteFailed", Err: err}
	}
	if err := stream.Close(); err != nil {
		return &Error{Kind: "WriteFailed", Err: err}
	}
	if w.stats != nil {
		w.stats.AddBytesSent(uint64(len(b)))
		w.stats.IncPacketsSent()
	}
	return nil
}

func (w *Writer) sendDatagram(pkt packet.Packet) error {
	b, err := pkt.Encode()
	if err != nil {
		return &Error{Kind: "EncodeFailed", Err: err}
	}
	if len(b) > maxDatagramPayload {
		if w.stats != nil {
			w.stats.IncOversizeDatagramsDropped()
		}
		return &Error{Kind: "DatagramTooLarge", Err: fmt.Errorf("encoded packet is %d bytes, max %d", len(b), maxDatagramPayload)}
	}
	if err := w.conn.SendDatagram(b); err != nil {
		return &Error{Kind: "WriteFailed", Err: err}
	}
	if w.stats != nil {
		w.stats.AddBytesSent(uint64(len(b)))
		w.stats.IncPacketsSent()
	}
	return nil
}

func (w *Writer) flushAll() {
	w.streamsMu.Lock()
	streams := make([]*outboundStream, 0, len(w.streams))
	for _, os := range w.streams {
		streams = append(streams, os)
	}
	w.streamsMu.Unlock()

	for _, os := range streams {
		os.mu.Lock()
		if os.dirty && os.buf.Len() > 0 {
			b := os.buf.Bytes()
			_, err := os.stream.Write(b)
			os.buf.Reset()
			os.dirty = false
			if err != nil && w.log != nil {
				w.log.Warningf("writer: flush failed: %v", err)
			}
		}
		os.mu.Unlock()
	}
}

func (w *Writer) closeAllStreams() {
	w.flushAll()
	w.streamsMu.Lock()
	defer w.streamsMu.Unlock()
	for _, os := range w.streams {
		_ = os.stream.Close()
	}
}
