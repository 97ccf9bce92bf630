// Package socket composes a Writer, a Reader, and one underlying QUIC
// connection into the single logical Socket applications use to exchange
// Packets.
package socket

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/netmux/qnet/config"
	"github.com/netmux/qnet/metrics"
	"github.com/netmux/qnet/packet"
	"github.com/netmux/qnet/reader"
	"github.com/netmux/qnet/workerutil"
	"github.com/netmux/qnet/writer"
)

// Conn is the full set of quic.Connection methods this module uses, the
// union of writer.Conn and reader.Conn plus connection-lifecycle methods.
// *quic.Conn (quic-go's concrete connection type) satisfies this
// directly.
type Conn interface {
	writer.Conn
	reader.Conn
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	CloseWithError(quic.ApplicationErrorCode, string) error
	Context() context.Context
}

// rttReporter is implemented opportunistically: quic-go has exposed an
// RTT() method on its connection type across most released versions, but
// the method is not part of a documented stable interface, so Socket.RTT
// degrades to 0 rather than hard-depend on it.
type rttReporter interface {
	RTT() time.Duration
}

// Error reports a failure at the Socket level. Kind is one of "SendFailed",
// "RecvFailed", "AlreadySplit"; a closed Writer or Reader surfaces as
// SendFailed or RecvFailed wrapping that half's own "Closed" error.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("socket: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("socket: %s", e.Kind)
}
func (e *Error) Unwrap() error { return e.Err }

// Socket is the application-facing handle for one established, filtered
// connection. It is safe for concurrent use from multiple goroutines,
// except that Split/Close must not race with other method calls.
type Socket struct {
	workerutil.Worker

	conn  Conn
	w     *writer.Writer
	r     *reader.Reader
	stats *metrics.ConnStats
	log   *logging.Logger

	split bool
}

// New wraps an already-filtered conn into a Socket, constructing its
// Writer and Reader. cfg and log may be nil (Default() config, no
// logging). onPacket is passed through to the Reader; see
// reader.New.
func New(conn Conn, cfg *config.Config, log *logging.Logger, onPacket func(packet.Packet)) *Socket {
	if cfg == nil {
		cfg = config.Default()
	}
	stats := &metrics.ConnStats{}
	w := writer.New(conn, cfg.ChannelCapacity, cfg.WriterFlushInterval, stats, log)
	r := reader.New(conn, cfg.ChannelCapacity, stats, log, onPacket)
	return &Socket{conn: conn, w: w, r: r, stats: stats, log: log}
}

// Send dispatches pkt. It returns Error{Kind: "AlreadySplit"} if Split was
// called and Reunite has not been called since.
func (s *Socket) Send(ctx context.Context, pkt packet.Packet) error {
	if s.split {
		return &Error{Kind: "AlreadySplit"}
	}
	if err := s.w.Send(ctx, pkt); err != nil {
		return &Error{Kind: "SendFailed", Err: err}
	}
	return nil
}

// Recv blocks for the next inbound packet.
func (s *Socket) Recv(ctx context.Context) (packet.Packet, error) {
	if s.split {
		return packet.Packet{}, &Error{Kind: "AlreadySplit"}
	}
	pkt, err := s.r.Recv(ctx)
	if err != nil {
		return packet.Packet{}, &Error{Kind: "RecvFailed", Err: err}
	}
	return pkt, nil
}

// Split detaches the Writer and Reader so they can be moved to separate
// goroutines independently. After Split, Send/Recv on s itself return
// Error{Kind: "AlreadySplit"}, while Close on s still halts both halves and
// closes the connection; use Reunite to recombine them (on a new Socket
// value) once done.
func (s *Socket) Split() (*writer.Writer, *reader.Reader) {
	s.split = true
	return s.w, s.r
}

// Reunite recombines a previously Split Writer/Reader pair into a fresh
// Socket, recovering the shared connection and stats from either half
// (both were constructed from the same Socket.New call, so they agree).
func Reunite(w *writer.Writer, r *reader.Reader) *Socket {
	conn, _ := w.UnderlyingConn().(Conn)
	return &Socket{conn: conn, w: w, r: r, stats: w.Stats()}
}

// RemoteAddr returns the peer's network address.
func (s *Socket) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// RTT returns the connection's current smoothed round-trip-time estimate
// if the underlying connection exposes one, else 0.
func (s *Socket) RTT() time.Duration {
	if rr, ok := s.conn.(rttReporter); ok {
		return rr.RTT()
	}
	return 0
}

// Stats returns a snapshot of this connection's counters.
func (s *Socket) Stats() metrics.ConnStats {
	return s.stats.Snapshot()
}

// Collector returns a prometheus.Collector for this connection's stats,
// labelled by remote address, for callers who run their own registry.
func (s *Socket) Collector() *metrics.Collector {
	addr := ""
	if s.conn != nil {
		addr = s.conn.RemoteAddr().String()
	}
	return metrics.NewCollector(s.stats, addr)
}

// WaitIdle blocks until the connection's context is done (the peer closed
// it, or it was closed locally), or ctx is cancelled first.
func (s *Socket) WaitIdle(ctx context.Context) error {
	select {
	case <-s.conn.Context().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals the Writer and Reader to stop, waits for their in-flight
// work to finish — the Writer flushes every buffered stream before
// returning (see writer.Writer.closeAllStreams) — and only then drops the
// connection, mirroring `original_source/src/socket.rs`'s Drop impl
// (signal stop, join the writer/reader, then drop connection/endpoint).
// This ordering is required for spec.md §8 scenario 6: a packet sent just
// before Close must still reach the peer, which means it must be flushed
// to the real stream before the connection goes away, not lost in an
// in-memory buffer dropped alongside an already-closed connection.
// s.HaltCh() unblocks once Close has been called, for callers that want
// to select on the Socket's own lifecycle alongside application channels.
// It is safe to call more than once.
func (s *Socket) Close() error {
	s.Worker.Halt()
	if s.w != nil {
		s.w.Halt()
	}
	if s.r != nil {
		s.r.Halt()
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.CloseWithError(0, "closed")
}
