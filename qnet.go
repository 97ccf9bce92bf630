// Package qnet provides Listen/Dial entry points that open a shared QUIC
// endpoint, run the filter handshake, and hand back an application-ready
// Socket.
package qnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/netmux/qnet/config"
	"github.com/netmux/qnet/filter"
	"github.com/netmux/qnet/packet"
	"github.com/netmux/qnet/socket"
)

// BindError is returned when a Listener fails to bind its local socket.
type BindError struct{ Err error }

func (e *BindError) Error() string { return fmt.Sprintf("qnet: bind error: %v", e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// ConnectError is returned when Dial fails before a Socket can be
// produced (transport dial failure or a rejected filter handshake).
type ConnectError struct{ Err error }

func (e *ConnectError) Error() string { return fmt.Sprintf("qnet: connect error: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

func newConnectError(f string, a ...interface{}) error {
	return &ConnectError{Err: fmt.Errorf(f, a...)}
}

// quicConfig builds the *quic.Config this module always uses: datagrams
// enabled (required for the two unreliable delivery modes) plus the
// configured idle/keepalive tuning.
func quicConfig(cfg *config.Config) *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  cfg.MaxIdleTimeout,
		KeepAlivePeriod: cfg.KeepAliveInterval,
	}
}

// Endpoint is a reference-counted wrapper around one bound UDP socket, so
// a single local address can back many dialed or accepted connections —
// the shape `original_source/src/endpoint.rs` and `src/inner.rs` give the
// Rust crate's `Client`/`Listener`, which share one underlying transport
// across every connection they create.
type Endpoint struct {
	mu       sync.Mutex
	conn     net.PacketConn
	refCount int
}

// NewEndpoint binds a UDP socket at addr (":0" for an ephemeral port) and
// wraps it for sharing across multiple Dial/Listen calls. Every
// quic.Listen/quic.Dial call against the same net.PacketConn multiplexes
// over that one socket, the same pattern `sockatz/common/conn.go` uses
// (one `QUICProxyConn` implementing net.PacketConn passed to both
// `quic.Listen` and `quic.Dial`).
func NewEndpoint(addr string) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &BindError{Err: err}
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, &BindError{Err: err}
	}
	return &Endpoint{conn: conn}, nil
}

func (e *Endpoint) acquire() {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()
}

// Release drops one reference; once no references remain the underlying
// UDP socket is closed.
func (e *Endpoint) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refCount--
	if e.refCount > 0 {
		return nil
	}
	return e.conn.Close()
}

// Addr returns the local address this Endpoint is bound to.
func (e *Endpoint) Addr() net.Addr { return e.conn.LocalAddr() }

// Listener accepts inbound connections on a shared Endpoint, running the
// filter handshake on each before handing back a Socket.
type Listener struct {
	ep       *Endpoint
	ownsEp   bool
	ql       *quic.Listener
	cfg      *config.Config
	log      *logging.Logger
	onPacket func(packet.Packet)
}

// Listen binds addr and returns a Listener serving tlsConf (which must
// carry at least one certificate and the intended ALPN protocols). cfg
// may be nil for defaults, log may be nil.
func Listen(addr string, tlsConf *tls.Config, cfg *config.Config, log *logging.Logger) (*Listener, error) {
	ep, err := NewEndpoint(addr)
	if err != nil {
		return nil, err
	}
	l, err := ListenOnEndpoint(ep, tlsConf, cfg, log)
	if err != nil {
		_ = ep.Release()
		return nil, err
	}
	l.ownsEp = true
	return l, nil
}

// ListenOnEndpoint listens for inbound connections on an Endpoint the
// caller already owns (and will Release separately), so the same local
// UDP socket can back both a Listener and one or more Dial-ed
// connections — the shared-transport shape `original_source/src/inner.rs`
// gives its `Client`/`Listener` pair.
func ListenOnEndpoint(ep *Endpoint, tlsConf *tls.Config, cfg *config.Config, log *logging.Logger) (*Listener, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	ep.acquire()

	ql, err := quic.Listen(ep.conn, tlsConf, quicConfig(cfg))
	if err != nil {
		_ = ep.Release()
		return nil, &BindError{Err: err}
	}
	return &Listener{ep: ep, ql: ql, cfg: cfg, log: log}, nil
}

// Accept waits for the next incoming connection, runs the filter
// handshake, and returns a ready Socket. A peer that fails the handshake
// does not stop the Listener from accepting the next connection — it is
// logged and Accept loops internally to try again, matching the upstream
// `listener.rs` accept-loop behavior.
func (l *Listener) Accept(ctx context.Context) (*socket.Socket, error) {
	for {
		conn, err := l.ql.Accept(ctx)
		if err != nil {
			return nil, err
		}

		hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
		err = filter.Run(hctx, conn, l.cfg.HandshakeTimeout, l.log)
		cancel()
		if err != nil {
			if l.log != nil {
				l.log.Warningf("qnet: rejecting inbound connection from %s: %v", conn.RemoteAddr(), err)
			}
			_ = conn.CloseWithError(0, "filter rejected")
			continue
		}

		return socket.New(conn, l.cfg, l.log, l.onPacket), nil
	}
}

// OnPacket registers a callback invoked for every packet accepted on any
// Socket this Listener produces from now on. It must be set before the
// first Accept that should use it.
func (l *Listener) OnPacket(fn func(packet.Packet)) { l.onPacket = fn }

// Addr returns the local address the Listener is bound to.
func (l *Listener) Addr() net.Addr { return l.ep.Addr() }

// Close stops accepting and releases the Listener's Endpoint reference.
func (l *Listener) Close() error {
	err := l.ql.Close()
	if l.ownsEp {
		if relErr := l.ep.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}
	return err
}

// Dial opens a new connection to addr over a fresh, single-use Endpoint,
// runs the filter handshake, and returns a ready Socket. serverName is
// used both for the TLS ServerName and must match a name the peer's
// certificate covers. The Endpoint is released automatically when the
// returned Socket is closed.
func Dial(ctx context.Context, addr, serverName string, tlsConf *tls.Config, cfg *config.Config, log *logging.Logger) (*socket.Socket, error) {
	ep, err := NewEndpoint(":0")
	if err != nil {
		return nil, err
	}
	s, err := DialOnEndpoint(ctx, ep, addr, serverName, tlsConf, cfg, log)
	if err != nil {
		_ = ep.Release()
		return nil, err
	}
	return s, nil
}

// DialOnEndpoint opens a new connection to addr reusing ep — the same
// local UDP socket a Client in `original_source/src/client.rs` shares
// across every connection it dials — runs the filter handshake, and
// returns a ready Socket. The caller retains ownership of ep (it is not
// released when the Socket closes); use Dial for the common single-
// connection, auto-released case.
func DialOnEndpoint(ctx context.Context, ep *Endpoint, addr, serverName string, tlsConf *tls.Config, cfg *config.Config, log *logging.Logger) (*socket.Socket, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if tlsConf.ServerName == "" {
		tlsConf = tlsConf.Clone()
		tlsConf.ServerName = serverName
	}
	ep.acquire()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		_ = ep.Release()
		return nil, newConnectError("resolve %q: %w", addr, err)
	}

	conn, err := quic.Dial(ctx, ep.conn, udpAddr, tlsConf, quicConfig(cfg))
	if err != nil {
		_ = ep.Release()
		return nil, newConnectError("dial %s: %w", addr, err)
	}

	if err := filter.Run(ctx, conn, cfg.HandshakeTimeout, log); err != nil {
		_ = conn.CloseWithError(0, "filter rejected")
		_ = ep.Release()
		return nil, newConnectError("filter handshake: %w", err)
	}

	return socket.New(releasingConn{Conn: conn, ep: ep}, cfg, log, nil), nil
}

// releasingConn wraps a quic.Connection so that closing the Socket built
// on it also releases the Endpoint Dial created for it.
type releasingConn struct {
	quic.Connection
	ep *Endpoint
}

func (c releasingConn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	err := c.Connection.CloseWithError(code, reason)
	_ = c.ep.Release()
	return err
}
