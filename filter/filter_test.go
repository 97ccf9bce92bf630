package filter

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/netmux/qnet/internal/version"
	"github.com/netmux/qnet/internal/wire"
)

// fakeSendStream adapts an io.WriteCloser to quic.SendStream for tests.
type fakeSendStream struct {
	io.WriteCloser
}

func (fakeSendStream) StreamID() quic.StreamID         { return 0 }
func (fakeSendStream) CancelWrite(quic.StreamErrorCode) {}
func (fakeSendStream) Context() context.Context         { return context.Background() }
func (fakeSendStream) SetWriteDeadline(time.Time) error { return nil }

// fakeReceiveStream adapts an io.Reader to quic.ReceiveStream for tests.
type fakeReceiveStream struct {
	io.Reader
}

func (fakeReceiveStream) StreamID() quic.StreamID         { return 0 }
func (fakeReceiveStream) CancelRead(quic.StreamErrorCode) {}
func (fakeReceiveStream) SetReadDeadline(time.Time) error { return nil }

// pairConn wires one side's outbound uni-stream directly to the other
// side's inbound uni-stream over an in-memory pipe, so two Run calls can
// exercise a real handshake without a live QUIC connection.
type pairConn struct {
	outR *io.PipeReader
	outW *io.PipeWriter
	inR  *io.PipeReader
}

func newPairConns() (a, b *pairConn) {
	r1, w1 := io.Pipe() // a -> b
	r2, w2 := io.Pipe() // b -> a
	a = &pairConn{outW: w1, inR: r2}
	b = &pairConn{outW: w2, inR: r1}
	return a, b
}

func (c *pairConn) OpenUniStreamSync(ctx context.Context) (quic.SendStream, error) {
	return fakeSendStream{c.outW}, nil
}

func (c *pairConn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	return fakeReceiveStream{c.inR}, nil
}

func TestHandshakeSucceedsBothSidesCompatible(t *testing.T) {
	a, b := newPairConns()

	aErr := make(chan error, 1)
	bErr := make(chan error, 1)
	go func() { aErr <- Run(context.Background(), a, time.Second, nil) }()
	go func() { bErr <- Run(context.Background(), b, time.Second, nil) }()

	require.NoError(t, <-aErr)
	require.NoError(t, <-bErr)
}

func TestHandshakeRejectsMajorMismatch(t *testing.T) {
	origMajor := version.Major
	a, b := newPairConns()

	// b uses a different major version than a.
	bErr := make(chan error, 1)
	go func() {
		bErr <- runWithVersion(context.Background(), b, time.Second, nil, origMajor+1, 0)
	}()

	err := Run(context.Background(), a, time.Second, nil)
	<-bErr

	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "NotCompatible", fe.Kind)
}

func TestHandshakeAcceptsMinorMismatch(t *testing.T) {
	a, b := newPairConns()

	bErr := make(chan error, 1)
	go func() {
		bErr <- runWithVersion(context.Background(), b, time.Second, nil, version.Major, version.Minor+1)
	}()

	err := Run(context.Background(), a, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, <-bErr)
}

func TestHandshakeTimesOutWithNoPeer(t *testing.T) {
	r, _ := io.Pipe()
	c := &oneWayConn{in: r}
	err := Run(context.Background(), c, 20*time.Millisecond, nil)
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "TimedOut", fe.Kind)
}

// oneWayConn never completes an open, so send() blocks until its context
// times out; its AcceptUniStream likewise never returns a frame.
type oneWayConn struct {
	in *io.PipeReader
}

func (c *oneWayConn) OpenUniStreamSync(ctx context.Context) (quic.SendStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *oneWayConn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// runWithVersion mirrors Run but sends an overridden (major, minor) on the
// outgoing direction, used to simulate a peer on a different protocol
// version while still exercising the real recv() validation path.
func runWithVersion(ctx context.Context, c conn, timeout time.Duration, log *logging.Logger, major, minor uint16) error {
	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)

	go func() { sendDone <- sendWithVersion(ctx, c, timeout, major, minor) }()
	go func() { recvDone <- recv(ctx, c, timeout, log) }()

	sendErr := <-sendDone
	recvErr := <-recvDone
	if sendErr != nil {
		return sendErr
	}
	return recvErr
}

func sendWithVersion(ctx context.Context, c conn, timeout time.Duration, major, minor uint16) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := c.OpenUniStreamSync(cctx)
	if err != nil {
		return timedOut(err)
	}
	pkt := Packet{Magic: MagicBytes, Major: major, Minor: minor}
	b, err := pkt.encode()
	if err != nil {
		return err
	}
	if err := wire.NewFrameWriter(stream).WriteFrame(b); err != nil {
		return ioErr(err)
	}
	return stream.Close()
}
