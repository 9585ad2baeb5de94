package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubbylabs/cubby-connect/internal/wire"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for stream endpoint operations.
var (
	// ErrEndpointClosed indicates the endpoint has failed terminally or
	// was closed; every subsequent operation fails with this error.
	ErrEndpointClosed = errors.New("stream endpoint closed")

	// ErrHandshakeIncomplete indicates the TLS handshake did not finish
	// before the deadline. No application frame is accepted before the
	// handshake completes.
	ErrHandshakeIncomplete = errors.New("tls handshake incomplete")
)

// handshakeTimeout bounds the TLS handshake on accepted connections.
// A peer that stalls mid-handshake must not pin an accept-side goroutine.
const handshakeTimeout = 10 * time.Second

// -------------------------------------------------------------------------
// StreamEndpoint
// -------------------------------------------------------------------------

// StreamEndpoint is the connection-oriented encrypted endpoint. Frames
// are length-prefixed on the wire (wire.ReadFrame / wire.WriteFrame).
//
// The endpoint has terminal error semantics: once any read or write
// fails, the endpoint is dead and recovery belongs to the session layer's
// reconnection handling, not to this type. Writes are serialized; reads
// are single-consumer (the session's reader goroutine).
type StreamEndpoint struct {
	conn     net.Conn
	maxFrame uint32

	// writeMu serializes frame writes from the session goroutine and the
	// accept-path handshake.
	writeMu sync.Mutex

	closed atomic.Bool
}

// NewStreamEndpoint wraps an established (handshake-complete) connection.
func NewStreamEndpoint(conn net.Conn, maxFrame uint32) *StreamEndpoint {
	return &StreamEndpoint{conn: conn, maxFrame: maxFrame}
}

// Send writes one framed message. The context's deadline, if any, bounds
// the write.
func (e *StreamEndpoint) Send(ctx context.Context, msg *wire.Message) error {
	if e.closed.Load() {
		return fmt.Errorf("stream send: %w", ErrEndpointClosed)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := e.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("stream send: set deadline: %w", err)
		}
		defer e.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // best-effort deadline reset
	}

	if err := wire.WriteFrame(e.conn, msg, e.maxFrame); err != nil {
		return fmt.Errorf("stream send: %w", err)
	}
	return nil
}

// ReadFrame blocks until one framed message arrives or the endpoint
// fails. Any error is terminal for this endpoint instance: stream framing
// corruption cannot be locally re-synchronized.
func (e *StreamEndpoint) ReadFrame() (wire.Message, error) {
	if e.closed.Load() {
		return wire.Message{}, fmt.Errorf("stream read: %w", ErrEndpointClosed)
	}
	msg, err := wire.ReadFrame(e.conn, e.maxFrame)
	if err != nil {
		return wire.Message{}, fmt.Errorf("stream read: %w", err)
	}
	return msg, nil
}

// SetReadDeadline bounds the next ReadFrame. Used by the accept-path
// handshake; steady-state reads have no deadline (liveness is the
// heartbeat monitor's job).
func (e *StreamEndpoint) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

// Close marks the endpoint dead and closes the underlying connection.
// Safe to call more than once; any blocked read unblocks with an error.
func (e *StreamEndpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.conn.Close()
}

// Closed reports whether the endpoint has failed or been closed.
func (e *StreamEndpoint) Closed() bool { return e.closed.Load() }

// RemoteAddr returns the peer's address.
func (e *StreamEndpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// -------------------------------------------------------------------------
// StreamListener
// -------------------------------------------------------------------------

// StreamAcceptor receives handshake-complete stream endpoints from the
// listener. Implemented by the session layer.
type StreamAcceptor interface {
	// AcceptStream takes ownership of the endpoint. It must not block
	// the accept loop; long handshake work runs in its own goroutine.
	AcceptStream(ctx context.Context, ep *StreamEndpoint)
}

// StreamListener accepts TLS connections and hands endpoints to a
// StreamAcceptor once the security handshake completes. Certificate
// validation happens inside the TLS handshake; no application frame is
// read before it finishes.
type StreamListener struct {
	ln       net.Listener
	maxFrame uint32
	logger   *slog.Logger
}

// NewStreamListener opens a TLS listener on addr.
func NewStreamListener(addr string, tlsCfg *tls.Config, maxFrame uint32, logger *slog.Logger) (*StreamListener, error) {
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("stream listen on %s: %w", addr, err)
	}
	return &StreamListener{
		ln:       ln,
		maxFrame: maxFrame,
		logger:   logger.With(slog.String("component", "transport.stream")),
	}, nil
}

// Addr returns the listener's bound address.
func (l *StreamListener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until ctx is cancelled. Accept errors after
// cancellation are expected and not reported; transient accept errors are
// logged and the loop continues.
func (l *StreamListener) Run(ctx context.Context, acceptor StreamAcceptor) error {
	go func() {
		<-ctx.Done()
		l.ln.Close() //nolint:errcheck // shutdown path
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		go l.finishHandshake(ctx, conn, acceptor)
	}
}

// finishHandshake drives the TLS handshake with a deadline and hands the
// completed endpoint to the acceptor. A failed handshake only costs this
// connection.
func (l *StreamListener) finishHandshake(ctx context.Context, conn net.Conn, acceptor StreamAcceptor) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		// tls.Listen always yields *tls.Conn; anything else is a
		// programming error worth failing loudly on.
		l.logger.Error("accepted non-TLS connection", slog.String("remote", conn.RemoteAddr().String()))
		conn.Close() //nolint:errcheck // teardown path
		return
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		l.logger.Debug("tls handshake failed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
		conn.Close() //nolint:errcheck // teardown path
		return
	}

	acceptor.AcceptStream(ctx, NewStreamEndpoint(tlsConn, l.maxFrame))
}
