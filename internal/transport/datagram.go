package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/cubbylabs/cubby-connect/internal/wire"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for datagram operations.
var (
	// ErrNoRemote indicates a send was attempted before any datagram from
	// the peer bound a remote address to the endpoint.
	ErrNoRemote = errors.New("datagram endpoint has no remote address")
)

// recvBufSize is the receive buffer size for one datagram. Larger than
// wire.MaxDatagramSize so oversize datagrams are observed (and rejected)
// rather than silently truncated by the kernel.
const recvBufSize = 2048

// -------------------------------------------------------------------------
// DatagramEndpoint
// -------------------------------------------------------------------------

// DatagramEndpoint is a per-session association on the shared UDP socket:
// the socket plus the peer's current remote address. The address is
// replaced whenever a valid datagram for the session arrives from a new
// source (NAT rebinding), so sends always target the peer's latest
// observed address.
//
// Loss and reordering are expected on this path and are NOT retried here;
// gaps are visible to upper layers through missing sequence numbers.
type DatagramEndpoint struct {
	pc  *net.UDPConn
	sid ulid.ULID

	// remote is the peer's last observed address. Nil until the first
	// valid inbound datagram binds the endpoint.
	remote atomic.Pointer[netip.AddrPort]
}

// NewDatagramEndpoint creates an unbound association for sid on the
// shared socket.
func NewDatagramEndpoint(pc *net.UDPConn, sid ulid.ULID) *DatagramEndpoint {
	return &DatagramEndpoint{pc: pc, sid: sid}
}

// Send serializes msg with the session-id prefix and writes one datagram
// to the peer's current address. Oversize messages are rejected, never
// fragmented.
func (e *DatagramEndpoint) Send(_ context.Context, msg *wire.Message) error {
	remote := e.remote.Load()
	if remote == nil {
		return fmt.Errorf("datagram send: %w", ErrNoRemote)
	}

	buf, err := wire.EncodeDatagram(e.sid, msg)
	if err != nil {
		return fmt.Errorf("datagram send: %w", err)
	}

	if _, err := e.pc.WriteToUDPAddrPort(buf, *remote); err != nil {
		return fmt.Errorf("datagram send to %s: %w", remote, err)
	}
	return nil
}

// SetRemote records the peer's latest observed source address.
func (e *DatagramEndpoint) SetRemote(addr netip.AddrPort) {
	e.remote.Store(&addr)
}

// Remote returns the current remote address, or a zero AddrPort when the
// endpoint is unbound.
func (e *DatagramEndpoint) Remote() netip.AddrPort {
	if r := e.remote.Load(); r != nil {
		return *r
	}
	return netip.AddrPort{}
}

// Bound reports whether any datagram from the peer has bound the
// association yet.
func (e *DatagramEndpoint) Bound() bool { return e.remote.Load() != nil }

// Close drops the association. The shared socket stays open; it belongs
// to the listener.
func (e *DatagramEndpoint) Close() error {
	e.remote.Store(nil)
	return nil
}

// -------------------------------------------------------------------------
// DatagramListener
// -------------------------------------------------------------------------

// DatagramRouter routes inbound datagrams to sessions by the session-id
// prefix. Implemented by the session layer.
type DatagramRouter interface {
	// RouteDatagram delivers one decoded message. src is the datagram's
	// source address, used to follow NAT rebinding.
	RouteDatagram(sid ulid.ULID, msg wire.Message, src netip.AddrPort)
}

// DatagramListener owns the shared UDP socket: it reads datagrams, parses
// the session-id prefix and envelope, and routes to sessions. Malformed
// datagrams are logged at debug level and dropped; the datagram path
// recovers per-packet.
type DatagramListener struct {
	pc     *net.UDPConn
	logger *slog.Logger
}

// NewDatagramListener binds the shared UDP socket on addr.
func NewDatagramListener(addr string, logger *slog.Logger) (*DatagramListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve datagram addr %s: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("datagram listen on %s: %w", addr, err)
	}
	return &DatagramListener{
		pc:     pc,
		logger: logger.With(slog.String("component", "transport.datagram")),
	}, nil
}

// Conn exposes the shared socket for per-session endpoint associations.
func (l *DatagramListener) Conn() *net.UDPConn { return l.pc }

// LocalAddr returns the socket's bound address.
func (l *DatagramListener) LocalAddr() net.Addr { return l.pc.LocalAddr() }

// Run reads datagrams until ctx is cancelled. Read errors after
// cancellation are expected; transient errors are logged and the loop
// continues.
func (l *DatagramListener) Run(ctx context.Context, router DatagramRouter) error {
	go func() {
		<-ctx.Done()
		l.pc.Close() //nolint:errcheck // shutdown path
	}()

	buf := make([]byte, recvBufSize)
	for {
		n, src, err := l.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("datagram read failed", slog.String("error", err.Error()))
			continue
		}

		sid, msg, err := wire.DecodeDatagram(buf[:n])
		if err != nil {
			l.logger.Debug("dropping malformed datagram",
				slog.String("src", src.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		// The envelope payload references the read buffer; copy before
		// the next read reuses it.
		payload := make([]byte, len(msg.Payload))
		copy(payload, msg.Payload)
		msg.Payload = payload

		router.RouteDatagram(sid, msg, src)
	}
}
