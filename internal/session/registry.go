package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cubbylabs/cubby-connect/internal/transport"
	"github.com/cubbylabs/cubby-connect/internal/wire"
)

// This file implements the process-wide session registry: the accept-side
// handshake (fresh sessions and rebinds), datagram routing by session id,
// and the dispatch loop that retires closed sessions. The registry is the
// transport layer's only entry point into the session core; it implements
// transport.StreamAcceptor and transport.DatagramRouter.

// -------------------------------------------------------------------------
// Settings
// -------------------------------------------------------------------------

// Settings carries the tunables shared by every session.
type Settings struct {
	// MinVersion and MaxVersion bound the accepted protocol versions,
	// inclusive.
	MinVersion uint16
	MaxVersion uint16

	// MaxFrameSize caps a stream frame's declared length.
	MaxFrameSize uint32

	// HandshakeTimeout bounds the path from accepted connection to
	// Active.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the probe cadence while Active.
	HeartbeatInterval time.Duration

	// FailureThreshold is the consecutive unanswered probe count beyond
	// which the peer is declared dead.
	FailureThreshold int

	// ReconnectTimeout is how long a session waits in recovery for a
	// rebind before closing.
	ReconnectTimeout time.Duration

	// QueueLimit caps the recovery queue, in messages.
	QueueLimit int
}

// DefaultSettings returns the stock session tunables.
func DefaultSettings() Settings {
	return Settings{
		MinVersion:        1,
		MaxVersion:        1,
		MaxFrameSize:      wire.DefaultMaxFrameSize,
		HandshakeTimeout:  15 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		FailureThreshold:  4,
		ReconnectTimeout:  30 * time.Second,
		QueueLimit:        256,
	}
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// notifyChanSize buffers session state changes ahead of the dispatch
// loop; eventsChanSize buffers the external observer feed, which is
// dropped-on-full rather than allowed to stall dispatch.
const (
	notifyChanSize = 64
	eventsChanSize = 128
)

// entry pairs a session with the cancel releasing its lifetime context
// and the peer's last observed datagram source address.
type entry struct {
	sess   *Session
	cancel context.CancelFunc
	addr   netip.AddrPort
}

// Registry owns every live session. It accepts stream connections,
// routes datagrams by session id, and removes sessions when they close.
type Registry struct {
	settings Settings
	authn    Authenticator
	sink     PayloadSink
	metrics  Reporter
	logger   *slog.Logger

	// dgramConn is the shared socket sessions send datagrams on.
	dgramConn *net.UDPConn

	notifyCh chan StateChange
	eventsCh chan StateChange
	drained  chan struct{}

	// sessions is the primary sid map; byAddr is the secondary mapping
	// from last observed datagram source to sid, kept for routing
	// diagnostics and updated as peers move across NAT rebinding.
	mu       sync.RWMutex
	sessions map[ulid.ULID]*entry
	byAddr   map[netip.AddrPort]ulid.ULID

	wg sync.WaitGroup
}

// Option customizes a Registry.
type Option func(*Registry)

// WithSink sets the payload sink receiving gameplay payloads and session
// availability notifications.
func WithSink(sink PayloadSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithMetrics sets the metrics reporter.
func WithMetrics(m Reporter) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDatagramConn sets the shared socket sessions send datagrams on.
// Without one, sessions run stream-only.
func WithDatagramConn(pc *net.UDPConn) Option {
	return func(r *Registry) { r.dgramConn = pc }
}

// NewRegistry creates an empty registry.
func NewRegistry(settings Settings, authn Authenticator, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		settings: settings,
		authn:    authn,
		sink:     noopSink{},
		metrics:  noopReporter{},
		logger:   logger.With(slog.String("component", "session.registry")),
		notifyCh: make(chan StateChange, notifyChanSize),
		eventsCh: make(chan StateChange, eventsChanSize),
		drained:  make(chan struct{}),
		sessions: make(map[ulid.ULID]*entry),
		byAddr:   make(map[netip.AddrPort]ulid.ULID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the state change feed for external observers. Entries
// are dropped when the observer falls behind; the feed is diagnostic,
// not a delivery contract.
func (r *Registry) Events() <-chan StateChange { return r.eventsCh }

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Lookup returns a diagnostic snapshot of one session.
func (r *Registry) Lookup(id ulid.ULID) (Snapshot, bool) {
	r.mu.RLock()
	ent, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return ent.sess.Snapshot(), true
}

// Get returns the live session for id, for upper layers that hold
// payloads to deliver.
func (r *Registry) Get(id ulid.ULID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return ent.sess, true
}

// ResolveAddr returns the id of the session last seen sending datagrams
// from addr, for routing diagnostics.
func (r *Registry) ResolveAddr(addr netip.AddrPort) (ulid.ULID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	return id, ok
}

// Snapshots returns diagnostic snapshots of every live session.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, ent := range r.sessions {
		out = append(out, ent.sess.Snapshot())
	}
	return out
}

// -------------------------------------------------------------------------
// Dispatch Loop
// -------------------------------------------------------------------------

// Run drains session state changes until ctx is cancelled, then shuts
// every session down and keeps draining until the last one exits. Closed
// sessions are removed here, so removal is serialized with the rest of
// dispatch.
func (r *Registry) Run(ctx context.Context) error {
	stop := ctx.Done()
	for {
		select {
		case change := <-r.notifyCh:
			r.dispatch(change)

		case <-stop:
			stop = nil
			go func() {
				r.cancelAll()
				r.wg.Wait()
				close(r.drained)
			}()

		case <-r.drained:
			return nil
		}
	}
}

// dispatch forwards one state change to observers and retires closed
// sessions.
func (r *Registry) dispatch(change StateChange) {
	select {
	case r.eventsCh <- change:
	default:
	}

	if change.NewState != StateClosed {
		return
	}

	r.mu.Lock()
	ent, ok := r.sessions[change.ID]
	if ok {
		delete(r.sessions, change.ID)
		if ent.addr.IsValid() && r.byAddr[ent.addr] == change.ID {
			delete(r.byAddr, ent.addr)
		}
	}
	r.mu.Unlock()

	if ok {
		ent.cancel()
		r.metrics.UnregisterSession()
		r.logger.Info("session removed",
			slog.String("session", change.ID.String()),
			slog.String("reason", change.Reason.String()),
			slog.Int("remaining", r.Len()),
		)
	}
}

// cancelAll cancels every session's lifetime context.
func (r *Registry) cancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ent := range r.sessions {
		ent.cancel()
	}
}

// -------------------------------------------------------------------------
// Stream Accept Path
// -------------------------------------------------------------------------

// AcceptStream implements transport.StreamAcceptor. It reads the opening
// Hello under a deadline, then either creates a fresh session or runs the
// rebind flow against an existing one. Runs on the per-connection
// handshake goroutine, so blocking reads are fine here.
func (r *Registry) AcceptStream(ctx context.Context, ep *transport.StreamEndpoint) {
	deadline := time.Now().Add(r.settings.HandshakeTimeout)
	if err := ep.SetReadDeadline(deadline); err != nil {
		ep.Close() //nolint:errcheck // teardown path
		return
	}

	msg, err := ep.ReadFrame()
	if err != nil {
		r.logger.Debug("handshake read failed",
			slog.String("remote", ep.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
		r.metrics.IncDropped(DropMalformed)
		ep.Close() //nolint:errcheck // teardown path
		return
	}

	if msg.Kind != wire.KindHello {
		r.logger.Debug("handshake opened with wrong kind",
			slog.String("remote", ep.RemoteAddr().String()),
			slog.String("kind", msg.Kind.String()),
		)
		r.metrics.IncDropped(DropUnexpected)
		ep.Close() //nolint:errcheck // teardown path
		return
	}

	hello, err := wire.DecodeHello(msg.Payload)
	if err != nil {
		r.metrics.IncDropped(DropMalformed)
		ep.Close() //nolint:errcheck // teardown path
		return
	}

	if err := ep.SetReadDeadline(time.Time{}); err != nil {
		ep.Close() //nolint:errcheck // teardown path
		return
	}

	if hello.HasSessionID() {
		r.rebind(ctx, ep, hello, deadline)
		return
	}
	r.create(ctx, ep, msg)
}

// create registers a fresh session and re-injects the opening Hello so
// the session's own state machine drives the handshake.
func (r *Registry) create(ctx context.Context, ep *transport.StreamEndpoint, helloMsg wire.Message) {
	id := ulid.Make()
	dgram := transport.NewDatagramEndpoint(r.dgramConn, id)

	sess := newSession(
		id, ep, dgram,
		r.settings, r.authn, r.sink, r.metrics,
		r.notifyCh, r.logger,
	)

	// The session outlives the accept context; only registry shutdown
	// or its own state machine may end it.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r.mu.Lock()
	r.sessions[id] = &entry{sess: sess, cancel: cancel}
	r.mu.Unlock()
	r.metrics.RegisterSession()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sess.Run(sessCtx)
	}()

	sess.deliverStream(helloMsg, 1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.readStream(sess, ep, 1)
	}()

	r.logger.Info("session created",
		slog.String("session", id.String()),
		slog.String("remote", ep.RemoteAddr().String()),
	)
}

// rebind runs the reconnection handshake on a candidate connection:
// version check, credential proof, then endpoint swap. Failures cost only
// this connection; the session keeps waiting out its recovery deadline.
func (r *Registry) rebind(ctx context.Context, ep *transport.StreamEndpoint, hello wire.Hello, deadline time.Time) {
	id := ulid.ULID(hello.SessionID)
	logger := r.logger.With(
		slog.String("session", id.String()),
		slog.String("remote", ep.RemoteAddr().String()),
	)

	if hello.ProtocolVersion < r.settings.MinVersion || hello.ProtocolVersion > r.settings.MaxVersion {
		logger.Info("rebind version rejected", slog.Int("advertised", int(hello.ProtocolVersion)))
		ack := wire.HelloAck{Status: wire.HandshakeVersionMismatch}
		r.sendHandshakeFrame(ctx, ep, wire.KindHelloAck, 1, ack.Encode())
		ep.Close() //nolint:errcheck // teardown path
		return
	}

	sess, ok := r.Get(id)
	if !ok {
		logger.Info("rebind for unknown session")
		r.metrics.IncDropped(DropUnroutable)
		r.rejectRebind(ctx, ep, 1)
		return
	}

	ack := wire.HelloAck{
		Status:            wire.HandshakeAccept,
		NegotiatedVersion: hello.ProtocolVersion,
		SessionID:         hello.SessionID,
	}
	if !r.sendHandshakeFrame(ctx, ep, wire.KindHelloAck, 1, ack.Encode()) {
		ep.Close() //nolint:errcheck // teardown path
		return
	}

	proof, ok := r.readReconnectProof(ep, deadline, logger)
	if !ok {
		ep.Close() //nolint:errcheck // teardown path
		return
	}

	if _, err := r.authn.VerifyProof(proof, id.String()); err != nil {
		logger.Info("rebind proof rejected", slog.String("error", err.Error()))
		r.metrics.IncAuthFailures()
		r.rejectRebind(ctx, ep, 2)
		return
	}

	gen, err := sess.Rebind(ctx, ep)
	if err != nil {
		logger.Info("rebind refused", slog.String("error", err.Error()))
		r.rejectRebind(ctx, ep, 2)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.readStream(sess, ep, gen)
	}()

	logger.Info("session rebound")
}

// readReconnectProof reads the Reconnect frame under the remaining
// handshake deadline and returns the presented credential.
func (r *Registry) readReconnectProof(ep *transport.StreamEndpoint, deadline time.Time, logger *slog.Logger) ([]byte, bool) {
	if err := ep.SetReadDeadline(deadline); err != nil {
		return nil, false
	}
	msg, err := ep.ReadFrame()
	if err != nil {
		logger.Debug("rebind proof read failed", slog.String("error", err.Error()))
		r.metrics.IncDropped(DropMalformed)
		return nil, false
	}
	if err := ep.SetReadDeadline(time.Time{}); err != nil {
		return nil, false
	}

	if msg.Kind != wire.KindReconnect {
		logger.Debug("rebind continued with wrong kind", slog.String("kind", msg.Kind.String()))
		r.metrics.IncDropped(DropUnexpected)
		return nil, false
	}
	rec, err := wire.DecodeReconnect(msg.Payload)
	if err != nil {
		r.metrics.IncDropped(DropMalformed)
		return nil, false
	}
	return rec.Credential, true
}

// rejectRebind sends a rejection ack and closes the candidate connection.
func (r *Registry) rejectRebind(ctx context.Context, ep *transport.StreamEndpoint, seq uint64) {
	ack := wire.ReconnectAck{Status: wire.RebindRejected}
	r.sendHandshakeFrame(ctx, ep, wire.KindReconnectAck, seq, ack.Encode())
	ep.Close() //nolint:errcheck // teardown path
}

// sendHandshakeFrame writes one frame on a connection not yet owned by a
// session loop. Sequence numbers restart from the rebind base once the
// session adopts the endpoint.
func (r *Registry) sendHandshakeFrame(ctx context.Context, ep *transport.StreamEndpoint, kind wire.Kind, seq uint64, payload []byte) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	msg := wire.Message{Kind: kind, Seq: seq, Payload: payload}
	if err := ep.Send(wctx, &msg); err != nil {
		r.logger.Debug("handshake frame send failed",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	r.metrics.IncMessagesSent(TransportStream.String())
	return true
}

// readStream pumps frames from one stream endpoint into its session
// until the endpoint fails. Framing errors are distinguished from
// transport loss so pre-Active corruption closes rather than recovers.
func (r *Registry) readStream(sess *Session, ep *transport.StreamEndpoint, gen uint64) {
	for {
		msg, err := ep.ReadFrame()
		if err != nil {
			sess.deliverFailure(gen, err, isDecodeError(err))
			return
		}
		sess.deliverStream(msg, gen)
	}
}

// isDecodeError reports whether a stream read failed on framing rather
// than transport.
func isDecodeError(err error) bool {
	return errors.Is(err, wire.ErrTruncated) ||
		errors.Is(err, wire.ErrUnknownKind) ||
		errors.Is(err, wire.ErrSchemaMismatch) ||
		errors.Is(err, wire.ErrFrameTooLarge)
}

// -------------------------------------------------------------------------
// Datagram Routing
// -------------------------------------------------------------------------

// RouteDatagram implements transport.DatagramRouter: decoded datagrams
// are handed to the session owning the addressed id. Unroutable
// datagrams are counted and dropped; a datagram is never an error.
func (r *Registry) RouteDatagram(sid ulid.ULID, msg wire.Message, src netip.AddrPort) {
	sess, ok := r.noteDatagramSource(sid, src)
	if !ok {
		r.metrics.IncDropped(DropUnroutable)
		return
	}
	sess.deliverDatagram(msg, src)
}

// noteDatagramSource looks the session up and keeps the secondary
// addr->sid mapping current. The common case (address unchanged) stays
// on the read lock.
func (r *Registry) noteDatagramSource(sid ulid.ULID, src netip.AddrPort) (*Session, bool) {
	r.mu.RLock()
	ent, ok := r.sessions[sid]
	if ok && ent.addr == src {
		sess := ent.sess
		r.mu.RUnlock()
		return sess, true
	}
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok = r.sessions[sid]
	if !ok {
		return nil, false
	}
	if ent.addr.IsValid() && r.byAddr[ent.addr] == sid {
		delete(r.byAddr, ent.addr)
	}
	ent.addr = src
	r.byAddr[src] = sid
	return ent.sess, true
}
