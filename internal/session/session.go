package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cubbylabs/cubby-connect/internal/auth"
	"github.com/cubbylabs/cubby-connect/internal/transport"
	"github.com/cubbylabs/cubby-connect/internal/wire"
)

// This file implements the per-session event loop. One goroutine owns all
// mutable session state; readers, the datagram listener, and the public
// Send API communicate with it exclusively through channels. Cross-
// goroutine observation goes through the snapshot accessors, which read
// under a small mutex the loop updates at state boundaries.

// -------------------------------------------------------------------------
// Errors and Limits
// -------------------------------------------------------------------------

// Sentinel errors for session operations.
var (
	// ErrSessionClosed indicates the session reached the terminal state;
	// no further sends or rebinds are possible.
	ErrSessionClosed = errors.New("session closed")

	// ErrSendBufferFull indicates the outbound channel is full; the caller
	// may retry or drop.
	ErrSendBufferFull = errors.New("session send buffer full")

	// errRebindRefused indicates a rebind attempt arrived while the
	// session cannot accept one.
	errRebindRefused = errors.New("session cannot rebind in current state")
)

// Channel capacities. Inbound drops on overflow (the sender never blocks
// a transport goroutine on a slow session); outbound rejects with
// ErrSendBufferFull.
const (
	recvChanSize = 64
	sendChanSize = 64
)

// writeTimeout bounds every frame write issued by the event loop so a
// stalled peer cannot pin the loop.
const writeTimeout = 5 * time.Second

// -------------------------------------------------------------------------
// Authenticator
// -------------------------------------------------------------------------

// Authenticator is the session layer's view of credential handling.
// Satisfied by *auth.Authenticator.
type Authenticator interface {
	// Authenticate exchanges an identity claim with the credential
	// authority and verifies the issued credential for this session.
	Authenticate(ctx context.Context, claim []byte, sid string) (auth.Credential, error)

	// VerifyProof checks a previously issued credential presented as
	// proof of identity during reconnection.
	VerifyProof(token []byte, sid string) (auth.Credential, error)
}

// -------------------------------------------------------------------------
// Loop Messages
// -------------------------------------------------------------------------

// inbound is one decoded message (or a terminal reader failure) delivered
// to the event loop.
type inbound struct {
	msg       wire.Message
	transport TransportKind

	// gen identifies which stream reader generation produced this entry.
	// Failures from superseded readers are ignored.
	gen uint64

	// src is the datagram source address, used to follow peer rebinding.
	src netip.AddrPort

	// err, when set, is a terminal reader failure. decodeFatal
	// distinguishes framing corruption from transport loss.
	err         error
	decodeFatal bool
}

// outbound is one payload queued through the public send API.
type outbound struct {
	payload   []byte
	transport TransportKind
}

// rebindRequest asks the loop to adopt a fresh stream endpoint.
type rebindRequest struct {
	ep    *transport.StreamEndpoint
	reply chan rebindOutcome
}

// rebindOutcome is the loop's answer to a rebind request.
type rebindOutcome struct {
	gen uint64
	err error
}

// StateChange is the notification the loop emits to the registry on every
// state transition.
type StateChange struct {
	// ID is the session id.
	ID ulid.ULID

	// UserID is the authenticated identity, empty before Active.
	UserID string

	// OldState and NewState bracket the transition.
	OldState State
	NewState State

	// Reason is the close reason; ReasonNone unless NewState is Closed.
	Reason CloseReason

	// At is when the transition happened.
	At time.Time
}

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session is one client's connection/session core instance: the pair of
// transport endpoints, the lifecycle state machine, heartbeat supervision,
// and the recovery queue. All fields below the channel block are owned by
// the Run goroutine.
type Session struct {
	id       ulid.ULID
	settings Settings

	authn   Authenticator
	sink    PayloadSink
	metrics Reporter
	logger  *slog.Logger

	recvCh   chan inbound
	sendCh   chan outbound
	rebindCh chan rebindRequest
	notifyCh chan<- StateChange

	// done closes when the event loop exits.
	done chan struct{}

	// mu guards the observable snapshot the loop publishes at state
	// boundaries.
	mu       sync.RWMutex
	obsState State
	obsRec   HeartbeatRecord
	userID   string
	reason   CloseReason

	// Loop-owned state.
	state      State
	stream     *transport.StreamEndpoint
	streamGen  uint64
	dgram      *transport.DatagramEndpoint
	negotiated uint16
	credential auth.Credential
	monitor    *Monitor
	queue      *sendQueue

	// Per-transport sequence counters: tx is the next number to send,
	// rx the last number accepted.
	txStream, rxStream uint64
	txDgram, rxDgram   uint64

	// Loop-owned timers.
	hbTicker       *time.Ticker
	reconnectTimer *time.Timer
	handshakeTimer *time.Timer

	createdAt time.Time
}

// newSession wires a session around an accepted stream endpoint. The
// caller (the registry) starts Run in its own goroutine and injects the
// already-read Hello through deliverStream.
func newSession(
	id ulid.ULID,
	ep *transport.StreamEndpoint,
	dgram *transport.DatagramEndpoint,
	settings Settings,
	authn Authenticator,
	sink PayloadSink,
	metrics Reporter,
	notifyCh chan<- StateChange,
	logger *slog.Logger,
) *Session {
	return &Session{
		id:        id,
		settings:  settings,
		authn:     authn,
		sink:      sink,
		metrics:   metrics,
		logger:    logger.With(slog.String("session", id.String())),
		recvCh:    make(chan inbound, recvChanSize),
		sendCh:    make(chan outbound, sendChanSize),
		rebindCh:  make(chan rebindRequest),
		notifyCh:  notifyCh,
		done:      make(chan struct{}),
		state:     StateConnecting,
		stream:    ep,
		streamGen: 1,
		dgram:     dgram,
		monitor:   NewMonitor(settings.FailureThreshold),
		queue:     newSendQueue(settings.QueueLimit),
		rxStream:  0,
		rxDgram:   0,
		txStream:  1,
		txDgram:   1,
		createdAt: time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() ulid.ULID { return s.id }

// State returns the last published lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.obsState
}

// Reason returns the close reason, ReasonNone while the session lives.
func (s *Session) Reason() CloseReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// UserID returns the authenticated identity, empty before Active.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Snapshot is a point-in-time diagnostic view of a session.
type Snapshot struct {
	ID        ulid.ULID
	State     State
	Reason    CloseReason
	UserID    string
	Heartbeat HeartbeatRecord
	CreatedAt time.Time
}

// Snapshot returns a diagnostic view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:        s.id,
		State:     s.obsState,
		Reason:    s.reason,
		UserID:    s.userID,
		Heartbeat: s.obsRec,
		CreatedAt: s.createdAt,
	}
}

// -------------------------------------------------------------------------
// Public Send API
// -------------------------------------------------------------------------

// Send queues one opaque payload for reliable, ordered delivery on the
// stream path. During recovery the payload is held in the bounded queue
// and replayed on rebind.
func (s *Session) Send(payload []byte) error {
	return s.enqueue(outbound{payload: payload, transport: TransportStream})
}

// SendDatagram queues one opaque payload for best-effort delivery on the
// datagram path. Outside Active the payload is silently discarded, which
// matches the path's delivery contract.
func (s *Session) SendDatagram(payload []byte) error {
	return s.enqueue(outbound{payload: payload, transport: TransportDatagram})
}

func (s *Session) enqueue(out outbound) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.sendCh <- out:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// -------------------------------------------------------------------------
// Delivery (transport side)
// -------------------------------------------------------------------------

// deliverStream hands one stream message to the loop. Non-blocking: if
// the loop is saturated the message is dropped and counted, never allowed
// to stall the reader.
func (s *Session) deliverStream(msg wire.Message, gen uint64) {
	s.deliver(inbound{msg: msg, transport: TransportStream, gen: gen})
}

// deliverDatagram hands one datagram message to the loop along with its
// source address.
func (s *Session) deliverDatagram(msg wire.Message, src netip.AddrPort) {
	s.deliver(inbound{msg: msg, transport: TransportDatagram, src: src})
}

// deliverFailure reports a terminal stream reader error to the loop.
func (s *Session) deliverFailure(gen uint64, err error, decodeFatal bool) {
	in := inbound{transport: TransportStream, gen: gen, err: err, decodeFatal: decodeFatal}
	select {
	case s.recvCh <- in:
	case <-s.done:
	}
}

func (s *Session) deliver(in inbound) {
	select {
	case s.recvCh <- in:
	case <-s.done:
	default:
		s.metrics.IncDropped(DropOverflow)
	}
}

// -------------------------------------------------------------------------
// Rebind (registry side)
// -------------------------------------------------------------------------

// Rebind asks the loop to adopt a verified replacement stream endpoint.
// On success the loop has already sent the accepting ReconnectAck on the
// new endpoint; the returned generation tags the reader the caller must
// start. The caller retains ownership of the endpoint on error.
func (s *Session) Rebind(ctx context.Context, ep *transport.StreamEndpoint) (uint64, error) {
	req := rebindRequest{ep: ep, reply: make(chan rebindOutcome, 1)}

	select {
	case s.rebindCh <- req:
	case <-s.done:
		return 0, ErrSessionClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case out := <-req.reply:
		return out.gen, out.err
	case <-s.done:
		return 0, ErrSessionClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// -------------------------------------------------------------------------
// Event Loop
// -------------------------------------------------------------------------

// Run drives the session until it reaches Closed or ctx is cancelled.
// It owns every piece of mutable session state; nothing else touches the
// endpoints' read side, the monitor, the queue, or the counters.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.releaseEndpoints()

	s.hbTicker = time.NewTicker(s.settings.HeartbeatInterval)
	defer s.hbTicker.Stop()

	s.reconnectTimer = time.NewTimer(s.settings.ReconnectTimeout)
	stopTimer(s.reconnectTimer)

	s.handshakeTimer = time.NewTimer(s.settings.HandshakeTimeout)
	defer stopTimer(s.handshakeTimer)

	s.publish()

	for s.state != StateClosed {
		select {
		case in := <-s.recvCh:
			s.handleInbound(ctx, in)

		case out := <-s.sendCh:
			s.handleOutbound(ctx, out)

		case req := <-s.rebindCh:
			s.handleRebind(ctx, req)

		case now := <-s.hbTicker.C:
			s.handleTick(ctx, now)

		case <-s.reconnectTimer.C:
			if s.state == StateReconnecting {
				s.applyEvent(ctx, EventReconnectTimeout)
			}

		case <-s.handshakeTimer.C:
			if s.state != StateActive {
				s.logger.Debug("handshake deadline expired",
					slog.String("state", s.state.String()))
				s.applyEvent(ctx, EventTransportFatal)
			}

		case <-ctx.Done():
			s.applyEvent(ctx, EventShutdown)
		}
	}
}

// releaseEndpoints closes both endpoints on loop exit.
func (s *Session) releaseEndpoints() {
	if s.stream != nil {
		s.stream.Close() //nolint:errcheck // teardown path
	}
	if s.dgram != nil {
		s.dgram.Close() //nolint:errcheck // teardown path
	}
}

// stopTimer stops a timer and drains a pending fire.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// publish copies the loop-owned observable state behind the snapshot
// mutex.
func (s *Session) publish() {
	s.mu.Lock()
	s.obsState = s.state
	s.obsRec = s.monitor.Record()
	s.mu.Unlock()
}

// -------------------------------------------------------------------------
// Inbound Handling
// -------------------------------------------------------------------------

func (s *Session) handleInbound(ctx context.Context, in inbound) {
	if in.err != nil {
		s.handleReaderFailure(ctx, in)
		return
	}

	if in.transport == TransportStream && in.gen != s.streamGen {
		// Late delivery from a superseded reader.
		s.metrics.IncDropped(DropUnexpected)
		return
	}

	if !s.acceptSeq(in) {
		s.metrics.IncDropped(DropReplay)
		return
	}
	s.metrics.IncMessagesReceived(in.transport.String())

	if in.transport == TransportDatagram {
		// The latest datagram source wins so the peer can move across
		// NAT rebinding without renegotiation.
		s.dgram.SetRemote(in.src)
	}

	switch s.state {
	case StateConnecting, StateVersionCheck:
		s.handleHandshakeMessage(ctx, in)
	case StateAuthenticating:
		s.handleAuthMessage(ctx, in)
	case StateActive:
		s.handleActiveMessage(ctx, in)
	case StateReconnecting:
		// Only datagram traffic can arrive here; it belongs to the lost
		// path and says nothing until the stream rebinds.
		s.metrics.IncDropped(DropUnexpected)
	case StateClosed:
	}
}

// acceptSeq enforces monotonic inbound sequence numbers per transport.
// A number at or below the last accepted one is a duplicate or a stale
// reordering and is discarded.
func (s *Session) acceptSeq(in inbound) bool {
	switch in.transport {
	case TransportStream:
		if in.msg.Seq <= s.rxStream {
			return false
		}
		s.rxStream = in.msg.Seq
	case TransportDatagram:
		if in.msg.Seq <= s.rxDgram {
			return false
		}
		s.rxDgram = in.msg.Seq
	}
	return true
}

// handleReaderFailure maps a terminal stream reader error to a state
// machine event. Failures from superseded reader generations are noise
// from an endpoint the session already abandoned.
func (s *Session) handleReaderFailure(ctx context.Context, in inbound) {
	if in.gen != s.streamGen {
		return
	}

	s.logger.Debug("stream reader failed",
		slog.String("state", s.state.String()),
		slog.Bool("decode", in.decodeFatal),
		slog.String("error", in.err.Error()),
	)

	event := EventTransportFatal
	if in.decodeFatal && s.state != StateActive {
		event = EventDecodeFatal
	}
	if in.decodeFatal {
		s.metrics.IncDropped(DropMalformed)
	}
	s.applyEvent(ctx, event)
}

// handleHandshakeMessage processes the Hello that opens the handshake.
func (s *Session) handleHandshakeMessage(ctx context.Context, in inbound) {
	if in.msg.Kind != wire.KindHello || in.transport != TransportStream {
		s.metrics.IncDropped(DropUnexpected)
		return
	}

	hello, err := wire.DecodeHello(in.msg.Payload)
	if err != nil {
		s.logger.Debug("malformed hello", slog.String("error", err.Error()))
		s.metrics.IncDropped(DropMalformed)
		s.applyEvent(ctx, EventDecodeFatal)
		return
	}

	s.applyEvent(ctx, EventHelloReceived)
	if s.state != StateVersionCheck {
		return
	}

	if hello.ProtocolVersion < s.settings.MinVersion || hello.ProtocolVersion > s.settings.MaxVersion {
		s.logger.Info("protocol version rejected",
			slog.Int("advertised", int(hello.ProtocolVersion)),
			slog.Int("min", int(s.settings.MinVersion)),
			slog.Int("max", int(s.settings.MaxVersion)),
		)
		s.applyEvent(ctx, EventVersionRejected)
		return
	}

	s.negotiated = hello.ProtocolVersion
	s.applyEvent(ctx, EventVersionAccepted)
}

// handleAuthMessage processes the identity claim. Exactly one
// authentication attempt is made per establishment; the exchange runs
// inline because nothing else can legally happen before it resolves.
func (s *Session) handleAuthMessage(ctx context.Context, in inbound) {
	if in.msg.Kind != wire.KindAuthRequest || in.transport != TransportStream {
		s.metrics.IncDropped(DropUnexpected)
		return
	}

	req, err := wire.DecodeAuthRequest(in.msg.Payload)
	if err != nil {
		s.logger.Debug("malformed auth request", slog.String("error", err.Error()))
		s.metrics.IncDropped(DropMalformed)
		s.applyEvent(ctx, EventDecodeFatal)
		return
	}

	cred, err := s.authn.Authenticate(ctx, req.Claim, s.id.String())
	if err != nil {
		s.logger.Info("authentication failed", slog.String("error", err.Error()))
		s.metrics.IncAuthFailures()
		s.sendAuthResponse(ctx, wire.AuthRejected, nil)
		s.applyEvent(ctx, EventAuthFailed)
		return
	}

	s.credential = cred
	s.mu.Lock()
	s.userID = cred.UserID
	s.mu.Unlock()

	s.sendAuthResponse(ctx, wire.AuthOK, cred.Token)
	s.applyEvent(ctx, EventAuthSucceeded)
}

// handleActiveMessage processes steady-state traffic.
func (s *Session) handleActiveMessage(ctx context.Context, in inbound) {
	switch in.msg.Kind {
	case wire.KindData:
		data, err := wire.DecodeData(in.msg.Payload)
		if err != nil {
			s.metrics.IncDropped(DropMalformed)
			return
		}
		s.sink.HandlePayload(s.id, in.transport, data.Payload)

	case wire.KindPing:
		ping, err := wire.DecodePing(in.msg.Payload)
		if err != nil {
			s.metrics.IncDropped(DropMalformed)
			return
		}
		s.sendMessage(ctx, in.transport, wire.KindPong, (&wire.Pong{Nonce: ping.Nonce}).Encode())

	case wire.KindPong:
		pong, err := wire.DecodePong(in.msg.Payload)
		if err != nil {
			s.metrics.IncDropped(DropMalformed)
			return
		}
		s.monitor.OnPong(pong.Nonce, time.Now())
		s.publish()

	case wire.KindLogout:
		if in.transport != TransportStream {
			s.metrics.IncDropped(DropUnexpected)
			return
		}
		s.applyEvent(ctx, EventLogoutReceived)

	default:
		s.metrics.IncDropped(DropUnexpected)
	}
}

// -------------------------------------------------------------------------
// Outbound Handling
// -------------------------------------------------------------------------

func (s *Session) handleOutbound(ctx context.Context, out outbound) {
	switch out.transport {
	case TransportDatagram:
		if s.state == StateActive && s.dgram.Bound() {
			s.sendMessage(ctx, TransportDatagram, wire.KindData, out.payload)
			return
		}
		// Best-effort path: no buffering contract outside Active.
		s.metrics.IncDropped(DropUnexpected)

	case TransportStream:
		switch s.state {
		case StateActive:
			s.sendMessage(ctx, TransportStream, wire.KindData, out.payload)
		case StateReconnecting:
			if err := s.queue.Push(out.payload); err != nil {
				s.metrics.IncDropped(DropOverflow)
			}
		default:
			s.metrics.IncDropped(DropUnexpected)
		}
	}
}

// -------------------------------------------------------------------------
// Heartbeat
// -------------------------------------------------------------------------

func (s *Session) handleTick(ctx context.Context, now time.Time) {
	if s.state != StateActive {
		return
	}

	probe := s.monitor.Tick(now)
	if probe.Dead {
		s.logger.Info("peer declared dead",
			slog.Int("outstanding", s.monitor.Outstanding()))
		s.metrics.IncHeartbeatTimeouts()
		s.applyEvent(ctx, EventPeerLost)
		return
	}

	ping := (&wire.Ping{Nonce: probe.Nonce}).Encode()
	if s.dgram.Bound() {
		s.sendMessage(ctx, TransportDatagram, wire.KindPing, ping)
		if probe.DuplicateOnStream {
			s.sendMessage(ctx, TransportStream, wire.KindPing, ping)
		}
	} else {
		s.sendMessage(ctx, TransportStream, wire.KindPing, ping)
	}
	s.publish()
}

// -------------------------------------------------------------------------
// Rebind Handling
// -------------------------------------------------------------------------

func (s *Session) handleRebind(ctx context.Context, req rebindRequest) {
	// A rebind while Active means the peer noticed its path die before
	// the monitor did; retire the old endpoint first.
	if s.state == StateActive {
		s.stream.Close() //nolint:errcheck // superseded endpoint
		s.applyEvent(ctx, EventTransportFatal)
	}

	if s.state != StateReconnecting {
		req.reply <- rebindOutcome{err: fmt.Errorf("%w: state %s", errRebindRefused, s.state)}
		return
	}

	s.stream = req.ep
	s.streamGen++

	base := newSeqBase()
	s.txStream = base
	s.rxStream = base - 1
	s.txDgram = base
	s.rxDgram = base - 1

	ack := wire.ReconnectAck{Status: wire.RebindOK, SeqBase: base}
	s.sendMessage(ctx, TransportStream, wire.KindReconnectAck, ack.Encode())

	stopTimer(s.reconnectTimer)
	s.metrics.IncRebinds()
	s.logger.Info("session rebound", slog.Uint64("generation", s.streamGen))

	s.applyEvent(ctx, EventRebound)
	req.reply <- rebindOutcome{gen: s.streamGen}
}

// -------------------------------------------------------------------------
// Sending
// -------------------------------------------------------------------------

// sendMessage writes one message with the next outbound sequence number
// for the chosen transport and reports whether the write succeeded. A
// stream write failure feeds back into the state machine; datagram
// failures are logged and absorbed.
func (s *Session) sendMessage(ctx context.Context, tk TransportKind, kind wire.Kind, payload []byte) bool {
	msg := wire.Message{Kind: kind, Payload: payload}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var err error
	switch tk {
	case TransportStream:
		msg.Seq = s.txStream
		s.txStream++
		err = s.stream.Send(wctx, &msg)
	case TransportDatagram:
		msg.Seq = s.txDgram
		s.txDgram++
		err = s.dgram.Send(wctx, &msg)
	}
	if err != nil {
		s.logger.Debug("send failed",
			slog.String("transport", tk.String()),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		if tk == TransportStream {
			s.applyEvent(ctx, EventTransportFatal)
		}
		return false
	}
	s.metrics.IncMessagesSent(tk.String())
	return true
}

func (s *Session) sendAuthResponse(ctx context.Context, status wire.AuthStatus, cred []byte) {
	resp := wire.AuthResponse{Status: status, Credential: cred}
	s.sendMessage(ctx, TransportStream, wire.KindAuthResponse, resp.Encode())
}

// -------------------------------------------------------------------------
// State Machine Application
// -------------------------------------------------------------------------

// applyEvent runs one event through the transition table and executes the
// returned actions in order.
func (s *Session) applyEvent(ctx context.Context, event Event) {
	res := Apply(s.state, event)
	if !res.Changed && len(res.Actions) == 0 {
		return
	}

	s.state = res.NewState
	if res.Changed {
		s.logger.Debug("state transition",
			slog.String("event", event.String()),
			slog.String("from", res.OldState.String()),
			slog.String("to", res.NewState.String()),
		)
		s.metrics.RecordStateTransition(res.OldState.String(), res.NewState.String())
	}

	for _, action := range res.Actions {
		s.execute(ctx, action)
	}
	s.publish()

	if res.Changed {
		s.notify(res)
	}
}

// execute performs one state machine action.
func (s *Session) execute(ctx context.Context, action Action) {
	switch action {
	case ActionSendHelloAck:
		ack := wire.HelloAck{
			Status:            wire.HandshakeAccept,
			NegotiatedVersion: s.negotiated,
			SessionID:         [wire.SessionIDSize]byte(s.id),
		}
		s.sendMessage(ctx, TransportStream, wire.KindHelloAck, ack.Encode())

	case ActionSendVersionReject:
		ack := wire.HelloAck{Status: wire.HandshakeVersionMismatch}
		s.sendMessage(ctx, TransportStream, wire.KindHelloAck, ack.Encode())

	case ActionStartHeartbeat:
		s.monitor.Reset()
		s.hbTicker.Reset(s.settings.HeartbeatInterval)
		stopTimer(s.handshakeTimer)

	case ActionEnterRecovery:
		if s.stream != nil && !s.stream.Closed() {
			s.stream.Close() //nolint:errcheck // retiring the lost endpoint
		}
		stopTimer(s.reconnectTimer)
		s.reconnectTimer.Reset(s.settings.ReconnectTimeout)
		s.metrics.IncRecoveries()
		s.logger.Info("entering recovery",
			slog.Duration("deadline", s.settings.ReconnectTimeout))

	case ActionFlushQueue:
		pending := s.queue.Drain()
		for i, payload := range pending {
			if !s.sendMessage(ctx, TransportStream, wire.KindData, payload) {
				// The replacement endpoint died mid-replay. The failed
				// payload and everything behind it go back to the queue;
				// only the reconnect deadline may discard them.
				s.queue.Restore(pending[i:])
				break
			}
		}

	case ActionNotifyActive:
		s.sink.SessionActive(s.id, s.credential.UserID)

	case ActionNotifyClosed:
		s.sink.SessionGone(s.id, s.reasonLocked())
		s.logger.Info("session closed",
			slog.String("reason", s.reasonLocked().String()))

	case ActionSetReasonVersionMismatch:
		s.setReason(ReasonVersionMismatch)
	case ActionSetReasonAuthFailed:
		s.setReason(ReasonAuthFailed)
	case ActionSetReasonLoggedOut:
		s.setReason(ReasonLoggedOut)
	case ActionSetReasonReconnectTimeout:
		s.setReason(ReasonReconnectTimeout)
	case ActionSetReasonTransportError:
		s.setReason(ReasonTransportError)
	case ActionSetReasonDecodeError:
		s.setReason(ReasonDecodeError)
	case ActionSetReasonShutdown:
		s.setReason(ReasonShutdown)
	}
}

func (s *Session) setReason(r CloseReason) {
	s.mu.Lock()
	if s.reason == ReasonNone {
		s.reason = r
	}
	s.mu.Unlock()
}

func (s *Session) reasonLocked() CloseReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// notify publishes a state change to the registry. Delivery is blocking:
// the registry's dispatch loop is always draining, and transitions must
// not be lost.
func (s *Session) notify(res Result) {
	s.notifyCh <- StateChange{
		ID:       s.id,
		UserID:   s.UserID(),
		OldState: res.OldState,
		NewState: res.NewState,
		Reason:   s.reasonLocked(),
		At:       time.Now(),
	}
}
