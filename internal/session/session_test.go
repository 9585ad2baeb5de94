package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/cubbylabs/cubby-connect/internal/auth"
	"github.com/cubbylabs/cubby-connect/internal/session"
	"github.com/cubbylabs/cubby-connect/internal/transport"
	"github.com/cubbylabs/cubby-connect/internal/wire"
)

// -------------------------------------------------------------------------
// Harness
// -------------------------------------------------------------------------

// testSettings returns tunables sized for fast tests. The heartbeat
// interval is deliberately long so probe traffic never interferes with
// tests that drive the handshake step by step.
func testSettings() session.Settings {
	s := session.DefaultSettings()
	s.HandshakeTimeout = 5 * time.Second
	s.HeartbeatInterval = time.Minute
	s.ReconnectTimeout = 5 * time.Second
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAuthenticator satisfies session.Authenticator without a credential
// authority: a credential is the literal string "proof:<sid>".
type fakeAuthenticator struct {
	mu          sync.Mutex
	rejectClaim bool
	rejectProof bool
	calls       int
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, claim []byte, sid string) (auth.Credential, error) {
	f.mu.Lock()
	f.calls++
	reject := f.rejectClaim
	f.mu.Unlock()

	if reject {
		return auth.Credential{}, auth.ErrInvalidClaim
	}
	return auth.Credential{
		UserID:    "user-" + string(claim),
		SessionID: sid,
		Token:     []byte("proof:" + sid),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeAuthenticator) VerifyProof(token []byte, sid string) (auth.Credential, error) {
	f.mu.Lock()
	reject := f.rejectProof
	f.mu.Unlock()

	if reject || string(token) != "proof:"+sid {
		return auth.Credential{}, auth.ErrExpiredOrMalformed
	}
	return auth.Credential{
		UserID:    "user-claim",
		SessionID: sid,
		Token:     append([]byte(nil), token...),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeAuthenticator) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingSink captures everything crossing the payload boundary.
type recordingSink struct {
	mu       sync.Mutex
	payloads []string
	active   []string
	gone     []session.CloseReason
}

func (r *recordingSink) HandlePayload(_ ulid.ULID, _ session.TransportKind, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
}

func (r *recordingSink) SessionActive(_ ulid.ULID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = append(r.active, userID)
}

func (r *recordingSink) SessionGone(_ ulid.ULID, reason session.CloseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = append(r.gone, reason)
}

func (r *recordingSink) snapshotPayloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func (r *recordingSink) closeReasons() []session.CloseReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.CloseReason(nil), r.gone...)
}

func (r *recordingSink) activeUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.active...)
}

// recordingReporter counts drop causes; every other metric is ignored.
type recordingReporter struct {
	mu      sync.Mutex
	dropped map[string]int
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{dropped: make(map[string]int)}
}

func (r *recordingReporter) RegisterSession()                  {}
func (r *recordingReporter) UnregisterSession()                {}
func (r *recordingReporter) IncMessagesSent(string)            {}
func (r *recordingReporter) IncMessagesReceived(string)        {}
func (r *recordingReporter) RecordStateTransition(_, _ string) {}
func (r *recordingReporter) IncHeartbeatTimeouts()             {}
func (r *recordingReporter) IncRecoveries()                    {}
func (r *recordingReporter) IncRebinds()                       {}
func (r *recordingReporter) IncAuthFailures()                  {}

func (r *recordingReporter) IncDropped(cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[cause]++
}

func (r *recordingReporter) droppedCount(cause string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[cause]
}

// startRegistry runs a registry for the test's lifetime and tears it down
// on cleanup, waiting for every session goroutine to drain.
func startRegistry(t *testing.T, settings session.Settings, authn session.Authenticator, opts ...session.Option) *session.Registry {
	t.Helper()

	reg := session.NewRegistry(settings, authn, testLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return reg
}

// startDatagramRegistry wires a registry to a loopback UDP listener and
// runs both for the test's lifetime. Returns the registry and the
// listener's address for datagram clients.
func startDatagramRegistry(t *testing.T, settings session.Settings, authn session.Authenticator, opts ...session.Option) (*session.Registry, netip.AddrPort) {
	t.Helper()

	l, err := transport.NewDatagramListener("127.0.0.1:0", testLogger())
	require.NoError(t, err)

	reg := startRegistry(t, settings, authn, append(opts, session.WithDatagramConn(l.Conn()))...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx, reg)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return reg, l.LocalAddr().(*net.UDPAddr).AddrPort()
}

// dgramClient is the peer side of the datagram path: a loopback UDP
// socket speaking raw session-id-prefixed datagrams.
type dgramClient struct {
	t      *testing.T
	pc     *net.UDPConn
	server netip.AddrPort
}

func newDgramClient(t *testing.T, server netip.AddrPort) *dgramClient {
	t.Helper()
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() }) //nolint:errcheck // teardown path
	return &dgramClient{t: t, pc: pc, server: server}
}

func (d *dgramClient) addr() netip.AddrPort {
	return d.pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (d *dgramClient) writeSeq(id ulid.ULID, kind wire.Kind, seq uint64, payload []byte) {
	d.t.Helper()
	msg := wire.Message{Kind: kind, Seq: seq, Payload: payload}
	buf, err := wire.EncodeDatagram(id, &msg)
	require.NoError(d.t, err)
	_, err = d.pc.WriteToUDPAddrPort(buf, d.server)
	require.NoError(d.t, err)
}

func (d *dgramClient) read() (ulid.ULID, wire.Message) {
	d.t.Helper()
	require.NoError(d.t, d.pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := d.pc.ReadFromUDPAddrPort(buf)
	require.NoError(d.t, err)
	sid, msg, err := wire.DecodeDatagram(buf[:n])
	require.NoError(d.t, err)
	return sid, msg
}

// dial hands one half of an in-memory pipe to the registry's accept path
// and returns the client half.
func dial(t *testing.T, reg *session.Registry, settings session.Settings) *testClient {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	ep := transport.NewStreamEndpoint(serverConn, settings.MaxFrameSize)
	go reg.AcceptStream(context.Background(), ep)

	c := &testClient{t: t, conn: clientConn, max: settings.MaxFrameSize}
	t.Cleanup(func() { clientConn.Close() }) //nolint:errcheck // teardown path
	return c
}

// testClient is the peer side of one stream connection, speaking raw
// frames from the test goroutine.
type testClient struct {
	t    *testing.T
	conn net.Conn
	max  uint32
	seq  uint64
}

// write sends one frame with the client's next sequence number.
func (c *testClient) write(kind wire.Kind, payload []byte) {
	c.t.Helper()
	c.seq++
	c.writeSeq(kind, c.seq, payload)
}

func (c *testClient) writeSeq(kind wire.Kind, seq uint64, payload []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	msg := wire.Message{Kind: kind, Seq: seq, Payload: payload}
	require.NoError(c.t, wire.WriteFrame(c.conn, &msg, c.max))
}

func (c *testClient) read() wire.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := wire.ReadFrame(c.conn, c.max)
	require.NoError(c.t, err)
	return msg
}

// establish drives the full handshake and returns the assigned session id
// with the issued credential.
func (c *testClient) establish(version uint16, claim string) (ulid.ULID, []byte) {
	c.t.Helper()

	c.write(wire.KindHello, (&wire.Hello{ProtocolVersion: version}).Encode())

	msg := c.read()
	require.Equal(c.t, wire.KindHelloAck, msg.Kind)
	ack, err := wire.DecodeHelloAck(msg.Payload)
	require.NoError(c.t, err)
	require.Equal(c.t, wire.HandshakeAccept, ack.Status)
	require.Equal(c.t, version, ack.NegotiatedVersion)

	c.write(wire.KindAuthRequest, (&wire.AuthRequest{Claim: []byte(claim)}).Encode())

	msg = c.read()
	require.Equal(c.t, wire.KindAuthResponse, msg.Kind)
	resp, err := wire.DecodeAuthResponse(msg.Payload)
	require.NoError(c.t, err)
	require.Equal(c.t, wire.AuthOK, resp.Status)

	return ulid.ULID(ack.SessionID), append([]byte(nil), resp.Credential...)
}

// waitState blocks until the session reaches the wanted state.
func waitState(t *testing.T, reg *session.Registry, id ulid.ULID, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := reg.Lookup(id)
		return ok && snap.State == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached %v", want)
}

// waitGone blocks until the session is removed from the registry.
func waitGone(t *testing.T, reg *session.Registry, id ulid.ULID) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(id)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "session never removed")
}

// -------------------------------------------------------------------------
// Establishment
// -------------------------------------------------------------------------

func TestEstablishSession(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, cred := c.establish(1, "alice")

	waitState(t, reg, id, session.StateActive)

	snap, ok := reg.Lookup(id)
	require.True(t, ok)
	require.Equal(t, "user-alice", snap.UserID)
	require.Equal(t, session.ReasonNone, snap.Reason)
	require.NotEmpty(t, cred)
	require.Equal(t, 1, reg.Len())
	require.Equal(t, 1, authn.attempts())
	require.Equal(t, []string{"user-alice"}, sink.activeUsers())
}

func TestVersionRejected(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	c.write(wire.KindHello, (&wire.Hello{ProtocolVersion: 9}).Encode())

	msg := c.read()
	require.Equal(t, wire.KindHelloAck, msg.Kind)
	ack, err := wire.DecodeHelloAck(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.HandshakeVersionMismatch, ack.Status)

	require.Eventually(t, func() bool { return reg.Len() == 0 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, authn.attempts())
	require.Equal(t, []session.CloseReason{session.ReasonVersionMismatch}, sink.closeReasons())
}

func TestAuthRejected(t *testing.T) {
	authn := &fakeAuthenticator{rejectClaim: true}
	sink := &recordingSink{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	c.write(wire.KindHello, (&wire.Hello{ProtocolVersion: 1}).Encode())

	msg := c.read()
	require.Equal(t, wire.KindHelloAck, msg.Kind)

	c.write(wire.KindAuthRequest, (&wire.AuthRequest{Claim: []byte("mallory")}).Encode())

	msg = c.read()
	require.Equal(t, wire.KindAuthResponse, msg.Kind)
	resp, err := wire.DecodeAuthResponse(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.AuthRejected, resp.Status)
	require.Empty(t, resp.Credential)

	require.Eventually(t, func() bool { return reg.Len() == 0 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, []session.CloseReason{session.ReasonAuthFailed}, sink.closeReasons())
}

func TestOpeningFrameMustBeHello(t *testing.T) {
	authn := &fakeAuthenticator{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn)

	c := dial(t, reg, settings)
	c.write(wire.KindPing, (&wire.Ping{Nonce: 7}).Encode())

	// The connection is closed without a session ever existing.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := wire.ReadFrame(c.conn, c.max)
	require.Error(t, err)
	require.Equal(t, 0, reg.Len())
}

// -------------------------------------------------------------------------
// Steady State
// -------------------------------------------------------------------------

func TestLogoutClosesSession(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	c.write(wire.KindLogout, wire.Logout{}.Encode())

	waitGone(t, reg, id)
	require.Equal(t, []session.CloseReason{session.ReasonLoggedOut}, sink.closeReasons())
}

func TestDataReachesSinkInOrder(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	c.write(wire.KindData, (&wire.Data{Payload: []byte("first")}).Encode())
	c.write(wire.KindData, (&wire.Data{Payload: []byte("second")}).Encode())

	require.Eventually(t, func() bool { return len(sink.snapshotPayloads()) == 2 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"first", "second"}, sink.snapshotPayloads())
}

func TestStaleSequenceDiscarded(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	// Handshake consumed seq 1-2; the duplicate and the stale number must
	// both be dropped while the in-order frames pass.
	c.writeSeq(wire.KindData, 3, (&wire.Data{Payload: []byte("a")}).Encode())
	c.writeSeq(wire.KindData, 3, (&wire.Data{Payload: []byte("dup")}).Encode())
	c.writeSeq(wire.KindData, 5, (&wire.Data{Payload: []byte("b")}).Encode())
	c.writeSeq(wire.KindData, 4, (&wire.Data{Payload: []byte("stale")}).Encode())
	c.writeSeq(wire.KindData, 6, (&wire.Data{Payload: []byte("c")}).Encode())

	require.Eventually(t, func() bool { return len(sink.snapshotPayloads()) == 3 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, sink.snapshotPayloads())
}

func TestServerSendReachesClient(t *testing.T) {
	authn := &fakeAuthenticator{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn)

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	sess, ok := reg.Get(id)
	require.True(t, ok)
	require.NoError(t, sess.Send([]byte("welcome")))

	msg := c.read()
	require.Equal(t, wire.KindData, msg.Kind)
	// HelloAck and AuthResponse consumed seq 1-2.
	require.Equal(t, uint64(3), msg.Seq)
	data, err := wire.DecodeData(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, "welcome", string(data.Payload))
}

func TestPingEchoedAsPong(t *testing.T) {
	authn := &fakeAuthenticator{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn)

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	c.write(wire.KindPing, (&wire.Ping{Nonce: 0xabcd}).Encode())

	msg := c.read()
	require.Equal(t, wire.KindPong, msg.Kind)
	pong, err := wire.DecodePong(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(0xabcd), pong.Nonce)
}

// -------------------------------------------------------------------------
// Liveness
// -------------------------------------------------------------------------

func TestHeartbeatAnsweredKeepsSessionActive(t *testing.T) {
	authn := &fakeAuthenticator{}
	settings := testSettings()
	settings.HeartbeatInterval = 20 * time.Millisecond
	settings.FailureThreshold = 2
	reg := startRegistry(t, settings, authn)

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	// Answer every probe until told to stop.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		seq := uint64(2)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
			msg, err := wire.ReadFrame(c.conn, c.max)
			if err != nil {
				return
			}
			if msg.Kind != wire.KindPing {
				continue
			}
			ping, err := wire.DecodePing(msg.Payload)
			if err != nil {
				return
			}
			seq++
			reply := wire.Message{Kind: wire.KindPong, Seq: seq, Payload: (&wire.Pong{Nonce: ping.Nonce}).Encode()}
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := wire.WriteFrame(c.conn, &reply, c.max); err != nil {
				return
			}
		}
	}()

	// Several probe cycles pass without the session degrading.
	time.Sleep(10 * settings.HeartbeatInterval)
	snap, ok := reg.Lookup(id)
	require.True(t, ok)
	require.Equal(t, session.StateActive, snap.State)

	close(stop)
	require.NoError(t, c.conn.Close())
	<-done
}

func TestHeartbeatSilenceEntersRecovery(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	settings.HeartbeatInterval = 20 * time.Millisecond
	settings.FailureThreshold = 2
	settings.ReconnectTimeout = 100 * time.Millisecond
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	// Drain probes without answering until the server gives up on us.
	go func() {
		for {
			_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
			if _, err := wire.ReadFrame(c.conn, c.max); err != nil {
				return
			}
		}
	}()

	waitGone(t, reg, id)
	require.Equal(t, []session.CloseReason{session.ReasonReconnectTimeout}, sink.closeReasons())
}

// -------------------------------------------------------------------------
// Reconnection
// -------------------------------------------------------------------------

func TestRebindResumesSession(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, cred := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	// Drop the transport out from under the session.
	require.NoError(t, c.conn.Close())
	waitState(t, reg, id, session.StateReconnecting)

	// Outbound traffic during recovery is queued, not lost.
	sess, ok := reg.Get(id)
	require.True(t, ok)
	require.NoError(t, sess.Send([]byte("q1")))
	require.NoError(t, sess.Send([]byte("q2")))

	// Present the session id and the issued credential on a fresh
	// connection.
	c2 := dial(t, reg, settings)
	c2.write(wire.KindHello, (&wire.Hello{
		ProtocolVersion: 1,
		SessionID:       [wire.SessionIDSize]byte(id),
	}).Encode())

	msg := c2.read()
	require.Equal(t, wire.KindHelloAck, msg.Kind)
	hack, err := wire.DecodeHelloAck(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.HandshakeAccept, hack.Status)
	require.Equal(t, id, ulid.ULID(hack.SessionID))

	c2.write(wire.KindReconnect, (&wire.Reconnect{Credential: cred}).Encode())

	msg = c2.read()
	require.Equal(t, wire.KindReconnectAck, msg.Kind)
	rack, err := wire.DecodeReconnectAck(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.RebindOK, rack.Status)
	require.NotZero(t, rack.SeqBase)
	require.Equal(t, rack.SeqBase, msg.Seq)

	// The recovery queue is replayed in order, numbered from the fresh base.
	for i, want := range []string{"q1", "q2"} {
		m := c2.read()
		require.Equal(t, wire.KindData, m.Kind)
		require.Equal(t, rack.SeqBase+uint64(i)+1, m.Seq)
		data, derr := wire.DecodeData(m.Payload)
		require.NoError(t, derr)
		require.Equal(t, want, string(data.Payload))
	}

	waitState(t, reg, id, session.StateActive)
	require.Equal(t, 1, reg.Len())

	// The rebound stream relays in both directions with the new numbering.
	c2.writeSeq(wire.KindData, rack.SeqBase+1, (&wire.Data{Payload: []byte("resumed")}).Encode())
	require.Eventually(t, func() bool {
		p := sink.snapshotPayloads()
		return len(p) == 1 && p[0] == "resumed"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRebindFlushFailureKeepsQueue(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, cred := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	require.NoError(t, c.conn.Close())
	waitState(t, reg, id, session.StateReconnecting)

	sess, ok := reg.Get(id)
	require.True(t, ok)
	require.NoError(t, sess.Send([]byte("q1")))
	require.NoError(t, sess.Send([]byte("q2")))

	// The first candidate completes the rebind handshake, then dies
	// before reading any of the replay.
	c2 := dial(t, reg, settings)
	c2.write(wire.KindHello, (&wire.Hello{
		ProtocolVersion: 1,
		SessionID:       [wire.SessionIDSize]byte(id),
	}).Encode())
	msg := c2.read()
	require.Equal(t, wire.KindHelloAck, msg.Kind)
	c2.write(wire.KindReconnect, (&wire.Reconnect{Credential: cred}).Encode())
	msg = c2.read()
	require.Equal(t, wire.KindReconnectAck, msg.Kind)
	require.NoError(t, c2.conn.Close())

	// The failed replay puts the session back into recovery with the
	// queue intact.
	waitState(t, reg, id, session.StateReconnecting)

	// A second candidate inside the window still receives everything.
	c3 := dial(t, reg, settings)
	c3.write(wire.KindHello, (&wire.Hello{
		ProtocolVersion: 1,
		SessionID:       [wire.SessionIDSize]byte(id),
	}).Encode())
	msg = c3.read()
	require.Equal(t, wire.KindHelloAck, msg.Kind)
	c3.write(wire.KindReconnect, (&wire.Reconnect{Credential: cred}).Encode())
	msg = c3.read()
	require.Equal(t, wire.KindReconnectAck, msg.Kind)
	rack, err := wire.DecodeReconnectAck(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.RebindOK, rack.Status)

	for i, want := range []string{"q1", "q2"} {
		m := c3.read()
		require.Equal(t, wire.KindData, m.Kind)
		require.Equal(t, rack.SeqBase+uint64(i)+1, m.Seq)
		data, derr := wire.DecodeData(m.Payload)
		require.NoError(t, derr)
		require.Equal(t, want, string(data.Payload))
	}

	waitState(t, reg, id, session.StateActive)
}

func TestRebindBadProofRejected(t *testing.T) {
	authn := &fakeAuthenticator{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn)

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	require.NoError(t, c.conn.Close())
	waitState(t, reg, id, session.StateReconnecting)

	c2 := dial(t, reg, settings)
	c2.write(wire.KindHello, (&wire.Hello{
		ProtocolVersion: 1,
		SessionID:       [wire.SessionIDSize]byte(id),
	}).Encode())

	msg := c2.read()
	require.Equal(t, wire.KindHelloAck, msg.Kind)

	c2.write(wire.KindReconnect, (&wire.Reconnect{Credential: []byte("forged")}).Encode())

	msg = c2.read()
	require.Equal(t, wire.KindReconnectAck, msg.Kind)
	rack, err := wire.DecodeReconnectAck(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.RebindRejected, rack.Status)

	// The failed candidate costs nothing: the session keeps waiting.
	snap, ok := reg.Lookup(id)
	require.True(t, ok)
	require.Equal(t, session.StateReconnecting, snap.State)
}

func TestRebindUnknownSessionRejected(t *testing.T) {
	authn := &fakeAuthenticator{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn)

	c := dial(t, reg, settings)
	c.write(wire.KindHello, (&wire.Hello{
		ProtocolVersion: 1,
		SessionID:       [wire.SessionIDSize]byte(ulid.Make()),
	}).Encode())

	msg := c.read()
	require.Equal(t, wire.KindReconnectAck, msg.Kind)
	rack, err := wire.DecodeReconnectAck(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, wire.RebindRejected, rack.Status)
	require.Equal(t, 0, reg.Len())
}

func TestReconnectDeadlineCloses(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	settings.ReconnectTimeout = 100 * time.Millisecond
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	require.NoError(t, c.conn.Close())

	waitGone(t, reg, id)
	require.Equal(t, []session.CloseReason{session.ReasonReconnectTimeout}, sink.closeReasons())
}

// -------------------------------------------------------------------------
// Datagram Path
// -------------------------------------------------------------------------

func TestDatagramDeliveryDropsDuplicatesAndStale(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg, server := startDatagramRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	// Duplicates and regressed numbers are dropped; the upper layer sees
	// the survivors as-is, gaps included.
	d := newDgramClient(t, server)
	d.writeSeq(id, wire.KindData, 1, (&wire.Data{Payload: []byte("d1")}).Encode())
	d.writeSeq(id, wire.KindData, 2, (&wire.Data{Payload: []byte("d2")}).Encode())
	d.writeSeq(id, wire.KindData, 2, (&wire.Data{Payload: []byte("dup")}).Encode())
	d.writeSeq(id, wire.KindData, 4, (&wire.Data{Payload: []byte("d4")}).Encode())
	d.writeSeq(id, wire.KindData, 3, (&wire.Data{Payload: []byte("stale")}).Encode())

	require.Eventually(t, func() bool { return len(sink.snapshotPayloads()) == 3 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"d1", "d2", "d4"}, sink.snapshotPayloads())

	// The session survives the replay noise.
	snap, ok := reg.Lookup(id)
	require.True(t, ok)
	require.Equal(t, session.StateActive, snap.State)

	resolved, ok := reg.ResolveAddr(d.addr())
	require.True(t, ok)
	require.Equal(t, id, resolved)
}

func TestDatagramFollowsPeerRebinding(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg, server := startDatagramRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	sess, ok := reg.Get(id)
	require.True(t, ok)

	a := newDgramClient(t, server)
	a.writeSeq(id, wire.KindData, 1, (&wire.Data{Payload: []byte("from-a")}).Encode())
	require.Eventually(t, func() bool { return len(sink.snapshotPayloads()) == 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, sess.SendDatagram([]byte("to-a")))
	sid, msg := a.read()
	require.Equal(t, id, sid)
	require.Equal(t, wire.KindData, msg.Kind)
	data, err := wire.DecodeData(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, "to-a", string(data.Payload))

	// The peer moves to a new source address; replies follow it there.
	b := newDgramClient(t, server)
	b.writeSeq(id, wire.KindData, 2, (&wire.Data{Payload: []byte("from-b")}).Encode())
	require.Eventually(t, func() bool { return len(sink.snapshotPayloads()) == 2 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, sess.SendDatagram([]byte("to-b")))
	sid, msg = b.read()
	require.Equal(t, id, sid)
	data, err = wire.DecodeData(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, "to-b", string(data.Payload))

	// The secondary mapping tracks the move.
	resolved, ok := reg.ResolveAddr(b.addr())
	require.True(t, ok)
	require.Equal(t, id, resolved)
	_, ok = reg.ResolveAddr(a.addr())
	require.False(t, ok)
}

func TestHeartbeatProbesDatagramThenDuplicatesOnStream(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	settings.HeartbeatInterval = 50 * time.Millisecond
	settings.FailureThreshold = 4
	settings.ReconnectTimeout = time.Second
	reg, server := startDatagramRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	d := newDgramClient(t, server)
	d.writeSeq(id, wire.KindData, 1, (&wire.Data{Payload: []byte("bind")}).Encode())
	require.Eventually(t, func() bool { return len(sink.snapshotPayloads()) == 1 },
		2*time.Second, 5*time.Millisecond)

	// With the datagram path bound, probes ride it.
	sid, msg := d.read()
	require.Equal(t, id, sid)
	require.Equal(t, wire.KindPing, msg.Kind)

	// Left unanswered past half the failure threshold, probes are
	// duplicated onto the stream.
	smsg := c.read()
	require.Equal(t, wire.KindPing, smsg.Kind)
}

func TestUnboundDatagramSendCountedUnexpected(t *testing.T) {
	authn := &fakeAuthenticator{}
	rep := newRecordingReporter()
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithMetrics(rep))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	sess, ok := reg.Get(id)
	require.True(t, ok)

	// Nothing has bound the datagram path: the payload is discarded as
	// unexpected, not as queue pressure.
	require.NoError(t, sess.SendDatagram([]byte("nobody-home")))
	require.Eventually(t, func() bool { return rep.droppedCount(session.DropUnexpected) == 1 },
		2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, rep.droppedCount(session.DropOverflow))
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

func TestShutdownDrainsSessions(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg := session.NewRegistry(settings, authn, testLogger(), session.WithSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.Run(ctx)
	}()

	clients := make([]*testClient, 0, 3)
	for i := range 3 {
		c := dial(t, reg, settings)
		id, _ := c.establish(1, fmt.Sprintf("player-%d", i))
		waitState(t, reg, id, session.StateActive)
		clients = append(clients, c)
	}
	require.Equal(t, 3, reg.Len())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registry did not drain")
	}

	require.Equal(t, 0, reg.Len())
	reasons := sink.closeReasons()
	require.Len(t, reasons, 3)
	for _, reason := range reasons {
		require.Equal(t, session.ReasonShutdown, reason)
	}
	for _, c := range clients {
		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err := wire.ReadFrame(c.conn, c.max)
		require.Error(t, err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	authn := &fakeAuthenticator{}
	sink := &recordingSink{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn, session.WithSink(sink))

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	sess, ok := reg.Get(id)
	require.True(t, ok)

	c.write(wire.KindLogout, wire.Logout{}.Encode())
	waitGone(t, reg, id)

	require.Eventually(t, func() bool {
		return errors.Is(sess.Send([]byte("late")), session.ErrSessionClosed)
	}, 2*time.Second, 5*time.Millisecond)
}

// -------------------------------------------------------------------------
// Events Feed
// -------------------------------------------------------------------------

func TestEventsFeedObservesLifecycle(t *testing.T) {
	authn := &fakeAuthenticator{}
	settings := testSettings()
	reg := startRegistry(t, settings, authn)

	c := dial(t, reg, settings)
	id, _ := c.establish(1, "alice")
	waitState(t, reg, id, session.StateActive)

	// The feed is buffered ahead of us, so the transitions are waiting.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case change := <-reg.Events():
			if change.ID == id && change.NewState == session.StateActive {
				require.Equal(t, "user-alice", change.UserID)
				return
			}
		case <-deadline:
			t.Fatal("no Active state change observed")
		}
	}
}

func TestTransportKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "stream", session.TransportStream.String())
	require.Equal(t, "datagram", session.TransportDatagram.String())
	require.Equal(t, "Unknown(9)", session.TransportKind(9).String())
}
