package transport_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/cubbylabs/cubby-connect/internal/transport"
	"github.com/cubbylabs/cubby-connect/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamEndpointRoundTrip(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close() //nolint:errcheck // teardown path
	ep := transport.NewStreamEndpoint(serverConn, wire.DefaultMaxFrameSize)
	defer ep.Close() //nolint:errcheck // teardown path

	want := wire.Message{Kind: wire.KindData, Seq: 7, Payload: []byte("payload")}
	errCh := make(chan error, 1)
	go func() {
		errCh <- wire.WriteFrame(clientConn, &want, wire.DefaultMaxFrameSize)
	}()

	got, err := ep.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame = %v", err)
	}
	if got.Kind != want.Kind || got.Seq != want.Seq || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("frame = %+v, want %+v", got, want)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("client write = %v", err)
	}

	// And the reverse direction through Send.
	reply := wire.Message{Kind: wire.KindPong, Seq: 8, Payload: (&wire.Pong{Nonce: 5}).Encode()}
	go func() {
		errCh <- ep.Send(context.Background(), &reply)
	}()

	got, err = wire.ReadFrame(clientConn, wire.DefaultMaxFrameSize)
	if err != nil {
		t.Fatalf("client read = %v", err)
	}
	if got.Kind != wire.KindPong || got.Seq != 8 {
		t.Errorf("reply = %+v, want %+v", got, reply)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send = %v", err)
	}
}

func TestStreamEndpointClosed(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close() //nolint:errcheck // teardown path
	ep := transport.NewStreamEndpoint(serverConn, wire.DefaultMaxFrameSize)

	if ep.Closed() {
		t.Fatal("fresh endpoint reports closed")
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	if !ep.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}

	msg := wire.Message{Kind: wire.KindPing, Seq: 1, Payload: (&wire.Ping{Nonce: 1}).Encode()}
	if err := ep.Send(context.Background(), &msg); !errors.Is(err, transport.ErrEndpointClosed) {
		t.Errorf("Send after close = %v, want ErrEndpointClosed", err)
	}
	if _, err := ep.ReadFrame(); !errors.Is(err, transport.ErrEndpointClosed) {
		t.Errorf("ReadFrame after close = %v, want ErrEndpointClosed", err)
	}
}

func TestStreamEndpointSendDeadline(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close() //nolint:errcheck // teardown path
	ep := transport.NewStreamEndpoint(serverConn, wire.DefaultMaxFrameSize)
	defer ep.Close() //nolint:errcheck // teardown path

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Nobody reads the pipe, so the bounded write must fail.
	msg := wire.Message{Kind: wire.KindData, Seq: 1, Payload: []byte("stuck")}
	if err := ep.Send(ctx, &msg); err == nil {
		t.Fatal("Send with no reader succeeded")
	}
}

func TestStreamEndpointReadDeadline(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close() //nolint:errcheck // teardown path
	ep := transport.NewStreamEndpoint(serverConn, wire.DefaultMaxFrameSize)
	defer ep.Close() //nolint:errcheck // teardown path

	if err := ep.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline = %v", err)
	}
	if _, err := ep.ReadFrame(); err == nil {
		t.Fatal("ReadFrame past deadline succeeded")
	}
}

// -------------------------------------------------------------------------
// Listener
// -------------------------------------------------------------------------

// newTestTLS builds a self-signed server certificate and a client config
// trusting it.
func newTestTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "transport-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(crand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS13,
	}
	client := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS13,
	}
	return server, client
}

// captureAcceptor hands accepted endpoints to the test goroutine.
type captureAcceptor struct {
	eps chan *transport.StreamEndpoint
}

func (a *captureAcceptor) AcceptStream(_ context.Context, ep *transport.StreamEndpoint) {
	a.eps <- ep
}

func TestStreamListenerAcceptsTLS(t *testing.T) {
	t.Parallel()

	serverCfg, clientCfg := newTestTLS(t)

	ln, err := transport.NewStreamListener("127.0.0.1:0", serverCfg, wire.DefaultMaxFrameSize, testLogger())
	if err != nil {
		t.Fatalf("NewStreamListener = %v", err)
	}

	acceptor := &captureAcceptor{eps: make(chan *transport.StreamEndpoint, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- ln.Run(ctx, acceptor)
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("tls.Dial = %v", err)
	}
	defer conn.Close() //nolint:errcheck // teardown path

	want := wire.Message{Kind: wire.KindHello, Seq: 1, Payload: (&wire.Hello{ProtocolVersion: 1}).Encode()}
	if err := wire.WriteFrame(conn, &want, wire.DefaultMaxFrameSize); err != nil {
		t.Fatalf("client write = %v", err)
	}

	var ep *transport.StreamEndpoint
	select {
	case ep = <-acceptor.eps:
	case <-time.After(2 * time.Second):
		t.Fatal("no endpoint accepted")
	}
	defer ep.Close() //nolint:errcheck // teardown path

	got, err := ep.ReadFrame()
	if err != nil {
		t.Fatalf("server read = %v", err)
	}
	if got.Kind != want.Kind || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("frame = %+v, want %+v", got, want)
	}

	// Server to client over the same endpoint.
	reply := wire.Message{Kind: wire.KindHelloAck, Seq: 1, Payload: (&wire.HelloAck{NegotiatedVersion: 1}).Encode()}
	if err := ep.Send(context.Background(), &reply); err != nil {
		t.Fatalf("Send = %v", err)
	}
	got, err = wire.ReadFrame(conn, wire.DefaultMaxFrameSize)
	if err != nil {
		t.Fatalf("client read = %v", err)
	}
	if got.Kind != wire.KindHelloAck {
		t.Errorf("reply kind = %v, want HelloAck", got.Kind)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestStreamListenerStops(t *testing.T) {
	t.Parallel()

	serverCfg, _ := newTestTLS(t)
	ln, err := transport.NewStreamListener("127.0.0.1:0", serverCfg, wire.DefaultMaxFrameSize, testLogger())
	if err != nil {
		t.Fatalf("NewStreamListener = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- ln.Run(ctx, &captureAcceptor{eps: make(chan *transport.StreamEndpoint, 1)})
	}()

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
