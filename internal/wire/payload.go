package wire

import (
	"encoding/binary"
	"fmt"
)

// This file defines the typed payloads carried inside the envelope and
// their fixed binary layouts. Opaque payloads (identity claims,
// credentials, gameplay data) are carried verbatim with no interior
// structure imposed by this layer.

// -------------------------------------------------------------------------
// Handshake Status Codes
// -------------------------------------------------------------------------

// HandshakeStatus is the server's verdict in a HelloAck.
type HandshakeStatus uint8

const (
	// HandshakeAccept indicates the advertised version is within the
	// server's supported range; the session proceeds to authentication.
	HandshakeAccept HandshakeStatus = 0

	// HandshakeVersionMismatch indicates the advertised version is outside
	// the supported range. The rejection is explicit, not a silent drop.
	HandshakeVersionMismatch HandshakeStatus = 1
)

// String returns the human-readable name for the handshake status.
func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeAccept:
		return "Accept"
	case HandshakeVersionMismatch:
		return "VersionMismatch"
	default:
		return fmt.Sprintf(unknownFmt, s)
	}
}

// AuthStatus is the server's verdict in an AuthResponse.
type AuthStatus uint8

const (
	// AuthOK indicates the credential authority accepted the claim; the
	// payload carries the signed credential.
	AuthOK AuthStatus = 0

	// AuthRejected indicates the claim was refused; the session closes.
	AuthRejected AuthStatus = 1
)

// RebindStatus is the server's verdict in a ReconnectAck.
type RebindStatus uint8

const (
	// RebindOK indicates the credential proof matched; the session is
	// rebound and sequence counters restart from SeqBase.
	RebindOK RebindStatus = 0

	// RebindRejected indicates the proof did not verify or the session
	// is gone; the connection closes.
	RebindRejected RebindStatus = 1
)

// -------------------------------------------------------------------------
// Hello — client -> server
// -------------------------------------------------------------------------

// helloSize is the fixed Hello payload size: Version(2) + SessionID(16).
const helloSize = 2 + SessionIDSize

// Hello opens the handshake. A zero SessionID announces a fresh session;
// a nonzero SessionID requests reconnection to an existing one.
type Hello struct {
	// ProtocolVersion is the client-advertised protocol version.
	ProtocolVersion uint16

	// SessionID is the raw session id to resume, or all-zero for a new
	// session.
	SessionID [SessionIDSize]byte
}

// HasSessionID reports whether the client is attempting to resume an
// existing session.
func (h *Hello) HasSessionID() bool {
	return h.SessionID != [SessionIDSize]byte{}
}

// Encode serializes the Hello payload.
func (h *Hello) Encode() []byte {
	buf := make([]byte, helloSize)
	binary.BigEndian.PutUint16(buf[0:2], h.ProtocolVersion)
	copy(buf[2:], h.SessionID[:])
	return buf
}

// DecodeHello decodes a Hello payload.
func DecodeHello(b []byte) (Hello, error) {
	if len(b) != helloSize {
		return Hello{}, fmt.Errorf("decode hello: %d bytes: %w", len(b), errHelloLayout(len(b)))
	}
	var h Hello
	h.ProtocolVersion = binary.BigEndian.Uint16(b[0:2])
	copy(h.SessionID[:], b[2:])
	return h, nil
}

// errHelloLayout selects the decode error for a malformed Hello.
func errHelloLayout(n int) error {
	if n < helloSize {
		return ErrTruncated
	}
	return ErrSchemaMismatch
}

// -------------------------------------------------------------------------
// HelloAck — server -> client
// -------------------------------------------------------------------------

// helloAckSize is the fixed HelloAck payload size:
// Status(1) + NegotiatedVersion(2) + SessionID(16).
const helloAckSize = 1 + 2 + SessionIDSize

// HelloAck is the server's handshake reply.
type HelloAck struct {
	// Status is the handshake verdict.
	Status HandshakeStatus

	// NegotiatedVersion is the protocol version both sides will speak.
	// Zero when Status is HandshakeVersionMismatch.
	NegotiatedVersion uint16

	// SessionID is the id assigned to (or confirmed for) the session.
	// All-zero when Status is HandshakeVersionMismatch.
	SessionID [SessionIDSize]byte
}

// Encode serializes the HelloAck payload.
func (h *HelloAck) Encode() []byte {
	buf := make([]byte, helloAckSize)
	buf[0] = uint8(h.Status)
	binary.BigEndian.PutUint16(buf[1:3], h.NegotiatedVersion)
	copy(buf[3:], h.SessionID[:])
	return buf
}

// DecodeHelloAck decodes a HelloAck payload.
func DecodeHelloAck(b []byte) (HelloAck, error) {
	if len(b) < helloAckSize {
		return HelloAck{}, fmt.Errorf("decode hello ack: %d bytes: %w", len(b), ErrTruncated)
	}
	if len(b) > helloAckSize || b[0] > uint8(HandshakeVersionMismatch) {
		return HelloAck{}, fmt.Errorf("decode hello ack: %w", ErrSchemaMismatch)
	}
	var h HelloAck
	h.Status = HandshakeStatus(b[0])
	h.NegotiatedVersion = binary.BigEndian.Uint16(b[1:3])
	copy(h.SessionID[:], b[3:])
	return h, nil
}

// -------------------------------------------------------------------------
// AuthRequest / AuthResponse
// -------------------------------------------------------------------------

// AuthRequest carries the client's opaque identity claim. The claim's
// interior structure belongs to the credential authority, not this layer.
type AuthRequest struct {
	// Claim is the opaque identity claim forwarded to the authority.
	Claim []byte
}

// Encode serializes the AuthRequest payload.
func (a *AuthRequest) Encode() []byte {
	out := make([]byte, len(a.Claim))
	copy(out, a.Claim)
	return out
}

// DecodeAuthRequest decodes an AuthRequest payload. An empty claim is a
// schema violation: the authority contract requires a nonempty claim.
func DecodeAuthRequest(b []byte) (AuthRequest, error) {
	if len(b) == 0 {
		return AuthRequest{}, fmt.Errorf("decode auth request: empty claim: %w", ErrSchemaMismatch)
	}
	return AuthRequest{Claim: b}, nil
}

// AuthResponse carries the authentication verdict and, on success, the
// signed credential issued by the authority.
type AuthResponse struct {
	// Status is the authentication verdict.
	Status AuthStatus

	// Credential is the signed credential token. Empty on rejection.
	Credential []byte
}

// Encode serializes the AuthResponse payload.
func (a *AuthResponse) Encode() []byte {
	buf := make([]byte, 1+len(a.Credential))
	buf[0] = uint8(a.Status)
	copy(buf[1:], a.Credential)
	return buf
}

// DecodeAuthResponse decodes an AuthResponse payload.
func DecodeAuthResponse(b []byte) (AuthResponse, error) {
	if len(b) < 1 {
		return AuthResponse{}, fmt.Errorf("decode auth response: %w", ErrTruncated)
	}
	if b[0] > uint8(AuthRejected) {
		return AuthResponse{}, fmt.Errorf("decode auth response: status %d: %w", b[0], ErrSchemaMismatch)
	}
	return AuthResponse{Status: AuthStatus(b[0]), Credential: b[1:]}, nil
}

// -------------------------------------------------------------------------
// Ping / Pong
// -------------------------------------------------------------------------

// nonceSize is the probe nonce size in bytes.
const nonceSize = 8

// Ping is a liveness probe. The nonce is echoed verbatim in the Pong; a
// mismatched or late nonce is ignored by the receiver, never an error.
type Ping struct {
	// Nonce identifies this probe within the outstanding-probe window.
	Nonce uint64
}

// Encode serializes the Ping payload.
func (p *Ping) Encode() []byte {
	buf := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(buf, p.Nonce)
	return buf
}

// DecodePing decodes a Ping payload.
func DecodePing(b []byte) (Ping, error) {
	if len(b) != nonceSize {
		return Ping{}, fmt.Errorf("decode ping: %d bytes: %w", len(b), errNonceLayout(len(b)))
	}
	return Ping{Nonce: binary.BigEndian.Uint64(b)}, nil
}

// Pong echoes a probe nonce.
type Pong struct {
	// Nonce is the echoed probe nonce.
	Nonce uint64
}

// Encode serializes the Pong payload.
func (p *Pong) Encode() []byte {
	buf := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(buf, p.Nonce)
	return buf
}

// DecodePong decodes a Pong payload.
func DecodePong(b []byte) (Pong, error) {
	if len(b) != nonceSize {
		return Pong{}, fmt.Errorf("decode pong: %d bytes: %w", len(b), errNonceLayout(len(b)))
	}
	return Pong{Nonce: binary.BigEndian.Uint64(b)}, nil
}

// errNonceLayout selects the decode error for a malformed probe payload.
func errNonceLayout(n int) error {
	if n < nonceSize {
		return ErrTruncated
	}
	return ErrSchemaMismatch
}

// -------------------------------------------------------------------------
// Reconnect / ReconnectAck
// -------------------------------------------------------------------------

// Reconnect presents the previously issued credential as proof of
// continued identity for an existing session.
type Reconnect struct {
	// Credential is the signed credential originally issued to the session.
	Credential []byte
}

// Encode serializes the Reconnect payload.
func (r *Reconnect) Encode() []byte {
	out := make([]byte, len(r.Credential))
	copy(out, r.Credential)
	return out
}

// DecodeReconnect decodes a Reconnect payload.
func DecodeReconnect(b []byte) (Reconnect, error) {
	if len(b) == 0 {
		return Reconnect{}, fmt.Errorf("decode reconnect: empty credential: %w", ErrSchemaMismatch)
	}
	return Reconnect{Credential: b}, nil
}

// reconnectAckSize is the fixed ReconnectAck payload size:
// Status(1) + SeqBase(8).
const reconnectAckSize = 1 + 8

// ReconnectAck accepts or rejects a rebind attempt. On acceptance both
// sides restart their per-transport sequence counters from SeqBase: the
// old endpoint state is gone, so continuity is re-established from a
// fresh base rather than the stale counters.
type ReconnectAck struct {
	// Status is the rebind verdict.
	Status RebindStatus

	// SeqBase is the agreed fresh sequence base. Zero on rejection.
	SeqBase uint64
}

// Encode serializes the ReconnectAck payload.
func (r *ReconnectAck) Encode() []byte {
	buf := make([]byte, reconnectAckSize)
	buf[0] = uint8(r.Status)
	binary.BigEndian.PutUint64(buf[1:], r.SeqBase)
	return buf
}

// DecodeReconnectAck decodes a ReconnectAck payload.
func DecodeReconnectAck(b []byte) (ReconnectAck, error) {
	if len(b) < reconnectAckSize {
		return ReconnectAck{}, fmt.Errorf("decode reconnect ack: %d bytes: %w", len(b), ErrTruncated)
	}
	if len(b) > reconnectAckSize || b[0] > uint8(RebindRejected) {
		return ReconnectAck{}, fmt.Errorf("decode reconnect ack: %w", ErrSchemaMismatch)
	}
	return ReconnectAck{
		Status:  RebindStatus(b[0]),
		SeqBase: binary.BigEndian.Uint64(b[1:]),
	}, nil
}

// -------------------------------------------------------------------------
// Logout / Data
// -------------------------------------------------------------------------

// Logout requests an orderly close. It has no payload.
type Logout struct{}

// Encode serializes the Logout payload.
func (Logout) Encode() []byte { return nil }

// DecodeLogout decodes a Logout payload.
func DecodeLogout(b []byte) (Logout, error) {
	if len(b) != 0 {
		return Logout{}, fmt.Errorf("decode logout: %d trailing bytes: %w", len(b), ErrSchemaMismatch)
	}
	return Logout{}, nil
}

// Data carries an opaque gameplay payload. The session core moves it
// without interpreting it.
type Data struct {
	// Payload is the opaque gameplay bytes.
	Payload []byte
}

// Encode serializes the Data payload.
func (d *Data) Encode() []byte {
	out := make([]byte, len(d.Payload))
	copy(out, d.Payload)
	return out
}

// DecodeData decodes a Data payload. Empty payloads are permitted.
func DecodeData(b []byte) (Data, error) {
	return Data{Payload: b}, nil
}
