// Package wire implements the cubby-connect wire protocol: the message
// envelope, the typed control payloads, and the framing rules for the
// stream and datagram transports.
//
// The envelope is a compact binary format; all multi-byte integers are
// big-endian. The gameplay payload carried by Data messages is opaque to
// this package.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// HeaderSize is the fixed envelope header size in bytes:
// Kind(1) + Flags(1) + Sequence(8).
const HeaderSize = 10

// FrameHeaderSize is the length-prefix size for stream framing.
const FrameHeaderSize = 4

// SessionIDSize is the raw session identifier size (a ULID) used as the
// datagram routing prefix.
const SessionIDSize = 16

// MaxDatagramSize is the largest datagram this layer will send or accept,
// including the session-id prefix. Chosen to stay under common path MTUs
// without relying on IP fragmentation.
const MaxDatagramSize = 1200

// DefaultMaxFrameSize is the default cap on a stream frame's declared
// length. The operational value comes from configuration.
const DefaultMaxFrameSize = 64 * 1024

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Message Kinds
// -------------------------------------------------------------------------

// Kind identifies the envelope's payload type.
type Kind uint8

const (
	// KindHello opens the handshake: client advertises its protocol
	// version and, when resuming, an existing session id.
	KindHello Kind = 1

	// KindHelloAck is the server's handshake reply: accept with the
	// negotiated version and session id, or a version-mismatch rejection.
	KindHelloAck Kind = 2

	// KindAuthRequest carries the client's opaque identity claim.
	KindAuthRequest Kind = 3

	// KindAuthResponse carries the signed credential or an auth rejection.
	KindAuthResponse Kind = 4

	// KindPing is a liveness probe carrying a nonce.
	KindPing Kind = 5

	// KindPong echoes a probe nonce verbatim.
	KindPong Kind = 6

	// KindReconnect presents a previously issued credential as proof of
	// continued identity during session recovery.
	KindReconnect Kind = 7

	// KindReconnectAck accepts or rejects a rebind attempt and carries
	// the fresh sequence base for the recovered session.
	KindReconnectAck Kind = 8

	// KindLogout requests an orderly session close.
	KindLogout Kind = 9

	// KindData carries an opaque gameplay payload.
	KindData Kind = 10
)

// kindNames maps kind values to human-readable strings.
var kindNames = [11]string{
	"",
	"Hello",
	"HelloAck",
	"AuthRequest",
	"AuthResponse",
	"Ping",
	"Pong",
	"Reconnect",
	"ReconnectAck",
	"Logout",
	"Data",
}

// String returns the human-readable name for the message kind.
func (k Kind) String() string {
	if k >= 1 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf(unknownFmt, k)
}

// valid reports whether k is a defined message kind.
func (k Kind) valid() bool {
	return k >= KindHello && k <= KindData
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for envelope and payload decoding failures.
var (
	// ErrTruncated indicates the input is shorter than the envelope
	// header or the payload's fixed layout requires.
	ErrTruncated = errors.New("message truncated")

	// ErrUnknownKind indicates the Kind byte is not a defined message kind.
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrSchemaMismatch indicates the envelope or payload layout does not
	// match the schema (nonzero flags, impossible field values).
	ErrSchemaMismatch = errors.New("message schema mismatch")

	// ErrFrameTooLarge indicates a stream frame's declared length exceeds
	// the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrDatagramTooLarge indicates an encoded datagram would exceed
	// MaxDatagramSize. Datagrams are never fragmented by this layer.
	ErrDatagramTooLarge = errors.New("datagram exceeds maximum size")

	// ErrBufTooSmall indicates the caller-provided buffer cannot hold the
	// encoded message.
	ErrBufTooSmall = errors.New("buffer too small for message")
)

// -------------------------------------------------------------------------
// Message Envelope
// -------------------------------------------------------------------------

// Message is the decoded envelope shared by both transports.
//
// Wire format:
//
//	Byte 0:     Kind
//	Byte 1:     Flags (reserved, MUST be zero)
//	Bytes 2-9:  Sequence number (big-endian uint64)
//	Bytes 10+:  Payload (kind-specific)
//
// Sequence numbers are monotonic per (session, transport, direction).
// The payload length is implied by the frame boundary: the length prefix
// on the stream transport, the datagram boundary on the datagram transport.
type Message struct {
	// Kind identifies the payload type.
	Kind Kind

	// Seq is the per-session, per-transport sequence number.
	Seq uint64

	// Payload holds the kind-specific encoded payload. After
	// UnmarshalMessage it references the input buffer (zero-copy);
	// callers must copy if the buffer will be reused.
	Payload []byte
}

// EncodedSize returns the full encoded size of the message in bytes.
func (m *Message) EncodedSize() int {
	return HeaderSize + len(m.Payload)
}

// MarshalMessage serializes msg into buf and returns the number of bytes
// written. buf must be at least msg.EncodedSize() bytes.
func MarshalMessage(msg *Message, buf []byte) (int, error) {
	total := msg.EncodedSize()
	if len(buf) < total {
		return 0, fmt.Errorf("marshal message: need %d bytes, got %d: %w",
			total, len(buf), ErrBufTooSmall)
	}
	if !msg.Kind.valid() {
		return 0, fmt.Errorf("marshal message: kind %d: %w", msg.Kind, ErrUnknownKind)
	}

	buf[0] = uint8(msg.Kind)
	buf[1] = 0 // Flags: reserved.
	binary.BigEndian.PutUint64(buf[2:10], msg.Seq)
	copy(buf[HeaderSize:], msg.Payload)

	return total, nil
}

// EncodeMessage serializes msg into a freshly allocated buffer.
func EncodeMessage(msg *Message) ([]byte, error) {
	buf := make([]byte, msg.EncodedSize())
	n, err := MarshalMessage(msg, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// UnmarshalMessage decodes an envelope from data into msg.
//
// The payload slice references data (zero-copy). Decoding never panics on
// malformed input: short input returns ErrTruncated, an undefined kind
// returns ErrUnknownKind, and a nonzero flags byte returns ErrSchemaMismatch.
func UnmarshalMessage(data []byte, msg *Message) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("unmarshal message: %d bytes: %w", len(data), ErrTruncated)
	}

	kind := Kind(data[0])
	if !kind.valid() {
		return fmt.Errorf("unmarshal message: kind %d: %w", data[0], ErrUnknownKind)
	}
	if data[1] != 0 {
		return fmt.Errorf("unmarshal message: flags 0x%02x: %w", data[1], ErrSchemaMismatch)
	}

	msg.Kind = kind
	msg.Seq = binary.BigEndian.Uint64(data[2:10])
	msg.Payload = data[HeaderSize:]

	return nil
}
