package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/oklog/ulid/v2"
)

// This file implements the two framing schemes:
//
//   - Stream transport: [4-byte big-endian length][envelope]. The length
//     prefix delimits messages on the byte stream; a declared length over
//     the configured maximum is rejected before any buffering happens.
//
//   - Datagram transport: [16-byte session id][envelope], one message per
//     datagram. The datagram boundary is the frame boundary, so no length
//     prefix is carried. The session-id prefix routes the packet to its
//     session regardless of source-address fluctuation.

// -------------------------------------------------------------------------
// Stream Framing
// -------------------------------------------------------------------------

// WriteFrame encodes msg with its length prefix and writes it to w as a
// single write. maxFrame bounds the encoded envelope size.
func WriteFrame(w io.Writer, msg *Message, maxFrame uint32) error {
	size := msg.EncodedSize()
	if uint32(size) > maxFrame {
		return fmt.Errorf("write frame: %d bytes over limit %d: %w",
			size, maxFrame, ErrFrameTooLarge)
	}

	buf := make([]byte, FrameHeaderSize+size)
	binary.BigEndian.PutUint32(buf[:FrameHeaderSize], uint32(size))
	if _, err := MarshalMessage(msg, buf[FrameHeaderSize:]); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed envelope from r.
//
// A declared length of zero or below HeaderSize is a schema mismatch; a
// declared length above maxFrame is rejected before allocation, which
// caps the buffering a malicious or corrupt peer can force. Framing
// errors on a stream cannot be locally re-synchronized, so the caller
// must treat any error as fatal for the connection.
func ReadFrame(r io.Reader, maxFrame uint32) (Message, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length < HeaderSize {
		return Message{}, fmt.Errorf("read frame: declared length %d: %w",
			length, ErrSchemaMismatch)
	}
	if length > maxFrame {
		return Message{}, fmt.Errorf("read frame: declared length %d over limit %d: %w",
			length, maxFrame, ErrFrameTooLarge)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, fmt.Errorf("read frame body: %w", err)
	}

	var msg Message
	if err := UnmarshalMessage(buf, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// -------------------------------------------------------------------------
// Datagram Framing
// -------------------------------------------------------------------------

// EncodeDatagram serializes msg with the session-id routing prefix.
// Datagrams over MaxDatagramSize are rejected rather than fragmented;
// callers must split or reroute oversize payloads to the stream transport.
func EncodeDatagram(sid ulid.ULID, msg *Message) ([]byte, error) {
	total := SessionIDSize + msg.EncodedSize()
	if total > MaxDatagramSize {
		return nil, fmt.Errorf("encode datagram: %d bytes over limit %d: %w",
			total, MaxDatagramSize, ErrDatagramTooLarge)
	}

	buf := make([]byte, total)
	copy(buf[:SessionIDSize], sid[:])
	if _, err := MarshalMessage(msg, buf[SessionIDSize:]); err != nil {
		return nil, fmt.Errorf("encode datagram: %w", err)
	}
	return buf, nil
}

// DecodeDatagram parses the session-id prefix and the envelope from one
// received datagram. Malformed datagrams are dropped by the caller; the
// datagram path recovers per-packet, unlike the stream path.
func DecodeDatagram(b []byte) (ulid.ULID, Message, error) {
	var sid ulid.ULID

	if len(b) > MaxDatagramSize {
		return sid, Message{}, fmt.Errorf("decode datagram: %d bytes: %w",
			len(b), ErrDatagramTooLarge)
	}
	if len(b) < SessionIDSize+HeaderSize {
		return sid, Message{}, fmt.Errorf("decode datagram: %d bytes: %w",
			len(b), ErrTruncated)
	}

	copy(sid[:], b[:SessionIDSize])

	var msg Message
	if err := UnmarshalMessage(b[SessionIDSize:], &msg); err != nil {
		return sid, Message{}, err
	}
	return sid, msg, nil
}
