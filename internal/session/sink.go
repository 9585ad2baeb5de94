package session

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// -------------------------------------------------------------------------
// Transport Kind
// -------------------------------------------------------------------------

// TransportKind distinguishes the two endpoint variants bound to a session.
type TransportKind uint8

const (
	// TransportStream is the reliable encrypted stream path.
	TransportStream TransportKind = iota

	// TransportDatagram is the best-effort datagram path.
	TransportDatagram
)

// transportNames maps transport kinds to metric/log labels.
var transportNames = [2]string{"stream", "datagram"}

// String returns the label for the transport kind.
func (t TransportKind) String() string {
	if int(t) < len(transportNames) {
		return transportNames[t]
	}
	return fmt.Sprintf(unknownFmt, t)
}

// -------------------------------------------------------------------------
// PayloadSink
// -------------------------------------------------------------------------

// PayloadSink is the upper (gameplay) layer's view of the session core.
// It observes opaque payloads and session availability, never transport
// detail: raw transport errors do not cross this boundary -- a session is
// either active or gone.
//
// Stream payloads arrive in strictly increasing sequence order; datagram
// payloads arrive in arrival order with loss and reordering visible as
// gaps, never hidden by a reordering buffer.
type PayloadSink interface {
	// HandlePayload delivers one gameplay payload from an active session.
	HandlePayload(sid ulid.ULID, transport TransportKind, payload []byte)

	// SessionActive reports a session entering steady-state relay.
	SessionActive(sid ulid.ULID, userID string)

	// SessionGone reports a session leaving service, with the terminal
	// reason for diagnostics.
	SessionGone(sid ulid.ULID, reason CloseReason)
}

// noopSink is the default PayloadSink when none is configured.
type noopSink struct{}

func (noopSink) HandlePayload(ulid.ULID, TransportKind, []byte) {}
func (noopSink) SessionActive(ulid.ULID, string)                {}
func (noopSink) SessionGone(ulid.ULID, CloseReason)             {}
