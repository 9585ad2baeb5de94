// Package session implements the per-client session core: the lifecycle
// state machine, heartbeat supervision, reconnection handling, and the
// process-wide registry that routes inbound traffic to sessions.
package session

import "fmt"

// This file implements the session lifecycle state machine as a pure
// function over a transition table -- no side effects, no Session
// dependency. The Session event loop applies events and executes the
// returned actions.
//
// State diagram:
//
//	Connecting -> VersionCheck -> Authenticating -> Active <-> Reconnecting
//	     |             |                |             |            |
//	     +-------------+----------------+------+------+------------+
//	                                           v
//	                                        Closed (terminal)
//
// Active reaches Closed on logout; Reconnecting reaches Closed on timeout.
// A session cannot reach Active without passing VersionCheck and
// Authenticating: the table has no other inbound edge.

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// States
// -------------------------------------------------------------------------

// State is the session lifecycle state.
type State uint8

const (
	// StateConnecting means the stream endpoint was accepted and the
	// session is awaiting the version handshake.
	StateConnecting State = iota

	// StateVersionCheck means a Hello arrived and the advertised protocol
	// version is being evaluated against the supported range.
	StateVersionCheck

	// StateAuthenticating means the handshake was accepted and the
	// identity claim is being exchanged with the credential authority.
	StateAuthenticating

	// StateActive means both transports relay messages and the heartbeat
	// monitor supervises liveness. Gameplay payloads flow only here.
	StateActive

	// StateReconnecting means the session lost its peer and is waiting,
	// with outbound traffic queued, for a rebind within the deadline.
	StateReconnecting

	// StateClosed is terminal: resources released, registry entry removed.
	StateClosed
)

// stateNames maps state values to human-readable strings.
var stateNames = [6]string{
	"Connecting",
	"VersionCheck",
	"Authenticating",
	"Active",
	"Reconnecting",
	"Closed",
}

// String returns the human-readable name for the session state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf(unknownFmt, s)
}

// -------------------------------------------------------------------------
// Close Reasons
// -------------------------------------------------------------------------

// CloseReason records why a session reached Closed. It is attached to the
// terminal state and observable through the registry for diagnostics;
// gameplay logic only ever sees "session active" or "session gone".
type CloseReason uint8

const (
	// ReasonNone means the session has not closed.
	ReasonNone CloseReason = iota

	// ReasonVersionMismatch: the advertised protocol version is outside
	// the supported range. Surfaced as an explicit rejection.
	ReasonVersionMismatch

	// ReasonAuthFailed: the identity claim was rejected or the authority
	// response did not verify.
	ReasonAuthFailed

	// ReasonLoggedOut: the client requested an orderly close.
	ReasonLoggedOut

	// ReasonReconnectTimeout: no rebind arrived within the deadline.
	// Queued outbound messages are discarded at this boundary.
	ReasonReconnectTimeout

	// ReasonTransportError: a terminal transport failure outside Active.
	ReasonTransportError

	// ReasonDecodeError: stream framing corruption during the handshake,
	// which cannot be locally re-synchronized.
	ReasonDecodeError

	// ReasonShutdown: the process is draining sessions.
	ReasonShutdown
)

// reasonNames maps close reasons to human-readable strings.
var reasonNames = [8]string{
	"None",
	"VersionMismatch",
	"AuthFailed",
	"LoggedOut",
	"ReconnectTimeout",
	"TransportError",
	"DecodeError",
	"Shutdown",
}

// String returns the human-readable name for the close reason.
func (r CloseReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf(unknownFmt, r)
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

// Event is a discrete occurrence driving the session state machine:
// a received message, a timer expiry, a transport failure, or an
// administrative action. Heartbeat and reconnection are expressed as
// events through this table rather than callback chains so the recovery
// logic stays auditable and testable apart from the transports.
type Event uint8

const (
	// EventHelloReceived: the client's Hello arrived on the stream.
	EventHelloReceived Event = iota

	// EventVersionAccepted: the advertised version is inside the
	// supported range.
	EventVersionAccepted

	// EventVersionRejected: the advertised version is outside the
	// supported range.
	EventVersionRejected

	// EventAuthSucceeded: the authority issued a credential that verified.
	EventAuthSucceeded

	// EventAuthFailed: authentication failed fatally.
	EventAuthFailed

	// EventPeerLost: the heartbeat monitor's verdict reached Dead.
	EventPeerLost

	// EventRebound: a reconnection attempt matched this session and the
	// endpoints were swapped.
	EventRebound

	// EventReconnectTimeout: the reconnection deadline expired.
	EventReconnectTimeout

	// EventLogoutReceived: the client sent Logout.
	EventLogoutReceived

	// EventTransportFatal: the stream endpoint reported a terminal error.
	EventTransportFatal

	// EventDecodeFatal: stream framing corruption before Active.
	EventDecodeFatal

	// EventShutdown: the process is stopping.
	EventShutdown
)

// eventNames maps event values to human-readable strings.
var eventNames = [12]string{
	"HelloReceived",
	"VersionAccepted",
	"VersionRejected",
	"AuthSucceeded",
	"AuthFailed",
	"PeerLost",
	"Rebound",
	"ReconnectTimeout",
	"LogoutReceived",
	"TransportFatal",
	"DecodeFatal",
	"Shutdown",
}

// String returns the human-readable name for the event.
func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf(unknownFmt, e)
}

// -------------------------------------------------------------------------
// Actions
// -------------------------------------------------------------------------

// Action is a side effect the Session must execute after a transition.
// The state machine itself is pure; actions are returned, not performed.
type Action uint8

const (
	// ActionSendHelloAck sends the accepting HelloAck with the negotiated
	// version and session id.
	ActionSendHelloAck Action = iota + 1

	// ActionSendVersionReject sends the version-mismatch HelloAck before
	// closing.
	ActionSendVersionReject

	// ActionStartHeartbeat arms the probe cycle.
	ActionStartHeartbeat

	// ActionEnterRecovery starts the reconnection deadline and switches
	// outbound traffic to the bounded queue.
	ActionEnterRecovery

	// ActionFlushQueue replays queued outbound messages, in order, before
	// any newly enqueued message.
	ActionFlushQueue

	// ActionNotifyActive tells the registry and payload sink the session
	// reached Active.
	ActionNotifyActive

	// ActionNotifyClosed tells the registry the session closed; the entry
	// is removed and all resources released.
	ActionNotifyClosed

	// ActionSetReasonVersionMismatch records ReasonVersionMismatch.
	ActionSetReasonVersionMismatch

	// ActionSetReasonAuthFailed records ReasonAuthFailed.
	ActionSetReasonAuthFailed

	// ActionSetReasonLoggedOut records ReasonLoggedOut.
	ActionSetReasonLoggedOut

	// ActionSetReasonReconnectTimeout records ReasonReconnectTimeout.
	ActionSetReasonReconnectTimeout

	// ActionSetReasonTransportError records ReasonTransportError.
	ActionSetReasonTransportError

	// ActionSetReasonDecodeError records ReasonDecodeError.
	ActionSetReasonDecodeError

	// ActionSetReasonShutdown records ReasonShutdown.
	ActionSetReasonShutdown
)

// actionNames maps action values to human-readable strings.
var actionNames = [15]string{
	"",
	"SendHelloAck",
	"SendVersionReject",
	"StartHeartbeat",
	"EnterRecovery",
	"FlushQueue",
	"NotifyActive",
	"NotifyClosed",
	"SetReasonVersionMismatch",
	"SetReasonAuthFailed",
	"SetReasonLoggedOut",
	"SetReasonReconnectTimeout",
	"SetReasonTransportError",
	"SetReasonDecodeError",
	"SetReasonShutdown",
}

// String returns the human-readable name for the action.
func (a Action) String() string {
	if a >= 1 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf(unknownFmt, a)
}

// -------------------------------------------------------------------------
// Transition Table
// -------------------------------------------------------------------------

// stateEvent is the transition table key.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state and side effects of one edge.
type transition struct {
	newState State
	actions  []Action
}

// Result holds the outcome of applying an event.
type Result struct {
	// OldState is the state before the event.
	OldState State

	// NewState is the state after the event. Equal to OldState when the
	// event is ignored in that state.
	NewState State

	// Actions lists the side effects the caller must execute, in order.
	Actions []Action

	// Changed is true when NewState differs from OldState.
	Changed bool
}

// fsmTable is the complete session transition table. Unlisted
// (state, event) pairs are silently ignored; Closed is terminal and has
// no outbound edges.
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	// ===================================================================
	// Connecting: stream accepted, awaiting the Hello.
	// ===================================================================

	{StateConnecting, EventHelloReceived}: {
		newState: StateVersionCheck,
		actions:  nil,
	},
	{StateConnecting, EventTransportFatal}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonTransportError, ActionNotifyClosed},
	},
	{StateConnecting, EventDecodeFatal}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonDecodeError, ActionNotifyClosed},
	},
	{StateConnecting, EventShutdown}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonShutdown, ActionNotifyClosed},
	},

	// ===================================================================
	// VersionCheck: evaluating the advertised protocol version.
	// Mismatch is fatal and explicit; a compatible version proceeds to
	// authentication carrying the negotiated version.
	// ===================================================================

	{StateVersionCheck, EventVersionAccepted}: {
		newState: StateAuthenticating,
		actions:  []Action{ActionSendHelloAck},
	},
	{StateVersionCheck, EventVersionRejected}: {
		newState: StateClosed,
		actions: []Action{
			ActionSendVersionReject,
			ActionSetReasonVersionMismatch,
			ActionNotifyClosed,
		},
	},
	{StateVersionCheck, EventTransportFatal}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonTransportError, ActionNotifyClosed},
	},
	{StateVersionCheck, EventDecodeFatal}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonDecodeError, ActionNotifyClosed},
	},
	{StateVersionCheck, EventShutdown}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonShutdown, ActionNotifyClosed},
	},

	// ===================================================================
	// Authenticating: exactly one authentication attempt per
	// establishment; failure aborts rather than silently retrying.
	// ===================================================================

	{StateAuthenticating, EventAuthSucceeded}: {
		newState: StateActive,
		actions:  []Action{ActionStartHeartbeat, ActionNotifyActive},
	},
	{StateAuthenticating, EventAuthFailed}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonAuthFailed, ActionNotifyClosed},
	},
	{StateAuthenticating, EventTransportFatal}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonTransportError, ActionNotifyClosed},
	},
	{StateAuthenticating, EventDecodeFatal}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonDecodeError, ActionNotifyClosed},
	},
	{StateAuthenticating, EventShutdown}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonShutdown, ActionNotifyClosed},
	},

	// ===================================================================
	// Active: steady-state relay. Liveness loss and stream failure both
	// enter recovery, never Closed directly -- only logout and shutdown
	// close an Active session.
	// ===================================================================

	{StateActive, EventPeerLost}: {
		newState: StateReconnecting,
		actions:  []Action{ActionEnterRecovery},
	},
	{StateActive, EventTransportFatal}: {
		newState: StateReconnecting,
		actions:  []Action{ActionEnterRecovery},
	},
	{StateActive, EventLogoutReceived}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonLoggedOut, ActionNotifyClosed},
	},
	{StateActive, EventShutdown}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonShutdown, ActionNotifyClosed},
	},

	// ===================================================================
	// Reconnecting: waiting for a rebind within the deadline. Further
	// transport failures are ignored here -- the old endpoint is already
	// gone and candidate connections fail without affecting the session.
	// ===================================================================

	{StateReconnecting, EventRebound}: {
		newState: StateActive,
		actions:  []Action{ActionFlushQueue, ActionStartHeartbeat, ActionNotifyActive},
	},
	{StateReconnecting, EventReconnectTimeout}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonReconnectTimeout, ActionNotifyClosed},
	},
	{StateReconnecting, EventShutdown}: {
		newState: StateClosed,
		actions:  []Action{ActionSetReasonShutdown, ActionNotifyClosed},
	},
}

// Apply applies an event to the given state and returns the result.
//
// Pure function with no side effects: the caller executes the returned
// actions. Unlisted (state, event) pairs return Changed=false with no
// actions.
func Apply(current State, event Event) Result {
	tr, ok := fsmTable[stateEvent{state: current, event: event}]
	if !ok {
		return Result{
			OldState: current,
			NewState: current,
			Actions:  nil,
			Changed:  false,
		}
	}
	return Result{
		OldState: current,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  current != tr.newState,
	}
}
