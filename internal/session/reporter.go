package session

// Reporter receives session metrics events. The concrete Prometheus
// implementation lives in internal/metrics; a no-op reporter keeps the
// core free of any metrics dependency when none is configured.
type Reporter interface {
	// RegisterSession records a session entering the registry.
	RegisterSession()

	// UnregisterSession records a session leaving the registry.
	UnregisterSession()

	// IncMessagesSent counts one outbound message on the given transport.
	IncMessagesSent(transport string)

	// IncMessagesReceived counts one accepted inbound message.
	IncMessagesReceived(transport string)

	// RecordStateTransition counts one lifecycle state change.
	RecordStateTransition(from, to string)

	// IncHeartbeatTimeouts counts one liveness verdict reaching Dead.
	IncHeartbeatTimeouts()

	// IncRecoveries counts one session entering Reconnecting.
	IncRecoveries()

	// IncRebinds counts one successful endpoint rebind.
	IncRebinds()

	// IncAuthFailures counts one failed authentication or proof check.
	IncAuthFailures()

	// IncDropped counts one discarded inbound message, labeled by cause
	// (replay, overflow, unroutable, malformed).
	IncDropped(cause string)
}

// Drop cause labels.
const (
	DropReplay     = "replay"
	DropOverflow   = "overflow"
	DropUnroutable = "unroutable"
	DropMalformed  = "malformed"
	DropUnexpected = "unexpected"
)

// noopReporter is the default Reporter when no collector is configured.
type noopReporter struct{}

func (noopReporter) RegisterSession()                 {}
func (noopReporter) UnregisterSession()               {}
func (noopReporter) IncMessagesSent(string)           {}
func (noopReporter) IncMessagesReceived(string)       {}
func (noopReporter) RecordStateTransition(_, _ string) {}
func (noopReporter) IncHeartbeatTimeouts()            {}
func (noopReporter) IncRecoveries()                   {}
func (noopReporter) IncRebinds()                      {}
func (noopReporter) IncAuthFailures()                 {}
func (noopReporter) IncDropped(string)                {}
