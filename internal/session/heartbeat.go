package session

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// This file implements per-session liveness supervision. The monitor is
// driven by discrete events from the session event loop (timer tick, pong
// received); it performs no I/O and owns no goroutine, which keeps the
// liveness logic testable apart from the transports.
//
// Probes travel over the datagram path when one is bound, falling back to
// the stream path. Because datagram loss alone must not kill a session,
// the monitor asks for probe duplication on the stream path once the
// outstanding count passes half the failure threshold: datagram-only
// silence reads as path degradation, silence on both paths as peer loss.

// -------------------------------------------------------------------------
// Verdict
// -------------------------------------------------------------------------

// Verdict is the monitor's current liveness assessment.
type Verdict uint8

const (
	// VerdictAlive: the most recent probe window was answered.
	VerdictAlive Verdict = iota

	// VerdictSuspect: at least one probe is unanswered but the failure
	// threshold has not been reached.
	VerdictSuspect

	// VerdictDead: more than the threshold of consecutive probes went
	// unanswered on every bound path; the session must enter recovery.
	VerdictDead
)

// verdictNames maps verdicts to human-readable strings.
var verdictNames = [3]string{"Alive", "Suspect", "Dead"}

// String returns the human-readable name for the verdict.
func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return fmt.Sprintf(unknownFmt, v)
}

// -------------------------------------------------------------------------
// HeartbeatRecord
// -------------------------------------------------------------------------

// HeartbeatRecord is a point-in-time snapshot of a session's liveness
// state, exposed for diagnostics.
type HeartbeatRecord struct {
	// LastProbeSent is when the most recent probe was emitted.
	LastProbeSent time.Time

	// LastPongReceived is when the most recent valid pong arrived.
	LastPongReceived time.Time

	// Outstanding is the number of unanswered probes.
	Outstanding int

	// Verdict is the current liveness assessment.
	Verdict Verdict
}

// -------------------------------------------------------------------------
// Monitor
// -------------------------------------------------------------------------

// Monitor tracks the probe/response cycle for one session. It is owned by
// the session event loop and is not safe for concurrent use.
type Monitor struct {
	// threshold is the outstanding-probe count beyond which the verdict
	// becomes Dead (the configured K).
	threshold int

	// window holds the nonces of unanswered probes, oldest first. A pong
	// matching any nonce in the window answers the whole window; nonces
	// outside it are late echoes and are ignored.
	window []uint64

	lastProbeSent    time.Time
	lastPongReceived time.Time
	verdict          Verdict
}

// NewMonitor creates a liveness monitor with the given failure threshold.
// The probe interval itself is owned by the session's ticker.
func NewMonitor(threshold int) *Monitor {
	return &Monitor{
		threshold: threshold,
		window:    make([]uint64, 0, threshold+1),
		verdict:   VerdictAlive,
	}
}

// Probe describes the probe the session must send after a tick.
type Probe struct {
	// Nonce is the fresh probe nonce.
	Nonce uint64

	// DuplicateOnStream requests that the probe also be sent on the
	// stream path even when the datagram path is bound.
	DuplicateOnStream bool

	// Dead is true when the failure threshold was exceeded before this
	// tick; the session must raise EventPeerLost instead of probing.
	Dead bool
}

// Tick advances the probe cycle: any probe still in the window is counted
// as unanswered, the verdict is recomputed, and a fresh nonce is issued.
//
// Probe nonces use math/rand/v2; they deduplicate echoes within a short
// window and are not security-sensitive.
func (m *Monitor) Tick(now time.Time) Probe {
	unanswered := len(m.window)

	switch {
	case unanswered > m.threshold:
		m.verdict = VerdictDead
		return Probe{Dead: true}
	case unanswered > 0:
		m.verdict = VerdictSuspect
	default:
		m.verdict = VerdictAlive
	}

	nonce := rand.Uint64() //nolint:gosec // G404: probe nonces are not security-sensitive
	m.window = append(m.window, nonce)
	m.lastProbeSent = now

	return Probe{
		Nonce:             nonce,
		DuplicateOnStream: unanswered > m.threshold/2,
	}
}

// OnPong processes an echoed nonce. A nonce inside the outstanding window
// answers the entire window, resets the count to zero, and restores the
// Alive verdict. A mismatched or late nonce is ignored and reported as
// unmatched, never treated as an error.
func (m *Monitor) OnPong(nonce uint64, now time.Time) (matched bool) {
	for _, w := range m.window {
		if w == nonce {
			m.window = m.window[:0]
			m.lastPongReceived = now
			m.verdict = VerdictAlive
			return true
		}
	}
	return false
}

// Reset clears the probe window and restores the Alive verdict. Called
// when a session rebinds: the old path's unanswered probes say nothing
// about the new one.
func (m *Monitor) Reset() {
	m.window = m.window[:0]
	m.verdict = VerdictAlive
}

// Outstanding returns the number of unanswered probes.
func (m *Monitor) Outstanding() int { return len(m.window) }

// Verdict returns the current liveness assessment.
func (m *Monitor) Verdict() Verdict { return m.verdict }

// Record returns a diagnostic snapshot of the monitor.
func (m *Monitor) Record() HeartbeatRecord {
	return HeartbeatRecord{
		LastProbeSent:    m.lastProbeSent,
		LastPongReceived: m.lastPongReceived,
		Outstanding:      len(m.window),
		Verdict:          m.verdict,
	}
}
