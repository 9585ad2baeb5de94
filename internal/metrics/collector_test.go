package connmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	connmetrics "github.com/cubbylabs/cubby-connect/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := connmetrics.NewCollector(reg)

	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.MessagesSent == nil {
		t.Error("MessagesSent is nil")
	}
	if c.MessagesReceived == nil {
		t.Error("MessagesReceived is nil")
	}
	if c.StateTransitions == nil {
		t.Error("StateTransitions is nil")
	}
	if c.MessagesDropped == nil {
		t.Error("MessagesDropped is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestRegisterUnregisterSession(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := connmetrics.NewCollector(reg)

	// Register two sessions -- gauge should go to 2.
	c.RegisterSession()
	c.RegisterSession()

	if val := gaugeValue(t, c.Sessions); val != 2 {
		t.Errorf("after RegisterSession x2: gauge = %v, want 2", val)
	}

	// Unregister one -- gauge should go back to 1.
	c.UnregisterSession()

	if val := gaugeValue(t, c.Sessions); val != 1 {
		t.Errorf("after UnregisterSession: gauge = %v, want 1", val)
	}
}

func TestMessageCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := connmetrics.NewCollector(reg)

	// Increment sent counter 3 times on the stream transport.
	c.IncMessagesSent("stream")
	c.IncMessagesSent("stream")
	c.IncMessagesSent("stream")

	if val := counterValue(t, c.MessagesSent, "stream"); val != 3 {
		t.Errorf("MessagesSent(stream) = %v, want 3", val)
	}

	// Increment received counter 2 times on the datagram transport.
	c.IncMessagesReceived("datagram")
	c.IncMessagesReceived("datagram")

	if val := counterValue(t, c.MessagesReceived, "datagram"); val != 2 {
		t.Errorf("MessagesReceived(datagram) = %v, want 2", val)
	}

	// Transports must count independently.
	if val := counterValue(t, c.MessagesSent, "datagram"); val != 0 {
		t.Errorf("MessagesSent(datagram) = %v, want 0", val)
	}
}

func TestDroppedByCause(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := connmetrics.NewCollector(reg)

	c.IncDropped("replay")
	c.IncDropped("replay")
	c.IncDropped("unroutable")

	if val := counterValue(t, c.MessagesDropped, "replay"); val != 2 {
		t.Errorf("MessagesDropped(replay) = %v, want 2", val)
	}
	if val := counterValue(t, c.MessagesDropped, "unroutable"); val != 1 {
		t.Errorf("MessagesDropped(unroutable) = %v, want 1", val)
	}
}

func TestStateTransition(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := connmetrics.NewCollector(reg)

	// Record an Active->Reconnecting transition.
	c.RecordStateTransition("Active", "Reconnecting")

	val := counterValue(t, c.StateTransitions, "Active", "Reconnecting")
	if val != 1 {
		t.Errorf("StateTransitions(Active->Reconnecting) = %v, want 1", val)
	}

	// Record a Reconnecting->Active transition.
	c.RecordStateTransition("Reconnecting", "Active")

	val = counterValue(t, c.StateTransitions, "Reconnecting", "Active")
	if val != 1 {
		t.Errorf("StateTransitions(Reconnecting->Active) = %v, want 1", val)
	}

	// Record another Active->Reconnecting -- counter should be 2.
	c.RecordStateTransition("Active", "Reconnecting")

	val = counterValue(t, c.StateTransitions, "Active", "Reconnecting")
	if val != 2 {
		t.Errorf("StateTransitions(Active->Reconnecting) = %v, want 2", val)
	}
}

func TestLivenessAndAuthCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := connmetrics.NewCollector(reg)

	c.IncHeartbeatTimeouts()
	c.IncRecoveries()
	c.IncRebinds()
	c.IncAuthFailures()
	c.IncAuthFailures()

	if val := plainCounterValue(t, c.HeartbeatTimeouts); val != 1 {
		t.Errorf("HeartbeatTimeouts = %v, want 1", val)
	}
	if val := plainCounterValue(t, c.Recoveries); val != 1 {
		t.Errorf("Recoveries = %v, want 1", val)
	}
	if val := plainCounterValue(t, c.Rebinds); val != 1 {
		t.Errorf("Rebinds = %v, want 1", val)
	}
	if val := plainCounterValue(t, c.AuthFailures); val != 2 {
		t.Errorf("AuthFailures = %v, want 2", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a plain Gauge.
func gaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// plainCounterValue reads the current value of a plain Counter.
func plainCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
