package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ChannelState("CONNECTED")
	m.ReconnectAttempt()
	m.HandlerPanic("private-message")
	m.Reconciled("applied")
	m.Refetch()
	m.Snapshot(true)
	m.CallPhase("RINGING")
	m.CallEnded("completed")
	m.SignalingFailure("join", "timeout")
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestChannelStateIsExclusive(t *testing.T) {
	m := New()
	m.ChannelState("CONNECTING")
	m.ChannelState("CONNECTED")
	if got := testutil.ToFloat64(m.channelState.WithLabelValues("CONNECTED")); got != 1 {
		t.Errorf("CONNECTED = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.channelState.WithLabelValues("CONNECTING")); got != 0 {
		t.Errorf("CONNECTING = %v, want 0", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Reconciled("applied")
	m.Reconciled("applied")
	m.Reconciled("duplicate")
	m.CallEnded("busy")
	if got := testutil.ToFloat64(m.reconciled.WithLabelValues("applied")); got != 2 {
		t.Errorf("applied = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.callEnds.WithLabelValues("busy")); got != 1 {
		t.Errorf("busy = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Refetch()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "heartline_chat_refetches_total 1") {
		t.Errorf("refetch counter missing from exposition:\n%s", body)
	}
}
