package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFollowUpMetricsCountsTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFollowUpMetrics(reg)
	m.ObserveTransition("patient_message", "AWAITING_PATIENT", "AWAITING_EXTRACTION")
	m.ObserveTransition("patient_message", "AWAITING_PATIENT", "AWAITING_EXTRACTION")
	m.ObserveConflict()

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("patient_message", "AWAITING_PATIENT", "AWAITING_EXTRACTION")); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.conflicts); got != 1 {
		t.Fatalf("expected 1 conflict, got %v", got)
	}
}

func TestFollowUpMetricsSeparatesDuplicatesFromStale(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFollowUpMetrics(reg)
	m.ObserveDuplicate("patient_message")
	m.ObserveStale("extraction_result")
	m.ObserveStale("extraction_result")

	if got := testutil.ToFloat64(m.duplicates.WithLabelValues("patient_message")); got != 1 {
		t.Fatalf("expected 1 duplicate, got %v", got)
	}
	if got := testutil.ToFloat64(m.duplicates.WithLabelValues("extraction_result")); got != 0 {
		t.Fatalf("stale results must not count as duplicates, got %v", got)
	}
	if got := testutil.ToFloat64(m.stale.WithLabelValues("extraction_result")); got != 2 {
		t.Fatalf("expected 2 stale results, got %v", got)
	}
}

func TestMessagingMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMessagingMetrics(reg)
	m.ObserveInbound("message", "accepted")
	m.ObserveOutbound("whatsapp", "sent")
	m.ObserveWebhookLatency("message", 0.5)

	if got := testutil.ToFloat64(m.outboundTotal.WithLabelValues("whatsapp", "sent")); got != 1 {
		t.Fatalf("expected 1 outbound, got %v", got)
	}
}

func TestAssistantAndReminderMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewAssistantMetrics(reg)
	r := NewReminderMetrics(reg)
	a.ObserveCall("extract", "ok", 1.2)
	r.ObserveResult("created")
	r.ObserveSweep()

	if got := testutil.ToFloat64(r.results.WithLabelValues("created")); got != 1 {
		t.Fatalf("expected 1 created reminder, got %v", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var f *FollowUpMetrics
	f.ObserveTransition("e", "a", "b")
	f.ObserveRejected("e", "s")
	f.ObserveDuplicate("e")
	f.ObserveStale("e")
	f.ObserveConflict()

	var m *MessagingMetrics
	m.ObserveInbound("event", "status")
	m.ObserveOutbound("sms", "failed")
	m.ObserveWebhookLatency("event", 0.1)

	var a *AssistantMetrics
	a.ObserveCall("draft", "timeout", 1)

	var r *ReminderMetrics
	r.ObserveResult("skipped")
	r.ObserveSweep()
}
