package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"resq/go-sos-agent/internal/model"
	"resq/go-sos-agent/internal/session"
)

// counterValue reads a counter from reg. Label is matched against the single label value,
// and is empty for unlabelled counters.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := metric.GetLabel()
			if label == "" && len(labels) == 0 || len(labels) == 1 && labels[0].GetValue() == label {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestScanObserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ScanObserved(model.BeaconSignal{Origin: model.OriginFallback})
	m.ScanObserved(model.BeaconSignal{Origin: model.OriginFallback})
	m.ScanObserved(model.BeaconSignal{Origin: model.OriginDiscovered})

	if got := counterValue(t, reg, "resq_beacon_scans_total", "fallback"); got != 2 {
		t.Fatalf("expected 2 fallback scans, got %v", got)
	}
	if got := counterValue(t, reg, "resq_beacon_scans_total", "discovered"); got != 1 {
		t.Fatalf("expected 1 discovered scan, got %v", got)
	}
}

func TestObserveSessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	events := []session.Event{
		{Kind: session.EventStarted, LocalID: "a", State: session.StateInitializing},
		{Kind: session.EventSubmitted, LocalID: "a", State: session.StateActive},
		{Kind: session.EventPolled, LocalID: "a", State: session.StateActive},
		{Kind: session.EventPollFailed, LocalID: "a", State: session.StateActive, Err: errors.New("offline")},
		{Kind: session.EventPolled, LocalID: "a", State: session.StateActive},
		{Kind: session.EventResolved, LocalID: "a", State: session.StateResolved},
		{Kind: session.EventRated, LocalID: "a", State: session.StateResolved},
		{Kind: session.EventDismissed, LocalID: "a", State: session.StateIdle},
	}
	for _, ev := range events {
		m.Observe(ev)
	}

	checks := []struct {
		name  string
		label string
		want  float64
	}{
		{"resq_incident_submissions_total", "success", 1},
		{"resq_status_polls_total", "success", 2},
		{"resq_status_polls_total", "failure", 1},
		{"resq_ratings_total", "", 1},
		{"resq_session_transitions_total", "INITIALIZING", 1},
		{"resq_session_transitions_total", "ACTIVE", 1},
		{"resq_session_transitions_total", "RESOLVED", 1},
		{"resq_session_transitions_total", "IDLE", 1},
	}
	for _, tc := range checks {
		if got := counterValue(t, reg, tc.name, tc.label); got != tc.want {
			t.Fatalf("%s{%s}: want %v got %v", tc.name, tc.label, tc.want, got)
		}
	}
}

func TestResolvedSessionsAreForgotten(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	for i, id := range []string{"a", "b", "c"} {
		m.Observe(session.Event{Kind: session.EventStarted, LocalID: id, State: session.StateInitializing})
		m.Observe(session.Event{Kind: session.EventSubmitted, LocalID: id, State: session.StateActive})
		m.Observe(session.Event{Kind: session.EventPolled, LocalID: id, State: session.StateActive})
		m.Observe(session.Event{Kind: session.EventResolved, LocalID: id, State: session.StateResolved})
		if i == 0 {
			m.Observe(session.Event{Kind: session.EventRated, LocalID: id, State: session.StateResolved})
		}
	}
	// Resolved on submission: submitted already carries the RESOLVED state.
	m.Observe(session.Event{Kind: session.EventStarted, LocalID: "d", State: session.StateInitializing})
	m.Observe(session.Event{Kind: session.EventSubmitted, LocalID: "d", State: session.StateResolved})
	m.Observe(session.Event{Kind: session.EventResolved, LocalID: "d", State: session.StateResolved})

	m.mu.Lock()
	tracked := len(m.lastState)
	m.mu.Unlock()
	if tracked != 0 {
		t.Fatalf("expected resolved sessions to be dropped, still tracking %d", tracked)
	}
	if got := counterValue(t, reg, "resq_session_transitions_total", "RESOLVED"); got != 4 {
		t.Fatalf("expected one RESOLVED transition per session, got %v", got)
	}
}

func TestObserveSubmissionFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Observe(session.Event{Kind: session.EventStarted, LocalID: "a", State: session.StateInitializing})
	m.Observe(session.Event{Kind: session.EventSubmissionFailed, LocalID: "a", State: session.StateError})
	m.Observe(session.Event{Kind: session.EventRetrySubmit, LocalID: "a", State: session.StateInitializing})

	if got := counterValue(t, reg, "resq_incident_submissions_total", "failure"); got != 1 {
		t.Fatalf("expected 1 failed submission, got %v", got)
	}
	if got := counterValue(t, reg, "resq_session_transitions_total", "INITIALIZING"); got != 2 {
		t.Fatalf("expected retry to count as a transition, got %v", got)
	}
}
