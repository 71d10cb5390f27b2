package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"resq/go-sos-agent/internal/model"
	"resq/go-sos-agent/internal/session"
)

// Metrics holds the agent's Prometheus collectors and turns session events into samples.
type Metrics struct {
	scans       *prometheus.CounterVec
	submissions *prometheus.CounterVec
	polls       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	ratings     prometheus.Counter

	mu        sync.Mutex
	lastState map[string]session.State
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_beacon_scans_total",
			Help: "Proximity scans by signal origin.",
		}, []string{"origin"}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_incident_submissions_total",
			Help: "SOS submissions by result.",
		}, []string{"result"}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_status_polls_total",
			Help: "Status polls by result.",
		}, []string{"result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_session_transitions_total",
			Help: "Session state transitions by target state.",
		}, []string{"state"}),
		ratings: f.NewCounter(prometheus.CounterOpts{
			Name: "resq_ratings_total",
			Help: "Ratings submitted after resolution.",
		}),
		lastState: make(map[string]session.State),
	}
}

// ScanObserved counts one resolved beacon signal.
func (m *Metrics) ScanObserved(sig model.BeaconSignal) {
	m.scans.WithLabelValues(string(sig.Origin)).Inc()
}

// Observe implements session.Observer.
func (m *Metrics) Observe(e session.Event) {
	switch e.Kind {
	case session.EventSubmitted:
		m.submissions.WithLabelValues("success").Inc()
	case session.EventSubmissionFailed:
		m.submissions.WithLabelValues("failure").Inc()
	case session.EventPolled:
		m.polls.WithLabelValues("success").Inc()
	case session.EventPollFailed:
		m.polls.WithLabelValues("failure").Inc()
	case session.EventRated:
		m.ratings.Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch e.Kind {
	case session.EventCancelled, session.EventDismissed:
		delete(m.lastState, e.LocalID)
		m.transitions.WithLabelValues(string(session.StateIdle)).Inc()
		return
	case session.EventResolved:
		// RESOLVED is final; later events for the session never change its state.
		delete(m.lastState, e.LocalID)
		m.transitions.WithLabelValues(string(session.StateResolved)).Inc()
		return
	}
	if e.State == "" || e.State == session.StateResolved || m.lastState[e.LocalID] == e.State {
		return
	}
	m.lastState[e.LocalID] = e.State
	m.transitions.WithLabelValues(string(e.State)).Inc()
}
