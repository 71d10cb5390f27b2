package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resq/go-sos-agent/internal/model"
)

// State is the controller's local lifecycle state, layered over the server-reported status.
type State string

const (
	StateIdle         State = "IDLE"
	StateInitializing State = "INITIALIZING"
	StateActive       State = "ACTIVE"
	StateResolved     State = "RESOLVED"
	StateError        State = "ERROR"
)

var (
	ErrSessionInProgress = errors.New("session already in progress")
	ErrNoSession         = errors.New("no active session")
	ErrNoIncident        = errors.New("session has no incident to poll")
	ErrNotResolved       = errors.New("session is not resolved")
	ErrInvalidRating     = errors.New("rating must be between 0 and 5")
	ErrAlreadyRated      = errors.New("session already rated")
	ErrCancelled         = errors.New("session cancelled")
	ErrClosed            = errors.New("controller closed")
)

// SubmissionError is the only failure surfaced to the user with a retry affordance.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit incident: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IncidentService is the remote incident API the controller depends on.
type IncidentService interface {
	ReportSOS(ctx context.Context, report model.SOSReport) (model.SubmitResponse, error)
	PollStatus(ctx context.Context, id model.ID) (model.StatusPoll, error)
	SubmitRating(ctx context.Context, rating model.Rating) error
}

// SignalResolver produces a beacon signal within a bounded time.
type SignalResolver interface {
	Scan(ctx context.Context, timeout time.Duration) model.BeaconSignal
}

// PositionProvider returns the device's geographic position, if known.
type PositionProvider interface {
	Position(ctx context.Context) (model.Position, error)
}

// ErrPositionUnavailable is returned by providers that have no fix.
var ErrPositionUnavailable = errors.New("position unavailable")

// StaticPosition serves a fixed, configured position.
type StaticPosition struct {
	Fixed *model.Position
}

func (p StaticPosition) Position(context.Context) (model.Position, error) {
	if p.Fixed == nil {
		return model.Position{}, ErrPositionUnavailable
	}
	return *p.Fixed, nil
}

// EventKind names what happened to a session.
type EventKind string

const (
	EventStarted          EventKind = "started"
	EventSubmitted        EventKind = "submitted"
	EventSubmissionFailed EventKind = "submission_failed"
	EventPolled           EventKind = "polled"
	EventPollFailed       EventKind = "poll_failed"
	EventResolved         EventKind = "resolved"
	EventCancelled        EventKind = "cancelled"
	EventDismissed        EventKind = "dismissed"
	EventRetrySearch      EventKind = "retry_search"
	EventRetrySubmit      EventKind = "retry_submit"
	EventRated            EventKind = "rated"
)

// Event is delivered to the Observer after the controller changes or polls a session.
// Session is a private copy and is nil once the session has been discarded.
type Event struct {
	Kind       EventKind
	LocalID    string
	IncidentID model.ID
	State      State
	Display    Display
	Session    *model.IncidentSession
	// Changed is set on EventPolled when the merge altered the session.
	Changed bool
	Rating  *model.Rating
	Err     error
	At      time.Time
}

// Observer receives session events outside the controller lock, one at a time and in the
// order they happened. Observe must not call back into the Controller.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}

// Snapshot is a consistent, copy-on-read view of the controller.
type Snapshot struct {
	State           State                  `json:"state"`
	Display         Display                `json:"display,omitempty"`
	Session         *model.IncidentSession `json:"session,omitempty"`
	Polling         bool                   `json:"polling"`
	PollFailures    int                    `json:"poll_failures,omitempty"`
	RatingRequested bool                   `json:"rating_requested"`
	Rated           bool                   `json:"rated,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
}
