package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// IncidentStatus is the server-authoritative lifecycle status of an incident.
type IncidentStatus string

const (
	StatusCreated    IncidentStatus = "CREATED"
	StatusAssigned   IncidentStatus = "ASSIGNED"
	StatusInProgress IncidentStatus = "IN_PROGRESS"
	StatusResolved   IncidentStatus = "RESOLVED"
)

// GuardStatus is the server's view of the guard search. The empty value means none reported yet.
type GuardStatus string

const (
	GuardNoAssignment GuardStatus = "NO_ASSIGNMENT"
	GuardWaiting      GuardStatus = "WAITING_FOR_GUARD"
	GuardAssigned     GuardStatus = "GUARD_ASSIGNED"
)

// ID is a server identifier that may arrive as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// GuardAssignment describes the responder assigned to an incident.
type GuardAssignment struct {
	Name           string `json:"name"`
	ContactPhone   string `json:"contact_phone,omitempty"`
	ContactChannel string `json:"contact_channel,omitempty"`
}

// Priority is an advisory numeric priority and its display label.
type Priority struct {
	Level int    `json:"level"`
	Label string `json:"label,omitempty"`
}

// IncidentSession mirrors one incident as last reported by the remote service.
type IncidentSession struct {
	LocalID           string           `json:"local_id"`
	IncidentID        ID               `json:"incident_id,omitempty"`
	Status            IncidentStatus   `json:"status"`
	GuardStatus       GuardStatus      `json:"guard_status,omitempty"`
	StatusMessage     string           `json:"status_message,omitempty"`
	GuardAssignment   *GuardAssignment `json:"guard_assignment,omitempty"`
	PendingAlertCount int              `json:"pending_alert_count"`
	Priority          *Priority        `json:"priority,omitempty"`
	LocationLabel     string           `json:"location_label"`
	Signal            BeaconSignal     `json:"signal"`
	Position          *Position        `json:"position,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *IncidentSession) Clone() *IncidentSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.GuardAssignment != nil {
		g := *s.GuardAssignment
		out.GuardAssignment = &g
	}
	if s.Priority != nil {
		p := *s.Priority
		out.Priority = &p
	}
	if s.Position != nil {
		p := *s.Position
		out.Position = &p
	}
	if s.Signal.RSSI != nil {
		r := *s.Signal.RSSI
		out.Signal.RSSI = &r
	}
	return &out
}

// SOSReport is the request body of an SOS submission.
type SOSReport struct {
	BeaconID    string   `json:"beacon_id"`
	Description string   `json:"description"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// SubmitResponse is the body returned by a successful SOS submission.
type SubmitResponse struct {
	IncidentID ID                 `json:"incident_id"`
	Status     IncidentStatus     `json:"status,omitempty"`
	Incident   *SubmittedIncident `json:"incident,omitempty"`
}

// SubmittedIncident is the optional incident echo inside a submission response.
type SubmittedIncident struct {
	Status IncidentStatus `json:"status,omitempty"`
	Beacon *struct {
		LocationName string `json:"location_name,omitempty"`
	} `json:"beacon,omitempty"`
}

// InitialStatus returns the status carried by the submission response, if any.
func (r SubmitResponse) InitialStatus() IncidentStatus {
	if r.Status != "" {
		return r.Status
	}
	if r.Incident != nil {
		return r.Incident.Status
	}
	return ""
}

// LocationName returns the beacon location echoed by the server, if any.
func (r SubmitResponse) LocationName() string {
	if r.Incident != nil && r.Incident.Beacon != nil {
		return r.Incident.Beacon.LocationName
	}
	return ""
}

// StatusPoll is one status_poll response. Nil pointers mean the field was absent and
// carry no update.
type StatusPoll struct {
	Status          IncidentStatus         `json:"status"`
	GuardStatus     *GuardStatusReport     `json:"guard_status,omitempty"`
	PendingAlerts   *[]json.RawMessage     `json:"pending_alerts,omitempty"`
	GuardAssignment *GuardAssignmentReport `json:"guard_assignment,omitempty"`
	Priority        *int                   `json:"priority,omitempty"`
	PriorityDisplay *string                `json:"priority_display,omitempty"`
	Location        *string                `json:"location,omitempty"`
}

// GuardStatusReport is the guard_status object of a poll response.
type GuardStatusReport struct {
	Status  GuardStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// GuardAssignmentReport is the guard_assignment object of a poll response.
type GuardAssignmentReport struct {
	Guard *GuardProfile `json:"guard"`
}

// GuardProfile is the guard as the server describes it.
type GuardProfile struct {
	FullName string `json:"full_name,omitempty"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Assignment converts the wire profile into the session's assignment record.
func (g GuardProfile) Assignment() GuardAssignment {
	name := g.FullName
	if name == "" {
		name = g.Name
	}
	return GuardAssignment{Name: name, ContactPhone: g.Phone, ContactChannel: g.Email}
}

// IncidentSummary is one row of the student's incident list.
type IncidentSummary struct {
	ID          ID             `json:"id"`
	Type        string         `json:"type,omitempty"`
	Status      IncidentStatus `json:"status"`
	Description string         `json:"description,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
}

// IncidentEvent is one entry of an incident's event history.
type IncidentEvent struct {
	ID        ID              `json:"id"`
	EventType string          `json:"event_type"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
}

// Beacon is an entry of the server's beacon catalogue.
type Beacon struct {
	ID           ID     `json:"id"`
	BeaconID     string `json:"beacon_id,omitempty"`
	LocationName string `json:"location_name,omitempty"`
	Building     string `json:"building,omitempty"`
	Floor        *int   `json:"floor,omitempty"`
	IsActive     bool   `json:"is_active"`
}

// Rating is a satisfaction rating left after an incident resolves.
type Rating struct {
	IncidentID ID        `json:"incident_id"`
	Stars      int       `json:"rating"`
	Feedback   string    `json:"feedback,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
