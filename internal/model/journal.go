package model

import "time"

// SessionRecord is the journaled view of one local session.
type SessionRecord struct {
	LocalID    string           `json:"local_id"`
	IncidentID ID               `json:"incident_id,omitempty"`
	State      string           `json:"state"`
	Display    string           `json:"display,omitempty"`
	Session    *IncidentSession `json:"session,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// SessionEventRecord is one journaled lifecycle event.
type SessionEventRecord struct {
	ID         int64     `json:"id"`
	LocalID    string    `json:"local_id"`
	IncidentID ID        `json:"incident_id,omitempty"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	Display    string    `json:"display,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
