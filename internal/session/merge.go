package session

import (
	"time"

	"resq/go-sos-agent/internal/model"
)

// Merge applies one status poll to s and reports whether anything changed.
// Absent fields leave the session untouched; a guard assignment is never cleared;
// a resolved status is final.
func Merge(s *model.IncidentSession, poll model.StatusPoll, now time.Time) bool {
	if s == nil {
		return false
	}
	changed := false

	if poll.Status != "" && poll.Status != s.Status && s.Status != model.StatusResolved {
		s.Status = poll.Status
		changed = true
	}

	if poll.GuardStatus != nil {
		if s.GuardStatus != poll.GuardStatus.Status || s.StatusMessage != poll.GuardStatus.Message {
			s.GuardStatus = poll.GuardStatus.Status
			s.StatusMessage = poll.GuardStatus.Message
			changed = true
		}
	}

	if poll.PendingAlerts != nil {
		if n := len(*poll.PendingAlerts); n != s.PendingAlertCount {
			s.PendingAlertCount = n
			changed = true
		}
	}

	if poll.GuardAssignment != nil && poll.GuardAssignment.Guard != nil {
		assignment := poll.GuardAssignment.Guard.Assignment()
		if s.GuardAssignment == nil || *s.GuardAssignment != assignment {
			s.GuardAssignment = &assignment
			changed = true
		}
	}

	// A null priority is treated like an absent one and keeps the current value.
	switch {
	case poll.Priority != nil:
		p := model.Priority{Level: *poll.Priority}
		if poll.PriorityDisplay != nil {
			p.Label = *poll.PriorityDisplay
		} else if s.Priority != nil && s.Priority.Level == p.Level {
			p.Label = s.Priority.Label
		}
		if s.Priority == nil || *s.Priority != p {
			s.Priority = &p
			changed = true
		}
	case poll.PriorityDisplay != nil && s.Priority != nil && s.Priority.Label != *poll.PriorityDisplay:
		s.Priority.Label = *poll.PriorityDisplay
		changed = true
	}

	if poll.Location != nil && *poll.Location != "" && *poll.Location != s.LocationLabel {
		s.LocationLabel = *poll.Location
		changed = true
	}

	if changed {
		s.UpdatedAt = now
	}
	return changed
}
