package session

import "resq/go-sos-agent/internal/model"

// Display is the single view a session maps to.
type Display string

const (
	DisplaySearching        Display = "SEARCHING"
	DisplayGuardAssigned    Display = "GUARD_ASSIGNED"
	DisplayNoGuardAvailable Display = "NO_GUARD_AVAILABLE"
	DisplayResolved         Display = "RESOLVED"
)

// DisplayFor derives the display from the latest merged data.
// Precedence: resolved, then assignment, then no-guard, then searching.
func DisplayFor(s *model.IncidentSession) Display {
	switch {
	case s == nil:
		return ""
	case s.Status == model.StatusResolved:
		return DisplayResolved
	case s.GuardAssignment != nil:
		return DisplayGuardAssigned
	case s.GuardStatus == model.GuardNoAssignment:
		return DisplayNoGuardAvailable
	default:
		return DisplaySearching
	}
}
