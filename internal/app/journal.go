package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"resq/go-sos-agent/internal/model"
	"resq/go-sos-agent/internal/session"
	"resq/go-sos-agent/internal/store"
)

// journal persists session events to the local store.
type journal struct {
	store  *store.Store
	logger *slog.Logger
}

func newJournal(s *store.Store, logger *slog.Logger) *journal {
	return &journal{store: s, logger: logger}
}

func (j *journal) Observe(ev session.Event) {
	if ev.LocalID == "" {
		return
	}
	// Unchanged polls carry nothing new.
	if ev.Kind == session.EventPolled && !ev.Changed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	state := string(ev.State)
	switch ev.Kind {
	case session.EventCancelled:
		state = "CANCELLED"
	case session.EventDismissed:
		state = "DISMISSED"
	}

	rec := model.SessionRecord{
		LocalID:    ev.LocalID,
		IncidentID: ev.IncidentID,
		State:      state,
		Display:    string(ev.Display),
		Session:    ev.Session,
		UpdatedAt:  ev.At,
	}
	if ev.Session != nil {
		rec.CreatedAt = ev.Session.CreatedAt
	}
	if err := j.store.UpsertSession(ctx, rec); err != nil {
		j.logger.Error("failed to journal session", "session", ev.LocalID, "error", err)
		return
	}

	if err := j.store.AppendSessionEvent(ctx, model.SessionEventRecord{
		LocalID:    ev.LocalID,
		IncidentID: ev.IncidentID,
		Kind:       string(ev.Kind),
		State:      state,
		Display:    string(ev.Display),
		Detail:     eventDetail(ev),
		CreatedAt:  ev.At,
	}); err != nil {
		j.logger.Error("failed to journal session event", "session", ev.LocalID, "kind", string(ev.Kind), "error", err)
	}

	if ev.Kind == session.EventRated && ev.Rating != nil {
		if err := j.store.InsertRating(ctx, ev.LocalID, *ev.Rating); err != nil {
			j.logger.Error("failed to journal rating", "session", ev.LocalID, "error", err)
		}
	}
}

func eventDetail(ev session.Event) string {
	switch {
	case ev.Err != nil:
		return ev.Err.Error()
	case ev.Rating != nil:
		return fmt.Sprintf("%d stars", ev.Rating.Stars)
	case ev.Session != nil && ev.Session.StatusMessage != "":
		return ev.Session.StatusMessage
	}
	return ""
}
