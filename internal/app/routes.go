package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"resq/go-sos-agent/internal/incidentapi"
	"resq/go-sos-agent/internal/model"
	"resq/go-sos-agent/internal/session"
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/sos", a.handleStartSOS)

		r.Get("/session", a.handleSession)
		r.Post("/session/cancel", a.handleCancel)
		r.Post("/session/retry", a.handleRetry)
		r.Post("/session/dismiss", a.handleDismiss)
		r.Post("/session/rating", a.handleRating)

		r.Get("/sessions", a.handleRecentSessions)
		r.Get("/sessions/{localID}/events", a.handleSessionEvents)

		r.Get("/beacons/discovered", a.handleDiscoveredBeacons)
		r.Get("/beacons", a.handleBeacons)
		r.Get("/incidents", a.handleIncidents)
		r.Get("/incidents/{id}/events", a.handleIncidentEvents)

		r.Post("/admin/wipe", a.handleWipeDatabase)
	})

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || a.controller == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store unreachable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store_unavailable"})
		return
	}

	resp := map[string]string{"status": "ready"}
	if a.scanner != nil {
		resp["scanner_broker"] = a.scanner.Broker()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleStartSOS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	// Submission continues if the caller disconnects mid-scan.
	snap, err := a.controller.StartSession(context.WithoutCancel(r.Context()), strings.TrimSpace(req.Description))
	if err != nil {
		a.writeSessionError(w, snap, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.controller.Snapshot())
}

func (a *App) handleCancel(w http.ResponseWriter, _ *http.Request) {
	snap, err := a.controller.Cancel()
	if err != nil {
		a.writeSessionError(w, snap, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *App) handleRetry(w http.ResponseWriter, r *http.Request) {
	snap, err := a.controller.Retry(context.WithoutCancel(r.Context()))
	if err != nil {
		a.writeSessionError(w, snap, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *App) handleDismiss(w http.ResponseWriter, _ *http.Request) {
	snap, err := a.controller.Dismiss()
	if err != nil {
		a.writeSessionError(w, snap, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *App) handleRating(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating   *int   `json:"rating"`
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rating == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	rating, err := a.controller.SubmitRating(*req.Rating, strings.TrimSpace(req.Feedback))
	if err != nil {
		a.writeSessionError(w, a.controller.Snapshot(), err)
		return
	}
	writeJSON(w, http.StatusAccepted, rating)
}

func (a *App) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 25, 250)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sessions, err := a.store.RecentSessions(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "store_error")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Sessions []model.SessionRecord `json:"sessions"`
	}{Sessions: sessions})
}

func (a *App) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	localID := chi.URLParam(r, "localID")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	events, err := a.store.SessionEvents(ctx, localID)
	if err != nil {
		a.logger.Error("failed to load session events", "session", localID, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Events []model.SessionEventRecord `json:"events"`
	}{Events: events})
}

func (a *App) handleDiscoveredBeacons(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	beacons, err := a.store.ListDiscoveredBeacons(ctx)
	if err != nil {
		a.logger.Error("failed to load discovered beacons", "error", err)
		writeError(w, http.StatusInternalServerError, "store_error")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Beacons []model.DiscoveredBeacon `json:"beacons"`
	}{Beacons: beacons})
}

func (a *App) handleBeacons(w http.ResponseWriter, r *http.Request) {
	beacons, err := a.catalog.ListBeacons(r.Context())
	if err != nil {
		a.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Beacons []model.Beacon `json:"beacons"`
	}{Beacons: beacons})
}

func (a *App) handleIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := a.catalog.ListIncidents(r.Context())
	if err != nil {
		a.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Incidents []model.IncidentSummary `json:"incidents"`
	}{Incidents: incidents})
}

func (a *App) handleIncidentEvents(w http.ResponseWriter, r *http.Request) {
	id := model.ID(chi.URLParam(r, "id"))
	filter := incidentapi.EventFilter{
		Limit:     queryLimit(r, 0, 500),
		EventType: strings.TrimSpace(r.URL.Query().Get("event_type")),
	}

	events, err := a.catalog.IncidentEvents(r.Context(), id, filter)
	if err != nil {
		a.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Events []model.IncidentEvent `json:"events"`
	}{Events: events})
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		writeError(w, http.StatusBadRequest, "confirmation_required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store_error")
		return
	}

	a.logger.Warn("wipe: session journal cleared")
	w.WriteHeader(http.StatusNoContent)
}

type sessionErrorResponse struct {
	Error   string           `json:"error"`
	Type    string           `json:"type,omitempty"`
	Message string           `json:"message,omitempty"`
	Session session.Snapshot `json:"session"`
}

func (a *App) writeSessionError(w http.ResponseWriter, snap session.Snapshot, err error) {
	resp := sessionErrorResponse{Session: snap}
	status := http.StatusConflict

	var subErr *session.SubmissionError
	switch {
	case errors.As(err, &subErr):
		status = http.StatusBadGateway
		resp.Error = "submission_failed"
		resp.Message = subErr.Err.Error()
		if apiErr, ok := incidentapi.AsError(subErr.Err); ok {
			resp.Type = apiErr.Type
			resp.Message = apiErr.Message
		}
	case errors.Is(err, session.ErrSessionInProgress):
		resp.Error = "session_in_progress"
	case errors.Is(err, session.ErrNoSession):
		resp.Error = "no_session"
	case errors.Is(err, session.ErrNoIncident):
		resp.Error = "no_incident"
	case errors.Is(err, session.ErrNotResolved):
		resp.Error = "not_resolved"
	case errors.Is(err, session.ErrAlreadyRated):
		resp.Error = "already_rated"
	case errors.Is(err, session.ErrCancelled):
		resp.Error = "cancelled"
	case errors.Is(err, session.ErrInvalidRating):
		status = http.StatusBadRequest
		resp.Error = "invalid_rating"
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
		resp.Error = "shutting_down"
	default:
		a.logger.Error("unexpected session error", "error", err)
		status = http.StatusInternalServerError
		resp.Error = "internal_error"
	}

	writeJSON(w, status, resp)
}

func (a *App) writeUpstreamError(w http.ResponseWriter, err error) {
	apiErr, ok := incidentapi.AsError(err)
	if !ok {
		a.logger.Error("incident service call failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error")
		return
	}

	a.logger.Warn("incident service call failed", "type", apiErr.Type, "status", apiErr.Status, "detail", apiErr.Detail)
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"error":   "upstream_error",
		"type":    apiErr.Type,
		"status":  apiErr.Status,
		"message": apiErr.Message,
	})
}

func queryLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 || parsed > max {
		return def
	}
	return parsed
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, out any) error {
	err := json.NewDecoder(r.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
