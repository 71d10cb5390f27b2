package incidentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"resq/go-sos-agent/internal/model"
)

const (
	DefaultBaseURL = "https://resq-server.onrender.com/api"
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// ErrMissingIncidentID is returned when a submission succeeds without naming the incident.
var ErrMissingIncidentID = errors.New("response missing incident_id")

// Client talks to the remote incident service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs a client. An empty token sends unauthenticated requests.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ReportSOS submits a new SOS incident.
func (c *Client) ReportSOS(ctx context.Context, report model.SOSReport) (model.SubmitResponse, error) {
	var resp model.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/incidents/report_sos/", nil, report, &resp); err != nil {
		return model.SubmitResponse{}, err
	}
	if resp.IncidentID == "" {
		return model.SubmitResponse{}, parseError(http.StatusOK, ErrMissingIncidentID)
	}
	return resp, nil
}

// PollStatus fetches the current status of an incident.
func (c *Client) PollStatus(ctx context.Context, id model.ID) (model.StatusPoll, error) {
	var poll model.StatusPoll
	err := c.do(ctx, http.MethodGet, "/incidents/"+url.PathEscape(id.String())+"/status_poll/", nil, nil, &poll)
	return poll, err
}

// SubmitRating sends a satisfaction rating for a resolved incident.
func (c *Client) SubmitRating(ctx context.Context, rating model.Rating) error {
	body := struct {
		Rating   int    `json:"rating"`
		Feedback string `json:"feedback,omitempty"`
	}{Rating: rating.Stars, Feedback: rating.Feedback}
	return c.do(ctx, http.MethodPost, "/incidents/"+url.PathEscape(rating.IncidentID.String())+"/rate/", nil, body, nil)
}

// ListIncidents returns the caller's incidents.
func (c *Client) ListIncidents(ctx context.Context) ([]model.IncidentSummary, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/incidents/", nil, nil, &raw); err != nil {
		return nil, err
	}
	var incidents []model.IncidentSummary
	if err := decodeList(raw, &incidents); err != nil {
		return nil, parseError(http.StatusOK, err)
	}
	return incidents, nil
}

// EventFilter narrows IncidentEvents.
type EventFilter struct {
	Limit     int
	EventType string
}

// IncidentEvents returns the event history of one incident.
func (c *Client) IncidentEvents(ctx context.Context, id model.ID, filter EventFilter) ([]model.IncidentEvent, error) {
	query := url.Values{}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.EventType != "" {
		query.Set("event_type", filter.EventType)
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/incidents/"+url.PathEscape(id.String())+"/events/", query, nil, &raw); err != nil {
		return nil, err
	}
	var events []model.IncidentEvent
	if err := decodeList(raw, &events); err != nil {
		return nil, parseError(http.StatusOK, err)
	}
	return events, nil
}

// ListBeacons returns the server's beacon catalogue.
func (c *Client) ListBeacons(ctx context.Context) ([]model.Beacon, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/beacons/", nil, nil, &raw); err != nil {
		return nil, err
	}
	var beacons []model.Beacon
	if err := decodeList(raw, &beacons); err != nil {
		return nil, parseError(http.StatusOK, err)
	}
	return beacons, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("incident api request failed", "method", method, "path", path, "error", err)
		return networkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return networkError(err)
	}

	c.logger.Debug("incident api request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return parseError(resp.StatusCode, err)
	}
	return nil
}

// decodeList accepts either a bare array or a paginated {"results": [...]} envelope.
func decodeList(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var page struct {
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return err
	}
	if len(page.Results) == 0 {
		return errors.New("expected list or results envelope")
	}
	return json.Unmarshal(page.Results, out)
}
