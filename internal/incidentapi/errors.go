package incidentapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error types reported by the client. They follow the remote service's HTTP status classes.
const (
	TypeNetwork      = "NETWORK_ERROR"
	TypeUnauthorized = "UNAUTHORIZED"
	TypeForbidden    = "FORBIDDEN"
	TypeBadRequest   = "BAD_REQUEST"
	TypeNotFound     = "NOT_FOUND"
	TypeServer       = "SERVER_ERROR"
	TypeParse        = "PARSE_ERROR"
	TypeOther        = "ERROR"
)

// Error describes a failed call to the incident service. Status is 0 when no response arrived.
type Error struct {
	Status  int
	Type    string
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Type, e.Detail)
	}
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same request could succeed.
func (e *Error) Retryable() bool {
	return e.Status == 0 || e.Status >= 500
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func networkError(err error) *Error {
	return &Error{
		Type:    TypeNetwork,
		Message: "Network error. Please check your connection.",
		Detail:  err.Error(),
		Err:     err,
	}
}

func parseError(status int, err error) *Error {
	return &Error{
		Status:  status,
		Type:    TypeParse,
		Message: "Invalid server response. Please try again.",
		Detail:  err.Error(),
		Err:     err,
	}
}

func statusError(status int, body []byte) *Error {
	detail := extractDetail(body)
	e := &Error{Status: status, Detail: detail}

	switch {
	case status == http.StatusUnauthorized:
		e.Type, e.Message = TypeUnauthorized, "Session expired. Please login again."
		if detail == "" {
			e.Detail = "Invalid token"
		}
	case status == http.StatusForbidden:
		e.Type, e.Message = TypeForbidden, "You do not have permission to perform this action."
		if detail == "" {
			e.Detail = "Permission denied"
		}
	case status == http.StatusBadRequest:
		e.Type, e.Message = TypeBadRequest, "Invalid request. Please check your input."
	case status == http.StatusNotFound:
		e.Type, e.Message = TypeNotFound, "Resource not found."
		if detail == "" {
			e.Detail = "Not found"
		}
	case status >= 500:
		e.Type, e.Message = TypeServer, "Server error. Please try again later."
		if detail == "" {
			e.Detail = "Server error"
		}
	default:
		e.Type, e.Message = TypeOther, "An error occurred"
		if detail != "" {
			e.Message = detail
		}
	}

	if e.Detail == "" {
		e.Detail = http.StatusText(status)
	}
	return e
}

func extractDetail(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}

	const maxDetail = 512
	if len(trimmed) > maxDetail {
		trimmed = trimmed[:maxDetail]
	}
	return trimmed
}
