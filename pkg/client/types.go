package client

import (
	"fmt"
	"time"
)

// MessageResponse is returned by start, stop and install.
type MessageResponse struct {
	Message string `json:"message"`
}

// RunningResponse is returned by the running endpoint.
type RunningResponse struct {
	Running bool `json:"running"`
}

// ServiceState is the supervisor snapshot returned by the state endpoint.
type ServiceState struct {
	State      string    `json:"state"` // stopped, starting, running or crashed
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	VerifiedAt time.Time `json:"verified_at,omitzero"`
	ExitedAt   time.Time `json:"exited_at,omitzero"`
	ExitErr    string    `json:"exit_error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// APIError is a non-200 answer from the API.
type APIError struct {
	HTTPStatus int    // status of the API response itself
	Message    string // error text reported by the API
	Kind       string // failure kind, e.g. "transport" or "missing_artifact"
	Upstream   int    // status returned by the core service, for protocol failures
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d, %s): %s", e.HTTPStatus, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.HTTPStatus, e.Message)
}
