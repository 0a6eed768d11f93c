package process

import "time"

// Status is a point-in-time view of a spawned child.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"` // not yet reaped
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	ExitErr   error     `json:"-"`
}
