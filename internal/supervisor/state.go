package supervisor

import "time"

// State is the supervisor's lifecycle state. It is derived from the
// {child, running, verified} record rather than stored separately.
type State int32

const (
	StateStopped  State = iota // no child
	StateStarting              // child spawned, verification pending
	StateRunning               // child spawned, verification passed
	StateCrashed               // child present but verification failed or it exited
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StartResult distinguishes a fresh launch from the idempotent no-op.
type StartResult int

const (
	Launched StartResult = iota
	AlreadyRunning
)

func (r StartResult) String() string {
	if r == AlreadyRunning {
		return "already_running"
	}
	return "launched"
}

// StopResult distinguishes a real stop from the idempotent no-op.
type StopResult int

const (
	Stopped StopResult = iota
	NotRunning
)

func (r StopResult) String() string {
	if r == NotRunning {
		return "not_running"
	}
	return "stopped"
}

// Snapshot is a consistent copy of the supervisor's bookkeeping.
type Snapshot struct {
	State      State     `json:"state"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	VerifiedAt time.Time `json:"verified_at,omitzero"`
	ExitedAt   time.Time `json:"exited_at,omitzero"`
	ExitErr    string    `json:"exit_error,omitempty"`
}

// record is the mutable state guarded by Supervisor.mu.
type record struct {
	child      childHandle
	running    bool
	verified   bool
	generation uint64
	startedAt  time.Time
	verifiedAt time.Time
	exitedAt   time.Time
	exitErr    string
}

func (r *record) state() State {
	switch {
	case r.child == nil:
		return StateStopped
	case !r.running:
		return StateCrashed
	case r.verified:
		return StateRunning
	default:
		return StateStarting
	}
}

func (r *record) snapshot() Snapshot {
	s := Snapshot{
		State:      r.state(),
		Running:    r.running,
		Generation: r.generation,
		StartedAt:  r.startedAt,
		VerifiedAt: r.verifiedAt,
		ExitedAt:   r.exitedAt,
		ExitErr:    r.exitErr,
	}
	if r.child != nil {
		s.PID = r.child.PID()
	}
	return s
}
