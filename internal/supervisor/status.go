package supervisor

import (
	"time"

	"github.com/loykin/keepalive/internal/health"
)

// State is the supervision state of one managed process.
type State string

const (
	StateStopped    State = "stopped"    // not desired running
	StateRunning    State = "running"    // desired running, last check passed or none yet
	StateRecovering State = "recovering" // inside a restart sequence
	StateExhausted  State = "exhausted"  // restart budget spent; one attempt per interval
)

// States lists every State.
var States = []State{StateStopped, StateRunning, StateRecovering, StateExhausted}

// Status is a read-only snapshot for operators.
type Status struct {
	Name        string        `json:"name"`
	Running     bool          `json:"running"`
	PID         int           `json:"pid,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	State       State         `json:"state"`
	LastCheck   health.Result `json:"last_check"`
	LastCheckAt *time.Time    `json:"last_check_at,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Restarts    int           `json:"restarts"`
	URL         string        `json:"url,omitempty"`
	Adopted     bool          `json:"adopted,omitempty"`
	StdoutLog   string        `json:"stdout_log,omitempty"`
	StderrLog   string        `json:"stderr_log,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
