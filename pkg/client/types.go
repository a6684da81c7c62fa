package client

import "time"

// ProcessStatus mirrors the daemon's status snapshot of one process.
type ProcessStatus struct {
	Name        string     `json:"name"`
	Running     bool       `json:"running"`
	PID         int        `json:"pid,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	State       string     `json:"state"`
	LastCheck   string     `json:"last_check"`
	LastCheckAt *time.Time `json:"last_check_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Restarts    int        `json:"restarts"`
	URL         string     `json:"url,omitempty"`
	Adopted     bool       `json:"adopted,omitempty"`
	StdoutLog   string     `json:"stdout_log,omitempty"`
	StderrLog   string     `json:"stderr_log,omitempty"`
}

// Result is the answer to one control request. Lifecycle and single-name
// status requests fill Status; wildcard status fills Statuses; logs fill
// Stream, Path and Lines.
type Result struct {
	Intent   string          `json:"intent"`
	Name     string          `json:"name,omitempty"`
	Status   *ProcessStatus  `json:"status,omitempty"`
	Statuses []ProcessStatus `json:"statuses,omitempty"`
	Stream   string          `json:"stream,omitempty"`
	Path     string          `json:"path,omitempty"`
	Lines    []string        `json:"lines,omitempty"`
}

// LogsQuery selects a log tail.
type LogsQuery struct {
	Name   string
	Stream string // stdout (default) or stderr
	Lines  int    // 0 lets the daemon choose
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error  string         `json:"error"`
	Status *ProcessStatus `json:"status,omitempty"`
}
