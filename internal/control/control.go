package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/keepalive/internal/logger"
	"github.com/loykin/keepalive/internal/supervisor"
)

// Intent is an operator request.
type Intent string

const (
	IntentStart   Intent = "start"
	IntentStop    Intent = "stop"
	IntentRestart Intent = "restart"
	IntentStatus  Intent = "status"
	IntentLogs    Intent = "logs"
)

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

var (
	ErrUnknownIntent = errors.New("unknown intent")
	ErrNameRequired  = errors.New("name is required")
	ErrBadStream     = errors.New("stream must be stdout or stderr")
	ErrNoLog         = errors.New("log not configured")
)

// Target is what intents are applied to; *manager.Manager implements it.
type Target interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Status(name string) (supervisor.Status, error)
	StatusMatch(pattern string) []supervisor.Status
	LogPaths(name string) (string, string, error)
}

// Options tune the logs intent.
type Options struct {
	Stream string // stdout (default) or stderr
	Lines  int    // <= 0 means logger.DefaultTailLines
}

// Result is the outcome of one intent.
type Result struct {
	Intent   Intent              `json:"intent"`
	Name     string              `json:"name,omitempty"`
	Status   *supervisor.Status  `json:"status,omitempty"`
	Statuses []supervisor.Status `json:"statuses,omitempty"`
	Stream   string              `json:"stream,omitempty"`
	Path     string              `json:"path,omitempty"`
	Lines    []string            `json:"lines,omitempty"`
}

// Dispatcher maps intents onto a Target. It holds no state of its own.
type Dispatcher struct {
	target Target
}

func New(t Target) *Dispatcher { return &Dispatcher{target: t} }

// Do applies intent to name. For status an empty name selects every process
// and a name containing '*' is a wildcard pattern.
func (d *Dispatcher) Do(ctx context.Context, intent Intent, name string, opts Options) (Result, error) {
	res := Result{Intent: intent, Name: name}
	switch intent {
	case IntentStart, IntentStop, IntentRestart:
		if name == "" {
			return res, ErrNameRequired
		}
		var err error
		switch intent {
		case IntentStart:
			err = d.target.Start(ctx, name)
		case IntentStop:
			err = d.target.Stop(ctx, name)
		default:
			err = d.target.Restart(ctx, name)
		}
		if st, serr := d.target.Status(name); serr == nil {
			res.Status = &st
		}
		return res, err
	case IntentStatus:
		if name == "" || strings.Contains(name, "*") {
			pattern := name
			if pattern == "" {
				pattern = "*"
			}
			res.Statuses = d.target.StatusMatch(pattern)
			return res, nil
		}
		st, err := d.target.Status(name)
		if err != nil {
			return res, err
		}
		res.Status = &st
		return res, nil
	case IntentLogs:
		return d.logs(name, opts, res)
	default:
		return res, fmt.Errorf("%w: %q", ErrUnknownIntent, intent)
	}
}

func (d *Dispatcher) logs(name string, opts Options, res Result) (Result, error) {
	if name == "" {
		return res, ErrNameRequired
	}
	stdout, stderr, err := d.target.LogPaths(name)
	if err != nil {
		return res, err
	}
	stream := strings.ToLower(opts.Stream)
	switch stream {
	case "", StreamStdout:
		stream, res.Path = StreamStdout, stdout
	case StreamStderr:
		res.Path = stderr
	default:
		return res, ErrBadStream
	}
	res.Stream = stream
	if res.Path == "" {
		return res, fmt.Errorf("%w: %s %s", ErrNoLog, name, stream)
	}
	lines, err := logger.Tail(res.Path, opts.Lines)
	if err != nil {
		return res, err
	}
	res.Lines = lines
	return res, nil
}

// ParseIntent converts s to an Intent.
func ParseIntent(s string) (Intent, error) {
	switch i := Intent(strings.ToLower(strings.TrimSpace(s))); i {
	case IntentStart, IntentStop, IntentRestart, IntentStatus, IntentLogs:
		return i, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIntent, s)
	}
}
