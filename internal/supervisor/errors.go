package supervisor

import "errors"

var (
	// ErrSpawn wraps failures to launch the managed command.
	ErrSpawn = errors.New("spawn failed")
	// ErrSignal wraps failures to deliver a termination signal.
	ErrSignal = errors.New("signal failed")
	// ErrUnknownProcess is returned for names with no registered supervisor.
	ErrUnknownProcess = errors.New("unknown process")

	// errStopRequested ends a restart that a stop interrupted.
	errStopRequested = errors.New("stop requested")
)
