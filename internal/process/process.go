package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killWait bounds how long Stop waits for the process to vanish after SIGKILL.
const killWait = 2 * time.Second

// pollStep is the liveness polling step used for processes this supervisor
// did not spawn and therefore cannot wait on.
const pollStep = 50 * time.Millisecond

// Process tracks at most one live instance of a Spec, identified by
// pid and start time.
type Process struct {
	spec Spec

	mu        sync.Mutex
	pid       int
	startUnix int64
	startedAt time.Time
	stoppedAt time.Time
	exitErr   error
	adopted   bool
	waitDone  chan struct{} // closed when cmd.Wait returns; nil for adopted instances
	outW      io.WriteCloser
	errW      io.WriteCloser
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Spec returns the process spec.
func (p *Process) Spec() Spec { return p.spec }

// Start spawns a new instance with the given environment. It is a no-op when
// the tracked instance is still alive.
func (p *Process) Start(env []string) error {
	if p.Alive() {
		return nil
	}
	spec := p.spec
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd, spec)

	outW, errW, err := p.openWriters()
	if err != nil {
		return err
	}
	cmd.Stdout, cmd.Stderr = outW, errW

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return err
	}
	pid := cmd.Process.Pid
	started := time.Now()
	wd := make(chan struct{})

	p.mu.Lock()
	p.pid = pid
	p.startUnix = procStartUnix(pid)
	p.startedAt = started
	p.stoppedAt = time.Time{}
	p.exitErr = nil
	p.adopted = false
	p.waitDone = wd
	if spec.Detached {
		// the child holds its own descriptors
		closeAll(outW, errW)
	} else {
		p.outW, p.errW = outW, errW
	}
	startUnix := p.startUnix
	p.mu.Unlock()

	go p.wait(cmd, wd)

	if spec.PIDFile != "" {
		if err := WritePIDFile(spec.PIDFile, pid, PIDMeta{Name: spec.Name, StartUnix: startUnix, Command: spec.Command}); err != nil {
			_ = p.Stop(0)
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, wd chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	if p.waitDone == wd {
		p.exitErr = err
		p.stoppedAt = time.Now()
		closeAll(p.outW, p.errW)
		p.outW, p.errW = nil, nil
	}
	p.mu.Unlock()
	close(wd)
}

func (p *Process) openWriters() (io.WriteCloser, io.WriteCloser, error) {
	if !p.spec.Log.Enabled() {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, err
		}
		return null, nil, nil
	}
	outW, errW, err := p.spec.Log.Writers(p.spec.Name, !p.spec.Detached)
	if err != nil {
		return nil, nil, err
	}
	return outW, errW, nil
}

// PID returns the pid of the last spawned or adopted instance, whether or not
// it is still alive. It is zero once the instance has been stopped.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Alive reports whether the tracked instance is running and still has the
// recorded identity. It never changes the tracked state.
func (p *Process) Alive() bool {
	p.mu.Lock()
	pid, startUnix, wd := p.pid, p.startUnix, p.waitDone
	p.mu.Unlock()
	if pid == 0 {
		return false
	}
	if wd != nil {
		select {
		case <-wd:
			return false
		default:
		}
	}
	return identityMatches(pid, startUnix)
}

// Adopt tracks an already running process that this supervisor did not spawn
// in the current run. It succeeds only when pid is alive with the recorded
// start time.
func (p *Process) Adopt(pid int, startUnix int64) bool {
	if pid <= 0 || startUnix == 0 || procStartUnix(pid) != startUnix || !identityMatches(pid, startUnix) {
		return false
	}
	p.mu.Lock()
	p.pid = pid
	p.startUnix = startUnix
	p.startedAt = time.Unix(startUnix, 0)
	p.stoppedAt = time.Time{}
	p.exitErr = nil
	p.adopted = true
	p.waitDone = nil
	p.mu.Unlock()
	return true
}

// Stop terminates the tracked instance: SIGTERM to its process group, then
// SIGKILL once grace elapses. A process that is already gone counts as stopped.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	pid, wd := p.pid, p.waitDone
	p.mu.Unlock()

	if p.Alive() {
		if err := signalGroup(pid, syscall.SIGTERM); err != nil {
			return err
		}
		if !p.awaitExit(wd, grace) {
			if err := signalGroup(pid, syscall.SIGKILL); err != nil {
				return err
			}
			if !p.awaitExit(wd, killWait) {
				return fmt.Errorf("pid %d still alive after SIGKILL", pid)
			}
		}
	}
	p.clear()
	return nil
}

func (p *Process) awaitExit(wd chan struct{}, d time.Duration) bool {
	if wd != nil {
		select {
		case <-wd:
			return true
		case <-time.After(d):
			return false
		}
	}
	deadline := time.Now().Add(d)
	for {
		if !p.Alive() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollStep)
	}
}

func (p *Process) clear() {
	p.mu.Lock()
	if p.pid != 0 && p.stoppedAt.IsZero() {
		p.stoppedAt = time.Now()
	}
	p.pid = 0
	p.startUnix = 0
	p.adopted = false
	p.waitDone = nil
	closeAll(p.outW, p.errW)
	p.outW, p.errW = nil, nil
	pidFile := p.spec.PIDFile
	p.mu.Unlock()
	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
}

// Release stops tracking the instance without signalling it and closes any
// log writers held by the supervisor.
func (p *Process) Release() {
	p.mu.Lock()
	closeAll(p.outW, p.errW)
	p.outW, p.errW = nil, nil
	p.mu.Unlock()
}

// Snapshot returns the current status.
func (p *Process) Snapshot() Status {
	alive := p.Alive()
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:      p.spec.Name,
		Running:   alive,
		StartedAt: p.startedAt,
		StoppedAt: p.stoppedAt,
		Adopted:   p.adopted,
	}
	if alive {
		st.PID = p.pid
		st.StartUnix = p.startUnix
		st.StoppedAt = time.Time{}
	}
	if p.exitErr != nil {
		st.ExitErr = p.exitErr.Error()
	}
	return st
}

func closeAll(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}
