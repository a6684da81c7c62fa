package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/keepalive/internal/health"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/process"
)

// Definition is everything needed to supervise one process.
type Definition struct {
	Spec      process.Spec           `json:"spec"`
	Policy    Policy                 `json:"policy"`
	Health    *health.Config         `json:"health,omitempty"`
	Metadata  *health.MetadataConfig `json:"metadata,omitempty"`
	AutoStart bool                   `json:"autostart"`
}

// Validate checks the process spec, policy and probe configuration.
func (d Definition) Validate() error {
	if err := d.Spec.Validate(); err != nil {
		return err
	}
	if err := d.Policy.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("process %s: %w", d.Spec.Name, err)
	}
	if d.Health != nil {
		if _, err := health.New(*d.Health, nil); err != nil {
			return fmt.Errorf("process %s: health: %w", d.Spec.Name, err)
		}
	}
	if d.Metadata != nil {
		if _, err := health.NewMetadata(*d.Metadata, nil); err != nil {
			return fmt.Errorf("process %s: %w", d.Spec.Name, err)
		}
	}
	return nil
}

// Options carries collaborators shared across supervisors.
type Options struct {
	Logger     *slog.Logger
	Sink       history.Sink // optional
	Env        []string     // full child environment; empty inherits the supervisor's
	HTTPClient *http.Client // used by probes; optional
}

// Supervisor keeps one managed process alive and responsive.
//
// Checks, restart sequences and manual operations are serialized by opMu, so
// a check never starts while a restart from a previous check is in flight.
type Supervisor struct {
	name   string
	def    Definition
	policy Policy
	proc   *process.Process
	probe  health.Probe
	meta   *health.MetadataProbe
	env    []string
	log    *slog.Logger
	sink   history.Sink

	opMu      sync.Mutex
	desired   atomic.Bool
	interrupt chan struct{}

	mu          sync.RWMutex
	state       State
	lastCheck   health.Result
	lastCheckAt time.Time
	lastErr     string
	restarts    int
	url         string
}

// New builds a supervisor for def. The process is not started.
func New(def Definition, opts Options) (*Supervisor, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		name:      def.Spec.Name,
		def:       def,
		policy:    def.Policy.WithDefaults(),
		proc:      process.New(def.Spec),
		env:       opts.Env,
		log:       log.With("name", def.Spec.Name),
		sink:      opts.Sink,
		interrupt: make(chan struct{}, 1),
		state:     StateStopped,
		lastCheck: health.Unknown,
	}
	if def.Health != nil {
		probe, err := health.New(*def.Health, opts.HTTPClient)
		if err != nil {
			return nil, err
		}
		s.probe = probe
	}
	if def.Metadata != nil {
		meta, err := health.NewMetadata(*def.Metadata, opts.HTTPClient)
		if err != nil {
			return nil, err
		}
		s.meta = meta
	}
	metrics.SetState(s.name, string(StateStopped), stateNames())
	return s, nil
}

func (s *Supervisor) Name() string { return s.name }

// Definition returns the definition the supervisor was built from.
func (s *Supervisor) Definition() Definition { return s.def }

// Policy returns the effective policy.
func (s *Supervisor) Policy() Policy { return s.policy }

// LogPaths returns the stdout and stderr log files, empty when not configured.
func (s *Supervisor) LogPaths() (string, string) { return s.def.Spec.Log.Paths(s.name) }

// Adopt takes over a still running instance recorded in the pid file from a
// previous run. It succeeds only when pid and start time both match.
func (s *Supervisor) Adopt() bool {
	path := s.def.Spec.PIDFile
	if path == "" {
		return false
	}
	pid, meta, err := process.ReadPIDFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("ignoring unreadable pid file", "path", path, "error", err)
		}
		return false
	}
	if meta == nil || meta.StartUnix == 0 {
		s.log.Warn("pid file carries no start time, not adopting", "path", path, "pid", pid)
		return false
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if !s.proc.Adopt(pid, meta.StartUnix) {
		s.log.Info("recorded process is gone or was replaced", "pid", pid)
		_ = os.Remove(path)
		return false
	}
	s.desired.Store(true)
	s.setState(StateRunning)
	s.log.Info("adopted running process", "pid", pid)
	return true
}

// Start spawns the process unless the tracked instance is verifiably alive,
// and marks it as desired running. A stale identity never causes a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.desired.Store(true)
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(_ context.Context) error {
	if s.proc.Alive() {
		s.setState(StateRunning)
		return nil
	}
	if err := s.spawn(); err != nil {
		return err
	}
	s.setState(StateRunning)
	return nil
}

// spawn launches a new instance and records it.
func (s *Supervisor) spawn() error {
	if err := s.proc.Start(s.env); err != nil {
		s.setErr(err)
		s.log.Error("spawn failed", "command", s.def.Spec.Command, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrSpawn, s.name, err)
	}
	pid := s.proc.PID()
	metrics.IncStart(s.name)
	s.emit(history.Event{Type: history.EventStart, PID: pid})
	s.log.Info("process started", "pid", pid)
	return nil
}

// Stop marks the process desired stopped and terminates it: SIGTERM, then
// SIGKILL after the grace period. Stopping a process that is not running, or
// that vanishes meanwhile, succeeds.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.desired.Store(false)
	s.wake()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.terminate(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.url = ""
	s.mu.Unlock()
	s.setState(StateStopped)
	metrics.Forget(s.name)
	return nil
}

// terminate stops the tracked instance and reports whether one was alive.
func (s *Supervisor) terminate(_ context.Context) error {
	_, err := s.terminateAlive()
	return err
}

func (s *Supervisor) terminateAlive() (bool, error) {
	st := s.proc.Snapshot()
	if err := s.proc.Stop(s.policy.GracePeriod); err != nil {
		s.setErr(err)
		s.log.Error("stop failed", "pid", st.PID, "error", err)
		return st.Running, fmt.Errorf("%w: %s: %w", ErrSignal, s.name, err)
	}
	if st.Running {
		metrics.IncStop(s.name)
		s.emit(history.Event{Type: history.EventStop, PID: st.PID})
		s.log.Info("process stopped", "pid", st.PID)
	}
	return st.Running, nil
}

// Restart stops and starts the process. It is a manual operation and does not
// consume the automatic restart budget.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.desired.Store(true)
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.terminate(ctx); err != nil {
		return err
	}
	if err := s.spawn(); err != nil {
		return err
	}
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	s.setState(StateRunning)
	return nil
}

// CheckHealth verifies OS liveness and then, when a probe is configured,
// responsiveness bounded by the probe timeout.
func (s *Supervisor) CheckHealth(ctx context.Context) health.Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.checkLocked(ctx)
}

func (s *Supervisor) checkLocked(ctx context.Context) health.Result {
	res, err := s.evaluate(ctx)
	s.mu.Lock()
	s.lastCheck = res
	s.lastCheckAt = time.Now()
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	metrics.IncCheck(s.name, string(res))
	return res
}

func (s *Supervisor) evaluate(ctx context.Context) (health.Result, error) {
	if !s.proc.Alive() {
		return health.NotRunning, nil
	}
	if s.probe != nil {
		pctx, cancel := context.WithTimeout(ctx, s.policy.ProbeTimeout)
		begin := time.Now()
		err := s.probe.Check(pctx)
		cancel()
		metrics.ObserveProbeDuration(s.name, time.Since(begin).Seconds())
		if err != nil {
			s.log.Debug("probe failed", "probe", s.probe.Describe(), "error", err)
			return health.Unresponsive, fmt.Errorf("%s: %w", s.probe.Describe(), err)
		}
	}
	s.refreshMetadata(ctx)
	metrics.ObserveResources(ctx, s.name, s.proc.Snapshot().PID)
	return health.Responsive, nil
}

func (s *Supervisor) refreshMetadata(ctx context.Context) {
	if s.meta == nil {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, s.policy.ProbeTimeout)
	defer cancel()
	url, err := s.meta.Fetch(mctx)
	if err != nil {
		s.log.Debug("metadata probe failed", "url", s.meta.URL, "error", err)
		return
	}
	s.mu.Lock()
	changed := s.url != url
	s.url = url
	s.mu.Unlock()
	if changed {
		s.log.Info("public url", "url", url)
	}
}

// Run is the monitoring loop. Every interval, measured from the end of the
// previous cycle, it checks the process and recovers it when it is desired
// running but not responsive. Run returns when ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTimer(s.policy.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.cycle(ctx)
		t.Reset(s.policy.Interval)
	}
}

func (s *Supervisor) cycle(ctx context.Context) {
	if !s.desired.Load() {
		return
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if !s.desired.Load() {
		return
	}
	res := s.checkLocked(ctx)
	if ctx.Err() != nil {
		return
	}
	if res.Healthy() {
		if st := s.State(); st == StateRecovering || st == StateExhausted {
			s.recovered(0)
		}
		return
	}
	if s.State() == StateExhausted {
		s.recoveryAttempt(ctx, res)
		return
	}
	s.recover(ctx, res)
}

// recover runs one failure episode: up to MaxRetries restart attempts
// separated by RetryDelay, then a single fatal report.
func (s *Supervisor) recover(ctx context.Context, res health.Result) {
	s.drainInterrupt()
	s.setState(StateRecovering)
	s.log.Warn("process not healthy, restarting", "result", res, "max_retries", s.policy.MaxRetries)
	for attempt := 1; attempt <= s.policy.MaxRetries; attempt++ {
		if attempt > 1 && !s.sleep(ctx, s.policy.RetryDelay) {
			return
		}
		if !s.desired.Load() || ctx.Err() != nil {
			return
		}
		metrics.IncRestartAttempt(s.name)
		s.emit(history.Event{Type: history.EventRestartAttempt, Attempt: attempt, Result: string(res)})
		s.log.Warn("restart attempt", "attempt", attempt, "max_retries", s.policy.MaxRetries)
		err := s.restartOnce(ctx)
		if errors.Is(err, errStopRequested) {
			return
		}
		if err == nil {
			s.recovered(attempt)
			return
		}
		if !s.desired.Load() || ctx.Err() != nil {
			return
		}
		metrics.IncRestartFailure(s.name)
		s.emit(history.Event{Type: history.EventRestartFailed, Attempt: attempt, Error: err.Error()})
		s.log.Warn("restart attempt failed", "attempt", attempt, "error", err)
		res = s.lastResult()
	}
	s.setState(StateExhausted)
	metrics.IncFatal(s.name)
	s.emit(history.Event{Type: history.EventFatal, Attempt: s.policy.MaxRetries, Result: string(res), Error: s.lastError()})
	s.log.Error("restart budget exhausted, continuing to monitor",
		"attempts", s.policy.MaxRetries, "last_error", s.lastError(), "interval", s.policy.Interval)
}

// recoveryAttempt is the single attempt an exhausted episode makes per cycle.
func (s *Supervisor) recoveryAttempt(ctx context.Context, res health.Result) {
	s.emit(history.Event{Type: history.EventRecoveryAttempt, Result: string(res)})
	if err := s.restartOnce(ctx); err != nil {
		if errors.Is(err, errStopRequested) {
			return
		}
		s.log.Warn("still not healthy", "result", s.lastResult(), "error", err)
		return
	}
	s.recovered(0)
}

// restartOnce stops any stale instance, waits SettleDelay when one was alive,
// spawns a fresh instance, waits StartGrace and re-checks it.
func (s *Supervisor) restartOnce(ctx context.Context) error {
	wasAlive, err := s.terminateAlive()
	if err != nil {
		return err
	}
	if wasAlive && !s.sleep(ctx, s.policy.SettleDelay) {
		return errStopRequested
	}
	if !s.desired.Load() {
		return errStopRequested
	}
	if err := s.spawn(); err != nil {
		return err
	}
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	if !s.sleep(ctx, s.policy.StartGrace) {
		return errStopRequested
	}
	if res := s.checkLocked(ctx); !res.Healthy() {
		return fmt.Errorf("%s after restart: %s", res, s.lastError())
	}
	return nil
}

func (s *Supervisor) recovered(attempt int) {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	s.setState(StateRunning)
	pid := s.proc.Snapshot().PID
	s.emit(history.Event{Type: history.EventRecovered, PID: pid, Attempt: attempt})
	s.log.Info("process recovered", "pid", pid, "attempt", attempt)
}

// sleep waits d unless ctx ends or a stop interrupts it. It reports whether
// the caller should continue.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.interrupt:
		return s.desired.Load()
	case <-t.C:
		return true
	}
}

func (s *Supervisor) wake() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

func (s *Supervisor) drainInterrupt() {
	select {
	case <-s.interrupt:
	default:
	}
}

// Shutdown ends supervision. With stopChild the process is terminated,
// otherwise it is left running and only local resources are released.
func (s *Supervisor) Shutdown(ctx context.Context, stopChild bool) error {
	if stopChild {
		return s.Stop(ctx)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.proc.Release()
	return nil
}

// Status returns a snapshot. It performs a read-only liveness check and never
// changes supervision state.
func (s *Supervisor) Status() Status {
	ps := s.proc.Snapshot()
	stdout, stderr := s.LogPaths()
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Name:        s.name,
		Running:     ps.Running,
		PID:         ps.PID,
		State:       s.state,
		LastCheck:   s.lastCheck,
		LastCheckAt: timePtr(s.lastCheckAt),
		LastError:   s.lastErr,
		Restarts:    s.restarts,
		URL:         s.url,
		Adopted:     ps.Adopted,
		StdoutLog:   stdout,
		StderrLog:   stderr,
	}
	if ps.Running {
		st.StartedAt = timePtr(ps.StartedAt)
	}
	return st
}

// State returns the current supervision state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Desired reports whether the process is meant to be running.
func (s *Supervisor) Desired() bool { return s.desired.Load() }

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		metrics.SetState(s.name, string(st), stateNames())
		s.log.Debug("state change", "from", prev, "to", st)
	}
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Supervisor) lastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Supervisor) lastResult() health.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck
}

func (s *Supervisor) emit(e history.Event) {
	if s.sink == nil {
		return
	}
	e.Name = s.name
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	if err := s.sink.Send(context.Background(), e); err != nil {
		s.log.Debug("history send failed", "event", e.Type, "error", err)
	}
}

func stateNames() []string {
	out := make([]string, len(States))
	for i, st := range States {
		out[i] = string(st)
	}
	return out
}
