package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/keepalive/internal/env"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/supervisor"
)

// Options configures a Manager. Every field is optional.
type Options struct {
	Logger *slog.Logger
	// Env composes child environments; nil inherits the OS environment.
	Env *env.Env
	// Sinks receive supervision events through a shared non-blocking fanout.
	Sinks         []history.Sink
	HistoryBuffer int
	HTTPClient    *http.Client
	// StopChildrenOnExit terminates every child on Shutdown. Otherwise
	// children are left running for the next supervisor to adopt.
	StopChildrenOnExit bool
}

// Manager owns one supervisor per managed process and runs their loops
// independently of each other.
type Manager struct {
	log    *slog.Logger
	env    *env.Env
	client *http.Client
	fanout *history.Fanout
	stopOn bool

	mu      sync.RWMutex
	entries map[string]*entry
	runCtx  context.Context
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

type entry struct {
	sup     *supervisor.Supervisor
	adopted bool
}

func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e := opts.Env
	if e == nil {
		e = env.New(true)
	}
	m := &Manager{
		log:     log,
		env:     e,
		client:  opts.HTTPClient,
		stopOn:  opts.StopChildrenOnExit,
		entries: make(map[string]*entry),
	}
	if len(opts.Sinks) > 0 {
		m.fanout = history.NewFanout(log.With("component", "history"), opts.HistoryBuffer, opts.Sinks...)
	}
	return m
}

// Register adds a process. A pid file left by a previous run is adopted when
// its recorded identity still matches a live process. Registering after Run
// starts the new loop immediately. Without StopChildrenOnExit every child is
// spawned detached so it outlives the manager.
func (m *Manager) Register(def supervisor.Definition) (*supervisor.Supervisor, error) {
	if !m.stopOn {
		def.Spec.Detached = true
	}
	opts := supervisor.Options{
		Logger:     m.log,
		Env:        m.env.Merge(def.Spec.Env),
		HTTPClient: m.client,
	}
	if m.fanout != nil {
		opts.Sink = m.fanout
	}
	sup, err := supervisor.New(def, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("manager is shut down")
	}
	if _, dup := m.entries[sup.Name()]; dup {
		return nil, fmt.Errorf("process %q already registered", sup.Name())
	}
	e := &entry{sup: sup, adopted: sup.Adopt()}
	m.entries[sup.Name()] = e
	if m.runCtx != nil {
		m.launch(m.runCtx, e)
	}
	return sup, nil
}

// Run autostarts processes and launches one monitoring loop per process.
// It returns immediately; loops stop on Shutdown or when ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil || m.closed {
		return
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	for _, name := range m.namesLocked() {
		m.launch(m.runCtx, m.entries[name])
	}
}

// launch must be called with m.mu held.
func (m *Manager) launch(ctx context.Context, e *entry) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if e.sup.Definition().AutoStart && !e.adopted {
			if err := e.sup.Start(ctx); err != nil {
				m.log.Error("autostart failed", "name", e.sup.Name(), "error", err)
			}
		}
		for ctx.Err() == nil {
			m.runLoop(ctx, e.sup)
		}
	}()
}

// runLoop runs one supervisor loop and turns a panic into an error log so the
// loop can be resumed without touching the others.
func (m *Manager) runLoop(ctx context.Context, sup *supervisor.Supervisor) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("supervision loop panicked, resuming", "name", sup.Name(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	sup.Run(ctx)
}

// Get returns the supervisor registered under name.
func (m *Manager) Get(name string) (*supervisor.Supervisor, error) {
	m.mu.RLock()
	e := m.entries[name]
	m.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %s", supervisor.ErrUnknownProcess, name)
	}
	return e.sup, nil
}

func (m *Manager) Start(ctx context.Context, name string) error {
	sup, err := m.Get(name)
	if err != nil {
		return err
	}
	return sup.Start(ctx)
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	sup, err := m.Get(name)
	if err != nil {
		return err
	}
	return sup.Stop(ctx)
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	sup, err := m.Get(name)
	if err != nil {
		return err
	}
	return sup.Restart(ctx)
}

// Status returns the status of one process.
func (m *Manager) Status(name string) (supervisor.Status, error) {
	sup, err := m.Get(name)
	if err != nil {
		return supervisor.Status{}, err
	}
	return sup.Status(), nil
}

// StatusAll returns the status of every process, sorted by name.
func (m *Manager) StatusAll() []supervisor.Status {
	return m.StatusMatch("*")
}

// StatusMatch returns statuses for all process names that match the wildcard
// pattern, sorted by name. '*' matches any substring, including an empty one.
func (m *Manager) StatusMatch(pattern string) []supervisor.Status {
	m.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(m.entries))
	for _, name := range m.namesLocked() {
		if wildcardMatch(name, pattern) {
			sups = append(sups, m.entries[name].sup)
		}
	}
	m.mu.RUnlock()
	out := make([]supervisor.Status, 0, len(sups))
	for _, s := range sups {
		out = append(out, s.Status())
	}
	return out
}

// LogPaths returns the stdout and stderr log files of name.
func (m *Manager) LogPaths(name string) (string, string, error) {
	sup, err := m.Get(name)
	if err != nil {
		return "", "", err
	}
	stdout, stderr := sup.LogPaths()
	return stdout, stderr, nil
}

// Names returns registered process names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namesLocked()
}

func (m *Manager) namesLocked() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops all loops and waits for them, then stops or releases every
// child, then flushes history sinks. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	sups := make([]*supervisor.Supervisor, 0, len(m.entries))
	for _, name := range m.namesLocked() {
		sups = append(sups, m.entries[name].sup)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		m.log.Warn("timed out waiting for supervision loops", "error", ctx.Err())
	}

	var errs []error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range sups {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			if err := s.Shutdown(ctx, m.stopOn); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	if !m.stopOn && len(sups) > 0 {
		m.log.Info("leaving children running", "count", len(sups))
	}

	if m.fanout != nil {
		if err := m.fanout.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// wildcardMatch matches name against a pattern with '*' wildcards (glob-like,
// case-sensitive). An empty pattern matches nothing.
func wildcardMatch(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(name, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(name[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}
	last := parts[len(parts)-1]
	if last != "" {
		return strings.HasSuffix(name, last) && idx <= len(name)-len(last)
	}
	return true
}
