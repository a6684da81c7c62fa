package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/keepalive/internal/health"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

// recordingSink keeps events in memory; hook runs synchronously on each event.
type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
	hook   func(history.Event)
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	return nil
}

func (r *recordingSink) of(typ history.EventType) []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingSink) count(typ history.EventType) int { return len(r.of(typ)) }

func fastPolicy() Policy {
	return Policy{
		Interval:     150 * time.Millisecond,
		MaxRetries:   3,
		RetryDelay:   300 * time.Millisecond,
		GracePeriod:  time.Second,
		SettleDelay:  20 * time.Millisecond,
		StartGrace:   50 * time.Millisecond,
		ProbeTimeout: 200 * time.Millisecond,
	}
}

func newSupervisor(t *testing.T, def Definition, sink history.Sink) *Supervisor {
	t.Helper()
	if def.Policy == (Policy{}) {
		def.Policy = fastPolicy()
	}
	s, err := New(def, Options{Sink: sink})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func runLoop(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func TestNewRejectsInvalidDefinition(t *testing.T) {
	_, err := New(Definition{Spec: process.Spec{Name: "bad name", Command: "sleep 1"}}, Options{})
	assert.Error(t, err)

	_, err = New(Definition{Spec: process.Spec{Name: "web", Command: "sleep 1"}, Health: &health.Config{Type: "http"}}, Options{})
	assert.Error(t, err)

	_, err = New(Definition{Spec: process.Spec{Name: "web", Command: "sleep 1"}, Policy: Policy{MaxRetries: -1}}, Options{})
	assert.Error(t, err)
}

func TestStatusBeforeStart(t *testing.T) {
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "idle", Command: "sleep 30"}}, nil)
	st := s.Status()
	assert.Equal(t, "idle", st.Name)
	assert.False(t, st.Running)
	assert.Zero(t, st.PID)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, health.Unknown, st.LastCheck)
	assert.Nil(t, st.LastCheckAt)
}

func TestStartStopStatus(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "bot", Command: "sleep 30"}}, sink)

	require.NoError(t, s.Start(context.Background()))
	st := s.Status()
	require.True(t, st.Running)
	require.NotNil(t, st.StartedAt)
	assert.Equal(t, StateRunning, st.State)
	pid := st.PID

	require.NoError(t, s.Stop(context.Background()))
	st = s.Status()
	assert.False(t, st.Running)
	assert.Zero(t, st.PID)
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, pidAlive(pid), "old pid must be gone after stop")

	assert.Equal(t, 1, sink.count(history.EventStart))
	assert.Equal(t, 1, sink.count(history.EventStop))

	// stopping again is fine
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 1, sink.count(history.EventStop))
}

func TestConcurrentStartYieldsSingleInstance(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "web", Command: "sleep 30"}}, sink)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Start(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sink.count(history.EventStart))
	assert.True(t, s.Status().Running)
}

func TestStartSpawnFailure(t *testing.T) {
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "bot", Command: filepath.Join(t.TempDir(), "missing.sh")}}, nil)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.True(t, s.Desired())
	st := s.Status()
	assert.False(t, st.Running)
	assert.NotEmpty(t, st.LastError)
}

func TestRestartReplacesInstance(t *testing.T) {
	requireUnix(t)
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "web", Command: "sleep 30"}}, nil)
	require.NoError(t, s.Start(context.Background()))
	old := s.Status().PID

	require.NoError(t, s.Restart(context.Background()))
	st := s.Status()
	require.True(t, st.Running)
	assert.NotEqual(t, old, st.PID)
	assert.Equal(t, 1, st.Restarts)
	assert.False(t, pidAlive(old))
}

func TestCheckHealthNotRunning(t *testing.T) {
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "web", Command: "sleep 30"}}, nil)
	assert.Equal(t, health.NotRunning, s.CheckHealth(context.Background()))
	st := s.Status()
	assert.Equal(t, health.NotRunning, st.LastCheck)
	assert.NotNil(t, st.LastCheckAt)
}

func TestCheckHealthSlowProbeIsBounded(t *testing.T) {
	requireUnix(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	pol := fastPolicy()
	pol.ProbeTimeout = 100 * time.Millisecond
	s := newSupervisor(t, Definition{
		Spec:   process.Spec{Name: "web", Command: "sleep 30"},
		Policy: pol,
		Health: &health.Config{URL: srv.URL},
	}, nil)
	require.NoError(t, s.Start(context.Background()))

	begin := time.Now()
	res := s.CheckHealth(context.Background())
	assert.Equal(t, health.Unresponsive, res)
	assert.Less(t, time.Since(begin), time.Second)
	assert.NotEmpty(t, s.Status().LastError)
}

func TestCheckHealthResponsiveRefreshesURL(t *testing.T) {
	requireUnix(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tunnels":[{"public_url":"https://abc.ngrok.app","proto":"https"}]}`))
	}))
	defer srv.Close()

	s := newSupervisor(t, Definition{
		Spec:     process.Spec{Name: "ngrok", Command: "sleep 30"},
		Health:   &health.Config{URL: srv.URL},
		Metadata: &health.MetadataConfig{URL: srv.URL, JSONPath: "tunnels.0.public_url"},
	}, nil)
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, health.Responsive, s.CheckHealth(context.Background()))
	assert.Equal(t, "https://abc.ngrok.app", s.Status().URL)

	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Status().URL)
}

func TestRunRestartsAfterExternalKill(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "bot", Command: "sleep 30"}}, sink)
	require.NoError(t, s.Start(context.Background()))
	old := s.Status().PID
	runLoop(t, s)

	require.NoError(t, syscall.Kill(old, syscall.SIGKILL))

	require.True(t, waitUntil(5*time.Second, 20*time.Millisecond, func() bool {
		st := s.Status()
		return st.Running && st.PID != old && sink.count(history.EventRecovered) == 1
	}))
	attempts := sink.of(history.EventRestartAttempt)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, string(health.NotRunning), attempts[0].Result)
	assert.Zero(t, sink.count(history.EventFatal))
	assert.Equal(t, StateRunning, s.Status().State)
}

func TestRunUnresponsiveTriggersSingleRestartSequence(t *testing.T) {
	requireUnix(t)
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &recordingSink{hook: func(e history.Event) {
		if e.Type == history.EventRestartAttempt {
			failing.Store(false)
		}
	}}
	s := newSupervisor(t, Definition{
		Spec:   process.Spec{Name: "web", Command: "sleep 30"},
		Health: &health.Config{URL: srv.URL},
	}, sink)
	require.NoError(t, s.Start(context.Background()))
	old := s.Status().PID
	failing.Store(true)
	runLoop(t, s)

	require.True(t, waitUntil(5*time.Second, 20*time.Millisecond, func() bool {
		return sink.count(history.EventRecovered) == 1
	}))
	// a few more healthy cycles must not restart again
	time.Sleep(4 * fastPolicy().Interval)

	attempts := sink.of(history.EventRestartAttempt)
	require.Len(t, attempts, 1)
	assert.Equal(t, string(health.Unresponsive), attempts[0].Result)
	assert.Zero(t, sink.count(history.EventRestartFailed))
	assert.Zero(t, sink.count(history.EventFatal))

	st := s.Status()
	assert.True(t, st.Running)
	assert.NotEqual(t, old, st.PID)
	assert.False(t, pidAlive(old))
	assert.Equal(t, health.Responsive, st.LastCheck)
}

func TestRunExhaustsBudgetThenRecovers(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "bot.sh")
	sink := &recordingSink{}
	pol := fastPolicy()
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "bot", Command: script}, Policy: pol}, sink)

	require.ErrorIs(t, s.Start(context.Background()), ErrSpawn)
	runLoop(t, s)

	require.True(t, waitUntil(5*time.Second, 20*time.Millisecond, func() bool {
		return sink.count(history.EventFatal) == 1
	}))
	assert.Equal(t, StateExhausted, s.Status().State)

	attempts := sink.of(history.EventRestartAttempt)
	require.Len(t, attempts, pol.MaxRetries)
	for i, e := range attempts {
		assert.Equal(t, i+1, e.Attempt)
		if i > 0 {
			gap := e.OccurredAt.Sub(attempts[i-1].OccurredAt)
			assert.GreaterOrEqual(t, gap, pol.RetryDelay-10*time.Millisecond, "attempts must be spaced by the retry delay")
		}
	}
	assert.Equal(t, pol.MaxRetries, sink.count(history.EventRestartFailed))

	// exhausted supervisors keep trying once per interval without new fatal reports
	require.True(t, waitUntil(3*time.Second, 20*time.Millisecond, func() bool {
		return sink.count(history.EventRecoveryAttempt) >= 2
	}))
	assert.Equal(t, 1, sink.count(history.EventFatal))
	assert.Len(t, sink.of(history.EventRestartAttempt), pol.MaxRetries)

	// fix the environment; write then rename so exec never sees a partial file
	tmp := filepath.Join(dir, "bot.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))
	require.NoError(t, os.Rename(tmp, script))

	require.True(t, waitUntil(5*time.Second, 20*time.Millisecond, func() bool {
		return sink.count(history.EventRecovered) == 1
	}))
	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, StateRunning, st.State)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, sink.count(history.EventFatal))
	assert.Len(t, sink.of(history.EventRestartAttempt), pol.MaxRetries)
}

func TestStopInterruptsRetrySleep(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	pol := fastPolicy()
	pol.RetryDelay = 10 * time.Second
	s := newSupervisor(t, Definition{
		Spec:   process.Spec{Name: "bot", Command: filepath.Join(t.TempDir(), "missing.sh")},
		Policy: pol,
	}, sink)
	require.Error(t, s.Start(context.Background()))
	runLoop(t, s)

	require.True(t, waitUntil(3*time.Second, 10*time.Millisecond, func() bool {
		return sink.count(history.EventRestartFailed) == 1
	}))

	begin := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.False(t, s.Desired())
	assert.Equal(t, StateStopped, s.Status().State)

	time.Sleep(3 * pol.Interval)
	assert.Len(t, sink.of(history.EventRestartAttempt), 1)
	assert.Zero(t, sink.count(history.EventFatal))
}

func TestStopDuringRestartWindowIsNotRecovery(t *testing.T) {
	requireUnix(t)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	cases := []struct {
		name    string
		def     Definition
		tune    func(*Policy)
		reached func(*recordingSink) bool
		starts  int
	}{
		{
			name: "settle delay",
			def: Definition{
				Spec:   process.Spec{Name: "web", Command: "sleep 30"},
				Health: &health.Config{URL: failing.URL},
			},
			tune:    func(p *Policy) { p.SettleDelay = 10 * time.Second },
			reached: func(r *recordingSink) bool { return r.count(history.EventStop) == 1 },
			starts:  1,
		},
		{
			name: "start grace",
			def: Definition{
				Spec: process.Spec{Name: "flaky", Command: "sh -c 'exit 1'"},
			},
			tune:    func(p *Policy) { p.StartGrace = 10 * time.Second },
			reached: func(r *recordingSink) bool { return r.count(history.EventStart) == 2 },
			starts:  2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			pol := fastPolicy()
			tc.tune(&pol)
			tc.def.Policy = pol
			s := newSupervisor(t, tc.def, sink)
			require.NoError(t, s.Start(context.Background()))
			runLoop(t, s)

			require.True(t, waitUntil(3*time.Second, 10*time.Millisecond, func() bool { return tc.reached(sink) }))
			time.Sleep(50 * time.Millisecond)

			begin := time.Now()
			require.NoError(t, s.Stop(context.Background()))
			assert.Less(t, time.Since(begin), 2*time.Second)

			time.Sleep(3 * pol.Interval)
			assert.Equal(t, StateStopped, s.Status().State)
			assert.Zero(t, sink.count(history.EventRecovered))
			assert.Zero(t, sink.count(history.EventRestartFailed))
			assert.Zero(t, sink.count(history.EventFatal))
			assert.Equal(t, tc.starts, sink.count(history.EventStart))
		})
	}
}

func TestStartReportsPIDOfShortLivedChild(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "flaky", Command: "sh -c 'exit 1'"}}, sink)
	require.NoError(t, s.Start(context.Background()))

	starts := sink.of(history.EventStart)
	require.Len(t, starts, 1)
	assert.Greater(t, starts[0].PID, 0)
}

func TestRunIgnoresStoppedProcess(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "web", Command: "sleep 30"}}, sink)
	runLoop(t, s)

	time.Sleep(4 * fastPolicy().Interval)
	assert.Zero(t, sink.count(history.EventRestartAttempt))
	assert.Zero(t, sink.count(history.EventStart))
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestAdoptFromPIDFile(t *testing.T) {
	requireUnix(t)
	if runtime.GOOS != "linux" {
		t.Skip("start time identity relies on /proc")
	}
	pidFile := filepath.Join(t.TempDir(), "web.pid")
	def := Definition{Spec: process.Spec{Name: "web", Command: "sleep 30", PIDFile: pidFile}}

	first := newSupervisor(t, def, nil)
	require.NoError(t, first.Start(context.Background()))
	pid := first.Status().PID
	require.NoError(t, first.Shutdown(context.Background(), false))

	second := newSupervisor(t, def, nil)
	require.True(t, second.Adopt())
	st := second.Status()
	assert.True(t, st.Running)
	assert.True(t, st.Adopted)
	assert.Equal(t, pid, st.PID)
	assert.Equal(t, StateRunning, st.State)

	// start on an adopted live instance is a no-op
	require.NoError(t, second.Start(context.Background()))
	assert.Equal(t, pid, second.Status().PID)

	require.NoError(t, second.Stop(context.Background()))
	assert.True(t, waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return !pidAlive(pid) }))
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestAdoptRejectsStalePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "web.pid")
	// a live pid (ours) with a start time that cannot match
	require.NoError(t, process.WritePIDFile(pidFile, os.Getpid(), process.PIDMeta{Name: "web", StartUnix: 1}))

	s := newSupervisor(t, Definition{Spec: process.Spec{Name: "web", Command: "sleep 30", PIDFile: pidFile}}, nil)
	assert.False(t, s.Adopt())
	assert.False(t, s.Status().Running)
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "stale pid file is removed")
}
