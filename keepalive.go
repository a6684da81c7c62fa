package keepalive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	cfg "github.com/loykin/keepalive/internal/config"
	"github.com/loykin/keepalive/internal/env"
	"github.com/loykin/keepalive/internal/health"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/history/factory"
	"github.com/loykin/keepalive/internal/manager"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/process"
	iapi "github.com/loykin/keepalive/internal/server"
	"github.com/loykin/keepalive/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Policy = supervisor.Policy

type Definition = supervisor.Definition

type Status = supervisor.Status

type State = supervisor.State

type HealthConfig = health.Config

type MetadataConfig = health.MetadataConfig

type Config = cfg.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

var (
	ErrSpawn          = supervisor.ErrSpawn
	ErrSignal         = supervisor.ErrSignal
	ErrUnknownProcess = supervisor.ErrUnknownProcess
)

func DefaultPolicy() Policy { return supervisor.DefaultPolicy() }

// Options configures a Manager built without a config file.
type Options struct {
	Logger *slog.Logger
	// UseOSEnv passes the supervisor's own environment to children; Env
	// entries ("KEY=VALUE") are layered on top.
	UseOSEnv bool
	Env      []string
	Sinks    []HistorySink
	// StopChildrenOnExit terminates children on Shutdown; otherwise they keep
	// running and are adopted by the next Manager through their pid files.
	StopChildrenOnExit bool
}

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

func New(opts Options) *Manager {
	return &Manager{inner: manager.New(manager.Options{
		Logger:             opts.Logger,
		Env:                env.New(opts.UseOSEnv).With(opts.Env),
		Sinks:              opts.Sinks,
		StopChildrenOnExit: opts.StopChildrenOnExit,
	})}
}

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewFromConfig builds a Manager with the config's environment and history
// sinks and registers every configured process. Run starts supervision.
func NewFromConfig(c *Config, log *slog.Logger) (*Manager, error) {
	genv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	defs, err := c.Definitions()
	if err != nil {
		return nil, err
	}
	sinks, err := OpenSinks(c.History.Sinks)
	if err != nil {
		return nil, err
	}
	m := &Manager{inner: manager.New(manager.Options{
		Logger:             log,
		Env:                genv,
		Sinks:              sinks,
		HistoryBuffer:      c.History.Buffer,
		StopChildrenOnExit: c.StopChildrenOnExit,
	})}
	for _, d := range defs {
		if err := m.Register(d); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = m.Shutdown(ctx)
			return nil, err
		}
	}
	return m, nil
}

// OpenSinks builds history sinks from DSNs, closing the ones already opened
// when a later DSN fails.
func OpenSinks(dsns []string) ([]HistorySink, error) {
	sinks := make([]HistorySink, 0, len(dsns))
	for _, dsn := range dsns {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			for _, opened := range sinks {
				if c, ok := opened.(io.Closer); ok {
					_ = c.Close()
				}
			}
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func (m *Manager) Register(d Definition) error {
	_, err := m.inner.Register(d)
	return err
}
func (m *Manager) Run(ctx context.Context)                        { m.inner.Run(ctx) }
func (m *Manager) Start(ctx context.Context, name string) error   { return m.inner.Start(ctx, name) }
func (m *Manager) Stop(ctx context.Context, name string) error    { return m.inner.Stop(ctx, name) }
func (m *Manager) Restart(ctx context.Context, name string) error { return m.inner.Restart(ctx, name) }
func (m *Manager) Status(name string) (Status, error)             { return m.inner.Status(name) }
func (m *Manager) StatusAll() []Status                            { return m.inner.StatusAll() }
func (m *Manager) StatusMatch(pattern string) []Status            { return m.inner.StatusMatch(pattern) }
func (m *Manager) Names() []string                                { return m.inner.Names() }
func (m *Manager) Shutdown(ctx context.Context) error             { return m.inner.Shutdown(ctx) }

// Handler returns the HTTP control API for m, mountable in any mux. A
// non-empty token requires "Authorization: Bearer <token>".
func (m *Manager) Handler(basePath, token string, log *slog.Logger) http.Handler {
	return iapi.NewRouter(m.inner, basePath, token, log).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
