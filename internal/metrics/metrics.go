package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepalive",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process spawns.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepalive",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	restartAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepalive",
			Subsystem: "supervisor",
			Name:      "restart_attempts_total",
			Help:      "Number of automatic restart attempts.",
		}, []string{"name"},
	)
	restartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepalive",
			Subsystem: "supervisor",
			Name:      "restart_failures_total",
			Help:      "Number of restart attempts that did not produce a responsive process.",
		}, []string{"name"},
	)
	fatalReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepalive",
			Subsystem: "supervisor",
			Name:      "fatal_total",
			Help:      "Number of failure episodes that exhausted the restart budget.",
		}, []string{"name"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepalive",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Number of health checks by result.",
		}, []string{"name", "result"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keepalive",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Duration of application-level probes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keepalive",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervision state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keepalive",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of the managed process.",
		}, []string{"name"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keepalive",
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the managed process.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, restartAttempts, restartFailures, fatalReports,
		healthChecks, probeDuration, currentStates, cpuPercent, memoryRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func IncRestartAttempt(name string) {
	if regOK.Load() {
		restartAttempts.WithLabelValues(name).Inc()
	}
}

func IncRestartFailure(name string) {
	if regOK.Load() {
		restartFailures.WithLabelValues(name).Inc()
	}
}

func IncFatal(name string) {
	if regOK.Load() {
		fatalReports.WithLabelValues(name).Inc()
	}
}

func IncCheck(name, result string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(name, result).Inc()
	}
}

func ObserveProbeDuration(name string, seconds float64) {
	if regOK.Load() {
		probeDuration.WithLabelValues(name).Observe(seconds)
	}
}

// SetState marks state as the only active state for name.
func SetState(name, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}
