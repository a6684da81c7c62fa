package supervisor

import (
	"fmt"
	"time"
)

// Policy defaults.
const (
	DefaultInterval     = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 5 * time.Second
	DefaultGracePeriod  = 5 * time.Second
	DefaultSettleDelay  = time.Second
	DefaultStartGrace   = 2 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

// Policy governs check cadence and restart behavior of one supervisor.
// Zero values are replaced with defaults by WithDefaults.
type Policy struct {
	Interval     time.Duration `json:"interval" mapstructure:"interval"`
	MaxRetries   int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay   time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	GracePeriod  time.Duration `json:"grace_period" mapstructure:"grace_period"`   // SIGTERM to SIGKILL
	SettleDelay  time.Duration `json:"settle_delay" mapstructure:"settle_delay"`   // between stop and start in a restart
	StartGrace   time.Duration `json:"start_grace" mapstructure:"start_grace"`     // before re-checking a fresh instance
	ProbeTimeout time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"` // bound for every probe
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Interval:     DefaultInterval,
		MaxRetries:   DefaultMaxRetries,
		RetryDelay:   DefaultRetryDelay,
		GracePeriod:  DefaultGracePeriod,
		SettleDelay:  DefaultSettleDelay,
		StartGrace:   DefaultStartGrace,
		ProbeTimeout: DefaultProbeTimeout,
	}
}

// WithDefaults returns p with every zero field taken from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	return p.Over(DefaultPolicy())
}

// Over returns p with every zero field taken from base.
func (p Policy) Over(base Policy) Policy {
	if p.Interval == 0 {
		p.Interval = base.Interval
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = base.MaxRetries
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = base.RetryDelay
	}
	if p.GracePeriod == 0 {
		p.GracePeriod = base.GracePeriod
	}
	if p.SettleDelay == 0 {
		p.SettleDelay = base.SettleDelay
	}
	if p.StartGrace == 0 {
		p.StartGrace = base.StartGrace
	}
	if p.ProbeTimeout == 0 {
		p.ProbeTimeout = base.ProbeTimeout
	}
	return p
}

// Validate rejects policies the loop cannot run with.
func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", p.Interval)
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", p.MaxRetries)
	}
	for name, d := range map[string]time.Duration{
		"retry_delay":   p.RetryDelay,
		"grace_period":  p.GracePeriod,
		"settle_delay":  p.SettleDelay,
		"start_grace":   p.StartGrace,
		"probe_timeout": p.ProbeTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}
	if p.ProbeTimeout == 0 {
		return fmt.Errorf("probe_timeout must be positive")
	}
	return nil
}
