package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyWithDefaults(t *testing.T) {
	p := Policy{Interval: time.Second, MaxRetries: 5}.WithDefaults()
	assert.Equal(t, time.Second, p.Interval)
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, p.RetryDelay)
	assert.Equal(t, DefaultGracePeriod, p.GracePeriod)
	assert.Equal(t, DefaultSettleDelay, p.SettleDelay)
	assert.Equal(t, DefaultStartGrace, p.StartGrace)
	assert.Equal(t, DefaultProbeTimeout, p.ProbeTimeout)

	assert.Equal(t, DefaultPolicy(), Policy{}.WithDefaults())
}

func TestPolicyOverBase(t *testing.T) {
	base := DefaultPolicy()
	base.Interval = 10 * time.Second
	p := Policy{RetryDelay: time.Second}.Over(base)
	assert.Equal(t, 10*time.Second, p.Interval)
	assert.Equal(t, time.Second, p.RetryDelay)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	cases := map[string]Policy{
		"zero interval":    {MaxRetries: 1, ProbeTimeout: time.Second},
		"no retries":       {Interval: time.Second, ProbeTimeout: time.Second},
		"negative delay":   {Interval: time.Second, MaxRetries: 1, RetryDelay: -time.Second, ProbeTimeout: time.Second},
		"negative grace":   {Interval: time.Second, MaxRetries: 1, GracePeriod: -1, ProbeTimeout: time.Second},
		"no probe timeout": {Interval: time.Second, MaxRetries: 1},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, p.Validate())
		})
	}
}
