package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/keepalive/internal/env"
	"github.com/loykin/keepalive/internal/health"
	"github.com/loykin/keepalive/internal/logger"
	"github.com/loykin/keepalive/internal/process"
	"github.com/loykin/keepalive/internal/supervisor"
	ktls "github.com/loykin/keepalive/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. KEEPALIVE_SUPERVISOR_INTERVAL.
const EnvPrefix = "KEEPALIVE"

// Defaults for the daemon surfaces.
const (
	DefaultListen        = "127.0.0.1:8787"
	DefaultBasePath      = "/api"
	DefaultMetricsListen = "127.0.0.1:9787"
	DefaultHistoryBuffer = 256
)

// Config represents the top-level TOML structure.
//
//	stop_children_on_exit = true
//	[supervisor]
//	interval = "30s"
//	max_retries = 3
//	[[processes]]
//	name = "web"
//	command = "python web_server.py"
//	  [processes.health]
//	  url = "http://127.0.0.1:8080/health"
type Config struct {
	Env                []string          `mapstructure:"env"`
	EnvFiles           []string          `mapstructure:"env_files"`
	UseOSEnv           bool              `mapstructure:"use_os_env"`
	StopChildrenOnExit bool              `mapstructure:"stop_children_on_exit"`
	Supervisor         supervisor.Policy `mapstructure:"supervisor"`
	Log                *LogConfig        `mapstructure:"log"`
	Logging            logger.SlogConfig `mapstructure:"logging"`
	Server             ServerConfig      `mapstructure:"server"`
	Metrics            MetricsConfig     `mapstructure:"metrics"`
	History            HistoryConfig     `mapstructure:"history"`
	Processes          []ProcConfig      `mapstructure:"processes"`
}

// LogConfig is where child output goes; per-process values override the
// top-level ones field by field.
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Enabled  bool        `mapstructure:"enabled"`
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Token    string      `mapstructure:"token"` // bearer token required by the API when set
	TLS      ktls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig lists event sinks by DSN, see factory.NewSinkFromDSN.
type HistoryConfig struct {
	Sinks  []string `mapstructure:"sinks"`
	Buffer int      `mapstructure:"buffer"`
}

// ProcConfig is one [[processes]] entry. Policy fields set here override the
// [supervisor] section for this process only.
type ProcConfig struct {
	Name      string                 `mapstructure:"name"`
	Command   string                 `mapstructure:"command"`
	WorkDir   string                 `mapstructure:"workdir"`
	Env       []string               `mapstructure:"env"`
	PIDFile   string                 `mapstructure:"pidfile"`
	AutoStart bool                   `mapstructure:"autostart"`
	Log       *LogConfig             `mapstructure:"log"`
	Health    *health.Config         `mapstructure:"health"`
	Metadata  *health.MetadataConfig `mapstructure:"metadata"`

	supervisor.Policy `mapstructure:",squash"`
}

// New returns a viper instance with defaults and environment overrides
// registered. An empty path yields defaults only.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	def := supervisor.DefaultPolicy()
	v.SetDefault("supervisor.interval", def.Interval)
	v.SetDefault("supervisor.max_retries", def.MaxRetries)
	v.SetDefault("supervisor.retry_delay", def.RetryDelay)
	v.SetDefault("supervisor.grace_period", def.GracePeriod)
	v.SetDefault("supervisor.settle_delay", def.SettleDelay)
	v.SetDefault("supervisor.start_grace", def.StartGrace)
	v.SetDefault("supervisor.probe_timeout", def.ProbeTimeout)
	v.SetDefault("use_os_env", true)
	v.SetDefault("stop_children_on_exit", true)
	v.SetDefault("logging.level", logger.LevelInfo)
	v.SetDefault("logging.format", logger.FormatText)
	v.SetDefault("logging.timestamps", true)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.token", "")
	v.SetDefault("metrics.listen", DefaultMetricsListen)
	v.SetDefault("history.buffer", DefaultHistoryBuffer)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the supervisor policy and every process definition.
func (c *Config) Validate() error {
	if err := c.Supervisor.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("[supervisor]: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Processes))
	defs, err := c.Definitions()
	if err != nil {
		return err
	}
	for _, d := range defs {
		if _, dup := seen[d.Spec.Name]; dup {
			return fmt.Errorf("duplicate process name %q", d.Spec.Name)
		}
		seen[d.Spec.Name] = struct{}{}
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Definitions converts [[processes]] into supervisor definitions with the
// effective policy and log settings applied.
func (c *Config) Definitions() ([]supervisor.Definition, error) {
	base := c.Supervisor.WithDefaults()
	out := make([]supervisor.Definition, 0, len(c.Processes))
	for i, pc := range c.Processes {
		if pc.Name == "" {
			return nil, fmt.Errorf("processes[%d]: name is required", i)
		}
		out = append(out, supervisor.Definition{
			Spec: process.Spec{
				Name:     pc.Name,
				Command:  pc.Command,
				WorkDir:  pc.WorkDir,
				Env:      pc.Env,
				PIDFile:  pc.PIDFile,
				Detached: !c.StopChildrenOnExit,
				Log:      mergeLog(c.Log, pc.Log),
			},
			Policy:    pc.Policy.Over(base),
			Health:    pc.Health,
			Metadata:  pc.Metadata,
			AutoStart: pc.AutoStart,
		})
	}
	return out, nil
}

func mergeLog(top, proc *LogConfig) logger.FileConfig {
	var out logger.FileConfig
	if top != nil {
		out = logger.FileConfig{
			Dir:        top.Dir,
			StdoutPath: top.Stdout,
			StderrPath: top.Stderr,
			MaxSizeMB:  top.MaxSizeMB,
			MaxBackups: top.MaxBackups,
			MaxAgeDays: top.MaxAgeDays,
			Compress:   top.Compress,
		}
	}
	if proc == nil {
		return out
	}
	if proc.Dir != "" {
		out.Dir = proc.Dir
	}
	if proc.Stdout != "" {
		out.StdoutPath = proc.Stdout
	}
	if proc.Stderr != "" {
		out.StderrPath = proc.Stderr
	}
	if proc.MaxSizeMB != 0 {
		out.MaxSizeMB = proc.MaxSizeMB
	}
	if proc.MaxBackups != 0 {
		out.MaxBackups = proc.MaxBackups
	}
	if proc.MaxAgeDays != 0 {
		out.MaxAgeDays = proc.MaxAgeDays
	}
	if proc.Compress {
		out.Compress = true
	}
	return out
}

// GlobalEnv composes the environment shared by all children.
// Precedence: OS env (when enabled), then env_files in order, then env.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New(c.UseOSEnv)
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		e = e.With(pairs)
	}
	return e.With(c.Env), nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are skipped.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		val := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
		out = append(out, k+"="+val)
	}
	return out, nil
}
