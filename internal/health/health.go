package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Result is the outcome of one health check.
type Result string

const (
	Unknown      Result = "unknown"
	Responsive   Result = "alive-and-responsive"
	Unresponsive Result = "alive-but-unresponsive"
	NotRunning   Result = "not-running"
)

// Healthy reports whether r needs no recovery action.
func (r Result) Healthy() bool { return r == Responsive }

// Probe is an application-level responsiveness check. Check must honor ctx
// cancellation; the caller bounds every call with a timeout.
type Probe interface {
	Check(ctx context.Context) error
	Describe() string
}

// Probe types.
const (
	TypeHTTP = "http"
	TypeTCP  = "tcp"
	TypeExec = "exec"
)

// Config selects and parameterizes a Probe.
type Config struct {
	Type string `json:"type" mapstructure:"type"`

	// http
	URL          string            `json:"url,omitempty" mapstructure:"url"`
	Method       string            `json:"method,omitempty" mapstructure:"method"`
	Headers      map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	ExpectStatus int               `json:"expect_status,omitempty" mapstructure:"expect_status"`
	JSONPath     string            `json:"json_path,omitempty" mapstructure:"json_path"`
	Expect       string            `json:"expect,omitempty" mapstructure:"expect"`

	// tcp
	Address string `json:"address,omitempty" mapstructure:"address"`

	// exec
	Command string `json:"command,omitempty" mapstructure:"command"`
}

// MetadataConfig describes an HTTP endpoint exposing a value worth surfacing in
// status, such as the public URL of a tunnel.
type MetadataConfig struct {
	URL      string `json:"url" mapstructure:"url"`
	JSONPath string `json:"json_path" mapstructure:"json_path"`
}

// New builds the probe described by cfg. client may be nil.
func New(cfg Config, client *http.Client) (Probe, error) {
	if client == nil {
		client = http.DefaultClient
	}
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	if typ == "" {
		switch {
		case cfg.URL != "":
			typ = TypeHTTP
		case cfg.Address != "":
			typ = TypeTCP
		case cfg.Command != "":
			typ = TypeExec
		}
	}
	switch typ {
	case TypeHTTP:
		if cfg.URL == "" {
			return nil, errors.New("http probe requires url")
		}
		return &HTTPProbe{
			URL:          cfg.URL,
			Method:       cfg.Method,
			Headers:      cfg.Headers,
			ExpectStatus: cfg.ExpectStatus,
			JSONPath:     cfg.JSONPath,
			Expect:       cfg.Expect,
			Client:       client,
		}, nil
	case TypeTCP:
		if cfg.Address == "" {
			return nil, errors.New("tcp probe requires address")
		}
		return TCPProbe{Address: cfg.Address}, nil
	case TypeExec:
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("exec probe requires command")
		}
		return CommandProbe{Command: cfg.Command}, nil
	default:
		return nil, fmt.Errorf("unknown probe type %q", cfg.Type)
	}
}

// NewMetadata builds a metadata probe; client may be nil.
func NewMetadata(cfg MetadataConfig, client *http.Client) (*MetadataProbe, error) {
	if cfg.URL == "" || cfg.JSONPath == "" {
		return nil, errors.New("metadata probe requires url and json_path")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &MetadataProbe{URL: cfg.URL, JSONPath: cfg.JSONPath, Client: client}, nil
}
