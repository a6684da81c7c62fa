package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8787/api"
	// DefaultTimeout covers a restart, which may take grace period plus
	// settle delay plus start grace on the daemon side.
	DefaultTimeout = 2 * time.Minute
)

// Client provides HTTP client functionality to communicate with the keepalive daemon
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // bearer token, when the daemon requires one
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is a non-200 answer from the daemon. Status is the process
// state the daemon reported alongside the failure, if any.
type APIError struct {
	Code    int
	Message string
	Status  *ProcessStatus
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Code, e.Message)
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

// New creates a new keepalive API client. TLS settings that cannot be
// loaded are an error.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// BaseURL returns the API base URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Start starts a registered process and keeps it supervised.
func (c *Client) Start(ctx context.Context, name string) (Result, error) {
	return c.lifecycle(ctx, "start", name)
}

// Stop stops a process; supervision leaves it down until started again.
func (c *Client) Stop(ctx context.Context, name string) (Result, error) {
	return c.lifecycle(ctx, "stop", name)
}

// Restart replaces the running instance of a process.
func (c *Client) Restart(ctx context.Context, name string) (Result, error) {
	return c.lifecycle(ctx, "restart", name)
}

func (c *Client) lifecycle(ctx context.Context, intent, name string) (Result, error) {
	c.logger.Debug("control request", "intent", intent, "name", name)
	return c.do(ctx, http.MethodPost, "/"+intent, url.Values{"name": {name}})
}

// Status fetches one status, or every matching status when name is empty or
// contains '*'.
func (c *Client) Status(ctx context.Context, name string) (Result, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	return c.do(ctx, http.MethodGet, "/status", q)
}

// Logs fetches the last lines of a process's log stream.
func (c *Client) Logs(ctx context.Context, lq LogsQuery) (Result, error) {
	q := url.Values{"name": {lq.Name}}
	if lq.Stream != "" {
		q.Set("stream", lq.Stream)
	}
	if lq.Lines > 0 {
		q.Set("lines", strconv.Itoa(lq.Lines))
	}
	return c.do(ctx, http.MethodGet, "/logs", q)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit operator choice
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true // #nosec G402
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs one request and decodes either a Result or an APIError.
func (c *Client) do(ctx context.Context, method, path string, q url.Values) (Result, error) {
	var res Result
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return res, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return res, &APIError{Code: resp.StatusCode, Message: resp.Status}
		}
		c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
		return res, &APIError{Code: resp.StatusCode, Message: errorResp.Error, Status: errorResp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
