package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProbeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ok, err := New(Config{URL: srv.URL + "/health"}, srv.Client())
	require.NoError(t, err)
	assert.NoError(t, ok.Check(context.Background()))
	assert.Equal(t, "http:"+srv.URL+"/health", ok.Describe())

	bad, err := New(Config{Type: "http", URL: srv.URL + "/down"}, nil)
	require.NoError(t, err)
	assert.Error(t, bad.Check(context.Background()))

	custom, err := New(Config{URL: srv.URL + "/down", ExpectStatus: http.StatusServiceUnavailable}, nil)
	require.NoError(t, err)
	assert.NoError(t, custom.Check(context.Background()))
}

func TestHTTPProbeJSONAssertion(t *testing.T) {
	body := `{"status":"healthy"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, JSONPath: "status", Expect: "healthy"}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Check(context.Background()))

	body = `{"status":"degraded"}`
	assert.ErrorContains(t, p.Check(context.Background()), "degraded")

	body = `{}`
	assert.ErrorContains(t, p.Check(context.Background()), "no value")
}

func TestHTTPProbeHonorsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	begin := time.Now()
	assert.Error(t, p.Check(ctx))
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	p, err := New(Config{Address: addr}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Check(context.Background()))

	require.NoError(t, ln.Close())
	assert.Error(t, p.Check(context.Background()))
}

func TestCommandProbe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
	ok, err := New(Config{Type: "exec", Command: "true"}, nil)
	require.NoError(t, err)
	assert.NoError(t, ok.Check(context.Background()))
	assert.Equal(t, "cmd:true", ok.Describe())

	fail := CommandProbe{Command: "sh -c 'exit 3'"}
	assert.Error(t, fail.Check(context.Background()))

	slow := CommandProbe{Command: "sleep 5"}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	begin := time.Now()
	assert.ErrorIs(t, slow.Check(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
	_, err = New(Config{Type: "http"}, nil)
	assert.Error(t, err)
	_, err = New(Config{Type: "grpc", URL: "x"}, nil)
	assert.Error(t, err)
	_, err = NewMetadata(MetadataConfig{URL: "http://x"}, nil)
	assert.Error(t, err)
}

func TestMetadataProbeTunnelURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"tunnels":[{"name":"command_line","public_url":"https://abc.ngrok.app","proto":"https"}]}`))
	}))
	defer srv.Close()

	m, err := NewMetadata(MetadataConfig{URL: srv.URL + "/api/tunnels", JSONPath: "tunnels.0.public_url"}, nil)
	require.NoError(t, err)
	url, err := m.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://abc.ngrok.app", url)

	m.JSONPath = "tunnels.5.public_url"
	_, err = m.Fetch(context.Background())
	assert.Error(t, err)
}

func TestResultHealthy(t *testing.T) {
	assert.True(t, Responsive.Healthy())
	for _, r := range []Result{Unknown, Unresponsive, NotRunning} {
		assert.False(t, r.Healthy(), r)
	}
}
