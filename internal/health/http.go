package health

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// maxBodyBytes bounds how much of a probe response is read.
const maxBodyBytes = 1 << 20

// HTTPProbe succeeds when URL answers with ExpectStatus (200 by default) and,
// when JSONPath is set, the body holds a value at that path equal to Expect
// (or any value when Expect is empty).
type HTTPProbe struct {
	URL          string
	Method       string
	Headers      map[string]string
	ExpectStatus int
	JSONPath     string
	Expect       string
	Client       *http.Client
}

func (p *HTTPProbe) Check(ctx context.Context) error {
	body, err := fetch(ctx, p.Client, p.Method, p.URL, p.Headers, p.expectStatus())
	if err != nil {
		return err
	}
	if p.JSONPath == "" {
		return nil
	}
	v := gjson.GetBytes(body, p.JSONPath)
	if !v.Exists() {
		return fmt.Errorf("%s: no value at %q", p.URL, p.JSONPath)
	}
	if p.Expect != "" && v.String() != p.Expect {
		return fmt.Errorf("%s: %s = %q, want %q", p.URL, p.JSONPath, v.String(), p.Expect)
	}
	return nil
}

func (p *HTTPProbe) Describe() string { return "http:" + p.URL }

func (p *HTTPProbe) expectStatus() int {
	if p.ExpectStatus == 0 {
		return http.StatusOK
	}
	return p.ExpectStatus
}

// MetadataProbe extracts a single string from a JSON endpoint.
type MetadataProbe struct {
	URL      string
	JSONPath string
	Client   *http.Client
}

// Fetch returns the value at JSONPath. An absent value is an error.
func (p *MetadataProbe) Fetch(ctx context.Context) (string, error) {
	body, err := fetch(ctx, p.Client, http.MethodGet, p.URL, nil, http.StatusOK)
	if err != nil {
		return "", err
	}
	v := gjson.GetBytes(body, p.JSONPath)
	if !v.Exists() || v.String() == "" {
		return "", fmt.Errorf("%s: no value at %q", p.URL, p.JSONPath)
	}
	return v.String(), nil
}

func fetch(ctx context.Context, client *http.Client, method, url string, headers map[string]string, want int) ([]byte, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("%s: status %d, want %d", url, resp.StatusCode, want)
	}
	return body, nil
}
