// Package fhir implements the boundary collaborators the fetch pipeline
// consumes: an HTTP client for a FHIR REST endpoint, capability statement
// parsing, and bundle (page) decoding with optional validation.
//
// The package never interprets resource contents beyond the bundle envelope;
// records are handed to sinks as plain map[string]any documents.
package fhir

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fhirspect/internal/metrics"
)

// Config controls client construction.
type Config struct {
	// BaseURL is the FHIR server endpoint, e.g. "https://hapi.fhir.org/baseR4".
	BaseURL string

	// Timeout per request. If zero, defaults to 60s.
	Timeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification (useful for
	// self-signed / internal endpoints). Prefer false in production.
	InsecureSkipVerify bool

	// JobName tags HTTP metrics. Defaults to "fhirspect".
	JobName string
}

// Client performs JSON requests against a single FHIR server.
//
// It is safe for concurrent use, although the fetch pipeline is strictly
// sequential by design.
type Client struct {
	base *url.URL
	http *http.Client
	job  string
}

// NewClient validates the base URL and builds the underlying HTTP client.
//
// Errors:
//   - Returns an error when BaseURL is empty or not an absolute http(s) URL.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("fhir: missing server URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("fhir: parse server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("fhir: server URL must be absolute http(s): %q", raw)
	}
	// A trailing slash makes relative path resolution predictable.
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	transport := &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 4,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	job := cfg.JobName
	if job == "" {
		job = "fhirspect"
	}

	return &Client{
		base: u,
		http: &http.Client{Timeout: timeout, Transport: transport},
		job:  job,
	}, nil
}

// BaseURL returns the normalized server endpoint.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.base.String(), "/")
}

// RequestJSON performs a GET against path (relative to the server base URL,
// query string allowed) and returns the raw response body.
//
// Errors:
//   - Network failures and non-2xx statuses are returned as errors; the body
//     is drained and discarded on non-2xx so connections can be reused.
func (c *Client) RequestJSON(ctx context.Context, path string) ([]byte, error) {
	ref, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("fhir: parse request path %q: %w", path, err)
	}
	target := c.base.ResolveReference(ref).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("fhir: build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json, application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP(c.job, 0, err, time.Since(start), -1)
		return nil, fmt.Errorf("fhir: GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n, _ := io.Copy(io.Discard, resp.Body)
		statusErr := fmt.Errorf("fhir: GET %s: unexpected status %s", target, resp.Status)
		metrics.RecordHTTP(c.job, resp.StatusCode, statusErr, time.Since(start), n)
		return nil, statusErr
	}

	body, err := io.ReadAll(resp.Body)
	metrics.RecordHTTP(c.job, resp.StatusCode, err, time.Since(start), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("fhir: read response body: %w", err)
	}
	return body, nil
}
