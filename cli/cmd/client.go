package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pithecene-io/angus/server"
	"github.com/pithecene-io/angus/types"
)

// DefaultClientTimeout bounds each request made by the CLI.
const DefaultClientTimeout = 5 * time.Minute

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Problem    server.ProblemDetail
}

func (e *APIError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Problem.Detail)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// Client calls the angus HTTP API.
type Client struct {
	base     string
	user     string
	password string
	http     *http.Client
}

// NewClient creates a client. credentials is user[:password] and may be empty.
func NewClient(base, credentials string) *Client {
	user, password, _ := strings.Cut(credentials, ":")
	return &Client{
		base:     strings.TrimRight(base, "/"),
		user:     user,
		password: password,
		http:     &http.Client{Timeout: DefaultClientTimeout},
	}
}

// ServiceRef is a key/version pair.
type ServiceRef struct {
	Key     string
	Version string
}

// ParseServiceRef parses "key/version".
func ParseServiceRef(s string) (ServiceRef, error) {
	key, version, ok := strings.Cut(s, "/")
	if !ok || key == "" || version == "" || strings.Contains(version, "/") {
		return ServiceRef{}, fmt.Errorf("invalid service %q (want key/version)", s)
	}
	return ServiceRef{Key: key, Version: version}, nil
}

func (r ServiceRef) jobsPath() string {
	return "/services/" + url.PathEscape(r.Key) + "/" + url.PathEscape(r.Version) + "/jobs"
}

// SubmitJob posts a JSON request object and returns the envelope.
func (c *Client) SubmitJob(ctx context.Context, ref ServiceRef, body []byte) (types.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+ref.jobsPath(), bytes.NewReader(body))
	if err != nil {
		return types.Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.envelope(req)
}

// GetJob fetches a job envelope.
func (c *Client) GetJob(ctx context.Context, ref ServiceRef, id string) (types.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+ref.jobsPath()+"/"+url.PathEscape(id), nil)
	if err != nil {
		return types.Envelope{}, err
	}
	return c.envelope(req)
}

func (c *Client) envelope(req *http.Request) (types.Envelope, error) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, &apiErr.Problem)
		return types.Envelope{}, apiErr
	}

	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
