// Package testutil holds helpers for integration tests: a PostgreSQL
// container with the schema applied and an API client that checks traffic
// against the OpenAPI document.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
)

// Client calls the API under test. The With* methods return modified copies
// so one base client can be shared by viewers, operators and ingest sources.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Validator  *OpenAPIValidator
	// ValidateAPI turns OpenAPI checks on. Negative tests that send
	// deliberately invalid payloads switch it off.
	ValidateAPI bool

	header http.Header
	t      testing.TB
}

// NewClient creates a client that does not validate traffic.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		header:     http.Header{},
	}
}

// NewClientWithValidator creates a validating client. Validation starts once
// SetT has been called.
func NewClientWithValidator(baseURL string, validator *OpenAPIValidator) *Client {
	c := NewClient(baseURL)
	c.Validator = validator
	c.ValidateAPI = true
	return c
}

// SetT sets where validation failures are reported.
func (c *Client) SetT(t testing.TB) {
	c.t = t
}

// WithoutValidation returns a copy that skips OpenAPI checks.
func (c *Client) WithoutValidation() *Client {
	clone := c.clone()
	clone.ValidateAPI = false
	return clone
}

// WithToken returns a copy that authenticates with a bearer token.
func (c *Client) WithToken(token string) *Client {
	return c.WithHeader("Authorization", "Bearer "+token)
}

// WithHeader returns a copy that sends an extra header on every request.
func (c *Client) WithHeader(key, value string) *Client {
	clone := c.clone()
	clone.header.Set(key, value)
	return clone
}

// GET performs a GET request.
func (c *Client) GET(path string) (*http.Response, error) {
	return c.send(http.MethodGet, path, nil)
}

// POST performs a POST request with body encoded as JSON.
func (c *Client) POST(path string, body interface{}) (*http.Response, error) {
	return c.send(http.MethodPost, path, body)
}

func (c *Client) clone() *Client {
	clone := *c
	clone.header = c.header.Clone()
	if clone.header == nil {
		clone.header = http.Header{}
	}
	return &clone
}

func (c *Client) send(method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := c.newRequest(method, path, payload)
	if err != nil {
		return nil, err
	}

	validate := c.ValidateAPI && c.Validator != nil && c.t != nil
	if validate {
		// Validation consumes the body, so it gets a request of its own.
		check, err := c.newRequest(method, path, payload)
		if err != nil {
			return nil, err
		}
		c.Validator.ValidateRequest(c.t, check)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	if validate {
		check, err := c.newRequest(method, path, payload)
		if err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
		c.Validator.ValidateResponse(c.t, check, resp)
	}
	return resp, nil
}

func (c *Client) newRequest(method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = c.header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// DecodeJSON decodes the response body into v and closes it.
func DecodeJSON(t testing.TB, resp *http.Response, v interface{}) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ReadBody returns the response body as a string and closes it.
func ReadBody(t testing.TB, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
