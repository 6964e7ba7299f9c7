// Package vendorhttp issues JSON requests to solving vendors through the
// resilience executor. Response classification happens inside the retried
// function so vendor-level transient codes are retried like network faults.
package vendorhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/metrics"
	"github.com/JakeFAU/crawler-captcha/internal/resilience"
)

const maxBodyBytes = 1 << 20

// DecodeFunc classifies a 200 response body.
type DecodeFunc func(body []byte) error

// Client binds a base URL to a resilience executor.
type Client struct {
	base   *url.URL
	target string
	http   *http.Client
	exec   *resilience.Executor
}

// New validates baseURL. The circuit target is the base URL's host.
func New(baseURL string, httpClient *http.Client, exec *resilience.Executor) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, captcha.Configuration("vendor client", fmt.Sprintf("invalid base url %q", baseURL))
	}
	if exec == nil {
		return nil, captcha.Configuration("vendor client", "executor is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:   u,
		target: metrics.SanitizeHost(u.Host),
		http:   httpClient,
		exec:   exec,
	}, nil
}

// Target returns the circuit-breaker key of this client.
func (c *Client) Target() string {
	return c.target
}

// Get issues GET base/path?query and hands a 200 body to decode.
func (c *Client) Get(ctx context.Context, op, path string, query url.Values, decode DecodeFunc) error {
	return c.exec.Do(ctx, c.target, func(ctx context.Context) error {
		u := c.endpoint(path)
		u.RawQuery = query.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return captcha.Permanent(op, "", fmt.Errorf("build request: %w", err))
		}
		return c.send(ctx, op, req, decode)
	})
}

// PostJSON issues POST base/path with a JSON body and hands a 200 body to decode.
func (c *Client) PostJSON(ctx context.Context, op, path string, payload any, decode DecodeFunc) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return captcha.Permanent(op, "", fmt.Errorf("encode payload: %w", err))
	}
	return c.exec.Do(ctx, c.target, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path).String(), bytes.NewReader(body))
		if err != nil {
			return captcha.Permanent(op, "", fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		return c.send(ctx, op, req, decode)
	})
}

func (c *Client) send(ctx context.Context, op string, req *http.Request, decode DecodeFunc) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return captcha.Transient(op, "", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return captcha.Transient(op, "", fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return captcha.Transient(op, "HTTP_"+strconv.Itoa(resp.StatusCode),
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return decode(body)
}

func (c *Client) endpoint(path string) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return &u
}

// DecodeJSON unmarshals body into v. Undecodable bodies are transient.
func DecodeJSON(op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return captcha.Transient(op, "INVALID_JSON", fmt.Errorf("decode response: %w", err))
	}
	return nil
}
