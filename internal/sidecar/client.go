package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/resilience"
)

// ClientTarget is the circuit-breaker key of sidecar reads.
const ClientTarget = "sidecar"

// Client implements captcha.SolutionReader over the sidecar's read endpoint.
type Client struct {
	base   *url.URL
	http   *http.Client
	exec   *resilience.Executor
	apiKey string
}

// NewClient validates baseURL, for example http://127.0.0.1:6801.
func NewClient(baseURL string, httpClient *http.Client, exec *resilience.Executor, apiKey string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, captcha.Configuration("sidecar client", fmt.Sprintf("invalid sidecar url %q", baseURL))
	}
	if exec == nil {
		return nil, captcha.Configuration("sidecar client", "executor is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: u, http: httpClient, exec: exec, apiKey: apiKey}, nil
}

type lookup struct {
	sol   captcha.StoredSolution
	found bool
}

// GetSolution returns captcha.ErrSolutionNotFound when the sidecar answers
// 404, which also covers rows past the retention window.
func (c *Client) GetSolution(ctx context.Context, taskID string) (captcha.StoredSolution, error) {
	const op = "sidecar get solution"
	res, err := resilience.Call(ctx, c.exec, ClientTarget, func(ctx context.Context) (lookup, error) {
		u := *c.base
		u.Path = strings.TrimRight(u.Path, "/") + "/solutions/" + url.PathEscape(taskID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return lookup{}, captcha.Permanent(op, "", fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return lookup{}, fmt.Errorf("%s: %w", op, ctx.Err())
			}
			return lookup{}, captcha.Transient(op, "", err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return lookup{}, nil
		case http.StatusUnauthorized, http.StatusForbidden:
			return lookup{}, captcha.Permanent(op, "HTTP_"+strconv.Itoa(resp.StatusCode), fmt.Errorf("sidecar rejected api key"))
		default:
			return lookup{}, captcha.Transient(op, "HTTP_"+strconv.Itoa(resp.StatusCode),
				fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
		var sol captcha.StoredSolution
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxWebhookBytes)).Decode(&sol); err != nil {
			return lookup{}, captcha.Transient(op, "INVALID_JSON", fmt.Errorf("decode response: %w", err))
		}
		return lookup{sol: sol, found: true}, nil
	})
	if err != nil {
		return captcha.StoredSolution{}, err
	}
	if !res.found {
		return captcha.StoredSolution{}, captcha.ErrSolutionNotFound
	}
	return res.sol, nil
}
