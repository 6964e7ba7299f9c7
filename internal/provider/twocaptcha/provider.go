// Package twocaptcha adapts the 2captcha in.php/res.php API to captcha.Provider.
package twocaptcha

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/provider/vendorhttp"
	"github.com/JakeFAU/crawler-captcha/internal/resilience"
)

// Name is the factory key of this adapter.
const Name = "2captcha"

const notReady = "CAPCHA_NOT_READY"

var permanentSubmitCodes = map[string]struct{}{
	"ERROR_WRONG_USER_KEY":     {},
	"ERROR_KEY_DOES_NOT_EXIST": {},
	"ERROR_ZERO_BALANCE":       {},
	"ERROR_PAGEURL":            {},
	"ERROR_GOOGLEKEY":          {},
	"ERROR_IP_NOT_ALLOWED":     {},
	"ERROR_BAD_PARAMETERS":     {},
	"ERROR_DUPLICATE":          {},
	"ERROR_DOMAIN_NOT_ALLOWED": {},
}

var permanentPollCodes = map[string]struct{}{
	"ERROR_WRONG_USER_KEY":     {},
	"ERROR_KEY_DOES_NOT_EXIST": {},
	"ERROR_WRONG_CAPTCHA_ID":   {},
	"ERROR_CAPTCHA_UNSOLVABLE": {},
	"ERROR_ZERO_BALANCE":       {},
	"ERROR_IP_NOT_ALLOWED":     {},
}

// Config holds adapter settings.
type Config struct {
	APIKey  string
	BaseURL string
	Method  string
}

// Provider talks to 2captcha. It supports callback delivery via pingback.
type Provider struct {
	apiKey string
	method string
	client *vendorhttp.Client
}

// New validates cfg and binds the adapter to exec.
func New(cfg Config, httpClient *http.Client, exec *resilience.Executor) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, captcha.Configuration("new 2captcha provider", "api key is required")
	}
	client, err := vendorhttp.New(cfg.BaseURL, httpClient, exec)
	if err != nil {
		return nil, err
	}
	method := cfg.Method
	if method == "" {
		method = "userrecaptcha"
	}
	return &Provider{apiKey: cfg.APIKey, method: method, client: client}, nil
}

// Name implements captcha.Provider.
func (p *Provider) Name() string { return Name }

// Capabilities implements captcha.Provider.
func (p *Provider) Capabilities() captcha.Capabilities {
	return captcha.Capabilities{SupportsCallback: true}
}

type response struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Submit implements captcha.Provider.
func (p *Provider) Submit(ctx context.Context, req captcha.SubmitRequest) (string, error) {
	const op = "2captcha submit"
	q := url.Values{}
	q.Set("key", p.apiKey)
	q.Set("method", p.method)
	q.Set("googlekey", req.Descriptor.SiteKey)
	q.Set("pageurl", req.Descriptor.PageURL)
	q.Set("json", "1")
	if req.Descriptor.Invisible {
		q.Set("invisible", "1")
	}
	if req.CallbackURL != "" {
		q.Set("pingback", req.CallbackURL)
	}

	var id string
	err := p.client.Get(ctx, op, "in.php", q, func(body []byte) error {
		var resp response
		if err := vendorhttp.DecodeJSON(op, body, &resp); err != nil {
			return err
		}
		if resp.Status == 1 && resp.Request != "" {
			id = resp.Request
			return nil
		}
		return classify(op, resp.Request, permanentSubmitCodes)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Poll implements captcha.Provider.
func (p *Provider) Poll(ctx context.Context, vendorTaskID string) (captcha.PollResult, error) {
	const op = "2captcha poll"
	q := url.Values{}
	q.Set("key", p.apiKey)
	q.Set("action", "get")
	q.Set("id", vendorTaskID)
	q.Set("json", "1")

	var result captcha.PollResult
	err := p.client.Get(ctx, op, "res.php", q, func(body []byte) error {
		var resp response
		if err := vendorhttp.DecodeJSON(op, body, &resp); err != nil {
			return err
		}
		switch {
		case resp.Status == 1 && resp.Request != "":
			result = captcha.PollResult{Ready: true, Solution: resp.Request}
			return nil
		case resp.Request == notReady:
			result = captcha.PollResult{}
			return nil
		default:
			return classify(op, resp.Request, permanentPollCodes)
		}
	})
	if err != nil {
		return captcha.PollResult{}, err
	}
	return result, nil
}

func classify(op, code string, permanent map[string]struct{}) error {
	if code == "" {
		code = "UNKNOWN"
	}
	if _, ok := permanent[code]; ok {
		return captcha.Permanent(op, code, errors.New("rejected by 2captcha"))
	}
	return captcha.Transient(op, code, errors.New("2captcha error"))
}
