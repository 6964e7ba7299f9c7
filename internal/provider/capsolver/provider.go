// Package capsolver adapts the CapSolver createTask/getTaskResult API to
// captcha.Provider.
package capsolver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/provider/vendorhttp"
	"github.com/JakeFAU/crawler-captcha/internal/resilience"
)

// Name is the factory key of this adapter.
const Name = "capsolver"

var permanentCreateCodes = map[string]struct{}{
	"ERROR_TOKEN_EXPIRED":          {},
	"ERROR_UNSUPPORTED_TASK_TYPE":  {},
	"ERROR_KEY_DENIED":             {},
	"ERROR_INCORRECT_SESSION_DATA": {},
	"ERROR_BAD_PARAMETERS":         {},
	"ERROR_ZERO_BALANCE":           {},
	"ERROR_TOO_MANY_BAD_REQUESTS":  {},
}

var permanentResultCodes = map[string]struct{}{
	"ERROR_TOKEN_EXPIRED":          {},
	"ERROR_KEY_DENIED":             {},
	"ERROR_INCORRECT_SESSION_DATA": {},
	"ERROR_BAD_PARAMETERS":         {},
	"ERROR_ZERO_BALANCE":           {},
}

// Config holds adapter settings.
type Config struct {
	APIKey   string
	BaseURL  string
	TaskType string
}

// Provider talks to CapSolver. Callback delivery is not supported, so
// webhook resolution falls back to polling.
type Provider struct {
	apiKey   string
	taskType string
	client   *vendorhttp.Client
}

// New validates cfg and binds the adapter to exec.
func New(cfg Config, httpClient *http.Client, exec *resilience.Executor) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, captcha.Configuration("new capsolver provider", "api key is required")
	}
	client, err := vendorhttp.New(cfg.BaseURL, httpClient, exec)
	if err != nil {
		return nil, err
	}
	taskType := cfg.TaskType
	if taskType == "" {
		taskType = "ReCaptchaV2TaskProxyLess"
	}
	return &Provider{apiKey: cfg.APIKey, taskType: taskType, client: client}, nil
}

// Name implements captcha.Provider.
func (p *Provider) Name() string { return Name }

// Capabilities implements captcha.Provider.
func (p *Provider) Capabilities() captcha.Capabilities {
	return captcha.Capabilities{}
}

type task struct {
	Type        string `json:"type"`
	WebsiteURL  string `json:"websiteURL"`
	WebsiteKey  string `json:"websiteKey"`
	IsInvisible bool   `json:"isInvisible,omitempty"`
}

type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      task   `json:"task"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

type apiResponse struct {
	ErrorID          *int   `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           string `json:"taskId"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

func (r apiResponse) errorID(missing int) int {
	if r.ErrorID == nil {
		return missing
	}
	return *r.ErrorID
}

// Submit implements captcha.Provider. CallbackURL is ignored.
func (p *Provider) Submit(ctx context.Context, req captcha.SubmitRequest) (string, error) {
	const op = "capsolver createTask"
	payload := createTaskRequest{
		ClientKey: p.apiKey,
		Task: task{
			Type:        p.taskType,
			WebsiteURL:  req.Descriptor.PageURL,
			WebsiteKey:  req.Descriptor.SiteKey,
			IsInvisible: req.Descriptor.Invisible,
		},
	}

	var id string
	err := p.client.PostJSON(ctx, op, "createTask", payload, func(body []byte) error {
		var resp apiResponse
		if err := vendorhttp.DecodeJSON(op, body, &resp); err != nil {
			return err
		}
		if resp.errorID(1) == 0 && resp.TaskID != "" {
			id = resp.TaskID
			return nil
		}
		return classify(op, resp, permanentCreateCodes)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Poll implements captcha.Provider.
func (p *Provider) Poll(ctx context.Context, vendorTaskID string) (captcha.PollResult, error) {
	const op = "capsolver getTaskResult"
	payload := taskResultRequest{ClientKey: p.apiKey, TaskID: vendorTaskID}

	var result captcha.PollResult
	err := p.client.PostJSON(ctx, op, "getTaskResult", payload, func(body []byte) error {
		var resp apiResponse
		if err := vendorhttp.DecodeJSON(op, body, &resp); err != nil {
			return err
		}
		if resp.errorID(0) != 0 {
			return classify(op, resp, permanentResultCodes)
		}
		switch resp.Status {
		case "processing", "idle":
			result = captcha.PollResult{}
			return nil
		case "ready":
			if resp.Solution.GRecaptchaResponse == "" {
				return captcha.Transient(op, "MISSING_SOLUTION", errors.New("ready without gRecaptchaResponse"))
			}
			result = captcha.PollResult{Ready: true, Solution: resp.Solution.GRecaptchaResponse}
			return nil
		default:
			return captcha.Transient(op, "UNEXPECTED_STATUS", errors.New("unexpected status "+resp.Status))
		}
	})
	if err != nil {
		return captcha.PollResult{}, err
	}
	return result, nil
}

func classify(op string, resp apiResponse, permanent map[string]struct{}) error {
	code := resp.ErrorCode
	if code == "" {
		code = "UNKNOWN"
	}
	desc := resp.ErrorDescription
	if desc == "" {
		desc = "capsolver error"
	}
	if _, ok := permanent[code]; ok {
		return captcha.Permanent(op, code, errors.New(desc))
	}
	return captcha.Transient(op, code, errors.New(desc))
}
