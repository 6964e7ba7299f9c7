package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
)

// Source supplies the POLLING step of the state machine.
type Source interface {
	Name() string
	Fetch(ctx context.Context, vendorTaskID string) (captcha.PollResult, error)
}

// VendorSource polls the provider adapter.
type VendorSource struct {
	Provider captcha.Provider
}

// Name implements Source.
func (VendorSource) Name() string { return "vendor" }

// Fetch implements Source.
func (s VendorSource) Fetch(ctx context.Context, vendorTaskID string) (captcha.PollResult, error) {
	res, err := s.Provider.Poll(ctx, vendorTaskID)
	if err != nil {
		return captcha.PollResult{}, err
	}
	return res, nil
}

// StoreSource reads solutions delivered to the sidecar. Missing rows and
// rows older than Retention read as not ready.
type StoreSource struct {
	Reader    captcha.SolutionReader
	Clock     captcha.Clock
	Retention time.Duration
}

// Name implements Source.
func (StoreSource) Name() string { return "store" }

// Fetch implements Source.
func (s StoreSource) Fetch(ctx context.Context, vendorTaskID string) (captcha.PollResult, error) {
	sol, err := s.Reader.GetSolution(ctx, vendorTaskID)
	switch {
	case errors.Is(err, captcha.ErrSolutionNotFound):
		return captcha.PollResult{}, nil
	case err != nil:
		if captcha.Reason(err) != "unknown" {
			return captcha.PollResult{}, err
		}
		return captcha.PollResult{}, captcha.Transient("read stored solution", "", err)
	case !sol.FreshAt(s.Clock.Now(), s.Retention):
		return captcha.PollResult{}, nil
	default:
		return captcha.PollResult{Ready: true, Solution: sol.Code}, nil
	}
}
