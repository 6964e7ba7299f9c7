package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/metrics"
)

// Waiter throttles outbound calls per target.
type Waiter interface {
	Wait(ctx context.Context, target string) error
}

// Policy configures retries of a single call.
type Policy struct {
	MaxRetries int
	Backoff    Backoff
}

// Executor runs outbound calls under the retry policy and the target's
// circuit breaker.
type Executor struct {
	policy   Policy
	breakers *Breakers
	limiter  Waiter
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLimiter throttles calls before they reach the network.
func WithLimiter(l Waiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSleep replaces the context-aware sleep used between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// NewExecutor builds an Executor sharing breakers with other executors of the
// same session.
func NewExecutor(policy Policy, breakers *Breakers, opts ...Option) *Executor {
	if breakers == nil {
		breakers = NewBreakers(BreakerConfig{}, nil, nil)
	}
	e := &Executor{
		policy:   policy,
		breakers: breakers,
		logger:   zap.NewNop(),
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakers exposes the breaker registry.
func (e *Executor) Breakers() *Breakers {
	return e.breakers
}

// Do invokes fn for target. Transient failures are retried with backoff up to
// MaxRetries times and count against the circuit. Permanent failures return
// after one attempt without touching the failure count. An open circuit fails
// fast without invoking fn.
func (e *Executor) Do(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	breaker := e.breakers.For(target)
	var (
		lastErr error
		prev    time.Duration
	)
	for attempt := 0; ; attempt++ {
		if err := breaker.Allow(); err != nil {
			metrics.ObserveVendorCall(target, "circuit_open")
			if lastErr != nil {
				return errors.Join(err, lastErr)
			}
			return err
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, target); err != nil {
				breaker.Record(OutcomeIgnored)
				return err
			}
		}

		err := fn(ctx)
		switch {
		case err == nil:
			breaker.Record(OutcomeSuccess)
			metrics.ObserveVendorCall(target, "success")
			return nil
		case !captcha.IsRetryable(err):
			breaker.Record(OutcomeIgnored)
			metrics.ObserveVendorCall(target, captcha.Reason(err))
			return err
		}

		breaker.Record(OutcomeFailure)
		metrics.ObserveVendorCall(target, "transient")
		lastErr = err
		if attempt >= e.policy.MaxRetries {
			return err
		}

		delay := e.policy.Backoff.Next(attempt, prev)
		prev = delay
		metrics.ObserveRetryDelay(target, delay)
		e.logger.Debug("retrying transient failure",
			zap.String("target", target),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return errors.Join(err, lastErr)
		}
	}
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, e *Executor, target string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, target, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LogStateChanges returns a breaker callback that logs transitions and
// publishes the state gauge.
func LogStateChanges(logger *zap.Logger) func(target string, from, to State) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(target string, from, to State) {
		metrics.SetCircuitState(target, int(to))
		fields := []zap.Field{
			zap.String("target", target),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		}
		if to == StateOpen {
			logger.Warn("circuit opened", fields...)
			return
		}
		logger.Info("circuit state changed", fields...)
	}
}
