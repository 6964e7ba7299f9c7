// Package resolver drives a ResolutionTask through
// SUBMITTED -> POLLING -> SOLVED | FAILED | EXPIRED. Polling and webhook
// delivery share the state machine and differ only in the POLLING source.
package resolver

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
	"github.com/JakeFAU/crawler-captcha/internal/id/uuid"
	"github.com/JakeFAU/crawler-captcha/internal/resilience"
)

// Strategy names.
const (
	StrategyPolling = "polling"
	StrategyWebhook = "webhook"
)

// Config is the inter-poll schedule and overall budget of one task.
type Config struct {
	PollInitial  time.Duration
	PollMax      time.Duration
	PollGrowth   float64
	PollDeadline time.Duration
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch {
	case c.PollInitial <= 0:
		return captcha.Configuration("resolver config", "poll initial interval must be > 0")
	case c.PollMax < c.PollInitial:
		return captcha.Configuration("resolver config", "poll max interval must be >= poll initial interval")
	case c.PollDeadline <= 0:
		return captcha.Configuration("resolver config", "poll deadline must be > 0")
	}
	return nil
}

// NextDelay grows d by PollGrowth and caps it at PollMax.
func (c Config) NextDelay(d time.Duration) time.Duration {
	growth := c.PollGrowth
	if growth < 1 {
		growth = 1
	}
	next := time.Duration(math.Round(float64(d) * growth))
	if next > c.PollMax {
		return c.PollMax
	}
	return next
}

// Resolver implements captcha.Resolver.
type Resolver struct {
	provider    captcha.Provider
	source      Source
	strategy    string
	callbackURL string
	cfg         Config
	clock       captcha.Clock
	ids         captcha.IDGenerator
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used for deadlines.
func WithClock(c captcha.Clock) Option {
	return func(r *Resolver) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithIDGenerator sets the task id generator.
func WithIDGenerator(g captcha.IDGenerator) Option {
	return func(r *Resolver) {
		if g != nil {
			r.ids = g
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSleep replaces the wait between polls.
func WithSleep(s func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Resolver) {
		if s != nil {
			r.sleep = s
		}
	}
}

// NewPolling builds a resolver that polls the vendor.
func NewPolling(p captcha.Provider, cfg Config, opts ...Option) (*Resolver, error) {
	if p == nil {
		return nil, captcha.Configuration("new polling resolver", "provider is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := newResolver(p, VendorSource{Provider: p}, StrategyPolling, cfg, opts)
	return r, nil
}

// NewWebhook builds a resolver that submits with callbackURL and reads
// solutions from reader. Providers without callback support fall back to
// vendor polling.
func NewWebhook(p captcha.Provider, reader captcha.SolutionReader, callbackURL string, retention time.Duration, cfg Config, opts ...Option) (*Resolver, error) {
	if p == nil {
		return nil, captcha.Configuration("new webhook resolver", "provider is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !p.Capabilities().SupportsCallback {
		r := newResolver(p, VendorSource{Provider: p}, StrategyPolling, cfg, opts)
		r.logger.Info("provider has no callback delivery, falling back to polling",
			zap.String("provider", p.Name()))
		return r, nil
	}
	if reader == nil {
		return nil, captcha.Configuration("new webhook resolver", "solution reader is required")
	}
	if callbackURL == "" {
		return nil, captcha.Configuration("new webhook resolver", "callback url is required")
	}
	r := newResolver(p, nil, StrategyWebhook, cfg, opts)
	r.source = StoreSource{Reader: reader, Clock: r.clock, Retention: retention}
	r.callbackURL = callbackURL
	return r, nil
}

func newResolver(p captcha.Provider, src Source, strategy string, cfg Config, opts []Option) *Resolver {
	r := &Resolver{
		provider: p,
		source:   src,
		strategy: strategy,
		cfg:      cfg,
		clock:    system.New(),
		ids:      uuid.New(),
		logger:   zap.NewNop(),
		sleep:    resilience.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("provider", p.Name()), zap.String("strategy", strategy))
	return r
}

// Strategy implements captcha.Resolver.
func (r *Resolver) Strategy() string { return r.strategy }

// SourceName reports where POLLING reads from.
func (r *Resolver) SourceName() string { return r.source.Name() }

// Resolve implements captcha.Resolver. The task ends only on a solution, a
// permanent error, its own deadline, or ctx ending.
func (r *Resolver) Resolve(ctx context.Context, d captcha.ChallengeDescriptor) (captcha.ResolutionTask, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return captcha.ResolutionTask{}, err
	}
	now := r.clock.Now()
	task := &captcha.ResolutionTask{
		ID:          id,
		Descriptor:  d,
		Provider:    r.provider.Name(),
		SubmittedAt: now,
		Deadline:    now.Add(r.cfg.PollDeadline),
	}
	task.Transition(captcha.StateSubmitted)
	logger := r.logger.With(zap.String("task_id", id), zap.String("correlation_key", d.CorrelationKey))

	vendorID, err := r.provider.Submit(ctx, captcha.SubmitRequest{Descriptor: d, CallbackURL: r.callbackURL})
	if err != nil {
		return r.finish(logger, task, captcha.StateFailed, err)
	}
	task.VendorTaskID = vendorID
	task.State = captcha.StatePolling
	logger = logger.With(zap.String("vendor_task_id", vendorID))
	logger.Debug("task submitted")

	delay := r.cfg.PollInitial
	for {
		remaining := task.Deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return r.finish(logger, task, captcha.StateExpired,
				captcha.DeadlineExceeded("resolve "+d.CorrelationKey, r.cfg.PollDeadline))
		}

		task.Attempts++
		pollCtx, cancel := context.WithTimeout(ctx, remaining)
		res, err := r.source.Fetch(pollCtx, vendorID)
		pollExpired := pollCtx.Err() != nil
		cancel()
		switch {
		case ctx.Err() != nil:
			return r.finish(logger, task, captcha.StateFailed, ctx.Err())
		case pollExpired || !task.Deadline.After(r.clock.Now()):
			// A poll that outlives the deadline never solves the task.
			return r.finish(logger, task, captcha.StateExpired,
				captcha.DeadlineExceeded("resolve "+d.CorrelationKey, r.cfg.PollDeadline))
		case err == nil && res.Ready:
			task.Solution = res.Solution
			return r.finish(logger, task, captcha.StateSolved, nil)
		case errors.Is(err, captcha.ErrPermanent):
			return r.finish(logger, task, captcha.StateFailed, err)
		case err != nil:
			task.Err = err
			logger.Debug("poll failed, will retry", zap.Int("attempt", task.Attempts), zap.Error(err))
		}
		task.Transition(captcha.StatePolling)

		wait := delay
		if remaining = task.Deadline.Sub(r.clock.Now()); wait > remaining {
			wait = remaining
		}
		logger.Debug("solution not ready", zap.Int("attempt", task.Attempts), zap.Duration("next_poll", wait))
		if err := r.sleep(ctx, wait); err != nil {
			return r.finish(logger, task, captcha.StateFailed, err)
		}
		delay = r.cfg.NextDelay(delay)
	}
}

func (r *Resolver) finish(logger *zap.Logger, task *captcha.ResolutionTask, state captcha.TaskState, err error) (captcha.ResolutionTask, error) {
	task.FinishedAt = r.clock.Now()
	task.Err = err
	task.Transition(state)
	elapsed := task.FinishedAt.Sub(task.SubmittedAt)
	if err != nil {
		logger.Warn("resolution ended without solution",
			zap.String("state", string(state)),
			zap.String("reason", captcha.Reason(err)),
			zap.Int("attempts", task.Attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return task.Snapshot(), err
	}
	logger.Info("captcha solved", zap.Int("attempts", task.Attempts), zap.Duration("elapsed", elapsed))
	return task.Snapshot(), nil
}
