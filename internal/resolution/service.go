// Package resolution is the single entry point for obtaining a token: the
// token cache fast path, in-flight deduplication, and dispatch to the
// configured resolver strategy.
package resolution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/metrics"
)

const reportTimeout = 10 * time.Second

// Recorder receives every terminal task, for example an archive.
type Recorder interface {
	Record(ctx context.Context, task captcha.ResolutionTask) error
}

// Service implements resolve(descriptor) for the request gate.
type Service struct {
	base      context.Context
	resolver  captcha.Resolver
	cache     captcha.TokenCache
	registry  *Registry
	ttl       time.Duration
	publisher captcha.Publisher
	recorder  Recorder
	logger    *zap.Logger

	// pending counts running resolutions and their event reports.
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithPublisher publishes a ResolutionEvent for each terminal task.
func WithPublisher(p captcha.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder hands each terminal task to rec.
func WithRecorder(rec Recorder) Option {
	return func(s *Service) { s.recorder = rec }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires a resolver to a cache and registry. Resolutions run
// under base, not under the caller's context, so a departing caller never
// cancels a task other callers are waiting on. Canceling base tears every
// live task down.
func NewService(base context.Context, resolver captcha.Resolver, cache captcha.TokenCache, registry *Registry, ttl time.Duration, opts ...Option) (*Service, error) {
	switch {
	case resolver == nil:
		return nil, captcha.Configuration("new resolution service", "resolver is required")
	case cache == nil:
		return nil, captcha.Configuration("new resolution service", "token cache is required")
	case registry == nil:
		return nil, captcha.Configuration("new resolution service", "registry is required")
	}
	if base == nil {
		base = context.Background()
	}
	s := &Service{
		base:     base,
		resolver: resolver,
		cache:    cache,
		registry: registry,
		ttl:      ttl,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Resolve returns a token for d: from the cache, by joining a live
// resolution, or by starting one.
func (s *Service) Resolve(ctx context.Context, d captcha.ChallengeDescriptor) (string, error) {
	task, err := s.ResolveTask(ctx, d)
	if err != nil {
		return "", err
	}
	return task.Solution, nil
}

// ResolveTask is Resolve returning the terminal task snapshot. Cache hits
// return a synthetic solved task with an empty ID.
func (s *Service) ResolveTask(ctx context.Context, d captcha.ChallengeDescriptor) (captcha.ResolutionTask, error) {
	key := d.CorrelationKey
	if key == "" {
		return captcha.ResolutionTask{}, captcha.Configuration("resolve", "descriptor has no correlation key")
	}
	if tok, ok := s.cache.Get(key); ok {
		return cachedTask(d, tok), nil
	}

	task, joined, err := s.registry.Join(ctx, key, func() (captcha.ResolutionTask, error) {
		// A resolution that finished between the fast path and here has
		// already filled the cache.
		if tok, ok := s.cache.Get(key); ok {
			return cachedTask(d, tok), nil
		}
		if !s.track() {
			return captcha.ResolutionTask{}, fmt.Errorf("resolve %s: service closed: %w", key, context.Canceled)
		}
		defer s.pending.Done()
		task, err := s.resolver.Resolve(s.base, d)
		if err == nil && task.State == captcha.StateSolved {
			s.cache.Put(key, task.Solution, s.ttl)
		}
		s.report(task)
		return task, err
	})
	if joined {
		metrics.ObserveInflightShared()
		s.logger.Debug("joined in-flight resolution", zap.String("correlation_key", key))
	}
	return task, err
}

// Close refuses new resolutions and waits until every running resolution
// has finished and its event has been published and archived. Cancel the
// base context first to end running resolutions early.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pending.Wait()
}

func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending.Add(1)
	return true
}

func (s *Service) report(task captcha.ResolutionTask) {
	if task.ID == "" {
		return
	}
	strategy := s.resolver.Strategy()
	metrics.ObserveResolution(task.Provider, strategy, string(task.State), task.FinishedAt.Sub(task.SubmittedAt))
	if s.publisher == nil && s.recorder == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), reportTimeout)
		defer cancel()
		logger := s.logger.With(zap.String("task_id", task.ID))
		if s.publisher != nil {
			if _, err := s.publisher.Publish(ctx, captcha.NewResolutionEvent(task, strategy)); err != nil {
				logger.Warn("publish resolution event failed", zap.Error(err))
			}
		}
		if s.recorder != nil {
			if err := s.recorder.Record(ctx, task); err != nil {
				logger.Warn("archive resolution failed", zap.Error(err))
			}
		}
	}()
}

func cachedTask(d captcha.ChallengeDescriptor, tok captcha.CachedToken) captcha.ResolutionTask {
	return captcha.ResolutionTask{
		Descriptor:  d,
		State:       captcha.StateSolved,
		Solution:    tok.Value,
		Transitions: []captcha.TaskState{captcha.StateSolved},
	}
}
