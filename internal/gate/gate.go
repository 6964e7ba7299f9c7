// Package gate holds outgoing requests until their challenge is solved.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/metrics"
)

// Metadata keys written on requests.
const (
	MetaSolution      = "recaptcha_solution"
	MetaFailureReason = "recaptcha_failure_reason"
)

// Metadata is the per-request key/value store the gate writes to.
// *colly.Context satisfies it.
type Metadata interface {
	Get(key string) string
	Put(key string, value interface{})
}

// Resolver returns a token for a descriptor.
type Resolver interface {
	Resolve(ctx context.Context, d captcha.ChallengeDescriptor) (string, error)
}

// JobSettings is the per-job configuration record.
type JobSettings struct {
	Name            string `mapstructure:"name"`
	SiteKey         string `mapstructure:"site_key"`
	Invisible       bool   `mapstructure:"invisible"`
	CaptchaNeeded   bool   `mapstructure:"captcha_needed"`
	ResetAfterSolve bool   `mapstructure:"reset_after_solve"`
}

// Job is the live state of one crawl job. The needed flag is cleared after
// a solve when ResetAfterSolve is set and re-armed when a response shows a
// challenge again.
type Job struct {
	settings JobSettings

	mu        sync.Mutex
	needed    bool
	siteKey   string
	invisible bool
}

// NewJob starts a job from its settings.
func NewJob(s JobSettings) *Job {
	return &Job{settings: s, needed: s.CaptchaNeeded, siteKey: s.SiteKey, invisible: s.Invisible}
}

// Name returns the job name.
func (j *Job) Name() string { return j.settings.Name }

// Needed reports whether requests must carry a token.
func (j *Job) Needed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.needed
}

// Arm marks the job as needing a token. A non-empty siteKey replaces a
// missing configured key.
func (j *Job) Arm(siteKey string, invisible bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.needed = true
	if j.siteKey == "" && siteKey != "" {
		j.siteKey = siteKey
		j.invisible = invisible
	}
}

func (j *Job) solved() {
	if !j.settings.ResetAfterSolve {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.needed = false
}

func (j *Job) challenge() (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.siteKey, j.invisible
}

// FailedError is returned for requests that could not obtain a token.
type FailedError struct {
	URL    string
	Reason string
	Err    error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("captcha gate %s: %s: %v", e.URL, e.Reason, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Decision labels what the gate did with a request.
type Decision string

// Gate decisions.
const (
	DecisionSkipped Decision = "skipped"
	DecisionPresent Decision = "present"
	DecisionSolved  Decision = "solved"
	DecisionFailed  Decision = "failed"
)

// Gate resolves challenges for outgoing requests.
type Gate struct {
	resolver Resolver
	logger   *zap.Logger
}

// New builds a Gate.
func New(resolver Resolver, logger *zap.Logger) (*Gate, error) {
	if resolver == nil {
		return nil, captcha.Configuration("new gate", "resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{resolver: resolver, logger: logger}, nil
}

// Process blocks until the request to pageURL may proceed. On success the
// token is stored under MetaSolution. On failure the classified reason is
// stored under MetaFailureReason and a *FailedError is returned; the request
// must not be sent.
func (g *Gate) Process(ctx context.Context, pageURL string, meta Metadata, job *Job) (Decision, error) {
	if job == nil || !job.Needed() {
		metrics.ObserveGateDecision(string(DecisionSkipped))
		return DecisionSkipped, nil
	}
	if meta.Get(MetaSolution) != "" {
		metrics.ObserveGateDecision(string(DecisionPresent))
		return DecisionPresent, nil
	}

	siteKey, invisible := job.challenge()
	d, err := captcha.NewDescriptor(siteKey, pageURL, invisible)
	if err != nil {
		return g.fail(pageURL, meta, job, err)
	}
	token, err := g.resolver.Resolve(ctx, d)
	if err != nil {
		return g.fail(pageURL, meta, job, err)
	}
	meta.Put(MetaSolution, token)
	job.solved()
	metrics.ObserveGateDecision(string(DecisionSolved))
	g.logger.Debug("request released with token",
		zap.String("job", job.Name()),
		zap.String("url", pageURL),
		zap.String("correlation_key", d.CorrelationKey),
	)
	return DecisionSolved, nil
}

func (g *Gate) fail(pageURL string, meta Metadata, job *Job, err error) (Decision, error) {
	reason := captcha.Reason(err)
	meta.Put(MetaFailureReason, reason)
	metrics.ObserveGateDecision(string(DecisionFailed))
	level := g.logger.Warn
	if errors.Is(err, context.Canceled) {
		level = g.logger.Debug
	}
	level("request failed without token",
		zap.String("job", job.Name()),
		zap.String("url", pageURL),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return DecisionFailed, &FailedError{URL: pageURL, Reason: reason, Err: err}
}
