// Package captcha defines core types shared across subsystems.
package captcha

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/crawler-captcha/internal/hash/sha256"
)

// TaskState represents the lifecycle state of a resolution task.
type TaskState string

// Task states. Solved, Failed, and Expired are terminal.
const (
	StateSubmitted TaskState = "submitted"
	StatePolling   TaskState = "polling"
	StateSolved    TaskState = "solved"
	StateFailed    TaskState = "failed"
	StateExpired   TaskState = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSolved, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// ChallengeDescriptor identifies one challenge posed by a target site.
// CorrelationKey is the deduplication key; construct descriptors with
// NewDescriptor so it is always populated.
type ChallengeDescriptor struct {
	SiteKey        string `json:"site_key"`
	PageURL        string `json:"page_url"`
	Invisible      bool   `json:"invisible,omitempty"`
	CorrelationKey string `json:"correlation_key"`
}

// NewDescriptor validates the inputs and derives the correlation key from the
// site key and the origin of the page URL.
func NewDescriptor(siteKey, pageURL string, invisible bool) (ChallengeDescriptor, error) {
	siteKey = strings.TrimSpace(siteKey)
	if siteKey == "" {
		return ChallengeDescriptor{}, Configuration("new descriptor", "site key is required")
	}
	origin, err := originOf(pageURL)
	if err != nil {
		return ChallengeDescriptor{}, err
	}
	return ChallengeDescriptor{
		SiteKey:        siteKey,
		PageURL:        pageURL,
		Invisible:      invisible,
		CorrelationKey: sha256.Key(siteKey, origin),
	}, nil
}

func originOf(pageURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return "", Configuration("new descriptor", fmt.Sprintf("parse page url: %v", err))
	}
	if u.Scheme == "" || u.Host == "" {
		return "", Configuration("new descriptor", fmt.Sprintf("page url %q must be absolute", pageURL))
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// ResolutionTask is one submit/poll lifecycle against a provider. It is
// owned by the resolver that created it; waiters receive a snapshot.
type ResolutionTask struct {
	ID           string              `json:"id"`
	Descriptor   ChallengeDescriptor `json:"descriptor"`
	Provider     string              `json:"provider"`
	VendorTaskID string              `json:"vendor_task_id,omitempty"`
	State        TaskState           `json:"state"`
	Attempts     int                 `json:"attempts"`
	SubmittedAt  time.Time           `json:"submitted_at"`
	Deadline     time.Time           `json:"deadline"`
	FinishedAt   time.Time           `json:"finished_at,omitempty"`
	Solution     string              `json:"-"`
	Err          error               `json:"-"`
	// Transitions lists the state after submission and after each poll outcome.
	Transitions []TaskState `json:"transitions"`
}

// Transition moves the task to next and records it.
func (t *ResolutionTask) Transition(next TaskState) {
	t.State = next
	t.Transitions = append(t.Transitions, next)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (t *ResolutionTask) Snapshot() ResolutionTask {
	cp := *t
	cp.Transitions = append([]TaskState(nil), t.Transitions...)
	return cp
}

// CachedToken is a solved token valid until ExpiresAt.
type CachedToken struct {
	CorrelationKey string    `json:"correlation_key"`
	Value          string    `json:"value"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ValidAt reports whether the token may be returned at now.
func (c CachedToken) ValidAt(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// StoredSolution is one vendor callback persisted by the sidecar.
type StoredSolution struct {
	TaskID     string    `json:"id" db:"task_id"`
	Code       string    `json:"code" db:"code"`
	InsertedAt time.Time `json:"inserted_at" db:"inserted_at"`
}

// FreshAt reports whether the solution is still inside the retention window.
func (s StoredSolution) FreshAt(now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		return true
	}
	return now.Sub(s.InsertedAt) <= retention
}

// SubmitRequest carries the inputs of a provider submission.
type SubmitRequest struct {
	Descriptor  ChallengeDescriptor
	CallbackURL string
}

// PollResult is the outcome of a poll that did not fail.
type PollResult struct {
	Ready    bool
	Solution string
}

// Capabilities are static features declared by a provider adapter.
type Capabilities struct {
	SupportsCallback bool
}

// ResolutionEvent is published once per terminal task.
type ResolutionEvent struct {
	TaskID         string    `json:"task_id"`
	CorrelationKey string    `json:"correlation_key"`
	Provider       string    `json:"provider"`
	Strategy       string    `json:"strategy"`
	State          TaskState `json:"state"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DurationMS     int64     `json:"duration_ms"`
}

// NewResolutionEvent summarizes a terminal task.
func NewResolutionEvent(task ResolutionTask, strategy string) ResolutionEvent {
	ev := ResolutionEvent{
		TaskID:         task.ID,
		CorrelationKey: task.Descriptor.CorrelationKey,
		Provider:       task.Provider,
		Strategy:       strategy,
		State:          task.State,
		Attempts:       task.Attempts,
		SubmittedAt:    task.SubmittedAt,
		FinishedAt:     task.FinishedAt,
	}
	if task.Err != nil {
		ev.Reason = Reason(task.Err)
	}
	if !task.FinishedAt.IsZero() {
		ev.DurationMS = task.FinishedAt.Sub(task.SubmittedAt).Milliseconds()
	}
	return ev
}
