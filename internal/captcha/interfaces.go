package captcha

import (
	"context"
	"io"
	"time"
)

// Provider is the uniform submit/poll contract over one vendor API.
// Poll reports not-ready as PollResult{Ready: false} with a nil error.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, vendorTaskID string) (PollResult, error)
}

// Resolver drives one task from submission to a terminal state.
type Resolver interface {
	Resolve(ctx context.Context, d ChallengeDescriptor) (ResolutionTask, error)
	Strategy() string
}

// TokenCache stores solved tokens for a bounded lifetime.
type TokenCache interface {
	Get(key string) (CachedToken, bool)
	Put(key, value string, ttl time.Duration) CachedToken
}

// SolutionReader reads a stored webhook solution by vendor task id.
type SolutionReader interface {
	GetSolution(ctx context.Context, taskID string) (StoredSolution, error)
}

// SolutionStore is the durable store shared by the sidecar and the crawler.
type SolutionStore interface {
	SolutionReader
	UpsertSolution(ctx context.Context, sol StoredSolution) error
	PurgeSolutions(ctx context.Context, olderThan time.Time) (int64, error)
	CountSolutions(ctx context.Context) (int64, error)
	Close() error
}

// BlobStore persists archived task records.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits resolution events.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator returns unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
