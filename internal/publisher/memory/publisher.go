// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded payloads.
func (p *Publisher) Messages() []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]any, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded payloads that are resolution events.
func (p *Publisher) Events() []captcha.ResolutionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []captcha.ResolutionEvent
	for _, m := range p.messages {
		if ev, ok := m.(captcha.ResolutionEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
