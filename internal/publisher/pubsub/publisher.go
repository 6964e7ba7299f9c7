// Package pubsub publishes resolution events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// NewForTopic creates a publisher for topic on client.
func NewForTopic(client *pubsub.Client, topic string) *Publisher {
	return New(client.Publisher(topic))
}

// Publish marshals the payload to JSON and publishes it. Resolution events
// carry their state, provider, and reason as attributes for subscription
// filters.
func (p *Publisher) Publish(ctx context.Context, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

func attributes(payload any) map[string]string {
	ev, ok := payload.(captcha.ResolutionEvent)
	if !ok {
		return nil
	}
	attrs := map[string]string{
		"state":    string(ev.State),
		"provider": ev.Provider,
		"strategy": ev.Strategy,
		"attempts": strconv.Itoa(ev.Attempts),
	}
	if ev.Reason != "" {
		attrs["reason"] = ev.Reason
	}
	return attrs
}
