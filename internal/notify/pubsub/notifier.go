// Package pubsub emits page-ready events to the search-index collaborator
// over Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/pagevault/pagevault/internal/archive"
)

// Notifier publishes archive.PageReadyEvent messages to one topic.
type Notifier struct {
	topic *pubsub.Topic
}

// New creates a Notifier for the provided topic.
func New(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic}
}

// PageReady marshals the event and publishes it. Callers treat failures as
// fire-and-forget: log and move on, never fail the run.
func (n *Notifier) PageReady(ctx context.Context, event archive.PageReadyEvent) error {
	if n.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal page ready event: %w", err)
	}

	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"page_id": event.PageID,
			"digest":  event.Digest,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish page ready event: %w", err)
	}
	return nil
}
