// Package pubsub publishes product notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Notifier wraps a Pub/Sub topic handle.
type Notifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// Dial connects to project and verifies the topic exists.
func Dial(ctx context.Context, projectID, topicID string) (*Notifier, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &Notifier{client: client, topic: topic}, nil
}

// New wraps an existing topic. The caller keeps ownership of the client.
func New(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic}
}

// Notify marshals n to JSON and waits for the server-assigned message ID.
func (p *Notifier) Notify(ctx context.Context, n pipeline.Notification) (string, error) {
	if p == nil || p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	attrs := map[string]string{
		"product_id": n.ProductID,
		"status":     string(n.Status),
	}
	if n.BatchID != "" {
		attrs["batch_id"] = n.BatchID
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}

// Close flushes pending publishes and closes the client when owned.
func (p *Notifier) Close() error {
	if p == nil {
		return nil
	}
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
