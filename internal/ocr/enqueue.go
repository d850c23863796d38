// Package ocr hands stored receipts to the asynchronous OCR pipeline over
// Pub/Sub. The pipeline itself is an external collaborator; its result
// comes back through the receipt record. Absence of OCR never blocks any
// order transition.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// Task is the message published per stored receipt.
type Task struct {
	TenantID string `json:"tenant_id"`
	OrderID  string `json:"order_id"`
	Path     string `json:"path"`
}

// Publisher enqueues receipt OCR tasks on a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPublisher connects to the topic, creating it if missing.
func NewPublisher(projectID, topicID string) (*Publisher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created OCR topic", "topic_id", topicID)
	}

	return &Publisher{client: client, topic: topic}, nil
}

// Enqueue publishes one task. Fire-and-forget: failures are logged and the
// caller's path is never blocked on publish confirmation.
func (p *Publisher) Enqueue(ctx context.Context, tenantID, orderID, path string) {
	data, err := json.Marshal(Task{TenantID: tenantID, OrderID: orderID, Path: path})
	if err != nil {
		slog.Error("marshal OCR task", "error", err)
		return
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	go func() {
		// Detached confirmation; bounded so a dead broker cannot leak
		// goroutines forever.
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := result.Get(cctx); err != nil {
			slog.Warn("OCR enqueue failed", "order_id", orderID, "error", err)
		}
	}()
}

// Close flushes and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// Noop is the disabled OCR enqueuer for deployments without a pipeline.
type Noop struct{}

// Enqueue does nothing.
func (Noop) Enqueue(context.Context, string, string, string) {}
