// Package pubsub publishes crawl records to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
)

// Config names the destination topic.
type Config struct {
	ProjectID string
	Topic     string
}

// Publisher wraps a Pub/Sub topic. It implements crawler.RecordSink.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	runID  uuid.UUID
}

// New dials Pub/Sub and binds the configured topic. The topic must exist.
func New(ctx context.Context, cfg Config, runID uuid.UUID, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("output.pubsub.project_id and output.pubsub.topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := NewWithTopic(client.Topic(cfg.Topic), runID)
	p.client = client
	return p, nil
}

// NewWithTopic creates a Publisher for an existing topic handle.
func NewWithTopic(topic *pubsub.Topic, runID uuid.UUID) *Publisher {
	return &Publisher{topic: topic, runID: runID}
}

// Write marshals the record to JSON and waits for the server to accept it.
func (p *Publisher) Write(ctx context.Context, record crawler.Record) error {
	if p.topic == nil {
		return errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"record_type": string(record.Kind()),
			"run_id":      p.runID.String(),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the client if this Publisher owns
// it. Later calls are no-ops.
func (p *Publisher) Close(context.Context) error {
	if p.topic != nil {
		p.topic.Stop()
		p.topic = nil
	}
	if p.client != nil {
		client := p.client
		p.client = nil
		if err := client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
