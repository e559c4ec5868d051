// Package metering fans usage records out to analytics sinks.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

// Recorder receives one usage record per priced upstream call.
type Recorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// Multi records to every recorder and joins their errors.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(ctx context.Context, rec models.UsageRecord) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UsageEvent is the message published for each usage record.
type UsageEvent struct {
	EventID        string    `json:"event_id"`
	RequestID      string    `json:"request_id"`
	RequestedModel string    `json:"requested_model"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Cost           float64   `json:"cost"`
	Truncated      bool      `json:"truncated"`
	Fallback       bool      `json:"fallback"`
	Timestamp      time.Time `json:"timestamp"`
}

// KafkaPublisher publishes usage events to a Kafka topic.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a synchronous producer to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(p sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

// Record implements Recorder. Events are keyed by model so per-model
// consumers see them in order.
func (k *KafkaPublisher) Record(_ context.Context, rec models.UsageRecord) error {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	msg, err := json.Marshal(UsageEvent{
		EventID:        uuid.NewString(),
		RequestID:      rec.RequestID,
		RequestedModel: rec.RequestedModel,
		Model:          rec.Model,
		InputTokens:    rec.InputTokens,
		OutputTokens:   rec.OutputTokens,
		Cost:           rec.Cost,
		Truncated:      rec.Truncated,
		Fallback:       rec.Fallback,
		Timestamp:      ts,
	})
	if err != nil {
		return fmt.Errorf("marshaling usage event: %w", err)
	}

	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(rec.Model),
		Value: sarama.ByteEncoder(msg),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte("chat.usage")},
		},
	})
	if err != nil {
		return fmt.Errorf("publishing usage event: %w", err)
	}
	return nil
}

// Close shuts down the producer.
func (k *KafkaPublisher) Close() error {
	return k.producer.Close()
}
