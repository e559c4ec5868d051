package metering

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

type recorderFunc func(context.Context, models.UsageRecord) error

func (f recorderFunc) Record(ctx context.Context, rec models.UsageRecord) error { return f(ctx, rec) }

func TestMultiRecordsToAll(t *testing.T) {
	var calls int
	ok := recorderFunc(func(context.Context, models.UsageRecord) error { calls++; return nil })
	boom := errors.New("boom")
	failing := recorderFunc(func(context.Context, models.UsageRecord) error { calls++; return boom })

	err := Multi{ok, nil, failing, ok}.Record(context.Background(), models.UsageRecord{Model: "m"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)

	assert.NoError(t, Multi{}.Record(context.Background(), models.UsageRecord{}))
}

func TestKafkaPublisher(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	var sent []byte
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "chat-usage", msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "claude-sonnet-4-5", string(key))
		sent, err = msg.Value.Encode()
		return err
	})

	pub := NewKafkaPublisherWithProducer(producer, "chat-usage")
	require.NoError(t, pub.Record(context.Background(), models.UsageRecord{
		RequestID: "req-9", Model: "claude-sonnet-4-5", InputTokens: 10, OutputTokens: 2, Cost: 0.0001,
	}))
	require.NoError(t, pub.Close())

	var ev UsageEvent
	require.NoError(t, json.Unmarshal(sent, &ev))
	_, err := uuid.Parse(ev.EventID)
	assert.NoError(t, err)
	assert.Equal(t, "req-9", ev.RequestID)
	assert.Equal(t, 10, ev.InputTokens)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestKafkaPublisherError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisherWithProducer(producer, "chat-usage")
	err := pub.Record(context.Background(), models.UsageRecord{Model: "m"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}
