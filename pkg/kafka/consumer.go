// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises values as JSON, while the
// consumer hands raw messages to a MessageHandler callback.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/talkware/ucair/pkg/config"
	"github.com/talkware/ucair/pkg/resilience"
)

// MessageHandler is invoked for each Kafka message. A returned error is
// retried with backoff; wrap it in resilience.Permanent to skip retries.
// A message that still fails is logged and committed so one bad event
// cannot stall its partition.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// fetcher is the part of kafka.Reader the consume loop needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader    fetcher
	logger    *slog.Logger
	handler   MessageHandler
	retry     resilience.RetryConfig
	topic     string
	processed atomic.Int64
	failed    atomic.Int64
}

// NewConsumer creates a Consumer for the given topic and handler. User events
// are replayed from the first retained offset when the group has no commit,
// so history built before a restart is not lost.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(r, topic, handler)
}

func newConsumer(r fetcher, topic string, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
		retry:   resilience.RetryConfig{MaxAttempts: 4, InitialDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second},
		topic:   topic,
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping",
					"reason", ctx.Err(),
					"processed", c.processed.Load(),
					"failed", c.failed.Load(),
				)
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}

		err = resilience.Retry(ctx, "consume "+c.topic, c.retry, func() error {
			return c.handler(ctx, msg.Key, msg.Value)
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.failed.Add(1)
			c.logger.Error("dropping message after failed processing",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"key", string(msg.Key),
				"error", err,
			)
		} else {
			c.processed.Add(1)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// Processed returns how many messages were handled successfully.
func (c *Consumer) Processed() int64 {
	return c.processed.Load()
}

// Failed returns how many messages were dropped after retries.
func (c *Consumer) Failed() int64 {
	return c.failed.Load()
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
