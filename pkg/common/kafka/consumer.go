package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/synaptica-ai/trialmatch/pkg/common/config"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

const (
	retryBackoff    = 500 * time.Millisecond
	maxRetryBackoff = 30 * time.Second
)

// messageReader is the subset of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader  messageReader
	backoff time.Duration
}

type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(cfg *config.Config, topic string, groupID string) *Consumer {
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})

	return &Consumer{reader: reader, backoff: retryBackoff}
}

// Consume blocks until ctx is cancelled. Messages are committed after the
// handler succeeds; poison messages that cannot be decoded are committed and skipped.
// A handler failure is retried on the same message with capped backoff, since
// the reader has already moved past it and a later commit would skip it.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			if err := sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		var event models.Event
		if err := json.Unmarshal(message.Value, &event); err != nil {
			logger.Log.WithError(err).Error("Failed to unmarshal event")
			c.commit(ctx, message)
			continue
		}

		if err := c.handle(ctx, handler, event); err != nil {
			return err
		}
		c.commit(ctx, message)
	}
}

// handle returns only when the handler succeeds or ctx is done.
func (c *Consumer) handle(ctx context.Context, handler EventHandler, event models.Event) error {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, event)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id": event.ID,
			"attempt":  attempt,
		}).Error("Failed to process event, retrying")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		if wait *= 2; wait > maxRetryBackoff {
			wait = maxRetryBackoff
		}
	}
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		logger.Log.WithError(err).Error("Failed to commit message")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
