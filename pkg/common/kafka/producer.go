package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/synaptica-ai/trialmatch/pkg/common/config"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
)

// Publisher is the slice of the producer the pipeline depends on.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType, source, key string, data map[string]interface{}) error
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg *config.Config, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.OutboundTimeout,
	}

	return &Producer{writer: writer}
}

// PublishEvent writes one event. key selects the partition so that events for
// the same trial stay ordered; an empty key falls back to the event id.
func (p *Producer) PublishEvent(ctx context.Context, eventType, source, key string, data map[string]interface{}) error {
	event := models.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if key == "" {
		key = event.ID
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "source", Value: []byte(source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_type": eventType,
		}).Error("Failed to publish event")
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": eventType,
		"topic":      p.writer.Topic,
	}).Debug("Event published")

	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
