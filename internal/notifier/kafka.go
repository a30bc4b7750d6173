package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/minershop/offer-sync/internal/models"
)

// Kafka publishes offer events to a topic, keyed by offer id so an offer's events stay ordered.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafka connects a synchronous producer to the brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start sarama producer: %w", err)
	}
	return NewKafkaWithProducer(producer, topic), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

// Publish sends all events as one batch.
func (k *Kafka) Publish(_ context.Context, events []models.OfferEvent) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("Failed to marshal offer event", "offerId", ev.OfferID, "error", err)
			continue
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(ev.OfferID),
			Value: sarama.ByteEncoder(data),
		})
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("failed to write offer events to kafka: %w", err)
	}
	slog.Debug("Offer events published", "topic", k.topic, "count", len(msgs))
	return nil
}

// Close closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
