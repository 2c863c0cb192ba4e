package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Event is the unit of data published to Kafka. Key is used for partition
// hashing and Value is JSON-serialised.
type Event struct {
	Key   string
	Value any
}

// Producer publishes JSON-encoded events to a Kafka topic.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer creates a Producer for the given topic.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// Publish serialises a single event and writes it to Kafka synchronously.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	return p.Write(ctx, kafka.Message{Key: []byte(event.Key), Value: value})
}

// Write sends pre-encoded messages, headers included.
func (p *Producer) Write(ctx context.Context, msgs ...kafka.Message) error {
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("failed to publish messages",
			"count", len(msgs),
			"error", err,
		)
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("messages published", "count", len(msgs))
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Bus publishes to any topic, creating one Producer per topic on first use.
type Bus struct {
	cfg       config.KafkaConfig
	mu        sync.Mutex
	producers map[string]*Producer
}

func NewBus(cfg config.KafkaConfig) *Bus {
	return &Bus{cfg: cfg, producers: make(map[string]*Producer)}
}

// Publish JSON-encodes payload and writes it to topic under key.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload any) error {
	return b.Producer(topic).Publish(ctx, Event{Key: key, Value: payload})
}

// Producer returns the producer for topic.
func (b *Bus) Producer(topic string) *Producer {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.producers[topic]
	if !ok {
		p = NewProducer(b.cfg, topic)
		b.producers[topic] = p
	}
	return p
}

// Close closes every producer the bus created.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for topic, p := range b.producers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing producer for %s: %w", topic, err)
		}
	}
	return firstErr
}
