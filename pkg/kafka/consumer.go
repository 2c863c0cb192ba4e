// Package kafka provides the message bus of the pipeline on top of
// segmentio/kafka-go. Producers serialise events as JSON; consumers hand
// each message to a MessageHandler and redeliver failed messages by
// republishing them with an incremented attempt header until the delivery
// budget is spent, after which the message goes to the dead-letter topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
	"github.com/segmentio/kafka-go"
)

const (
	headerAttempt     = "x-delivery-attempt"
	headerError       = "x-last-error"
	headerSourceTopic = "x-source-topic"
)

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader        *kafka.Reader
	topic         string
	deadLetter    string
	maxDeliveries int
	bus           *Bus
	metrics       *metrics.Metrics
	logger        *slog.Logger
	handler       MessageHandler
}

// NewConsumer creates a Consumer for the given topic and handler. Failed
// messages are republished through bus.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, bus *Bus, m *metrics.Metrics) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup + "-" + topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader:        r,
		topic:         topic,
		deadLetter:    cfg.Topics.DeadLetter,
		maxDeliveries: cfg.MaxDeliveries,
		bus:           bus,
		metrics:       metrics.OrNoop(m),
		logger:        slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler:       handler,
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "max_deliveries", c.maxDeliveries)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return c.reader.Close()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		attempt := DeliveryAttempt(msg.Headers)
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"attempt", attempt,
		)

		if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"attempt", attempt,
				"error", err,
			)
			if err := c.redeliver(ctx, msg, attempt, err); err != nil {
				// Leave the offset uncommitted; the group rebalance or a
				// restart delivers the message again.
				c.logger.Error("failed to redeliver message", "offset", msg.Offset, "error", err)
				continue
			}
		} else {
			c.metrics.MessagesHandled.WithLabelValues(c.topic, "ok").Inc()
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (c *Consumer) redeliver(ctx context.Context, msg kafka.Message, attempt int, cause error) error {
	switch NextAction(cause, attempt, c.maxDeliveries) {
	case ActionRetry:
		c.metrics.MessagesHandled.WithLabelValues(c.topic, "redelivered").Inc()
		return c.bus.Producer(c.topic).Write(ctx, kafka.Message{
			Key:     msg.Key,
			Value:   msg.Value,
			Headers: withHeader(msg.Headers, headerAttempt, strconv.Itoa(attempt+1)),
		})
	default:
		c.metrics.MessagesHandled.WithLabelValues(c.topic, "dead_letter").Inc()
		c.logger.Warn("sending message to dead-letter topic",
			"dead_letter_topic", c.deadLetter,
			"attempt", attempt,
			"error", cause,
		)
		headers := withHeader(msg.Headers, headerError, cause.Error())
		headers = withHeader(headers, headerSourceTopic, c.topic)
		return c.bus.Producer(c.deadLetter).Write(ctx, kafka.Message{
			Key:     msg.Key,
			Value:   msg.Value,
			Headers: headers,
		})
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Action is what the consumer does with a message whose handler failed.
type Action int

const (
	ActionRetry Action = iota
	ActionDeadLetter
)

// NextAction decides between redelivery and dead-lettering. Errors that no
// redelivery can fix go straight to the dead-letter topic.
func NextAction(err error, attempt, maxDeliveries int) Action {
	if !apperrors.IsRetryable(err) {
		return ActionDeadLetter
	}
	if maxDeliveries > 0 && attempt >= maxDeliveries {
		return ActionDeadLetter
	}
	return ActionRetry
}

// DeliveryAttempt reads the attempt header. First deliveries carry none and
// count as attempt 1.
func DeliveryAttempt(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key == headerAttempt {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

func withHeader(headers []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
// Malformed payloads are reported as invalid input so they are not redelivered.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("%w: decoding kafka message: %v", apperrors.ErrInvalidInput, err)
	}
	return result, nil
}
