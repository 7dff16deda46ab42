package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"inventory/pkg/log"
)

// KafkaQueueConfig kafka queue configuration
type KafkaQueueConfig struct {
	Brokers       []string
	ConsumerGroup string
	WriteTimeout  time.Duration
	BatchTimeout  time.Duration
}

// messageWriter is the part of *kafka.Writer the queue uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes with one shared writer and consumes with one
// reader per subscribed topic.
type KafkaQueue struct {
	config  *KafkaQueueConfig
	writer  messageWriter
	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool

	sent atomic.Int64
	recv atomic.Int64
}

// NewKafkaQueue creates a kafka-backed queue
func NewKafkaQueue(config *KafkaQueueConfig) (*KafkaQueue, error) {
	if config == nil || len(config.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", ErrInvalidConfiguration)
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "inventory-core"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           config.BatchTimeout,
		WriteTimeout:           config.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return newKafkaQueue(config, writer), nil
}

func newKafkaQueue(config *KafkaQueueConfig, writer messageWriter) *KafkaQueue {
	return &KafkaQueue{config: config, writer: writer}
}

// Publish writes one message synchronously. The hash balancer keeps all
// messages of one key on one partition.
func (q *KafkaQueue) Publish(ctx context.Context, topic string, msg Message) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	if err := q.writer.WriteMessages(ctx, toKafkaMessage(topic, msg)); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	q.sent.Add(1)
	return nil
}

// Subscribe reads the topic with the configured consumer group and commits
// each message after handler returns, whatever the handler result.
func (q *KafkaQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: q.config.Brokers,
		Topic:   topic,
		GroupID: q.config.ConsumerGroup,
	})
	q.readers = append(q.readers, reader)

	go func() {
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
					log.WithFields(map[string]interface{}{
						"topic": topic,
						"error": err.Error(),
					}).Error("Kafka fetch failed")
				}
				return
			}
			q.recv.Add(1)

			if err := handler(ctx, topic, fromKafkaMessage(m)); err != nil {
				log.WithFields(map[string]interface{}{
					"topic":     topic,
					"partition": m.Partition,
					"offset":    m.Offset,
					"error":     err.Error(),
				}).Warn("Queue handler failed")
			}
			if err := reader.CommitMessages(ctx, m); err != nil {
				log.WithFields(map[string]interface{}{
					"topic": topic,
					"error": err.Error(),
				}).Warn("Kafka commit failed")
			}
		}
	}()

	return nil
}

// Close closes the writer and every reader
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	var errs []error
	if err := q.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, r := range q.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Health dials the first reachable broker
func (q *KafkaQueue) Health() error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	var lastErr error
	for _, broker := range q.config.Brokers {
		conn, err := kafka.DialContext(context.Background(), "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// GetStats returns queue statistics
func (q *KafkaQueue) GetStats() *QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return &QueueStats{
		Driver:       "kafka",
		Connected:    !q.closed,
		MessagesSent: q.sent.Load(),
		MessagesRecv: q.recv.Load(),
	}
}

func toKafkaMessage(topic string, msg Message) kafka.Message {
	km := kafka.Message{
		Topic: topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func fromKafkaMessage(km kafka.Message) Message {
	msg := Message{Key: km.Key, Value: km.Value}
	if len(km.Headers) > 0 {
		msg.Headers = make(map[string]string, len(km.Headers))
		for _, h := range km.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
