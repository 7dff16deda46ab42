package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one record handed to a topic. Key groups related records
// (the aggregate id) and Headers carry metadata such as the event type.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Queue defines the interface for message queue operations
type Queue interface {
	// Publish publishes a message to the specified topic
	Publish(ctx context.Context, topic string, msg Message) error

	// Subscribe subscribes to messages from the specified topic
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error

	// Close closes the queue connections
	Close() error

	// Health checks the health of the queue
	Health() error
}

// MessageHandler handles incoming messages
type MessageHandler func(ctx context.Context, topic string, msg Message) error

// QueueStats represents queue statistics
type QueueStats struct {
	Driver       string `json:"driver"`
	Connected    bool   `json:"connected"`
	MessagesSent int64  `json:"messages_sent"`
	MessagesRecv int64  `json:"messages_received"`
}

// Common errors
var (
	ErrQueueClosed          = errors.New("queue is closed")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrPublishTimeout       = errors.New("publish timeout")
)

// Config selects and configures a queue driver
type Config struct {
	Driver        string // memory, kafka
	Brokers       []string
	ConsumerGroup string
	BufferSize    int
	Timeout       time.Duration
}

// New builds the queue named by cfg.Driver
func New(cfg Config) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(&MemoryQueueConfig{
			BufferSize: cfg.BufferSize,
			Timeout:    cfg.Timeout,
		})
	case "kafka":
		return NewKafkaQueue(&KafkaQueueConfig{
			Brokers:       cfg.Brokers,
			ConsumerGroup: cfg.ConsumerGroup,
			WriteTimeout:  cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfiguration, cfg.Driver)
	}
}
