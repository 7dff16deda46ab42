package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"inventory/pkg/log"
)

// MemoryQueue memory-based queue implementation
type MemoryQueue struct {
	topics map[string]*Topic
	config *MemoryQueueConfig
	mu     sync.RWMutex
	closed bool

	sent atomic.Int64
	recv atomic.Int64
}

// Topic represents a message topic
type Topic struct {
	name     string
	messages chan Message
}

// MemoryQueueConfig memory queue configuration
type MemoryQueueConfig struct {
	BufferSize int           `json:"buffer_size"`
	Timeout    time.Duration `json:"timeout"`
}

// NewMemoryQueue creates a new memory queue instance
func NewMemoryQueue(config *MemoryQueueConfig) (*MemoryQueue, error) {
	if config == nil {
		config = &MemoryQueueConfig{}
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &MemoryQueue{
		topics: make(map[string]*Topic),
		config: config,
	}, nil
}

// topic returns the named topic, creating it on first use
func (mq *MemoryQueue) topic(name string) (*Topic, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil, ErrQueueClosed
	}

	t, exists := mq.topics[name]
	if !exists {
		t = &Topic{
			name:     name,
			messages: make(chan Message, mq.config.BufferSize),
		}
		mq.topics[name] = t
	}
	return t, nil
}

// Publish publishes a message to the queue
func (mq *MemoryQueue) Publish(ctx context.Context, topic string, msg Message) error {
	t, err := mq.topic(topic)
	if err != nil {
		return err
	}

	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.closed {
		return ErrQueueClosed
	}

	timer := time.NewTimer(mq.config.Timeout)
	defer timer.Stop()

	select {
	case t.messages <- msg:
		mq.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPublishTimeout
	}
}

// Subscribe consumes the topic in a goroutine until ctx is done or the
// queue is closed.
func (mq *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	t, err := mq.topic(topic)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case msg, ok := <-t.messages:
				if !ok {
					return
				}
				mq.recv.Add(1)
				if err := handler(ctx, topic, msg); err != nil {
					log.WithFields(map[string]interface{}{
						"topic": topic,
						"error": err.Error(),
					}).Warn("Queue handler failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Close closes the queue connections
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil
	}

	mq.closed = true
	for _, topic := range mq.topics {
		close(topic.messages)
	}
	mq.topics = make(map[string]*Topic)

	return nil
}

// Health checks the health of the queue
func (mq *MemoryQueue) Health() error {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	if mq.closed {
		return ErrQueueClosed
	}

	return nil
}

// Len returns the number of buffered messages on a topic
func (mq *MemoryQueue) Len(topic string) int {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	if t, ok := mq.topics[topic]; ok {
		return len(t.messages)
	}
	return 0
}

// GetStats returns queue statistics
func (mq *MemoryQueue) GetStats() *QueueStats {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	return &QueueStats{
		Driver:       "memory",
		Connected:    !mq.closed,
		MessagesSent: mq.sent.Load(),
		MessagesRecv: mq.recv.Load(),
	}
}
