package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var (
	ErrPublisherClosed = errors.New("events: publisher closed")
	ErrInboxFull       = errors.New("events: publisher inbox full")
)

// KafkaPublisher queues messages in memory and writes them from a single
// goroutine, so request handlers never wait on the brokers.
type KafkaPublisher struct {
	writer *kafka.Writer
	inbox  chan kafka.Message
	done   chan struct{}
	logger *zap.Logger

	// Each write gets writeTimeout. Close waits drainTimeout for the queue to
	// flush and then aborts the write in flight.
	writeTimeout time.Duration
	drainTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc

	mu        sync.RWMutex
	started   bool
	closed    bool
	closeOnce sync.Once
}

func NewKafkaPublisher(brokers []string, topic string, buffer int, logger *zap.Logger) *KafkaPublisher {
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 20 * time.Millisecond,
		},
		inbox:        make(chan kafka.Message, buffer),
		done:         make(chan struct{}),
		logger:       logger.Named("kafka"),
		writeTimeout: 5 * time.Second,
		drainTimeout: 5 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the writer goroutine. Calling it more than once, or after
// Close, does nothing.
func (p *KafkaPublisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	go p.run()
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for msg := range p.inbox {
		p.write(msg)
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Warn("close writer failed", zap.Error(err))
	}
}

func (p *KafkaPublisher) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(p.ctx, p.writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("write event failed", zap.String("key", string(msg.Key)), zap.Error(err))
	}
}

func (p *KafkaPublisher) Publish(_ context.Context, key string, event Envelope) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.inbox <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// Close stops accepting events and flushes the queue. Events still queued
// after drainTimeout are dropped.
func (p *KafkaPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.inbox)
		if !p.started {
			close(p.done)
		}
		p.mu.Unlock()
	})

	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("event queue not drained before close; dropping the rest", zap.Int("pending", len(p.inbox)))
		p.cancel()
		<-p.done
	}
	p.cancel()
	return nil
}
