package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-settlement/internal/events"
)

var ErrProducerClosed = errors.New("kafka: producer closed")

// Producer buffers envelopes and writes them from a single goroutine. The
// writer has no default topic; each message names its own.
type Producer struct {
	w       *kafka.Writer
	log     *zap.Logger
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	done    chan struct{}
	inbox   chan kafka.Message
	closeCh chan struct{}
}

var _ events.Publisher = (*Producer)(nil)

func NewProducer(brokers []string, buf int, log *zap.Logger) *Producer {
	if buf <= 0 {
		buf = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Producer{
		log:     log,
		done:    make(chan struct{}),
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
	p.w = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				p.log.Warn("kafka write failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return p
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.Close()
				p.drain()
				return
			case <-p.done:
				p.drain()
				return
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

// drain writes what is still buffered once no Publish can enqueue more.
func (p *Producer) drain() {
	p.seal()
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			_ = p.w.Close()
			return
		}
	}
}

// seal waits out in-flight sends and refuses new ones.
func (p *Producer) seal() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Producer) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		p.log.Warn("kafka publish failed", zap.String("topic", m.Topic), zap.Error(err))
	}
}

// Publish enqueues env on topic. It blocks only while the buffer is full
// and gives up when ctx ends or the producer is closed.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, env events.Envelope) error {
	msg, err := encode(topic, key, env)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-p.done:
		return ErrProducerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages and releases publishers blocked on a full
// buffer. The loop flushes what is buffered.
func (p *Producer) Close() {
	p.once.Do(func() { close(p.done) })
	p.seal()
}

func (p *Producer) WaitClosed() { <-p.closeCh }

func encode(topic string, key []byte, env events.Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "event_id", Value: []byte(env.EventID)},
		},
	}, nil
}
