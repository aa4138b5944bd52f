package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-checkout-settlement/internal/events"
)

// messageWriter is the slice of *kafka.Writer a SyncPublisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SyncPublisher writes each envelope before returning, so a nil error means
// every in-sync replica has it. Use it where the caller acknowledges a third
// party on the strength of the write.
type SyncPublisher struct {
	w messageWriter
}

var _ events.Publisher = (*SyncPublisher)(nil)

func NewSyncPublisher(brokers []string, timeout time.Duration) *SyncPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SyncPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchSize:              1,
		WriteTimeout:           timeout,
	}}
}

func (p *SyncPublisher) Publish(ctx context.Context, topic string, key []byte, env events.Envelope) error {
	msg, err := encode(topic, key, env)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", topic, err)
	}
	return nil
}

func (p *SyncPublisher) Close() error { return p.w.Close() }
