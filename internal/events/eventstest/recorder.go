// Package eventstest provides an in-memory events.Publisher for tests.
package eventstest

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-checkout-settlement/internal/events"
)

var _ events.Publisher = (*Recorder)(nil)

// Recorder keeps published envelopes in memory. When Err is set Publish
// returns it and records nothing.
type Recorder struct {
	Err error

	mu       sync.Mutex
	recorded []Recorded
}

type Recorded struct {
	Topic    string
	Key      string
	Envelope events.Envelope
}

func (r *Recorder) Publish(_ context.Context, topic string, key []byte, env events.Envelope) error {
	if r.Err != nil {
		return r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, Recorded{Topic: topic, Key: string(key), Envelope: env})
	return nil
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.recorded...)
}

// OfType filters recorded envelopes by event type.
func (r *Recorder) OfType(eventType string) []Recorded {
	var out []Recorded
	for _, e := range r.Events() {
		if e.Envelope.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
