// Package bus provides an in-process, per-subject publish/subscribe bus.
package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sink receives events published for a subject.
type Sink func(event interface{})

type subscription struct {
	id   string
	sink Sink
}

// Bus delivers published events to every currently registered sink for a
// subject, synchronously and in registration order. There is no buffering
// or replay: a subscriber that joins after an event is published never
// receives it. Callers needing initial state must snapshot-then-subscribe.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	logger zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers sink for subject and returns an unsubscribe func.
// Unsubscribe is idempotent and O(1) with respect to sink identity: the
// registration is keyed by an issued handle, not by comparing callbacks.
func (b *Bus) Subscribe(subject string, sink Sink) (unsubscribe func()) {
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], subscription{id: id, sink: sink})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subs[subject]
		for i, s := range subs {
			if s.id == id {
				b.subs[subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[subject]) == 0 {
			delete(b.subs, subject)
		}
	}
}

// Publish calls every sink registered for subject with the event.
// A panicking sink does not prevent delivery to the remaining sinks.
func (b *Bus) Publish(subject string, event interface{}) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[subject]))
	copy(subs, b.subs[subject])
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(subject, s, event)
	}
}

func (b *Bus) deliver(subject string, s subscription, event interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subject", subject).
				Interface("panic", r).
				Msg("subscriber panicked during publish")
		}
	}()
	s.sink(event)
}

// SubscriberCount returns the number of sinks registered for subject.
func (b *Bus) SubscriberCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}
