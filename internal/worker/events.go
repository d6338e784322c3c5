package worker

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is a lease status change.
type Event struct {
	LeaseID string    `json:"lease_id"`
	TaskID  string    `json:"task_id"`
	Topic   string    `json:"topic"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// EventBroker fans lease events out to subscribers. It is safe for
// concurrent use.
//
// After Close, Subscribe returns a closed channel so late subscribers do
// not block forever.
type EventBroker struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	topic string
	ch    chan Event
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subs: make(map[int]*subscriber),
	}
}

// Subscribe returns a channel of events for topic, or for every topic when
// topic is empty, and an unsubscribe function.
func (b *EventBroker) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{topic: topic, ch: ch}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish sends ev to every matching subscriber. Events are dropped for
// subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.topic != "" && s.topic != ev.Topic {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Never block the dispatcher on a slow reader.
		}
	}
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
