package events

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/types"
)

// EventType identifies the kind of operation event
type EventType string

const (
	EventItemCreated       EventType = "item.created"
	EventItemUpdated       EventType = "item.updated"
	EventItemEnriched      EventType = "item.enriched"
	EventItemDeleted       EventType = "item.deleted"
	EventItemRestored      EventType = "item.restored"
	EventCollectionRestore EventType = "collection.restored"
	EventFallbackEnqueued  EventType = "fallback.enqueued"
	EventFallbackRetried   EventType = "fallback.retried"
	EventFallbackExhausted EventType = "fallback.exhausted"
)

// Event is one operation event. Counter-rule consumers read these to keep
// analytics totals; the core only emits them.
type Event struct {
	Type       EventType
	Collection string
	ItemID     primitive.ObjectID
	OV         int64
	CV         int64
	At         time.Time
	Actor      string
	Meta       types.Document
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. Best-effort: fan-out never
// blocks a mutation.
func (b *Broker) Publish(event *Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Broker buffer full, drop rather than stall the writer.
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
