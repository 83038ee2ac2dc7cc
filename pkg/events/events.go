package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Task CRUD stream
	EventTaskCreated           EventType = "task.created"
	EventTaskDeleted           EventType = "task.deleted"
	EventTaskReset             EventType = "task.reset"
	EventTaskRebalanceRequired EventType = "task.rebalance_required"

	// Task state stream
	EventTaskAssigned   EventType = "task.assigned"
	EventTaskUnassigned EventType = "task.unassigned"
	EventTaskPaused     EventType = "task.paused"

	// Worker events
	EventWorkerRegistered   EventType = "worker.registered"
	EventWorkerDisconnected EventType = "worker.disconnected"
)

// Event represents a task or worker event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	AccountID string
	TaskID    string
	WorkerID  string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Handler consumes events from a SubscribeFunc subscription
type Handler func(*Event)

const (
	eventBuffer      = 100
	subscriberBuffer = 50
	handlerBuffer    = 1024
)

// Broker manages event subscriptions and distribution. Every subscriber
// receives events in publish order. A subscriber whose buffer is full misses
// the event; OnDrop, when set, is told about it.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once

	// OnDrop is called from the broadcast loop when a subscriber misses an event
	OnDrop func(*Event)
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, eventBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	return b.subscribe(subscriberBuffer)
}

func (b *Broker) subscribe(size int) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, size)
	b.subscribers[sub] = true
	return sub
}

// SubscribeFunc runs handler on its own goroutine for every event. The
// returned function unsubscribes; the goroutine exits once it has drained
// what was already queued.
func (b *Broker) SubscribeFunc(handler Handler) func() {
	sub := b.subscribe(handlerBuffer)
	go func() {
		for event := range sub {
			handler(event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.Unsubscribe(sub) })
	}
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers[sub] {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
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
			if b.OnDrop != nil {
				b.OnDrop(event)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
