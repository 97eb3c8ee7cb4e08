package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type represents the type of event. Unlike the cluster-orchestration
// events this package started life carrying, these name repository-domain
// occurrences a scheduler, metrics collector, or session manager cares
// about.
type Type string

const (
	EventAccountCreated    Type = "account.created"
	EventAccountModified   Type = "account.modified"
	EventAccountBanned     Type = "account.banned"
	EventSessionRefresh    Type = "session.refresh"
	EventSessionsRefreshed Type = "session.refresh_all"
	EventBundleCreated     Type = "bundle.created"
	EventNullificationDone Type = "nullification.cycle_done"
	EventBlobEnqueuedForGC Type = "blob.enqueued_for_delete"
	EventBlobDeleted       Type = "blob.deleted"
	EventPetitionResolved  Type = "petition.resolved"
	EventServiceDirty      Type = "service.dirty"
)

// Event represents one occurrence published to a topic.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	ServiceID int64
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256), // Buffer up to 256 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers immediately. Code running
// inside a serializer job should queue through a PendingPublisher instead,
// so that a rolled-back transaction never results in a delivered event.
func (b *Broker) Publish(event *Event) {
	// Set id and timestamp if not set
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
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
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// PendingPublisher buffers events raised during one serializer job and only
// hands them to the Broker once Flush is called, normally right after the
// owning transaction commits. Discard drops them on the rollback path. A
// PendingPublisher is not safe for concurrent use; each job gets its own,
// matching the job's single-goroutine execution.
type PendingPublisher struct {
	broker  *Broker
	pending []*Event
}

// NewPendingPublisher returns a publisher that defers delivery to broker.
func NewPendingPublisher(broker *Broker) *PendingPublisher {
	return &PendingPublisher{broker: broker}
}

// Queue buffers an event for delivery on the next Flush.
func (p *PendingPublisher) Queue(event *Event) {
	p.pending = append(p.pending, event)
}

// Flush publishes every queued event, in order, and clears the buffer.
func (p *PendingPublisher) Flush() {
	for _, e := range p.pending {
		p.broker.Publish(e)
	}
	p.pending = nil
}

// Discard drops every queued event without publishing, for use when the
// enclosing transaction rolled back.
func (p *PendingPublisher) Discard() {
	p.pending = nil
}
