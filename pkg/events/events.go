package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened.
type EventType string

const (
	EventDaemonStarted    EventType = "daemon.started"
	EventDaemonDied       EventType = "daemon.died"
	EventDaemonRestarted  EventType = "daemon.restarted"
	EventRemoteUnhealthy  EventType = "remote.unhealthy"
	EventRemoteRecovered  EventType = "remote.recovered"
	EventRemoteQuota      EventType = "remote.quota_exceeded"
	EventGroupFull        EventType = "group.full"
	EventGroupSwitched    EventType = "group.switched"
	EventIngestStarted    EventType = "ingest.started"
	EventIngestChapter    EventType = "ingest.chapter_uploaded"
	EventIngestCompleted  EventType = "ingest.completed"
	EventIngestFailed     EventType = "ingest.failed"
	EventMirrorFailed     EventType = "mirror.failed"
	EventThumbnailCreated EventType = "thumbnail.created"
)

// Event is one runtime occurrence. Metadata keys are free-form; ingest
// events carry "job_id" so subscribers can follow a single import.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type subscription struct {
	ch     chan *Event
	filter map[EventType]bool // nil = everything
}

// Subscription delivers matching events until Close.
type Subscription struct {
	broker *Broker
	sub    *subscription
}

// C returns the receive channel. It is closed by Close or broker Stop.
func (s *Subscription) C() <-chan *Event { return s.sub.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() { s.broker.unsubscribe(s.sub) }

// Broker fans events out to subscribers. Delivery is best-effort: a
// subscriber that stops draining loses events rather than blocking the
// publisher.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*subscription]bool
	closed bool

	eventCh chan *Event
	stopCh  chan struct{}
}

// NewBroker creates a broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[*subscription]bool),
		eventCh: make(chan *Event, 100),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop ends distribution and closes every subscriber channel.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.stopCh)
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscription]bool)
	b.mu.Unlock()
}

// Subscribe registers for events. With no types given the subscription
// receives everything; otherwise only the listed types.
func (b *Broker) Subscribe(types ...EventType) *Subscription {
	sub := &subscription{ch: make(chan *Event, 50)}
	if len(types) > 0 {
		sub.filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[sub] = true
	}
	b.mu.Unlock()
	return &Subscription{broker: b, sub: sub}
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish queues an event for distribution. Missing IDs and timestamps
// are filled in. A nil broker drops the event, so emitters need no
// wiring check.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
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

// Emit publishes a new event built from its parts. Metadata pairs are
// given as alternating key, value strings.
func (b *Broker) Emit(t EventType, message string, kv ...string) {
	if b == nil {
		return
	}
	var md map[string]string
	if len(kv) >= 2 {
		md = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			md[kv[i]] = kv[i+1]
		}
	}
	b.Publish(&Event{Type: t, Message: message, Metadata: md})
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

	for sub := range b.subs {
		if sub.filter != nil && !sub.filter[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, drop.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
