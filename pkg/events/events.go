package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vx11/vx11/pkg/metrics"
)

// EventType represents the type of event
type EventType string

const (
	EventHeartbeat EventType = "heartbeat"

	EventWindowOpened  EventType = "window.opened"
	EventWindowClosed  EventType = "window.closed"
	EventWindowExpired EventType = "window.expired"

	EventIntentRouted           EventType = "intent.routed"
	EventIntentUpstreamRequest  EventType = "intent.upstream_request"
	EventIntentUpstreamResponse EventType = "intent.upstream_response"
	EventIntentCompleted        EventType = "intent.completed"
	EventIntentDenied           EventType = "intent.denied"

	EventBackendHealthChanged EventType = "backend.health_changed"
	EventAuthRejected         EventType = "auth.rejected"
)

// Severity of an event
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is one record of the operator event stream
type Event struct {
	Seq           uint64         `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          EventType      `json:"type"`
	Severity      Severity       `json:"severity"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Summary       string         `json:"summary"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Publisher is implemented by Broker. Producers depend on this instead of
// the concrete broker.
type Publisher interface {
	Publish(event *Event)
}

// Subscription is one consumer's bounded queue. C is closed when the
// subscription ends, either by Close, by Broker.Close, or because the
// consumer fell behind and was dropped.
type Subscription struct {
	C <-chan *Event

	ch      chan *Event
	broker  *Broker
	dropped atomic.Bool
}

// Dropped reports whether the broker ended this subscription for overflow
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.broker.remove(s, false) }

// Broker fans events out to subscribers. Publish never blocks: a
// subscriber whose queue is full is dropped instead.
type Broker struct {
	subscribers map[*Subscription]struct{}
	mu          sync.Mutex
	seq         uint64
	closed      bool
	now         func() time.Time
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]struct{}),
		now:         time.Now,
	}
}

// Subscribe registers a consumer with a queue of the given capacity
func (b *Broker) Subscribe(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	ch := make(chan *Event, capacity)
	sub := &Subscription{C: ch, ch: ch, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subscribers[sub] = struct{}{}
	metrics.EventSubscribers.Set(float64(len(b.subscribers)))
	return sub
}

func (b *Broker) remove(sub *Subscription, overflow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub, overflow)
}

func (b *Broker) removeLocked(sub *Subscription, overflow bool) {
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	if overflow {
		sub.dropped.Store(true)
		metrics.EventSubscribersDropped.Inc()
	}
	close(sub.ch)
	metrics.EventSubscribers.Set(float64(len(b.subscribers)))
}

// Publish stamps and delivers an event to every subscriber. Delivery order
// matches the order of Publish calls.
func (b *Broker) Publish(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	event.Seq = b.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.removeLocked(sub, true)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close ends every subscription. Later publishes are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		b.removeLocked(sub, false)
	}
}
