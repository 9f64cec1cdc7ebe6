package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a state change as "<subject>.<change>"
type EventType string

const (
	EventWorkEnqueued  EventType = "work.enqueued"
	EventWorkCompleted EventType = "work.completed"
	EventWorkRetrying  EventType = "work.retrying"
	EventWorkFailed    EventType = "work.failed"
	EventWorkCancelled EventType = "work.cancelled"
	EventWorkReset     EventType = "work.reset"
	EventWorkRecovered EventType = "work.recovered"
	EventTaskCreated   EventType = "task.created"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
)

// Subject returns the part before the dot: "work" or "task"
func (t EventType) Subject() string {
	subject, _, _ := strings.Cut(string(t), ".")
	return subject
}

// Event represents a state change in the engine
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher is implemented by Broker; components that only emit events
// depend on this instead
type Publisher interface {
	Publish(event *Event)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Filter selects events by full type ("work.failed") or by subject
// ("task"). An empty filter matches everything.
type Filter []string

// Match reports whether the filter selects t
func (f Filter) Match(t EventType) bool {
	if len(f) == 0 {
		return true
	}
	for _, want := range f {
		if want == string(t) || want == t.Subject() {
			return true
		}
	}
	return false
}

// ParseFilter splits a comma separated ?type= value
func ParseFilter(s string) Filter {
	var f Filter
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			f = append(f, part)
		}
	}
	return f
}

const (
	brokerBuffer     = 100
	subscriberBuffer = 50
)

// Broker fans events out to subscribers. Slow subscribers lose events
// rather than stall publishers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]Filter
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]Filter),
		eventCh:     make(chan *Event, brokerBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop ends distribution. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving the events filter selects. With no
// filter the subscriber sees every event.
func (b *Broker) Subscribe(filter ...string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = Filter(filter)
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish stamps the event and queues it. It never blocks: once the broker
// is stopped or its buffer is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.deliver(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if !filter.Match(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(*Event) {}
