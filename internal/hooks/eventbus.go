package hooks

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultQueueSize = 1000

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Event       HookEvent
	Callback    func(*EventContext)
	Filter      func(*EventContext) bool
	Unsubscribe func()
}

// BusStats counts what the bus did with published events. Delivered counts
// subscriber calls that returned normally.
type BusStats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Panics      int64 `json:"panics"`
	QueueLength int   `json:"queue_length"`
}

// EventBus fans router events out to subscribers. Publish delivers on the
// caller's goroutine; PublishAsync hands the event to a single dispatcher so
// that budget and audit paths never wait on hook actions.
type EventBus struct {
	mu     sync.RWMutex
	byType map[HookEvent][]*Subscription
	closed bool

	queue chan *EventContext
	once  sync.Once
	done  chan struct{}

	published, delivered, dropped, panics atomic.Int64
}

// NewEventBus creates a bus whose async queue holds queueSize events.
func NewEventBus(queueSize int) *EventBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	b := &EventBus{
		byType: make(map[HookEvent][]*Subscription),
		queue:  make(chan *EventContext, queueSize),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers callback for event.
func (b *EventBus) Subscribe(event HookEvent, callback func(*EventContext)) *Subscription {
	return b.SubscribeWithFilter(event, callback, nil)
}

// SubscribeWithFilter registers callback for the events of type event that
// pass filter. A nil filter accepts everything.
func (b *EventBus) SubscribeWithFilter(event HookEvent, callback func(*EventContext), filter func(*EventContext) bool) *Subscription {
	sub := &Subscription{ID: uuid.NewString(), Event: event, Callback: callback, Filter: filter}
	sub.Unsubscribe = func() { b.remove(sub) }

	b.mu.Lock()
	b.byType[event] = append(b.byType[event], sub)
	b.mu.Unlock()
	return sub
}

func (b *EventBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byType[sub.Event]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.byType[sub.Event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every matching subscriber before returning. A
// panicking subscriber is logged and does not stop delivery to the rest.
func (b *EventBus) Publish(ev *EventContext) {
	if ev == nil {
		return
	}
	b.published.Add(1)
	b.deliver(ev)
}

// PublishAsync queues ev for the dispatcher. When the queue is full or the
// bus is shut down the event is dropped and counted.
func (b *EventBus) PublishAsync(ev *EventContext) {
	if ev == nil {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
		log.WithField("request_id", ev.TaskID).Warnf("event queue full, dropping %s", ev.Event)
	}
}

func (b *EventBus) deliver(ev *EventContext) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.byType[ev.Event]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.Filter != nil && !sub.Filter(ev) {
			continue
		}
		b.call(sub, ev)
	}
}

func (b *EventBus) call(sub *Subscription, ev *EventContext) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			log.Errorf("subscriber %s panicked on %s: %v", sub.ID, ev.Event, r)
		}
	}()
	sub.Callback(ev)
	b.delivered.Add(1)
}

// dispatch delivers queued events until the queue is closed and drained.
func (b *EventBus) dispatch() {
	defer close(b.done)
	for ev := range b.queue {
		b.deliver(ev)
	}
}

// Stats returns the delivery counters.
func (b *EventBus) Stats() BusStats {
	return BusStats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Panics:      b.panics.Load(),
		QueueLength: len(b.queue),
	}
}

// Shutdown stops accepting async events, delivers what is already queued and
// waits for the dispatcher to exit. It is safe to call more than once.
func (b *EventBus) Shutdown() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})
	<-b.done
}
