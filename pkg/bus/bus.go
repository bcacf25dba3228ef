// Package bus is the in-process event bus: a topic dispatcher with
// wildcard subscriptions, a websocket hub for push delivery, and a
// reconnecting client for consumers on the other side of the wire.
package bus

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
)

const (
	// Wildcard subscribes to every topic.
	Wildcard = "*"

	defaultBufferSize = 256
)

// Subscription is a live feed of matching events. Close releases it.
type Subscription struct {
	id      string
	pattern string
	ch      chan models.Event
	bus     *Bus
	once    sync.Once
}

// Events returns the subscriber's delivery channel. The channel is
// closed when the subscription or the bus shuts down.
func (s *Subscription) Events() <-chan models.Event { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus dispatches events to subscribers by topic pattern. Patterns are
// matched exact first ("job.progress"), then category ("job.*"), then
// the global wildcard ("*"). Publish never blocks the emitter: a full
// subscriber buffer drops the oldest event.
type Bus struct {
	mu       sync.RWMutex
	exact    map[string]map[string]*Subscription
	category map[string]map[string]*Subscription
	wildcard map[string]*Subscription
	closed   bool

	bufferSize int
	log        *logging.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer depth.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// New creates an event bus.
func New(log *logging.Logger, opts ...Option) *Bus {
	b := &Bus{
		exact:      make(map[string]map[string]*Subscription),
		category:   make(map[string]map[string]*Subscription),
		wildcard:   make(map[string]*Subscription),
		bufferSize: defaultBufferSize,
		log:        log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers for events matching pattern: an exact topic, a
// category wildcard like "job.*", or "*" for everything.
func (b *Bus) Subscribe(pattern string) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		ch:      make(chan models.Event, b.bufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}

	switch {
	case pattern == Wildcard:
		b.wildcard[sub.id] = sub
	case strings.HasSuffix(pattern, ".*"):
		cat := strings.TrimSuffix(pattern, ".*")
		if b.category[cat] == nil {
			b.category[cat] = make(map[string]*Subscription)
		}
		b.category[cat][sub.id] = sub
	default:
		if b.exact[pattern] == nil {
			b.exact[pattern] = make(map[string]*Subscription)
		}
		b.exact[pattern][sub.id] = sub
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	switch {
	case sub.pattern == Wildcard:
		delete(b.wildcard, sub.id)
	case strings.HasSuffix(sub.pattern, ".*"):
		cat := strings.TrimSuffix(sub.pattern, ".*")
		delete(b.category[cat], sub.id)
		if len(b.category[cat]) == 0 {
			delete(b.category, cat)
		}
	default:
		delete(b.exact[sub.pattern], sub.id)
		if len(b.exact[sub.pattern]) == 0 {
			delete(b.exact, sub.pattern)
		}
	}
	close(sub.ch)
}

// Publish delivers an event to every matching subscriber. A subscriber
// that cannot keep up loses its oldest buffered event, never the
// publisher's time.
func (b *Bus) Publish(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.exact[event.Topic] {
		b.deliver(sub, event)
	}
	for _, sub := range b.category[event.Category()] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcard {
		b.deliver(sub, event)
	}
}

// Emit is shorthand for Publish(models.NewEvent(topic, data)).
func (b *Bus) Emit(topic string, data map[string]interface{}) {
	b.Publish(models.NewEvent(topic, data))
}

func (b *Bus) deliver(sub *Subscription, event models.Event) {
	for {
		select {
		case sub.ch <- event:
			return
		default:
		}
		// Full buffer: drop the oldest so ordering within the
		// subscriber is preserved for what remains.
		select {
		case dropped := <-sub.ch:
			if b.log != nil {
				b.log.Warnf("subscriber %s lagging, dropped %s", sub.id[:8], dropped.Topic)
			}
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.wildcard)
	for _, subs := range b.exact {
		n += len(subs)
	}
	for _, subs := range b.category {
		n += len(subs)
	}
	return n
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.wildcard {
		close(sub.ch)
	}
	for _, subs := range b.exact {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, subs := range b.category {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.wildcard = map[string]*Subscription{}
	b.exact = map[string]map[string]*Subscription{}
	b.category = map[string]map[string]*Subscription{}
}
