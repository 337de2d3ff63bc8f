package event

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bus errors.
var (
	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("event: handler is nil")

	// ErrSubscriptionNotFound is returned when unsubscribing an unknown
	// subscription.
	ErrSubscriptionNotFound = errors.New("event: subscription not found")
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; a handler that panics is isolated and logged and
// never prevents delivery to later subscribers.
type Handler func(Event)

// Subscription is a handle to an active subscription.
type Subscription struct {
	id        string
	eventType Type
	handler   Handler
	cancelled atomic.Bool
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string {
	return s.id
}

// EventType returns the subscribed event type.
func (s *Subscription) EventType() Type {
	return s.eventType
}

// Cancel stops delivery to this subscription. Idempotent.
func (s *Subscription) Cancel() {
	s.cancelled.Store(true)
}

// IsActive returns true if the subscription still receives events.
func (s *Subscription) IsActive() bool {
	return !s.cancelled.Load()
}

// Bus is the in-process event bus. Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]*Subscription
	history *History
	logger  zerolog.Logger

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerPanics atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithHistoryLimit bounds the retained event history.
func WithHistoryLimit(limit int) BusOption {
	return func(b *Bus) {
		b.history = NewHistory(limit)
	}
}

// WithLogger sets the logger used for subscriber failures.
func WithLogger(logger zerolog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:    make(map[Type][]*Subscription),
		history: NewHistory(DefaultHistoryLimit),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an event type. Use TypeAll to receive
// every event.
func (b *Bus) Subscribe(t Type, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	sub := &Subscription{
		id:        uuid.NewString(),
		eventType: t,
		handler:   handler,
	}

	b.mu.Lock()
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrSubscriptionNotFound
	}
	sub.Cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			b.subs[sub.eventType] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[sub.eventType]) == 0 {
				delete(b.subs, sub.eventType)
			}
			return nil
		}
	}
	return ErrSubscriptionNotFound
}

// Publish appends the event to history and synchronously delivers it to
// every current subscriber for its type, in subscription order, followed by
// TypeAll subscribers. A panicking subscriber is caught and logged.
func (b *Bus) Publish(e Event) {
	b.history.Append(e)
	b.published.Add(1)

	b.mu.RLock()
	typed := append([]*Subscription(nil), b.subs[e.Type]...)
	wildcard := append([]*Subscription(nil), b.subs[TypeAll]...)
	b.mu.RUnlock()

	for _, sub := range typed {
		b.deliver(sub, e)
	}
	for _, sub := range wildcard {
		b.deliver(sub, e)
	}
}

// deliver invokes one subscriber with panic isolation.
func (b *Bus) deliver(sub *Subscription, e Event) {
	if !sub.IsActive() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.logger.Error().
				Str("subscription", sub.id).
				Str("event_type", string(e.Type)).
				Any("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	sub.handler(e)
	b.delivered.Add(1)
}

// History returns up to limit retained events matching the type filter,
// most recent last.
func (b *Bus) History(t Type, limit int) []Event {
	return b.history.Recent(t, limit)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		for _, s := range subs {
			if s.IsActive() {
				n++
			}
		}
	}
	return n
}

// Stats contains bus counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	HandlerPanics uint64
	Retained      int
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerPanics: b.handlerPanics.Load(),
		Retained:      b.history.Len(),
	}
}
