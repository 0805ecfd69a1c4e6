package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives a payload published on a topic. A returned error is
// logged and does not affect other handlers.
type Handler[T any] func(payload T) error

// Option configures a Bus.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	onError func(topic string, err error)
}

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithErrorHook registers a callback invoked for every handler failure,
// after it has been logged.
func WithErrorHook(fn func(topic string, err error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// Stats contains dispatch counters.
type Stats struct {
	Published     int64 // Publish calls
	Delivered     int64 // Handler invocations that returned nil
	HandlerErrors int64 // Handler invocations that failed or panicked
	Unrouted      int64 // Publish calls on a topic with no subscribers
}

type entry[T any] struct {
	id      uint64
	handler Handler[T]
}

// Bus is a synchronous topic-keyed publish/subscribe registry.
// The zero value is not usable; create one with New.
type Bus[T any] struct {
	opts options

	mu     sync.RWMutex
	nextID uint64
	// Slices are replaced, never mutated in place, so Publish can iterate a
	// snapshot without holding the lock.
	topics map[string][]entry[T]

	published     atomic.Int64
	delivered     atomic.Int64
	handlerErrors atomic.Int64
	unrouted      atomic.Int64
}

// New creates an empty Bus.
func New[T any](opts ...Option) *Bus[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[T]{
		opts:   o,
		topics: make(map[string][]entry[T]),
	}
}

// Subscribe registers h under topic. Handlers sharing a topic run in
// registration order.
func (b *Bus[T]) Subscribe(topic string, h Handler[T]) *Subscription {
	if h == nil {
		panic("bus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	current := b.topics[topic]
	next := make([]entry[T], len(current), len(current)+1)
	copy(next, current)
	b.topics[topic] = append(next, entry[T]{id: id, handler: h})

	b.opts.logger.Debug("subscriber registered",
		"topic", topic,
		"subscribers", len(next)+1,
	)

	return &Subscription{owner: b, topic: topic, id: id}
}

// Unsubscribe removes sub. Nil, foreign, and already removed subscriptions
// are ignored.
func (b *Bus[T]) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.owner != remover(b) {
		return
	}
	sub.Unsubscribe()
}

// Publish invokes every handler currently registered for topic, in order,
// on the calling goroutine.
func (b *Bus[T]) Publish(topic string, payload T) {
	b.published.Add(1)

	b.mu.RLock()
	handlers := b.topics[topic]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.unrouted.Add(1)
		return
	}

	for _, e := range handlers {
		if err := invoke(e.handler, payload); err != nil {
			b.handlerErrors.Add(1)
			b.opts.logger.Warn("subscriber failed",
				"topic", topic,
				"subscription", e.id,
				"error", err,
			)
			if b.opts.onError != nil {
				b.opts.onError(topic, err)
			}
			continue
		}
		b.delivered.Add(1)
	}
}

// SubscriberCount returns the number of handlers registered for topic.
func (b *Bus[T]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics returns the topics that currently have at least one subscriber.
func (b *Bus[T]) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.topics))
	for topic, handlers := range b.topics {
		if len(handlers) > 0 {
			out = append(out, topic)
		}
	}
	return out
}

// Stats returns current dispatch counters.
func (b *Bus[T]) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Unrouted:      b.unrouted.Load(),
	}
}

func (b *Bus[T]) remove(topic string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.topics[topic]
	for i, e := range current {
		if e.id != id {
			continue
		}
		next := make([]entry[T], 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = next
		}
		b.opts.logger.Debug("subscriber removed",
			"topic", topic,
			"subscribers", len(next),
		)
		return true
	}
	return false
}

// invoke calls h, converting a panic into an error.
func invoke[T any](h Handler[T], payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(payload)
}
