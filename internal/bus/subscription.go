package bus

import "sync/atomic"

type remover interface {
	remove(topic string, id uint64) bool
}

// Subscription is the handle returned by Subscribe. Its only operation is
// Unsubscribe.
type Subscription struct {
	owner   remover
	topic   string
	id      uint64
	removed atomic.Bool
}

// Topic returns the topic the subscription was registered under.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe stops all future deliveries to the handler. It is safe to call
// more than once, including from inside the handler itself.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.removed.CompareAndSwap(false, true) {
		return
	}
	s.owner.remove(s.topic, s.id)
}

// Active reports whether the subscription is still registered.
func (s *Subscription) Active() bool {
	return s != nil && !s.removed.Load()
}

// Group collects subscriptions so a consumer can release them together on
// teardown.
type Group struct {
	subs []*Subscription
}

// Add records subs in the group.
func (g *Group) Add(subs ...*Subscription) {
	g.subs = append(g.subs, subs...)
}

// Len returns the number of subscriptions recorded.
func (g *Group) Len() int {
	return len(g.subs)
}

// Unsubscribe releases every subscription in the group.
func (g *Group) Unsubscribe() {
	for _, s := range g.subs {
		s.Unsubscribe()
	}
	g.subs = nil
}
