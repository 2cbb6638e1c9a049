package websocket

import (
	"sync"

	"dispatchlink/internal/router"
	"dispatchlink/pkg/types"
)

// Registry tracks the physical subscriptions of one connection.
type Registry struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription            // id -> subscription
	byTopic       map[string]map[string]*Subscription // topic -> id -> subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subscriptions: make(map[string]*Subscription),
		byTopic:       make(map[string]map[string]*Subscription),
	}
}

// Register adds sub under its id.
func (r *Registry) Register(sub *Subscription) error {
	if sub == nil {
		return ErrNilSubscription
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscriptions[sub.id]; exists {
		return ErrDuplicateSubscription
	}
	r.subscriptions[sub.id] = sub

	if r.byTopic[sub.topic] == nil {
		r.byTopic[sub.topic] = make(map[string]*Subscription)
	}
	r.byTopic[sub.topic][sub.id] = sub
	return nil
}

// Unregister removes sub and reports whether it was registered. Only the
// exact instance registered under the id is removed.
func (r *Registry) Unregister(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.subscriptions[sub.id]
	if !exists || registered != sub {
		return false
	}

	delete(r.subscriptions, sub.id)
	if subs, exists := r.byTopic[sub.topic]; exists {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(r.byTopic, sub.topic)
		}
	}
	return true
}

// Get returns the subscription registered under id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, exists := r.subscriptions[id]
	return sub, exists
}

// Resolve implements router.Resolver.
func (r *Registry) Resolve(subscriptionID, topic string) []router.Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if subscriptionID != "" {
		if sub, exists := r.subscriptions[subscriptionID]; exists {
			return []router.Destination{sub}
		}
		return nil
	}

	var destinations []router.Destination
	for _, sub := range r.byTopic[topic] {
		destinations = append(destinations, sub)
	}
	return destinations
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}

// Topics returns the topics with at least one subscription.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.byTopic))
	for topic := range r.byTopic {
		topics = append(topics, topic)
	}
	return topics
}

// Subscription is one physical subscription on a Connection.
type Subscription struct {
	id      string
	topic   string
	handler func(*types.Message)
	conn    *Connection
}

// ID returns the subscription id sent to the server.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Deliver implements router.Destination. A panicking handler is logged
// and does not stop the read loop.
func (s *Subscription) Deliver(msg *types.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.conn.log.Errorf("Handler for %s panicked: %v", s.topic, r)
		}
	}()
	s.handler(msg)
}

// Unsubscribe removes the subscription. Calling it twice, or after the
// connection has closed, is a no-op.
func (s *Subscription) Unsubscribe() error {
	if !s.conn.registry.Unregister(s) {
		return nil
	}
	if s.conn.isClosed() {
		return nil
	}
	return s.conn.writeFrame(&types.Frame{Type: types.FrameTypeUnsubscribe, ID: s.id})
}
