// Package broker multiplexes many topic listeners over the session's one
// connection. Listener bookkeeping survives disconnects; physical
// subscriptions are recreated after every connect.
package broker

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"dispatchlink/internal/logger"
	"dispatchlink/internal/router"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// Connector is the part of the session the broker depends on.
type Connector interface {
	ActiveConnection() interfaces.Transport
	OnConnect(cb func(interfaces.Transport)) func()
	OnProtocolError(cb func(*types.ErrorFrame)) func()
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Topics               int
	Listeners            int
	PhysicalSubscribes   int64
	PhysicalUnsubscribes int64
	Dispatched           int64
	ListenerErrors       int64
}

type registration struct {
	token    types.SubscriptionToken
	topic    string
	listener Listener
}

// topicState holds the listeners for one topic and its physical handle,
// tagged with the transport it was created on. A handle from any other
// transport is stale.
type topicState struct {
	listeners []*registration
	handle    interfaces.Subscription
	transport interfaces.Transport
}

func (ts *topicState) liveOn(transport interfaces.Transport) bool {
	return ts.handle != nil && transport != nil && ts.transport == transport
}

// Broker is the listener-facing subscription API.
type Broker struct {
	session Connector
	limiter *router.RateLimiter
	log     logger.Logger

	mu      sync.Mutex
	topics  map[string]*topicState
	tokens  map[types.SubscriptionToken]*registration
	handles map[string]string // physical subscription id -> topic

	detach []func()

	physicalSubscribes   atomic.Int64
	physicalUnsubscribes atomic.Int64
	dispatched           atomic.Int64
	listenerErrors       atomic.Int64
}

// New creates a broker and hooks it to session's connect and protocol
// error events. limiter may be nil.
func New(session Connector, limiter *router.RateLimiter, log logger.Logger) *Broker {
	b := &Broker{
		session: session,
		limiter: limiter,
		log:     log.With("component", "broker"),
		topics:  make(map[string]*topicState),
		tokens:  make(map[types.SubscriptionToken]*registration),
		handles: make(map[string]string),
	}
	b.detach = []func(){
		session.OnConnect(b.resubscribe),
		session.OnProtocolError(b.handleProtocolError),
	}
	return b
}

// Subscribe registers listener on topic and returns its token. When
// connected and topic has no live physical subscription, one is created.
// Registering the same pointer listener twice on a topic returns the
// original token.
func (b *Broker) Subscribe(topic string, listener Listener) (types.SubscriptionToken, error) {
	if !types.IsValidTopic(topic) {
		return "", types.ErrInvalidTopic
	}
	if listener == nil {
		return "", ErrNilListener
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ts, exists := b.topics[topic]
	if !exists {
		ts = &topicState{}
		b.topics[topic] = ts
	}

	if reg := ts.find(listener); reg != nil {
		return reg.token, nil
	}

	reg := &registration{
		token:    types.SubscriptionToken(uuid.New().String()),
		topic:    topic,
		listener: listener,
	}
	ts.listeners = append(ts.listeners, reg)
	b.tokens[reg.token] = reg

	if transport := b.session.ActiveConnection(); transport != nil && !ts.liveOn(transport) {
		b.subscribeLocked(topic, ts, transport)
	}
	return reg.token, nil
}

// find returns the registration already holding listener. Only pointer
// listeners have an identity; values and funcs always register anew.
func (ts *topicState) find(listener Listener) *registration {
	if reflect.TypeOf(listener).Kind() != reflect.Pointer {
		return nil
	}
	for _, reg := range ts.listeners {
		if reg.listener == listener {
			return reg
		}
	}
	return nil
}

// Unsubscribe removes the registration behind token. The physical
// subscription is torn down only when no listener on the topic remains.
func (b *Broker) Unsubscribe(token types.SubscriptionToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, exists := b.tokens[token]
	if !exists {
		return ErrUnknownToken
	}
	delete(b.tokens, token)

	ts := b.topics[reg.topic]
	for i, r := range ts.listeners {
		if r == reg {
			ts.listeners = append(ts.listeners[:i:i], ts.listeners[i+1:]...)
			break
		}
	}
	if len(ts.listeners) > 0 {
		return nil
	}

	b.releaseLocked(reg.topic, ts)
	delete(b.topics, reg.topic)
	if b.limiter != nil {
		b.limiter.Forget(reg.topic)
	}
	return nil
}

// Publish sends payload to topic on the live connection. It fails with
// types.ErrNotConnected rather than buffering while disconnected.
func (b *Broker) Publish(topic string, payload interface{}) error {
	if !types.IsValidTopic(topic) {
		return types.ErrInvalidTopic
	}

	transport := b.session.ActiveConnection()
	if transport == nil {
		return types.ErrNotConnected
	}
	if b.limiter != nil && !b.limiter.Allow(topic) {
		return router.ErrRateLimitExceeded
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		raw = data
	}
	return transport.Publish(topic, raw)
}

// Topics returns the topics with at least one listener, sorted.
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	topics, listeners := len(b.topics), len(b.tokens)
	b.mu.Unlock()

	return Stats{
		Topics:               topics,
		Listeners:            listeners,
		PhysicalSubscribes:   b.physicalSubscribes.Load(),
		PhysicalUnsubscribes: b.physicalUnsubscribes.Load(),
		Dispatched:           b.dispatched.Load(),
		ListenerErrors:       b.listenerErrors.Load(),
	}
}

// Reset drops every listener and physical subscription. Used on sign-out.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, ts := range b.topics {
		b.releaseLocked(topic, ts)
		if b.limiter != nil {
			b.limiter.Forget(topic)
		}
	}
	b.topics = make(map[string]*topicState)
	b.tokens = make(map[types.SubscriptionToken]*registration)
	b.handles = make(map[string]string)
}

// Close detaches the broker from the session.
func (b *Broker) Close() {
	for _, fn := range b.detach {
		fn()
	}
}

// resubscribe restores a physical subscription for every topic that has
// listeners but no live handle on transport.
func (b *Broker) resubscribe(transport interfaces.Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := 0
	for topic, ts := range b.topics {
		if len(ts.listeners) == 0 || ts.liveOn(transport) {
			continue
		}
		pending++
		b.subscribeLocked(topic, ts, transport)
	}
	if pending > 0 {
		b.log.Infof("Recovered %d topic subscriptions", pending)
	}
}

func (b *Broker) subscribeLocked(topic string, ts *topicState, transport interfaces.Transport) {
	b.forgetHandleLocked(ts)

	handle, err := transport.Subscribe(topic, func(msg *types.Message) {
		b.dispatch(topic, msg)
	})
	b.physicalSubscribes.Inc()
	if err != nil {
		b.log.Warnf("Subscribe to %s failed, will retry on next connect: %v", topic, err)
		return
	}

	ts.handle = handle
	ts.transport = transport
	b.handles[handle.ID()] = topic
}

// releaseLocked unsubscribes ts's handle if it is still live.
func (b *Broker) releaseLocked(topic string, ts *topicState) {
	if ts.liveOn(b.session.ActiveConnection()) {
		b.physicalUnsubscribes.Inc()
		if err := ts.handle.Unsubscribe(); err != nil {
			b.log.Warnf("Unsubscribe from %s failed: %v", topic, err)
		}
	}
	b.forgetHandleLocked(ts)
}

func (b *Broker) forgetHandleLocked(ts *topicState) {
	if ts.handle != nil {
		delete(b.handles, ts.handle.ID())
	}
	ts.handle = nil
	ts.transport = nil
}

// handleProtocolError drops the handle the server rejected so the next
// recovery pass retries it.
func (b *Broker) handleProtocolError(ef *types.ErrorFrame) {
	if ef.Subscription == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	topic, exists := b.handles[ef.Subscription]
	if !exists {
		return
	}
	if ts, ok := b.topics[topic]; ok && ts.handle != nil && ts.handle.ID() == ef.Subscription {
		b.log.Warnf("Subscription to %s rejected: %s", topic, ef.Message)
		b.forgetHandleLocked(ts)
		return
	}
	delete(b.handles, ef.Subscription)
}

// dispatch fans msg out to topic's listeners in registration order. The
// listener list is copied so listeners may subscribe or unsubscribe.
func (b *Broker) dispatch(topic string, msg *types.Message) {
	b.mu.Lock()
	var listeners []*registration
	if ts, exists := b.topics[topic]; exists {
		listeners = append(listeners, ts.listeners...)
	}
	b.mu.Unlock()

	b.dispatched.Inc()
	for _, reg := range listeners {
		b.invoke(reg, msg)
	}
}

func (b *Broker) invoke(reg *registration, msg *types.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.listenerErrors.Inc()
			b.log.Errorf("Listener %s on %s panicked: %v", reg.token, reg.topic, r)
		}
	}()

	if err := reg.listener.HandleMessage(msg); err != nil {
		b.listenerErrors.Inc()
		b.log.Warnf("Listener %s on %s failed: %v", reg.token, reg.topic, err)
	}
}
