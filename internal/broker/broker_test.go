package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchlink/internal/logger"
	"dispatchlink/internal/router"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// fakeTransport records physical calls and lets tests push messages.
type fakeTransport struct {
	mu           sync.Mutex
	nextID       int
	subscribes   []string
	unsubscribes []string
	published    map[string][]json.RawMessage
	handlers     map[string]func(*types.Message) // subscription id -> handler
	topicOf      map[string]string
	failTopics   map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		published:  make(map[string][]json.RawMessage),
		handlers:   make(map[string]func(*types.Message)),
		topicOf:    make(map[string]string),
		failTopics: make(map[string]bool),
	}
}

type fakeSubscription struct {
	id        string
	topic     string
	transport *fakeTransport
}

func (s *fakeSubscription) ID() string    { return s.id }
func (s *fakeSubscription) Topic() string { return s.topic }
func (s *fakeSubscription) Unsubscribe() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.transport.unsubscribes = append(s.transport.unsubscribes, s.topic)
	delete(s.transport.handlers, s.id)
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler func(*types.Message)) (interfaces.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribes = append(f.subscribes, topic)
	if f.failTopics[topic] {
		return nil, errors.New("rejected")
	}
	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)
	f.handlers[id] = handler
	f.topicOf[id] = topic
	return &fakeSubscription{id: id, topic: topic, transport: f}, nil
}

func (f *fakeTransport) Publish(topic string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeTransport) Close() error          { return nil }
func (f *fakeTransport) Done() <-chan struct{} { return nil }
func (f *fakeTransport) Err() error            { return nil }

func (f *fakeTransport) subscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribes...)
}

func (f *fakeTransport) unsubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribes...)
}

// deliver pushes payload to every live subscription on topic.
func (f *fakeTransport) deliver(topic string, payload string) {
	f.mu.Lock()
	var handlers []func(*types.Message)
	for id, h := range f.handlers {
		if f.topicOf[id] == topic {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(&types.Message{Topic: topic, Payload: json.RawMessage(payload)})
	}
}

func (f *fakeTransport) idFor(topic string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.handlers {
		if f.topicOf[id] == topic {
			return id
		}
	}
	return ""
}

// fakeSession stands in for the session's connect notifications.
type fakeSession struct {
	mu         sync.Mutex
	active     interfaces.Transport
	onConnect  []func(interfaces.Transport)
	onProtoErr []func(*types.ErrorFrame)
}

func (s *fakeSession) ActiveConnection() interfaces.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeSession) OnConnect(cb func(interfaces.Transport)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, cb)
	return func() {}
}

func (s *fakeSession) OnProtocolError(cb func(*types.ErrorFrame)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProtoErr = append(s.onProtoErr, cb)
	return func() {}
}

func (s *fakeSession) connect(t interfaces.Transport) {
	s.mu.Lock()
	s.active = t
	cbs := append([]func(interfaces.Transport){}, s.onConnect...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(t)
	}
}

func (s *fakeSession) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

func (s *fakeSession) protocolError(ef *types.ErrorFrame) {
	for _, cb := range s.onProtoErr {
		cb(ef)
	}
}

type recorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorder) HandleMessage(msg *types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(msg.Payload))
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func newTestBroker() (*Broker, *fakeSession) {
	session := &fakeSession{}
	return New(session, nil, logger.Nop()), session
}

func TestBroker_SubscribeWhileConnected_NoDuplicatePhysical(t *testing.T) {
	b, session := newTestBroker()
	transport := newFakeTransport()
	session.connect(transport)

	l1, l2 := &recorder{}, &recorder{}
	_, err := b.Subscribe("/topic/dispatches", l1)
	require.NoError(t, err)
	_, err = b.Subscribe("/topic/dispatches", l2)
	require.NoError(t, err)

	assert.Equal(t, []string{"/topic/dispatches"}, transport.subscribeCalls())

	transport.deliver("/topic/dispatches", `{"n":1}`)
	assert.Equal(t, 1, l1.count())
	assert.Equal(t, 1, l2.count())
}

func TestBroker_SameListenerCollapses(t *testing.T) {
	b, session := newTestBroker()
	transport := newFakeTransport()
	session.connect(transport)

	l := &recorder{}
	tok1, err := b.Subscribe("/topic/dispatches", l)
	require.NoError(t, err)
	tok2, err := b.Subscribe("/topic/dispatches", l)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)

	transport.deliver("/topic/dispatches", `1`)
	assert.Equal(t, 1, l.count(), "one invocation per message")
	assert.Equal(t, 1, b.Stats().Listeners)
}

func TestBroker_FuncListenersGetDistinctTokens(t *testing.T) {
	b, _ := newTestBroker()
	fn := ListenerFunc(func(*types.Message) error { return nil })

	tok1, err := b.Subscribe("/topic/dispatches", fn)
	require.NoError(t, err)
	tok2, err := b.Subscribe("/topic/dispatches", fn)
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2)
}

// callbackListener is a value listener whose comparable struct type
// hides an uncomparable func behind an interface field.
type callbackListener struct {
	cb interface{}
}

func (l callbackListener) HandleMessage(msg *types.Message) error {
	l.cb.(func(*types.Message))(msg)
	return nil
}

func TestBroker_ValueListenersGetDistinctTokens(t *testing.T) {
	b, session := newTestBroker()
	transport := newFakeTransport()
	session.connect(transport)

	var mu sync.Mutex
	calls := 0
	l := callbackListener{cb: func(*types.Message) {
		mu.Lock()
		calls++
		mu.Unlock()
	}}

	var tok1, tok2 types.SubscriptionToken
	require.NotPanics(t, func() {
		var err error
		tok1, err = b.Subscribe("/topic/dispatches", l)
		require.NoError(t, err)
		tok2, err = b.Subscribe("/topic/dispatches", l)
		require.NoError(t, err)
	})
	assert.NotEqual(t, tok1, tok2)
	assert.Equal(t, 2, b.Stats().Listeners)
	assert.Equal(t, []string{"/topic/dispatches"}, transport.subscribeCalls())

	transport.deliver("/topic/dispatches", `1`)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestBroker_UnsubscribeKeepsSharedPhysical(t *testing.T) {
	b, session := newTestBroker()
	transport := newFakeTransport()
	session.connect(transport)

	l1, l2 := &recorder{}, &recorder{}
	tok1, _ := b.Subscribe("/topic/dispatches", l1)
	tok2, _ := b.Subscribe("/topic/dispatches", l2)

	require.NoError(t, b.Unsubscribe(tok1))
	assert.Empty(t, transport.unsubscribeCalls(), "L2 still needs the subscription")

	transport.deliver("/topic/dispatches", `1`)
	assert.Equal(t, 0, l1.count())
	assert.Equal(t, 1, l2.count())

	require.NoError(t, b.Unsubscribe(tok2))
	assert.Equal(t, []string{"/topic/dispatches"}, transport.unsubscribeCalls())
	assert.Empty(t, b.Topics())

	assert.ErrorIs(t, b.Unsubscribe(tok2), ErrUnknownToken)
	assert.Len(t, transport.unsubscribeCalls(), 1)
}

func TestBroker_SubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	b, session := newTestBroker()

	_, err := b.Subscribe("/topic/a", &recorder{})
	require.NoError(t, err)
	_, err = b.Subscribe("/topic/b", &recorder{})
	require.NoError(t, err)
	tok, err := b.Subscribe("/topic/c", &recorder{})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(tok))

	transport := newFakeTransport()
	session.connect(transport)

	assert.ElementsMatch(t, []string{"/topic/a", "/topic/b"}, transport.subscribeCalls())
	assert.Empty(t, transport.unsubscribeCalls())
}

func TestBroker_ResubscribesOnEveryConnect(t *testing.T) {
	b, session := newTestBroker()
	l := &recorder{}
	_, err := b.Subscribe("t1", l)
	require.NoError(t, err)

	first := newFakeTransport()
	session.connect(first)
	assert.Equal(t, []string{"t1"}, first.subscribeCalls())

	session.disconnect()
	second := newFakeTransport()
	session.connect(second)
	assert.Equal(t, []string{"t1"}, second.subscribeCalls())
	assert.Equal(t, int64(2), b.Stats().PhysicalSubscribes)

	second.deliver("t1", `"hello"`)
	assert.Equal(t, 1, l.count())

	// Connect firing again for the same transport does not duplicate
	session.connect(second)
	assert.Len(t, second.subscribeCalls(), 1)
}

func TestBroker_UnsubscribeWhileDisconnectedSkipsPhysical(t *testing.T) {
	b, session := newTestBroker()
	transport := newFakeTransport()
	session.connect(transport)

	tok, err := b.Subscribe("/topic/a", &recorder{})
	require.NoError(t, err)

	session.disconnect()
	require.NoError(t, b.Unsubscribe(tok))
	assert.Empty(t, transport.unsubscribeCalls(), "stale handle needs no teardown")

	session.connect(newFakeTransport())
	assert.Empty(t, b.Topics())
}

func TestBroker_FailedSubscribeRetriedOnReconnect(t *testing.T) {
	b, session := newTestBroker()
	first := newFakeTransport()
	first.failTopics["/topic/a"] = true
	session.connect(first)

	l := &recorder{}
	_, err := b.Subscribe("/topic/a", l)
	require.NoError(t, err, "physical failure is not surfaced")
	assert.Equal(t, []string{"/topic/a"}, first.subscribeCalls())

	second := newFakeTransport()
	session.connect(second)
	assert.Equal(t, []string{"/topic/a"}, second.subscribeCalls())
}

func TestBroker_ProtocolErrorDropsHandle(t *testing.T) {
	b, session := newTestBroker()
	transport := newFakeTransport()
	session.connect(transport)

	_, err := b.Subscribe("/topic/a", &recorder{})
	require.NoError(t, err)
	id := transport.idFor("/topic/a")
	require.NotEmpty(t, id)

	session.protocolError(&types.ErrorFrame{Code: "forbidden", Subscription: id})

	// Not retried mid-session, retried on the next connect
	session.connect(transport)
	assert.Len(t, transport.subscribeCalls(), 2)
}

func TestBroker_DispatchIsolatesFailures(t *testing.T) {
	b, session := newTestBroker()
	transport := newFakeTransport()
	session.connect(transport)

	type dispatch struct {
		Unit string `json:"unit"`
	}
	var decoded []string
	ok := &recorder{}

	_, _ = b.Subscribe("/topic/a", ListenerFunc(func(*types.Message) error { panic("boom") }))
	_, _ = b.Subscribe("/topic/a", JSON(func(topic string, d dispatch) error {
		decoded = append(decoded, d.Unit)
		return nil
	}))
	_, _ = b.Subscribe("/topic/a", ok)
	_, _ = b.Subscribe("/topic/b", ok)

	transport.deliver("/topic/a", `not-json`)
	transport.deliver("/topic/a", `{"unit":"M-3"}`)
	transport.deliver("/topic/b", `{"unit":"M-4"}`)

	assert.Equal(t, []string{"M-3"}, decoded)
	assert.Equal(t, 3, ok.count())

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.Dispatched)
	assert.Equal(t, int64(3), stats.ListenerErrors, "two panics and one decode failure")
}

func TestBroker_ListenerMayUnsubscribeDuringDispatch(t *testing.T) {
	b, session := newTestBroker()
	transport := newFakeTransport()
	session.connect(transport)

	var tok types.SubscriptionToken
	calls := 0
	tok, _ = b.Subscribe("/topic/a", ListenerFunc(func(*types.Message) error {
		calls++
		return b.Unsubscribe(tok)
	}))

	transport.deliver("/topic/a", `1`)
	transport.deliver("/topic/a", `2`)
	assert.Equal(t, 1, calls)
}

func TestBroker_Publish(t *testing.T) {
	session := &fakeSession{}
	b := New(session, router.NewRateLimiter(2, time.Minute), logger.Nop())

	assert.ErrorIs(t, b.Publish("/app/ack", map[string]int{"id": 1}), types.ErrNotConnected)

	transport := newFakeTransport()
	session.connect(transport)

	require.NoError(t, b.Publish("/app/ack", map[string]int{"id": 1}))
	require.NoError(t, b.Publish("/app/ack", json.RawMessage(`{"id":2}`)))
	assert.ErrorIs(t, b.Publish("/app/ack", nil), router.ErrRateLimitExceeded)
	assert.ErrorIs(t, b.Publish("bad topic", nil), types.ErrInvalidTopic)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.published["/app/ack"], 2)
	assert.JSONEq(t, `{"id":1}`, string(transport.published["/app/ack"][0]))
}

func TestBroker_UnsubscribeForgetsPublishBudget(t *testing.T) {
	session := &fakeSession{}
	b := New(session, router.NewRateLimiter(1, time.Minute), logger.Nop())
	session.connect(newFakeTransport())

	tok, err := b.Subscribe("/topic/a", &recorder{})
	require.NoError(t, err)
	require.NoError(t, b.Publish("/topic/a", 1))
	assert.ErrorIs(t, b.Publish("/topic/a", 2), router.ErrRateLimitExceeded)

	require.NoError(t, b.Unsubscribe(tok))
	_, err = b.Subscribe("/topic/a", &recorder{})
	require.NoError(t, err)
	assert.NoError(t, b.Publish("/topic/a", 3))

	assert.ErrorIs(t, b.Publish("/topic/a", 4), router.ErrRateLimitExceeded)
	b.Reset()
	assert.NoError(t, b.Publish("/topic/a", 5))
}

func TestBroker_SubscribeValidation(t *testing.T) {
	b, _ := newTestBroker()

	_, err := b.Subscribe("", &recorder{})
	assert.ErrorIs(t, err, types.ErrInvalidTopic)

	_, err = b.Subscribe("/topic/a", nil)
	assert.ErrorIs(t, err, ErrNilListener)
}

func TestBroker_Reset(t *testing.T) {
	b, session := newTestBroker()
	transport := newFakeTransport()
	session.connect(transport)

	_, _ = b.Subscribe("/topic/a", &recorder{})
	_, _ = b.Subscribe("/topic/b", &recorder{})

	b.Reset()
	assert.Empty(t, b.Topics())
	assert.ElementsMatch(t, []string{"/topic/a", "/topic/b"}, transport.unsubscribeCalls())

	session.connect(newFakeTransport())
	assert.Equal(t, 0, b.Stats().Listeners)
}
