package testserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dispatchlink/internal/logger"
	"dispatchlink/pkg/types"
)

type delivery struct {
	topic   string
	payload json.RawMessage
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opSubscribe
	opUnsubscribe
)

// controlOp is a peer lifecycle or subscription change. All of them share
// one channel so a peer's operations apply in the order it issued them.
type controlOp struct {
	kind  opKind
	peer  *peer
	id    string
	topic string
}

// Hub fans published payloads out to every peer subscription on the
// topic. All mutation happens on the hub goroutine; readers take a
// snapshot under mu.
type Hub struct {
	deliveries chan delivery
	control    chan controlOp
	shutdown   chan struct{}
	stopped    chan struct{}

	log logger.Logger

	mu      sync.RWMutex
	running bool
	peers   map[*peer]map[string]string // peer -> subscription id -> topic
}

// NewHub creates a stopped hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		deliveries: make(chan delivery, 1000),
		control:    make(chan controlOp, 100),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
		log:        log,
		peers:      make(map[*peer]map[string]string),
	}
}

// Start launches the hub goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	go h.run(ctx)
	return nil
}

// Stop ends the hub goroutine and waits for it.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-h.stopped
	return nil
}

// Publish queues payload for every subscription on topic.
func (h *Hub) Publish(topic string, payload json.RawMessage) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.deliveries <- delivery{topic: topic, payload: payload}:
		return nil
	default:
		return ErrChannelFull
	}
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) add(p *peer) error {
	return h.enqueue(controlOp{kind: opRegister, peer: p})
}

func (h *Hub) remove(p *peer) error {
	return h.enqueue(controlOp{kind: opUnregister, peer: p})
}

func (h *Hub) subscribe(p *peer, id, topic string) error {
	return h.enqueue(controlOp{kind: opSubscribe, peer: p, id: id, topic: topic})
}

func (h *Hub) unsubscribe(p *peer, id string) error {
	return h.enqueue(controlOp{kind: opUnsubscribe, peer: p, id: id})
}

func (h *Hub) enqueue(op controlOp) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.control <- op:
		return nil
	default:
		return ErrChannelFull
	}
}

// Subscribers counts live subscriptions on topic across all peers.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.peers {
		for _, t := range subs {
			if t == topic {
				n++
			}
		}
	}
	return n
}

// Peers returns a snapshot of connected peers.
func (h *Hub) Peers() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	return peers
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case d := <-h.deliveries:
			h.broadcast(d)

		case op := <-h.control:
			h.apply(op)

		case <-h.shutdown:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) apply(op controlOp) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch op.kind {
	case opRegister:
		h.peers[op.peer] = make(map[string]string)
	case opUnregister:
		delete(h.peers, op.peer)
	case opSubscribe:
		if subs, ok := h.peers[op.peer]; ok {
			subs[op.id] = op.topic
		}
	case opUnsubscribe:
		if subs, ok := h.peers[op.peer]; ok {
			delete(subs, op.id)
		}
	}
}

func (h *Hub) broadcast(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now().UTC()
	delivered := 0
	for p, subs := range h.peers {
		for id, topic := range subs {
			if topic != d.topic {
				continue
			}
			p.send(&types.Frame{
				Type:         types.FrameTypeMessage,
				Topic:        topic,
				Subscription: id,
				Payload:      d.payload,
				Timestamp:    now,
			})
			delivered++
		}
	}
	h.log.Debugf("Delivered %s to %d subscriptions", d.topic, delivered)
}
