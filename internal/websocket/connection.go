package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dispatchlink/internal/logger"
	"dispatchlink/internal/router"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// Options tunes a client connection.
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
}

// DefaultOptions returns the heartbeat and buffering defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     100,
		MaxMessageSize: 1 << 20,
	}
}

// Connection is a live client connection to the notification endpoint.
// All writes go through a single writer goroutine; reads are decoded and
// routed to subscriptions on the read goroutine.
type Connection struct {
	conn     *websocket.Conn
	opts     Options
	writeCh  chan []byte
	registry *Registry
	router   *router.Router
	log      logger.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu  sync.RWMutex
	err error
}

var _ interfaces.Transport = (*Connection)(nil)

// NewConnection wraps an established websocket and starts its read,
// write and heartbeat goroutines.
func NewConnection(conn *websocket.Conn, opts Options, handlers interfaces.TransportHandlers, log logger.Logger) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()
	c := &Connection{
		conn:     conn,
		opts:     opts,
		writeCh:  make(chan []byte, opts.BufferSize),
		registry: registry,
		router:   router.NewRouter(registry, handlers.OnProtocolError, log),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}

	go c.writeLoop()
	go c.readLoop()
	if opts.PingInterval > 0 {
		go c.heartbeat()
	}

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if c.opts.WriteTimeout > 0 {
				if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
					c.terminate(transportFailure(err))
					return
				}
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.terminate(transportFailure(err))
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) readLoop() {
	if c.opts.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			c.terminate(transportFailure(err))
			return
		}
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		})
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.terminate(classifyReadError(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := c.router.Decode(data)
		if err != nil {
			c.log.Warnf("Dropping inbound frame: %v", err)
			continue
		}

		if err := c.router.Route(frame); err != nil {
			switch {
			case errors.Is(err, router.ErrAuthRejected):
				c.terminate(authFailure(err))
				return
			case errors.Is(err, router.ErrNoSubscriber):
				c.log.Debugf("Dropping message: %v", err)
			default:
				c.log.Warnf("Failed to route frame: %v", err)
			}
		}
	}
}

func (c *Connection) heartbeat() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.terminate(transportFailure(err))
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case ClosePolicyViolation, CloseUnauthorized:
			return authFailure(err)
		}
	}
	return transportFailure(err)
}

// terminate records the first terminal error and releases the connection.
// A nil err means the connection was closed locally.
func (c *Connection) terminate(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		c.cancel()
		if err == nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		} else {
			c.log.Debugf("Connection terminated: %v", err)
		}
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Connection) writeFrame(frame *types.Frame) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return ErrInvalidJSON
	}

	timeout := c.opts.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().WriteTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Subscribe sends a subscribe frame for topic and routes its messages to
// handler on the read goroutine.
func (c *Connection) Subscribe(topic string, handler func(*types.Message)) (interfaces.Subscription, error) {
	if !types.IsValidTopic(topic) {
		return nil, types.ErrInvalidTopic
	}
	if c.isClosed() {
		return nil, ErrConnectionClosed
	}

	sub := &Subscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		conn:    c,
	}
	if err := c.registry.Register(sub); err != nil {
		return nil, err
	}

	if err := c.writeFrame(&types.Frame{Type: types.FrameTypeSubscribe, ID: sub.id, Topic: topic}); err != nil {
		c.registry.Unregister(sub)
		return nil, err
	}
	return sub, nil
}

// Publish sends payload to topic.
func (c *Connection) Publish(topic string, payload json.RawMessage) error {
	frame := &types.Frame{Type: types.FrameTypePublish, Topic: topic, Payload: payload}
	if err := frame.Validate(); err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// Close shuts the connection down. Err returns nil afterwards unless the
// connection had already failed.
func (c *Connection) Close() error {
	c.terminate(nil)
	return nil
}

// Done is closed when the connection terminates.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the classified terminal error, or nil for a local close.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Registry exposes the connection's subscriptions.
func (c *Connection) Registry() *Registry {
	return c.registry
}

// RouterStats returns inbound routing counters.
func (c *Connection) RouterStats() router.Stats {
	return c.router.Stats()
}
