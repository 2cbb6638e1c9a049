package router

import (
	"encoding/json"
	"fmt"

	"go.uber.org/atomic"

	"dispatchlink/internal/logger"
	"dispatchlink/pkg/types"
)

// Destination receives messages for one physical subscription.
type Destination interface {
	Deliver(msg *types.Message)
}

// Resolver finds the destinations for an inbound message. Lookup by
// subscription id is preferred; topic is the fallback for servers that
// omit the id.
type Resolver interface {
	Resolve(subscriptionID, topic string) []Destination
}

// Stats is a snapshot of routing counters.
type Stats struct {
	Routed    int64
	Unmatched int64
	Rejected  int64
	Malformed int64
}

// Router decodes inbound frames and hands them to the right destination.
// It holds no connection state, so one Router belongs to one connection.
type Router struct {
	resolver        Resolver
	onProtocolError func(*types.ErrorFrame)
	log             logger.Logger

	routed    atomic.Int64
	unmatched atomic.Int64
	rejected  atomic.Int64
	malformed atomic.Int64
}

// NewRouter creates a router. onProtocolError may be nil.
func NewRouter(resolver Resolver, onProtocolError func(*types.ErrorFrame), log logger.Logger) *Router {
	return &Router{
		resolver:        resolver,
		onProtocolError: onProtocolError,
		log:             log,
	}
}

// Decode parses one text message into a frame.
func (r *Router) Decode(data []byte) (*types.Frame, error) {
	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.malformed.Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		r.malformed.Inc()
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &frame, nil
}

// Route dispatches a decoded frame. An error frame that rejects the
// credential is returned as ErrAuthRejected so the caller can tear the
// connection down; every other error is informational.
func (r *Router) Route(frame *types.Frame) error {
	switch frame.Type {
	case types.FrameTypeMessage:
		return r.routeMessage(frame)
	case types.FrameTypeError:
		return r.routeError(frame)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrameType, frame.Type)
	}
}

func (r *Router) routeMessage(frame *types.Frame) error {
	destinations := r.resolver.Resolve(frame.Subscription, frame.Topic)
	if len(destinations) == 0 {
		r.unmatched.Inc()
		return fmt.Errorf("%w: subscription=%q topic=%q", ErrNoSubscriber, frame.Subscription, frame.Topic)
	}

	msg := frame.ToMessage()
	for _, dest := range destinations {
		dest.Deliver(msg)
	}
	r.routed.Inc()
	return nil
}

func (r *Router) routeError(frame *types.Frame) error {
	ef := frame.ToError()
	if ef.IsAuthError() {
		return fmt.Errorf("%w: %w", ErrAuthRejected, ef)
	}

	r.rejected.Inc()
	r.log.Warnf("Server rejected request: %v", ef)
	if r.onProtocolError != nil {
		r.onProtocolError(ef)
	}
	return nil
}

// Stats returns the current routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:    r.routed.Load(),
		Unmatched: r.unmatched.Load(),
		Rejected:  r.rejected.Load(),
		Malformed: r.malformed.Load(),
	}
}
