package interfaces

import (
	"context"
	"encoding/json"

	"dispatchlink/pkg/types"
)

// Transport is one live, authenticated connection to the notification
// endpoint. A Transport is never reused after Done is closed.
type Transport interface {
	// Subscribe registers a physical subscription for topic. The handler
	// runs on the transport's read goroutine, in arrival order.
	Subscribe(topic string, handler func(*types.Message)) (Subscription, error)

	// Publish sends payload to topic.
	Publish(topic string, payload json.RawMessage) error

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// Done is closed once the connection has terminated for any reason.
	Done() <-chan struct{}

	// Err returns the terminal error after Done is closed, nil for a
	// local Close.
	Err() error
}

// Subscription is the receipt for one physical subscription.
type Subscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}

// TransportHandlers carries the callbacks a Dialer installs on a new
// Transport.
type TransportHandlers struct {
	// OnProtocolError is invoked for non-fatal remote rejections.
	OnProtocolError func(*types.ErrorFrame)
}

// Dialer is the transport factory: it performs the handshake presenting
// cred and returns the live connection.
type Dialer interface {
	Dial(ctx context.Context, cred types.Credential, handlers TransportHandlers) (Transport, error)
}
