package broker

import (
	"encoding/json"
	"fmt"

	"dispatchlink/pkg/types"
)

// Listener receives messages for a topic. A returned error is logged and
// does not affect other listeners.
type Listener interface {
	HandleMessage(msg *types.Message) error
}

// ListenerFunc adapts a function to Listener. Function values cannot be
// compared, so every registration of a ListenerFunc gets its own token.
type ListenerFunc func(msg *types.Message) error

// HandleMessage calls f(msg).
func (f ListenerFunc) HandleMessage(msg *types.Message) error {
	return f(msg)
}

// JSON returns a Listener that decodes each payload into a T before
// calling fn. Payloads that fail to decode are reported as ErrDecode.
func JSON[T any](fn func(topic string, v T) error) Listener {
	return ListenerFunc(func(msg *types.Message) error {
		var v T
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return fmt.Errorf("%w on %s: %v", ErrDecode, msg.Topic, err)
		}
		return fn(msg.Topic, v)
	})
}
