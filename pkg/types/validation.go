package types

import (
	"encoding/json"
	"regexp"
)

var topicRegex = regexp.MustCompile(`^\S+$`)

// MaxPayloadSize bounds outbound publish payloads.
const MaxPayloadSize = 65536

// IsValidTopic checks if a topic name is usable as a routing key.
func IsValidTopic(topic string) bool {
	if len(topic) < 1 || len(topic) > 256 {
		return false
	}
	return topicRegex.MatchString(topic)
}

// Validate checks an outbound frame before it is written to the wire.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameTypeSubscribe:
		if f.ID == "" {
			return ErrInvalidFrame
		}
		if !IsValidTopic(f.Topic) {
			return ErrInvalidTopic
		}
	case FrameTypeUnsubscribe:
		if f.ID == "" {
			return ErrInvalidFrame
		}
	case FrameTypePublish:
		if !IsValidTopic(f.Topic) {
			return ErrInvalidTopic
		}
		if len(f.Payload) > MaxPayloadSize {
			return ErrPayloadTooLarge
		}
		if len(f.Payload) > 0 && !json.Valid(f.Payload) {
			return ErrInvalidFrame
		}
	default:
		return ErrInvalidFrame
	}
	return nil
}

// ToMessage converts an inbound message frame into a Message.
func (f *Frame) ToMessage() *Message {
	return &Message{
		Topic:        f.Topic,
		Subscription: f.Subscription,
		Payload:      f.Payload,
		Timestamp:    f.Timestamp,
	}
}

// ToError converts an inbound error frame into an ErrorFrame.
func (f *Frame) ToError() *ErrorFrame {
	return &ErrorFrame{
		Code:         f.Code,
		Message:      f.Message,
		Subscription: f.Subscription,
	}
}
