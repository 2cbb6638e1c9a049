package types

import "errors"

var (
	ErrInvalidTopic    = errors.New("topic must be 1-256 characters with no whitespace")
	ErrNotConnected    = errors.New("not connected")
	ErrNoCredential    = errors.New("no credential available")
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrPayloadTooLarge = errors.New("payload exceeds 64KB limit")
)

// Classified is implemented by errors that know how the session should
// react to them.
type Classified interface {
	error
	FailureKind() FailureKind
}

// KindOf returns the FailureKind carried by err, or FailureTransport when
// err is unclassified.
func KindOf(err error) FailureKind {
	var c Classified
	if errors.As(err, &c) {
		return c.FailureKind()
	}
	return FailureTransport
}
