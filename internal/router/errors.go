package router

import "errors"

var (
	ErrUnknownFrameType  = errors.New("unknown frame type")
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrNoSubscriber      = errors.New("no subscriber for message")
	ErrAuthRejected      = errors.New("credential rejected by server")
	ErrRateLimitExceeded = errors.New("publish rate limit exceeded")
)
