package broker

import "errors"

var (
	ErrUnknownToken = errors.New("unknown subscription token")
	ErrNilListener  = errors.New("listener cannot be nil")
	ErrDecode       = errors.New("failed to decode payload")
)
