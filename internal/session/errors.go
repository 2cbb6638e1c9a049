package session

import "errors"

var (
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
