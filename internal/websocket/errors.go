package websocket

import (
	"errors"

	"dispatchlink/pkg/types"
)

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilSubscription       = errors.New("subscription cannot be nil")
	ErrDuplicateSubscription = errors.New("subscription id already registered")
)

// Handshake errors
var (
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrMissingCredential = errors.New("no access token to present")
)

// Close codes that mean the server refused the credential.
const (
	ClosePolicyViolation = 1008
	CloseUnauthorized    = 4401
)

// TransportError is the terminal error of a connection, classified so the
// session knows whether to reconnect.
type TransportError struct {
	Kind types.FailureKind
	Err  error
}

func (e *TransportError) Error() string {
	return e.Kind.String() + " failure: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FailureKind implements types.Classified.
func (e *TransportError) FailureKind() types.FailureKind {
	return e.Kind
}

func authFailure(err error) *TransportError {
	return &TransportError{Kind: types.FailureAuth, Err: err}
}

func transportFailure(err error) *TransportError {
	return &TransportError{Kind: types.FailureTransport, Err: err}
}
