package types

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with the notification endpoint
const (
	FrameTypeSubscribe   = "subscribe"
	FrameTypeUnsubscribe = "unsubscribe"
	FrameTypePublish     = "publish"
	FrameTypeMessage     = "message"
	FrameTypeError       = "error"
)

// Error frame codes that mean the session credential was rejected
const (
	ErrorCodeUnauthorized = "unauthorized"
	ErrorCodeTokenExpired = "token_expired"
	ErrorCodeInvalidToken = "invalid_token"
)

// Frame is the JSON envelope for every WebSocket text message.
// Outbound frames use ID/Topic/Payload; inbound message frames carry
// Subscription so the connection can route without a topic lookup.
type Frame struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Topic        string          `json:"topic,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitempty"`
}

// Message is a decoded inbound delivery for one topic.
type Message struct {
	Topic        string          `json:"topic"`
	Subscription string          `json:"subscription"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ErrorFrame is a remote rejection reported after the handshake.
type ErrorFrame struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Subscription string `json:"subscription,omitempty"`
}

// Error implements error so protocol rejections can be wrapped and logged.
func (e *ErrorFrame) Error() string {
	if e.Subscription != "" {
		return "remote error " + e.Code + " (subscription " + e.Subscription + "): " + e.Message
	}
	return "remote error " + e.Code + ": " + e.Message
}

// IsAuthError reports whether the remote rejected the session credential.
func (e *ErrorFrame) IsAuthError() bool {
	switch e.Code {
	case ErrorCodeUnauthorized, ErrorCodeTokenExpired, ErrorCodeInvalidToken:
		return true
	default:
		return false
	}
}

// Credential is the bearer token pair issued by the auth endpoints.
// Only AccessToken is presented to the server; RefreshToken is spent
// on renewal.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// IsZero reports whether the credential carries no access token.
func (c Credential) IsZero() bool {
	return c.AccessToken == ""
}

// Valid reports whether the credential carries an access token whose
// known expiry is still ahead of now. A credential with no expiry stays
// valid until the server rejects it.
func (c Credential) Valid(now time.Time) bool {
	if c.IsZero() {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// ConnectionState is the lifecycle state of the notification session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// FailureKind classifies a session failure so the session can decide
// whether to retry.
type FailureKind int

const (
	FailureTransport FailureKind = iota
	FailureProtocol
	FailureAuth
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuth:
		return "auth"
	case FailureProtocol:
		return "protocol"
	default:
		return "transport"
	}
}

// SubscriptionToken identifies one listener registration on the broker.
type SubscriptionToken string
