package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidTopic(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		want  bool
	}{
		{"queue path", "/user/queue/notifications", true},
		{"entity channel", "/topic/dispatch.42", true},
		{"empty", "", false},
		{"whitespace", "/topic/a b", false},
		{"too long", "/" + strings.Repeat("a", 256), false},
		{"max length", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTopic(tt.topic))
		})
	}
}

func TestFrame_Validate(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr error
	}{
		{"subscribe ok", Frame{Type: FrameTypeSubscribe, ID: "s1", Topic: "/topic/x"}, nil},
		{"subscribe missing id", Frame{Type: FrameTypeSubscribe, Topic: "/topic/x"}, ErrInvalidFrame},
		{"subscribe bad topic", Frame{Type: FrameTypeSubscribe, ID: "s1"}, ErrInvalidTopic},
		{"unsubscribe ok", Frame{Type: FrameTypeUnsubscribe, ID: "s1"}, nil},
		{"unsubscribe missing id", Frame{Type: FrameTypeUnsubscribe}, ErrInvalidFrame},
		{"publish ok", Frame{Type: FrameTypePublish, Topic: "/app/ack", Payload: json.RawMessage(`{"id":1}`)}, nil},
		{"publish invalid json", Frame{Type: FrameTypePublish, Topic: "/app/ack", Payload: json.RawMessage(`{`)}, ErrInvalidFrame},
		{"publish too large", Frame{Type: FrameTypePublish, Topic: "/app/ack", Payload: json.RawMessage(`"` + strings.Repeat("a", MaxPayloadSize) + `"`)}, ErrPayloadTooLarge},
		{"inbound type rejected", Frame{Type: FrameTypeMessage, Topic: "/topic/x"}, ErrInvalidFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFrame_Decode(t *testing.T) {
	raw := `{"type":"message","topic":"/topic/dispatches","subscription":"sub-1","payload":{"busId":7},"timestamp":"2024-03-01T10:00:00Z"}`

	var frame Frame
	require.NoError(t, json.Unmarshal([]byte(raw), &frame))

	msg := frame.ToMessage()
	assert.Equal(t, "/topic/dispatches", msg.Topic)
	assert.Equal(t, "sub-1", msg.Subscription)
	assert.JSONEq(t, `{"busId":7}`, string(msg.Payload))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), msg.Timestamp.UTC())
}

func TestErrorFrame_IsAuthError(t *testing.T) {
	for _, code := range []string{ErrorCodeUnauthorized, ErrorCodeTokenExpired, ErrorCodeInvalidToken} {
		assert.True(t, (&ErrorFrame{Code: code}).IsAuthError(), code)
	}
	assert.False(t, (&ErrorFrame{Code: "subscription_denied"}).IsAuthError())

	err := &ErrorFrame{Code: "subscription_denied", Message: "no access", Subscription: "s1"}
	assert.Contains(t, err.Error(), "s1")
}

func TestCredential(t *testing.T) {
	now := time.Now()

	assert.True(t, Credential{}.IsZero())
	assert.False(t, Credential{AccessToken: "tok"}.IsZero())

	assert.True(t, Credential{AccessToken: "tok"}.Valid(now), "no expiry stays valid locally")
	assert.False(t, Credential{AccessToken: "tok", ExpiresAt: now}.Valid(now))
	assert.True(t, Credential{AccessToken: "tok", ExpiresAt: now.Add(time.Minute)}.Valid(now))
	assert.False(t, Credential{ExpiresAt: now.Add(time.Minute)}.Valid(now), "no access token")
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "auth", FailureAuth.String())
	assert.Equal(t, "protocol", FailureProtocol.String())
	assert.Equal(t, "transport", FailureTransport.String())
}

type kindError struct{ kind FailureKind }

func (e kindError) Error() string            { return "classified" }
func (e kindError) FailureKind() FailureKind { return e.kind }

func TestKindOf(t *testing.T) {
	assert.Equal(t, FailureTransport, KindOf(errors.New("plain")))
	assert.Equal(t, FailureAuth, KindOf(kindError{kind: FailureAuth}))
	assert.Equal(t, FailureAuth, KindOf(fmt.Errorf("dial: %w", kindError{kind: FailureAuth})))
	assert.Equal(t, "protocol", FailureProtocol.String())
}
