package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"dispatchlink/internal/logger"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// Dialer opens authenticated connections to the notification endpoint.
type Dialer struct {
	url              string
	handshakeTimeout time.Duration
	opts             Options
	log              logger.Logger
}

var _ interfaces.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer for url.
func NewDialer(url string, handshakeTimeout time.Duration, opts Options, log logger.Logger) *Dialer {
	return &Dialer{
		url:              url,
		handshakeTimeout: handshakeTimeout,
		opts:             opts,
		log:              log,
	}
}

// Dial performs the handshake presenting cred as a bearer token. A
// handshake refused with 401 or 403 fails with an auth TransportError.
func (d *Dialer) Dial(ctx context.Context, cred types.Credential, handlers interfaces.TransportHandlers) (interfaces.Transport, error) {
	if cred.IsZero() {
		return nil, authFailure(ErrMissingCredential)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.handshakeTimeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.AccessToken)

	conn, resp, err := dialer.DialContext(ctx, d.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, authFailure(fmt.Errorf("%w: status %d", ErrHandshakeRejected, resp.StatusCode))
			}
		}
		return nil, transportFailure(fmt.Errorf("dial %s: %w", d.url, err))
	}

	d.log.Debugf("Connected to %s", d.url)
	return NewConnection(conn, d.opts, handlers, d.log), nil
}
