package testserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dispatchlink/pkg/types"
)

// peer is the server side of one client connection.
type peer struct {
	conn      *websocket.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn) *peer {
	p := &peer{
		conn: conn,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// send queues frame; it is dropped if the peer is gone or backed up.
func (p *peer) send(frame *types.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case p.out <- data:
	case <-p.done:
	default:
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case data := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.drop()
				return
			}
		case <-p.done:
			return
		}
	}
}

// closeWith sends a close frame with code and closes the connection.
func (p *peer) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	p.drop()
}

// drop closes the connection without a close handshake.
func (p *peer) drop() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}
