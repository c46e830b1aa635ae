// Package ws carries the broker's WebSocket transport: one endpoint for
// agents, one for consoles. Each accepted socket gets a read loop in
// the handler goroutine and a single write pump draining a buffered
// outbound channel, so broker fan-out never blocks on a slow peer.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tatu1984/netwatch-sub000/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // screen frames are the largest payload
)

var (
	ErrPeerClosed = errors.New("peer connection closed")
	ErrPeerSlow   = errors.New("peer send buffer full")
)

// peer wraps one WebSocket connection as a broker.Link. Send queues the
// envelope for the write pump; a peer whose buffer is full is dropped
// rather than allowed to stall broker fan-out.
type peer struct {
	conn   *websocket.Conn
	sendCh chan protocol.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(conn *websocket.Conn, buffer int) *peer {
	p := &peer{
		conn:   conn,
		sendCh: make(chan protocol.Envelope, buffer),
		done:   make(chan struct{}),
	}
	go p.writePump()
	return p
}

func (p *peer) Send(env protocol.Envelope) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}

	select {
	case p.sendCh <- env:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		p.Close()
		return ErrPeerSlow
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (p *peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Close()
	}()

	for {
		select {
		case env := <-p.sendCh:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// readEnvelope blocks for the next inbound frame. The read deadline is
// refreshed by pong responses to the write pump's pings.
func (p *peer) readEnvelope() (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := p.conn.ReadJSON(&env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

func (p *peer) configureRead() {
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}
