package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the subset of *websocket.Conn the peer uses. Tests substitute
// a scripted connection here.
type wsConn interface {
	SetReadLimit(limit int64)
	ReadMessage() (int, []byte, error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Peer represents an individual connection into the broker. A peer is
// associated with at most one room at a time.
type Peer struct {
	// Connection identity, assigned at upgrade time and stable for the
	// connection's lifetime.
	ID string

	ws     wsConn
	broker *Broker

	// Channel for outbound messages.
	dataQ chan []byte

	mut  sync.Mutex
	room *Room
	dead bool
}

// NewPeer returns a new instance of Peer wrapping a websocket connection.
func NewPeer(id string, ws wsConn, b *Broker) *Peer {
	return &Peer{
		ID:     id,
		ws:     ws,
		broker: b,
		dataQ:  make(chan []byte, b.cfg.MaxMessageQueue),
	}
}

// RunListener is a blocking function that reads incoming messages from a
// peer's WS connection until it's dropped or there's an error. This should
// be invoked as a goroutine.
func (p *Peer) RunListener() {
	p.ws.SetReadLimit(int64(p.broker.cfg.MaxMessageLen))
	for {
		_, m, err := p.ws.ReadMessage()
		if err != nil {
			break
		}
		p.processMessage(m)
	}

	// WS connection is closed. If the peer made it into a room, the room's
	// event loop finishes the teardown; otherwise there's nothing to leave.
	p.ws.Close()

	p.mut.Lock()
	p.dead = true
	r := p.room
	p.mut.Unlock()

	if r != nil {
		r.queueLeave(p)
	} else {
		p.closeQueue()
	}
}

// RunWriter is a blocking function that writes messages in a peer's queue
// to the peer's WS connection. This should be invoked as a goroutine.
func (p *Peer) RunWriter() {
	defer p.ws.Close()
	for message := range p.dataQ {
		if err := p.writeWSData(websocket.TextMessage, message); err != nil {
			return
		}
	}
	p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Time{})
}

// SendData queues a message to be written to the peer's WS. Messages to a
// closed or saturated peer are dropped with a log line, never an error.
func (p *Peer) SendData(b []byte) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.dataQ == nil {
		return
	}
	select {
	case p.dataQ <- b:
	default:
		p.broker.log.Printf("dropping message to %s, send queue full", p.ID)
	}
}

// closeQueue shuts the outbound queue, stopping the writer. Safe to call
// once the peer can no longer be handed new messages.
func (p *Peer) closeQueue() {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.dataQ != nil {
		close(p.dataQ)
		p.dataQ = nil
	}
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	p.ws.SetWriteDeadline(time.Now().Add(p.broker.cfg.WSTimeout))
	return p.ws.WriteMessage(msgType, payload)
}

// processMessage processes incoming messages from peers. Malformed or
// out-of-place messages are dropped with a diagnostic log; they never
// terminate the connection.
func (p *Peer) processMessage(b []byte) {
	var m Msg
	if err := json.Unmarshal(b, &m); err != nil {
		p.broker.log.Printf("malformed message from %s: %v", p.ID, err)
		return
	}

	switch m.Type {
	// Request admission to a room. The key is accepted as an opaque string.
	case TypeCreateOrJoin:
		if p.currentRoom() != nil {
			p.broker.log.Printf("%s is already in a room, ignoring join", p.ID)
			return
		}
		p.SendData(makeLog("received request to create or join room " + m.Room))
		p.broker.Join(m.Room, p)

	// Opaque payload for the other room member.
	case TypeRelay:
		r := p.currentRoom()
		if r == nil {
			p.broker.log.Printf("dropping relay from %s, not in a room", p.ID)
			return
		}
		r.queueRelay(p, m.Data)

	default:
		p.broker.log.Printf("unknown message type %q from %s", m.Type, p.ID)
	}
}

// claimRoom associates the peer with a room. It reports false if the
// connection already dropped, in which case the room must not admit it.
func (p *Peer) claimRoom(r *Room) bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.dead {
		return false
	}
	p.room = r
	return true
}

// currentRoom returns the room the peer currently belongs to, if any.
func (p *Peer) currentRoom() *Room {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.room
}

func (p *Peer) setRoom(r *Room) {
	p.mut.Lock()
	p.room = r
	p.mut.Unlock()
}
