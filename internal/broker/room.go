package broker

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
)

// Room capacity is fixed: a monitoring side and a viewing side.
const maxMembers = 2

// Kinds of peer requests processed by a room's event loop.
const (
	reqJoin = iota
	reqLeave
	reqRelay
)

// peerReq represents a peer request (join, leave, relay) that's processed
// by a Room.
type peerReq struct {
	kind int
	peer *Peer
	data json.RawMessage
}

// Room pairs exactly two signaling peers. All membership mutation and
// relaying happens on the room's own event loop, which is what serializes
// concurrent admission attempts.
type Room struct {
	Key    string
	broker *Broker

	// Members in join order. The first joiner is the negotiation initiator.
	members []*Peer

	// Peer related requests.
	peerQ chan peerReq

	mut    sync.Mutex
	count  int
	closed bool
}

// newRoom returns a new instance of Room.
func newRoom(key string, b *Broker) *Room {
	return &Room{
		Key:    key,
		broker: b,
		peerQ:  make(chan peerReq, 64),
	}
}

// run is a blocking function that starts the main event loop for a room
// that handles peer admission, departure, and payload relaying. This should
// be invoked as a goroutine. The loop stops once the last member is gone.
func (r *Room) run() {
	for req := range r.peerQ {
		switch req.kind {
		case reqJoin:
			r.handleJoin(req.peer)
		case reqLeave:
			r.handleLeave(req.peer)
		case reqRelay:
			r.handleRelay(req.peer, req.data)
		}

		// A room lives only as long as it has members: once the last one
		// is gone (or the sole join attempt fizzled), wind down.
		if len(r.members) == 0 {
			break
		}
	}

	r.mut.Lock()
	r.closed = true
	r.mut.Unlock()

	r.broker.removeRoom(r.Key, r)
	r.broker.log.Printf("stopped room: %v", r.Key)

	// Joins that were queued while the loop was stopping get re-dispatched
	// against a fresh room under the same key.
	for {
		select {
		case req := <-r.peerQ:
			if req.kind == reqJoin {
				go r.broker.Join(r.Key, req.peer)
			}
		default:
			return
		}
	}
}

// handleJoin admits a peer if there's capacity and emits the admission
// events. A third joiner is refused with TypeFull and no state change.
func (r *Room) handleJoin(p *Peer) {
	if len(r.members) >= maxMembers {
		p.SendData(makeLog(fmt.Sprintf("room %s is full", r.Key)))
		p.SendData(makeMsg(TypeFull, r.Key, "", nil))
		r.broker.log.Printf("refused %s, room %s is full", p.ID, r.Key)
		return
	}

	if !p.claimRoom(r) {
		// The connection dropped while the join was queued.
		r.broker.log.Printf("skipping admission of %s to %s, connection gone", p.ID, r.Key)
		return
	}
	r.members = append(r.members, p)
	r.setCount(len(r.members))

	if len(r.members) == 1 {
		// Sole member: this peer becomes the initiator.
		p.SendData(makeMsg(TypeCreated, r.Key, p.ID, nil))
		r.broker.log.Printf("%s created %s", p.ID, r.Key)
		return
	}

	// Second member: tell the existing member a peer has arrived, confirm
	// the admission, and signal both that negotiation may begin.
	r.members[0].SendData(makeMsg(TypeJoin, r.Key, "", nil))
	p.SendData(makeMsg(TypeJoined, r.Key, p.ID, nil))
	for _, m := range r.members {
		m.SendData(makeMsg(TypeReady, r.Key, "", nil))
	}
	r.broker.log.Printf("%s joined %s", p.ID, r.Key)
}

// handleLeave removes a departed peer and notifies the remaining member.
func (r *Room) handleLeave(p *Peer) {
	var rest []*Peer
	for _, m := range r.members {
		if m != p {
			rest = append(rest, m)
		}
	}
	if len(rest) == len(r.members) {
		// Not a member (already removed). Nothing to do.
		return
	}

	r.members = rest
	r.setCount(len(r.members))
	p.setRoom(nil)
	p.closeQueue()

	for _, m := range r.members {
		m.SendData(makeMsg(TypeLeave, r.Key, p.ID, nil))
	}
	r.broker.log.Printf("%s left %s", p.ID, r.Key)
}

// handleRelay forwards an opaque payload to every member except the sender.
func (r *Room) handleRelay(p *Peer, data json.RawMessage) {
	member := false
	for _, m := range r.members {
		if m == p {
			member = true
			break
		}
	}
	if !member {
		r.broker.log.Printf("dropping relay from %s, not in room %s", p.ID, r.Key)
		return
	}

	out := makeMsg(TypeRelay, r.Key, p.ID, data)
	for _, m := range r.members {
		if m != p {
			m.SendData(out)
		}
	}
}

// queueJoin queues an admission request to the room. It reports false if
// the room's event loop has already stopped or its queue is momentarily
// saturated; the broker retries either way. Never blocks while holding
// the room lock: the wind-down path needs that same lock.
func (r *Room) queueJoin(p *Peer) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.peerQ <- peerReq{kind: reqJoin, peer: p}:
		return true
	default:
		return false
	}
}

// queueLeave queues a departure request to the room. A departure can't be
// dropped, so a saturated queue is retried until the request lands or the
// room stops.
func (r *Room) queueLeave(p *Peer) {
	for {
		r.mut.Lock()
		if r.closed {
			r.mut.Unlock()
			return
		}
		select {
		case r.peerQ <- peerReq{kind: reqLeave, peer: p}:
			r.mut.Unlock()
			return
		default:
		}
		r.mut.Unlock()
		runtime.Gosched()
	}
}

// queueRelay queues a payload for relaying to the sender's counterpart.
// Relays into a saturated queue are dropped with a log line, like writes
// to a saturated peer.
func (r *Room) queueRelay(p *Peer, data json.RawMessage) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return
	}
	select {
	case r.peerQ <- peerReq{kind: reqRelay, peer: p, data: data}:
	default:
		r.broker.log.Printf("dropping relay from %s, room %s queue full", p.ID, r.Key)
	}
}

// occupancy returns the current member count.
func (r *Room) occupancy() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.count
}

func (r *Room) setCount(n int) {
	r.mut.Lock()
	r.count = n
	r.mut.Unlock()
}
