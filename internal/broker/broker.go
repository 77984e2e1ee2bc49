package broker

import (
	"log"
	"runtime"
	"sync"
	"time"
)

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	RootURL string `koanf:"root_url"`

	Name            string        `koanf:"name"`
	WSTimeout       time.Duration `koanf:"websocket_timeout"`
	MaxMessageLen   int           `koanf:"max_message_len"`
	MaxMessageQueue int           `koanf:"max_message_queue"`
	STUNServers     []string      `koanf:"stun_servers"`
	AlertInterval   time.Duration `koanf:"alert_interval"`
}

// Broker acts as the controller and container for all signaling rooms.
// It mediates room membership and relays opaque payloads between the
// two members of a room.
type Broker struct {
	rooms map[string]*Room

	cfg *Config
	mut sync.RWMutex
	log *log.Logger
}

// New returns a new instance of Broker.
func New(cfg *Config, l *log.Logger) *Broker {
	return &Broker{
		rooms: make(map[string]*Room),

		cfg: cfg,
		log: l,
	}
}

// Join admits a peer into the room identified by the given key, creating
// the room implicitly on first join. Admission is processed on the room's
// own event loop, so concurrent joins for the same key are serialized and
// membership never exceeds two. A peer that hits a full room is sent
// TypeFull and is otherwise left alone.
func (b *Broker) Join(key string, p *Peer) {
	for {
		r := b.getOrCreateRoom(key)
		if r.queueJoin(p) {
			return
		}
		// Either the room was winding down between lookup and enqueue
		// (the dead room removes itself from the map) or its queue is
		// momentarily saturated. Yield and try again.
		runtime.Gosched()
	}
}

// Occupancy returns the current number of members in a room. A room
// that doesn't exist has occupancy 0.
func (b *Broker) Occupancy(key string) int {
	b.mut.RLock()
	r, ok := b.rooms[key]
	b.mut.RUnlock()
	if !ok {
		return 0
	}
	return r.occupancy()
}

// getOrCreateRoom retrieves an active room, initializing one if the key
// isn't known yet.
func (b *Broker) getOrCreateRoom(key string) *Room {
	b.mut.Lock()
	defer b.mut.Unlock()

	if r, ok := b.rooms[key]; ok {
		return r
	}
	r := newRoom(key, b)
	b.rooms[key] = r
	go r.run()
	return r
}

// removeRoom removes a room from the broker once its event loop has
// stopped. The pointer check guards against deleting a successor room
// that reused the same key.
func (b *Broker) removeRoom(key string, r *Room) {
	b.mut.Lock()
	if cur, ok := b.rooms[key]; ok && cur == r {
		delete(b.rooms, key)
	}
	b.mut.Unlock()
}
