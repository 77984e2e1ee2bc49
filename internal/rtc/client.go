package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mjiwon/cribwatch/internal/broker"
)

const (
	// Time allowed to write a message to the broker.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the broker.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrRoomFull means admission was refused: the room already has its
	// two participants. Retry with a different room key.
	ErrRoomFull = errors.New("room is full")

	// ErrPeerLeft means the other participant disconnected. The session
	// cannot be resumed; start a new one.
	ErrPeerLeft = errors.New("peer left the room")
)

// ClientConfig configures a signaling client.
type ClientConfig struct {
	// URL of the broker's websocket endpoint, eg. ws://host:9000/ws.
	URL string

	// Room key to create or join.
	Room string

	// OnLoading, if set, is invoked with true when this side is admitted
	// as the second participant, for a loading indicator. The host turns
	// it off once remote media arrives.
	OnLoading func(bool)
}

// Client connects to the broker, requests admission to a room and drives a
// Session with the resulting events. All session transitions happen on the
// Run loop, so the session itself needs no locking.
type Client struct {
	cfg ClientConfig

	ws   *websocket.Conn
	outQ chan []byte

	mediaReadyQ chan struct{}
	connectedQ  chan struct{}

	log *log.Logger
}

// NewClient returns a new signaling client.
func NewClient(cfg ClientConfig, l *log.Logger) *Client {
	return &Client{
		cfg:         cfg,
		outQ:        make(chan []byte, 32),
		mediaReadyQ: make(chan struct{}, 1),
		connectedQ:  make(chan struct{}, 1),
		log:         l,
	}
}

// Send relays a signal to the other participant through the broker. It is
// safe to call from any goroutine (the pion candidate callback included).
func (c *Client) Send(sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	b, _ := json.Marshal(broker.Msg{Type: broker.TypeRelay, Data: data})
	select {
	case c.outQ <- b:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// MediaReady tells the run loop that the local media source is available.
func (c *Client) MediaReady() {
	select {
	case c.mediaReadyQ <- struct{}{}:
	default:
	}
}

// TransportConnected tells the run loop that the peer connection reports a
// live media path. Wire PionConfig.OnConnected here.
func (c *Client) TransportConnected() {
	select {
	case c.connectedQ <- struct{}{}:
	default:
	}
}

// Run dials the broker, requests admission and processes events until the
// context is cancelled, the connection drops, admission is refused
// (ErrRoomFull) or the other participant leaves (ErrPeerLeft).
func (c *Client) Run(ctx context.Context, s *Session) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("error connecting to broker: %v", err)
	}
	c.ws = ws
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// done stops the pump goroutines once Run returns, whichever way it
	// returns.
	done := make(chan struct{})
	defer close(done)

	go c.runWriter(done)

	// Request admission.
	join, _ := json.Marshal(broker.Msg{Type: broker.TypeCreateOrJoin, Room: c.cfg.Room})
	c.outQ <- join

	inbound := make(chan broker.Msg)
	readErr := make(chan error, 1)
	go func() {
		for {
			var m broker.Msg
			if err := ws.ReadJSON(&m); err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- m:
			case <-done:
				// Run returned with this message in flight; drop it and
				// let the reader exit rather than leak.
				return
			}
		}
	}()

	for {
		// Local events take priority over broker traffic: a relayed offer
		// must not race the media source coming up, and a connection that
		// just went live must not lose to the room dissolving behind it.
		select {
		case <-c.mediaReadyQ:
			if err := s.MediaReady(); err != nil {
				return err
			}
			continue
		case <-c.connectedQ:
			s.TransportConnected()
			if s.State() == StateEstablished {
				// The media path is live and independent of the broker;
				// signaling has served its purpose.
				return nil
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("error reading from broker: %v", err)
		case <-c.mediaReadyQ:
			if err := s.MediaReady(); err != nil {
				return err
			}
		case <-c.connectedQ:
			s.TransportConnected()
			if s.State() == StateEstablished {
				return nil
			}
		case m := <-inbound:
			if err := c.dispatch(m, s); err != nil {
				return err
			}
		}
	}
}

// dispatch applies one broker event to the session.
func (c *Client) dispatch(m broker.Msg, s *Session) error {
	switch m.Type {
	case broker.TypeCreated:
		c.log.Printf("created room %s as %s", m.Room, m.ID)
		s.SetRole(RoleInitiator)

	case broker.TypeJoined:
		c.log.Printf("joined room %s as %s", m.Room, m.ID)
		s.SetRole(RoleResponder)
		if c.cfg.OnLoading != nil {
			c.cfg.OnLoading(true)
		}
		if err := s.ChannelReady(); err != nil {
			return err
		}

	case broker.TypeJoin:
		// A second participant has arrived.
		c.log.Printf("peer requested to join room %s", m.Room)
		if err := s.ChannelReady(); err != nil {
			return err
		}

	case broker.TypeReady:
		if err := s.ChannelReady(); err != nil {
			return err
		}

	case broker.TypeFull:
		return fmt.Errorf("%w: %s", ErrRoomFull, m.Room)

	case broker.TypeLeave:
		c.log.Printf("peer %s left room %s", m.ID, m.Room)
		if s.State() == StateAnswerExchanged || s.State() == StateEstablished {
			// Signaling is complete and the media path is independent of
			// the broker: the room dissolving no longer aborts anything.
			// The transport's own connectivity outcome decides from here.
			return nil
		}
		s.Close()
		return ErrPeerLeft

	case broker.TypeRelay:
		var sig Signal
		if err := json.Unmarshal(m.Data, &sig); err != nil {
			c.log.Printf("malformed relay payload: %v", err)
			return nil
		}
		if err := s.HandleSignal(sig); err != nil && !errors.Is(err, ErrBadSignal) {
			// Negotiation failures are terminal for the session but the
			// caller decides what to do with the process.
			return err
		}

	case broker.TypeLog:
		var lines []string
		if err := json.Unmarshal(m.Data, &lines); err == nil {
			for _, l := range lines {
				c.log.Printf("broker: %s", l)
			}
		}

	default:
		c.log.Printf("unknown broker message type %q", m.Type)
	}
	return nil
}

// runWriter writes queued outbound messages and periodic pings to the
// websocket until it closes or the run loop winds down.
func (c *Client) runWriter(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case b := <-c.outQ:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
