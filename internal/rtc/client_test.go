package rtc

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mjiwon/cribwatch/internal/broker"
)

// newSignalServer starts an in-process broker behind a real websocket
// endpoint and returns its ws:// URL.
func newSignalServer(t *testing.T) (*broker.Broker, string) {
	t.Helper()

	b := broker.New(&broker.Config{
		Name:            "test",
		WSTimeout:       3 * time.Second,
		MaxMessageLen:   64 << 10,
		MaxMessageQueue: 100,
	}, log.New(io.Discard, "", 0))

	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := broker.NewPeer(uuid.NewString(), ws, b)
		go p.RunListener()
		go p.RunWriter()
	}))
	t.Cleanup(srv.Close)

	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// notifyTransport reports when the remote description lands, so the test
// can stand in for pion's connection state callback.
type notifyTransport struct {
	fakeTransport
	onRemote func()
}

func (t *notifyTransport) CreateAnswer(offer Signal) (Signal, error) {
	sig, err := t.fakeTransport.CreateAnswer(offer)
	if t.onRemote != nil {
		t.onRemote()
	}
	return sig, err
}

func (t *notifyTransport) SetRemoteDescription(answer Signal) error {
	err := t.fakeTransport.SetRemoteDescription(answer)
	if t.onRemote != nil {
		t.onRemote()
	}
	return err
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// rawJoin dials the broker directly and occupies a room slot without any
// negotiation machinery behind it.
func rawJoin(t *testing.T, url, room string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("couldn't dial broker: %v", err)
	}
	if err := ws.WriteJSON(broker.Msg{Type: broker.TypeCreateOrJoin, Room: room}); err != nil {
		t.Fatalf("couldn't request admission: %v", err)
	}
	for {
		var m broker.Msg
		if err := ws.ReadJSON(&m); err != nil {
			t.Fatalf("couldn't read admission response: %v", err)
		}
		switch m.Type {
		case broker.TypeCreated, broker.TypeJoined:
			return ws
		case broker.TypeFull:
			t.Fatalf("room %s unexpectedly full", room)
		}
	}
}

func TestTwoClientsEstablish(t *testing.T) {
	b, url := newSignalServer(t)
	lg := log.New(io.Discard, "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	remoteA := make(chan struct{}, 1)
	remoteB := make(chan struct{}, 1)

	ta := &notifyTransport{onRemote: func() { remoteA <- struct{}{} }}
	tb := &notifyTransport{onRemote: func() { remoteB <- struct{}{} }}

	ca := NewClient(ClientConfig{URL: url, Room: "nursery"}, lg)
	cb := NewClient(ClientConfig{URL: url, Room: "nursery"}, lg)

	sa := NewSession(func() (Transport, error) { return ta, nil }, ca.Send, lg)
	sb := NewSession(func() (Transport, error) { return tb, nil }, cb.Send, lg)

	ca.MediaReady()
	cb.MediaReady()

	errA := make(chan error, 1)
	go func() { errA <- ca.Run(ctx, sa) }()

	// Let the first client claim the room before the second dials, so the
	// initiator/responder split is deterministic.
	deadline := time.Now().Add(5 * time.Second)
	for b.Occupancy("nursery") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first client never joined")
		}
		time.Sleep(10 * time.Millisecond)
	}

	errB := make(chan error, 1)
	go func() { errB <- cb.Run(ctx, sb) }()

	// Both sides apply the remote description, then the fake media path
	// comes up.
	waitSignal(t, remoteB, "offer at responder")
	waitSignal(t, remoteA, "answer at initiator")
	ca.TransportConnected()
	cb.TransportConnected()

	if err := <-errA; err != nil {
		t.Fatalf("initiator run failed: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("responder run failed: %v", err)
	}

	if sa.Role() != RoleInitiator || sb.Role() != RoleResponder {
		t.Fatalf("bad role split: %s / %s", sa.Role(), sb.Role())
	}
	if sa.State() != StateEstablished || sb.State() != StateEstablished {
		t.Fatalf("sessions not established: %s / %s", sa.State(), sb.State())
	}

	// The SDP crossed the broker unmodified in both directions.
	if len(tb.answered) != 1 || tb.answered[0].SDP != "local-offer" {
		t.Fatalf("offer mangled in transit: %+v", tb.answered)
	}
	if len(ta.remote) != 1 || ta.remote[0].SDP != "local-answer" {
		t.Fatalf("answer mangled in transit: %+v", ta.remote)
	}
}

func TestClientRoomFull(t *testing.T) {
	_, url := newSignalServer(t)
	lg := log.New(io.Discard, "", 0)

	wsA := rawJoin(t, url, "nursery")
	defer wsA.Close()
	wsB := rawJoin(t, url, "nursery")
	defer wsB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(ClientConfig{URL: url, Room: "nursery"}, lg)
	s := NewSession(func() (Transport, error) { return &fakeTransport{}, nil }, c.Send, lg)

	if err := c.Run(ctx, s); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
}

func TestClientPeerLeft(t *testing.T) {
	b, url := newSignalServer(t)
	lg := log.New(io.Discard, "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(ClientConfig{URL: url, Room: "nursery"}, lg)
	s := NewSession(func() (Transport, error) { return &fakeTransport{}, nil }, c.Send, lg)

	errC := make(chan error, 1)
	go func() { errC <- c.Run(ctx, s) }()

	deadline := time.Now().Add(5 * time.Second)
	for b.Occupancy("nursery") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never joined")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ws := rawJoin(t, url, "nursery")
	ws.Close()

	if err := <-errC; !errors.Is(err, ErrPeerLeft) {
		t.Fatalf("expected ErrPeerLeft, got %v", err)
	}
}

// TestRunStopsPumps returns early from Run while the server keeps talking
// and checks the per-run goroutines wind down instead of leaking blocked
// on an in-flight message.
func TestRunStopsPumps(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// Refuse admission, then keep the messages coming: the client has
		// already returned by the time these arrive.
		ws.WriteJSON(broker.Msg{Type: broker.TypeFull, Room: "nursery"})
		for i := 0; i < 50; i++ {
			if err := ws.WriteJSON(broker.Msg{Type: broker.TypeReady, Room: "nursery"}); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	lg := log.New(io.Discard, "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	before := runtime.NumGoroutine()
	for i := 0; i < 3; i++ {
		c := NewClient(ClientConfig{URL: url, Room: "nursery"}, lg)
		s := NewSession(func() (Transport, error) { return &fakeTransport{}, nil }, c.Send, lg)
		if err := c.Run(ctx, s); !errors.Is(err, ErrRoomFull) {
			t.Fatalf("expected ErrRoomFull, got %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > before+2 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines leaked: %d before, %d after", before, runtime.NumGoroutine())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestClientOnLoading(t *testing.T) {
	_, url := newSignalServer(t)
	lg := log.New(io.Discard, "", 0)

	wsA := rawJoin(t, url, "nursery")
	defer wsA.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	loading := make(chan bool, 1)
	c := NewClient(ClientConfig{
		URL:  url,
		Room: "nursery",
		OnLoading: func(v bool) {
			select {
			case loading <- v:
			default:
			}
		},
	}, lg)
	s := NewSession(func() (Transport, error) { return &fakeTransport{}, nil }, c.Send, lg)

	errC := make(chan error, 1)
	go func() { errC <- c.Run(ctx, s) }()

	select {
	case v := <-loading:
		if !v {
			t.Fatal("expected loading to turn on at admission")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loading indicator never fired")
	}

	cancel()
	<-errC
}
