// Package rtc implements the client side of the signaling protocol: a
// per-participant negotiation state machine that, driven by broker events
// and local media availability, carries a peer connection from idle to
// established through a single offer/answer round.
package rtc

import (
	"errors"
	"fmt"
	"log"
)

// State is a negotiation session's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOfferSent
	StateAwaitingOffer
	StateAnswerExchanged
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOfferSent:
		return "offer-sent"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateEstablished:
		return "established"
	}
	return "unknown"
}

// Role is a participant's fixed role in the two-party negotiation. The
// first joiner of a room is the initiator and sends the one and only offer.
type Role int

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return "unknown"
}

// Signal types carried inside relayed payloads.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Signal is one relayed negotiation artifact: an SDP description or an
// ICE candidate. The candidate fields mirror the browser wire format
// (label = sdpMLineIndex, id = sdpMid).
type Signal struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	Label     uint16 `json:"label"`
	MID       string `json:"id,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// Transport is the underlying peer connection. CreateOffer and
// CreateAnswer also store the produced description locally, so a session
// treats describe-and-send as one step.
type Transport interface {
	CreateOffer() (Signal, error)
	CreateAnswer(offer Signal) (Signal, error)
	SetRemoteDescription(answer Signal) error
	AddCandidate(c Signal) error
	Close() error
}

var (
	// ErrBadSignal is returned for payloads that aren't valid at all.
	ErrBadSignal = errors.New("unrecognized signal")

	// ErrNegotiation wraps transport rejections of a description or
	// candidate. The session stays in its current state; there is no retry.
	ErrNegotiation = errors.New("negotiation failed")
)

// Session is the negotiation state machine for one participant. It is not
// goroutine safe: drive it from a single event loop, the way the signaling
// client does.
type Session struct {
	role  Role
	state State

	mediaReady   bool
	channelReady bool

	// The peer connection handle, allocated lazily on the idle→connecting
	// transition and never re-created within one session.
	transport    Transport
	newTransport func() (Transport, error)

	// send relays a signal to the other participant through the broker.
	send func(Signal) error

	// Candidates that arrived before the remote description was applied.
	pending   []Signal
	remoteSet bool

	log *log.Logger
}

// NewSession returns an idle session. newTransport allocates the peer
// connection when negotiation begins; send relays outbound signals.
func NewSession(newTransport func() (Transport, error), send func(Signal) error, l *log.Logger) *Session {
	return &Session{
		state:        StateIdle,
		newTransport: newTransport,
		send:         send,
		log:          l,
	}
}

// SetRole fixes the session's role once the room assignment is known.
func (s *Session) SetRole(r Role) {
	if s.role != RoleUnknown && s.role != r {
		s.log.Printf("ignoring role change %s -> %s", s.role, r)
		return
	}
	s.role = r
}

// Role returns the session's role.
func (s *Session) Role() Role { return s.role }

// State returns the session's connection state.
func (s *Session) State() State { return s.state }

// MediaReady records that the local capture source is available and starts
// negotiation if the channel is ready too.
func (s *Session) MediaReady() error {
	s.mediaReady = true
	return s.maybeStart()
}

// ChannelReady records that the room is at capacity and starts negotiation
// if local media is ready too.
func (s *Session) ChannelReady() error {
	s.channelReady = true
	return s.maybeStart()
}

// maybeStart performs the idle→connecting transition the first time both
// readiness flags are set. A session that has already left idle never
// re-enters negotiation.
func (s *Session) maybeStart() error {
	if s.state != StateIdle || !s.mediaReady || !s.channelReady {
		return nil
	}

	t, err := s.newTransport()
	if err != nil {
		s.log.Printf("error creating peer connection: %v", err)
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	s.transport = t
	s.state = StateConnecting
	s.log.Printf("negotiation started as %s", s.role)

	if s.role != RoleInitiator {
		s.state = StateAwaitingOffer
		return nil
	}

	// The initiator immediately builds the offer, stores it locally and
	// relays it: one atomic step from the state machine's point of view.
	offer, err := t.CreateOffer()
	if err != nil {
		s.log.Printf("error creating offer: %v", err)
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if err := s.send(offer); err != nil {
		s.log.Printf("error sending offer: %v", err)
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	s.state = StateOfferSent
	return nil
}

// HandleSignal applies one relayed signal from the other participant.
// Signals that violate the protocol (candidates before negotiation began,
// an answer without a preceding offer, a second offer) are dropped with a
// diagnostic log and a nil error.
func (s *Session) HandleSignal(sig Signal) error {
	switch sig.Type {
	case SignalOffer:
		return s.handleOffer(sig)
	case SignalAnswer:
		return s.handleAnswer(sig)
	case SignalCandidate:
		return s.handleCandidate(sig)
	}
	s.log.Printf("dropping signal of unknown type %q", sig.Type)
	return ErrBadSignal
}

// handleOffer applies an incoming offer and answers it. If readiness
// allows, a still-idle session is started first.
func (s *Session) handleOffer(sig Signal) error {
	if s.state == StateIdle {
		if err := s.maybeStart(); err != nil {
			return err
		}
	}
	if s.state != StateAwaitingOffer && s.state != StateConnecting {
		s.log.Printf("dropping offer in state %s", s.state)
		return nil
	}

	answer, err := s.transport.CreateAnswer(sig)
	if err != nil {
		s.log.Printf("error answering offer: %v", err)
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	s.remoteSet = true
	s.flushCandidates()

	if err := s.send(answer); err != nil {
		s.log.Printf("error sending answer: %v", err)
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	s.state = StateAnswerExchanged
	return nil
}

// handleAnswer applies an incoming answer. Only the initiator, and only
// after it has sent its offer, accepts one.
func (s *Session) handleAnswer(sig Signal) error {
	if s.role != RoleInitiator || s.state != StateOfferSent {
		s.log.Printf("dropping answer in state %s (%s)", s.state, s.role)
		return nil
	}

	if err := s.transport.SetRemoteDescription(sig); err != nil {
		s.log.Printf("error applying answer: %v", err)
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	s.remoteSet = true
	s.flushCandidates()
	s.state = StateAnswerExchanged
	return nil
}

// handleCandidate applies a relayed candidate. Candidates that beat the
// remote description are buffered and flushed once it is applied; ones
// that arrive while the session is still idle are protocol violations
// and are dropped.
func (s *Session) handleCandidate(sig Signal) error {
	if s.state == StateIdle {
		s.log.Printf("dropping candidate, negotiation not started")
		return nil
	}
	if !s.remoteSet {
		s.pending = append(s.pending, sig)
		return nil
	}

	if err := s.transport.AddCandidate(sig); err != nil {
		s.log.Printf("error applying candidate: %v", err)
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	return nil
}

// flushCandidates applies candidates that were buffered ahead of the
// remote description. Individual failures are logged and skipped.
func (s *Session) flushCandidates() {
	for _, c := range s.pending {
		if err := s.transport.AddCandidate(c); err != nil {
			s.log.Printf("error applying buffered candidate: %v", err)
		}
	}
	s.pending = nil
}

// TransportConnected records that the underlying connection reports a live
// media path, completing the session.
func (s *Session) TransportConnected() {
	if s.state != StateAnswerExchanged {
		s.log.Printf("transport connected in state %s", s.state)
		return
	}
	s.state = StateEstablished
	s.log.Printf("negotiation established")
}

// Close disposes the peer connection handle, if one was created. The
// session is left in its current state; it cannot be restarted.
func (s *Session) Close() error {
	if s.transport == nil {
		return nil
	}
	return s.transport.Close()
}
