package rtc

import (
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"
)

// PionConfig configures a pion backed transport.
type PionConfig struct {
	// STUN server URLs, eg. stun:stun.l.google.com:19302.
	STUNServers []string

	// ReceiveVideo registers a receive-only video transceiver and the
	// OnTrack callback. The viewing side sets this.
	ReceiveVideo bool

	// OnTrack surfaces the remote media handle to the presentation layer.
	OnTrack func(track *webrtc.TrackRemote)

	// OnConnected fires when the connection reports a live media path.
	// Feed this into Session.TransportConnected.
	OnConnected func()
}

// PionTransport implements Transport on a pion/webrtc peer connection.
type PionTransport struct {
	pc  *webrtc.PeerConnection
	log *log.Logger
}

// NewPionTransport creates a peer connection and wires its callbacks:
// discovered local candidates go out through send, remote tracks and
// connection-state changes go to the configured callbacks.
func NewPionTransport(cfg PionConfig, send func(Signal) error, l *log.Logger) (*PionTransport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.STUNServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %v", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			l.Printf("end of candidates")
			return
		}
		j := c.ToJSON()
		sig := Signal{Type: SignalCandidate, Candidate: j.Candidate}
		if j.SDPMLineIndex != nil {
			sig.Label = *j.SDPMLineIndex
		}
		if j.SDPMid != nil {
			sig.MID = *j.SDPMid
		}
		if err := send(sig); err != nil {
			l.Printf("error relaying candidate: %v", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.Printf("peer connection state: %s", state)
		if state == webrtc.PeerConnectionStateConnected && cfg.OnConnected != nil {
			cfg.OnConnected()
		}
	})

	if cfg.ReceiveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("error adding video transceiver: %v", err)
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			l.Printf("remote track: %s (%s)", track.ID(), track.Codec().MimeType)
			if cfg.OnTrack != nil {
				cfg.OnTrack(track)
			}
		})
	}

	return &PionTransport{pc: pc, log: l}, nil
}

// CreateOffer builds an offer and stores it as the local description.
func (t *PionTransport) CreateOffer() (Signal, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return Signal{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return Signal{}, err
	}
	return Signal{Type: SignalOffer, SDP: offer.SDP}, nil
}

// CreateAnswer applies the remote offer, builds an answer and stores it as
// the local description.
func (t *PionTransport) CreateAnswer(offer Signal) (Signal, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offer.SDP,
	}); err != nil {
		return Signal{}, err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return Signal{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return Signal{}, err
	}
	return Signal{Type: SignalAnswer, SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the remote answer.
func (t *PionTransport) SetRemoteDescription(answer Signal) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: answer.SDP,
	})
}

// AddCandidate applies a relayed remote candidate.
func (t *PionTransport) AddCandidate(c Signal) error {
	label := c.Label
	mid := c.MID
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &label,
	})
}

// Close disposes the peer connection.
func (t *PionTransport) Close() error {
	return t.pc.Close()
}
