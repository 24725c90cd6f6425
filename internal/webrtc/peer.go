package webrtc

import (
	"fmt"

	"medivoz/avatar/internal/domain"
	"medivoz/avatar/internal/session"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
)

const dataChannelLabel = "JanusDataChannel"

// Peer wraps a Pion PeerConnection and DataChannel in the answerer role:
// the provider offers, we answer and receive its audio/video.
type Peer struct {
	pc   *pion.PeerConnection
	dc   *pion.DataChannel
	emit func(session.Event)
}

// Factory returns a session.PeerFactory backed by Pion.
func Factory() session.PeerFactory {
	return func(servers []domain.ICEServer, emit func(session.Event)) (session.Peer, error) {
		return NewPeer(servers, emit)
	}
}

// NewPeer creates a PeerConnection with default codecs, a NACK responder,
// recvonly transceivers and the chat data channel. All connection activity
// is delivered through emit as tagged events.
func NewPeer(iceServers []domain.ICEServer, emit func(session.Event)) (*Peer, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(servers) == 0 {
		servers = []pion.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	p := &Peer{pc: pc, dc: dc, emit: emit}

	dc.OnOpen(func() {
		p.emit(session.Event{Kind: session.ChannelOpened})
	})
	dc.OnClose(func() {
		p.emit(session.Event{
			Kind:         session.ChannelClosed,
			ChannelState: dc.ReadyState().String(),
		})
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		p.emit(session.Event{Kind: session.ChannelMessage, Message: string(msg.Data)})
	})

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.emit(session.Event{Kind: session.IceStateChanged, ICEState: state.String()})
	})

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			// gathering complete
			return
		}
		init := c.ToJSON()
		env := domain.IceCandidateEnvelope{Candidate: init.Candidate}
		if init.SDPMid != nil {
			mid := *init.SDPMid
			env.SDPMid = &mid
		}
		if init.SDPMLineIndex != nil {
			idx := int(*init.SDPMLineIndex)
			env.SDPMLineIndex = &idx
		}
		p.emit(session.Event{Kind: session.LocalCandidate, Candidate: &env})
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		if track.Kind() == pion.RTPCodecTypeVideo {
			p.emit(session.Event{Kind: session.TrackReceived, Track: &remoteTrack{t: track}})
			return
		}
		// Audio is drained here; the sink only renders video.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	return p, nil
}

// Answer applies the provider's SDP offer and produces the local answer.
func (p *Peer) Answer(offer string) (string, error) {
	remote := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// SendText writes one message to the data channel.
func (p *Peer) SendText(msg string) error {
	if p.dc.ReadyState() != pion.DataChannelStateOpen {
		return domain.ErrChannelNotReady
	}
	if err := p.dc.SendText(msg); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

// Close shuts down the DataChannel and PeerConnection.
func (p *Peer) Close() {
	if p.dc != nil {
		p.dc.Close()
	}
	if p.pc != nil {
		p.pc.Close()
	}
}

// remoteTrack adapts a Pion track to the sink-facing port.
type remoteTrack struct {
	t *pion.TrackRemote
}

func (r *remoteTrack) Kind() string {
	return r.t.Kind().String()
}

func (r *remoteTrack) ReadPayload() ([]byte, error) {
	pkt, _, err := r.t.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}
