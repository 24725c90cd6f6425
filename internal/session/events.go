package session

import "medivoz/avatar/internal/domain"

// EventKind tags an occurrence on the live connection.
type EventKind int

const (
	// IceStateChanged carries the new ICE connection state string.
	IceStateChanged EventKind = iota
	// ChannelOpened fires when the data channel reaches the open state.
	ChannelOpened
	// ChannelClosed fires on a channel close notification; ChannelState
	// carries the readyState observed after the event.
	ChannelClosed
	// ChannelMessage carries one raw inbound data-channel message.
	ChannelMessage
	// TrackReceived carries a remote video track.
	TrackReceived
	// LocalCandidate carries one locally gathered ICE candidate.
	LocalCandidate
)

// Event is a tagged connection occurrence. All peer callbacks funnel into
// the manager's single transition function as Events, so the manager is the
// only place that reasons about the current state.
type Event struct {
	Kind         EventKind
	ICEState     string
	ChannelState string
	Message      string
	Track        domain.RemoteTrack
	Candidate    *domain.IceCandidateEnvelope
}

// Peer is the slice of the WebRTC connection the manager drives.
type Peer interface {
	// Answer applies the provider's remote offer and returns the local
	// SDP answer.
	Answer(offer string) (string, error)
	// SendText writes one framed message to the data channel.
	SendText(msg string) error
	// Close shuts down the data channel and the peer connection.
	Close()
}

// PeerFactory builds a connection for a freshly created stream session.
// All connection events are delivered through emit.
type PeerFactory func(servers []domain.ICEServer, emit func(Event)) (Peer, error)
