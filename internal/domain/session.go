package domain

// Status is the lifecycle state of a StreamSession.
type Status string

const (
	StatusCreated      Status = "created"
	StatusNegotiating  Status = "negotiating"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"
)

// StreamSession holds the provider-assigned identifiers and negotiated media
// state for one avatar video/audio connection. At most one session may be
// live per manager; creating a new one requires fully closing the old one.
type StreamSession struct {
	StreamID    string
	SessionID   string
	ICEServers  []ICEServer
	RemoteOffer string
	LocalAnswer string
	Status      Status
}

// ICEServer holds STUN/TURN server configuration as returned by the provider.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// IceCandidateEnvelope is one locally generated ICE candidate awaiting
// delivery to the provider's signaling endpoint.
type IceCandidateEnvelope struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *int    `json:"sdpMLineIndex"`

	StreamID  string `json:"-"`
	SessionID string `json:"-"`
}

// ChatResult is the provider's response to a chat message. ChatMode
// "TextOnly" means the reply arrives in Result instead of streaming over
// the data channel.
type ChatResult struct {
	Result   string `json:"result"`
	ChatMode string `json:"chatMode"`
}
