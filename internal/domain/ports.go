package domain

import "context"

// StreamAPI drives the provider's stream-negotiation REST surface. It makes
// outbound calls only and never mutates local peer-connection state.
type StreamAPI interface {
	CreateStream(ctx context.Context, sourceURL string) (*StreamSession, error)
	SubmitAnswer(ctx context.Context, streamID, sessionID, answer string) error
	SendICECandidate(ctx context.Context, env IceCandidateEnvelope) error
	// DestroyStream is best-effort: failures are logged, never returned,
	// because teardown must complete locally regardless of the remote ack.
	DestroyStream(ctx context.Context, streamID, sessionID string)
}

// AgentAPI manages the conversational agent and its chat thread.
type AgentAPI interface {
	CreateAgent(ctx context.Context) (string, error)
	CreateChat(ctx context.Context, agentID string) (string, error)
	SendChatMessage(ctx context.Context, agentID, chatID, streamID, sessionID, text string) (*ChatResult, error)
}

// RemoteTrack is a received media track, reduced to what the sink consumes.
type RemoteTrack interface {
	Kind() string
	// ReadPayload returns the next RTP payload from the track.
	ReadPayload() ([]byte, error)
}

// Sink renders the remote video stream. Implementations start muted; the
// session manager flips the mute once the sink reports real dimensions.
type Sink interface {
	Attach(track RemoteTrack)
	Detach()
	SetMuted(muted bool)
	Dimensions() (width, height int)
}

// Persister durably records a conversation turn without blocking or failing
// the live session. Errors are absorbed at this boundary.
type Persister interface {
	Persist(turn ConversationTurn)
}

// ConversationStore is the durable aggregate store behind the
// conversations service.
type ConversationStore interface {
	AppendTurn(ctx context.Context, turn ConversationTurn) (string, error)
	Get(ctx context.Context, agentID, chatID string) (*Conversation, error)
	ListByUser(ctx context.Context, userID int, limit int64) ([]ConversationSummary, error)
	ListByPatient(ctx context.Context, patientID int, limit int64) ([]ConversationSummary, error)
}
