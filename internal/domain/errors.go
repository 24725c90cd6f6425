package domain

import "errors"

var (
	// ErrProviderUnavailable covers network errors and 5xx responses from
	// the avatar provider during negotiation. Aborts the current attempt.
	ErrProviderUnavailable = errors.New("avatar provider unavailable")

	// ErrProviderTimeout is a gateway timeout creating a stream. The caller
	// may retry after a delay; it is not a misconfiguration.
	ErrProviderTimeout = errors.New("avatar provider timed out")

	// ErrSignalingRejected means the provider refused the SDP answer.
	ErrSignalingRejected = errors.New("sdp answer rejected by provider")

	// ErrSignalingTransient is a failed ICE candidate delivery; the queue
	// requeues and retries, it is not surfaced to the user.
	ErrSignalingTransient = errors.New("transient signaling error")

	// ErrChannelNotReady means a send was attempted before the data channel
	// opened. Callers should wait for the open event, not retry in a loop.
	ErrChannelNotReady = errors.New("data channel not ready")

	// ErrMissingChatIdentity means agentId or chatId is absent. Creating
	// them is a precondition of sending or persisting any turn.
	ErrMissingChatIdentity = errors.New("agent or chat identity missing")
)
