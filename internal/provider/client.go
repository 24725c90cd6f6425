package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"medivoz/avatar/internal/domain"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options configures the agent created for a session.
type Options struct {
	// SourceURL is the presenter image; also used as the agent thumbnail.
	SourceURL string
	// VoiceID is the TTS voice. Defaults to a Mexican Spanish voice.
	VoiceID string
	// PatientName and PatientID personalize the agent instructions.
	PatientName string
	PatientID   *int
}

// Client talks to the avatar provider's REST surface: stream negotiation
// plus agent/chat management. It implements domain.StreamAPI and
// domain.AgentAPI and performs no local peer-connection mutation.
type Client struct {
	http *resty.Client
	opts Options
	log  *logrus.Entry
}

const (
	defaultVoiceID = "es-MX-DaliaNeural"

	// destroyTimeout bounds the best-effort stream deletion on teardown.
	destroyTimeout = 5 * time.Second
)

func New(baseURL, apiKey string, opts Options, log *logrus.Logger) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetHeader("Authorization", "Basic "+apiKey)
	}
	if opts.VoiceID == "" {
		opts.VoiceID = defaultVoiceID
	}
	return &Client{
		http: c,
		opts: opts,
		log:  log.WithField("component", "provider"),
	}
}

type streamResponse struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	Offer      sdpPayload         `json:"offer"`
	ICEServers []domain.ICEServer `json:"ice_servers"`
}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CreateStream requests a new media stream. The provider may take well over
// a minute to answer, so no client-side timeout is applied beyond ctx; a
// gateway timeout is reported as ErrProviderTimeout so the caller can offer
// a retry instead of treating it as fatal.
func (c *Client) CreateStream(ctx context.Context, sourceURL string) (*domain.StreamSession, error) {
	var out streamResponse
	resp, err := c.newRequest(ctx).
		SetBody(map[string]string{"source_url": sourceURL}).
		SetResult(&out).
		Post("/streams")
	if err != nil {
		return nil, fmt.Errorf("%w: create stream: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode() == http.StatusGatewayTimeout {
		return nil, fmt.Errorf("%w: create stream: %s", domain.ErrProviderTimeout, resp.String())
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: create stream: http %d: %s", domain.ErrProviderUnavailable, resp.StatusCode(), resp.String())
	}

	c.log.WithField("streamId", out.ID).Info("stream created")
	return &domain.StreamSession{
		StreamID:    out.ID,
		SessionID:   out.SessionID,
		ICEServers:  out.ICEServers,
		RemoteOffer: out.Offer.SDP,
		Status:      domain.StatusCreated,
	}, nil
}

// SubmitAnswer delivers the local SDP answer for the stream.
func (c *Client) SubmitAnswer(ctx context.Context, streamID, sessionID, answer string) error {
	resp, err := c.newRequest(ctx).
		SetBody(map[string]any{
			"answer":     sdpPayload{Type: "answer", SDP: answer},
			"session_id": sessionID,
		}).
		Post("/streams/" + streamID + "/sdp")
	if err != nil {
		return fmt.Errorf("%w: submit answer: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: http %d: %s", domain.ErrSignalingRejected, resp.StatusCode(), resp.String())
	}
	return nil
}

// SendICECandidate delivers one trickled candidate. Failures are transient:
// the caller requeues and retries.
func (c *Client) SendICECandidate(ctx context.Context, env domain.IceCandidateEnvelope) error {
	resp, err := c.newRequest(ctx).
		SetBody(map[string]any{
			"candidate":     env.Candidate,
			"sdpMid":        env.SDPMid,
			"sdpMLineIndex": env.SDPMLineIndex,
			"session_id":    env.SessionID,
		}).
		Post("/streams/" + env.StreamID + "/ice")
	if err != nil {
		return fmt.Errorf("%w: send candidate: %v", domain.ErrSignalingTransient, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: send candidate: http %d", domain.ErrSignalingTransient, resp.StatusCode())
	}
	return nil
}

// DestroyStream tells the provider to release the stream. Best-effort only:
// local teardown must complete whether or not the remote acknowledges.
func (c *Client) DestroyStream(ctx context.Context, streamID, sessionID string) {
	ctx, cancel := context.WithTimeout(ctx, destroyTimeout)
	defer cancel()

	resp, err := c.newRequest(ctx).
		SetBody(map[string]string{"session_id": sessionID}).
		Delete("/streams/" + streamID)
	if err != nil {
		c.log.WithError(err).Warn("destroy stream failed")
		return
	}
	if resp.IsError() {
		c.log.WithField("status", resp.StatusCode()).Warn("destroy stream rejected")
		return
	}
	c.log.WithField("streamId", streamID).Info("stream destroyed")
}

// CreateAgent creates the conversational agent with the medical-assistant
// instructions, personalized with the configured patient context.
func (c *Client) CreateAgent(ctx context.Context) (string, error) {
	body := map[string]any{
		"presenter": map[string]any{
			"type": "talk",
			"voice": map[string]string{
				"type":     "microsoft",
				"voice_id": c.opts.VoiceID,
			},
			"thumbnail":  c.opts.SourceURL,
			"source_url": c.opts.SourceURL,
		},
		"preview_name": "Asistente Médico",
		"llm": map[string]any{
			"instructions": c.instructions(),
			"template":     "rag-ungrounded",
		},
	}

	var out struct {
		ID string `json:"id"`
	}
	resp, err := c.newRequest(ctx).SetBody(body).SetResult(&out).Post("/agents")
	if err != nil {
		return "", fmt.Errorf("%w: create agent: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: create agent: http %d: %s", domain.ErrProviderUnavailable, resp.StatusCode(), resp.String())
	}
	c.log.WithField("agentId", out.ID).Info("agent created")
	return out.ID, nil
}

// CreateChat opens a chat thread on the agent.
func (c *Client) CreateChat(ctx context.Context, agentID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	resp, err := c.newRequest(ctx).SetResult(&out).Post("/agents/" + agentID + "/chat")
	if err != nil {
		return "", fmt.Errorf("%w: create chat: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: create chat: http %d: %s", domain.ErrProviderUnavailable, resp.StatusCode(), resp.String())
	}
	return out.ID, nil
}

// SendChatMessage posts one user message to the chat thread. In streaming
// mode the reply arrives over the data channel; in TextOnly mode it is
// returned in the result.
func (c *Client) SendChatMessage(ctx context.Context, agentID, chatID, streamID, sessionID, text string) (*domain.ChatResult, error) {
	var out domain.ChatResult
	resp, err := c.newRequest(ctx).
		SetBody(map[string]any{
			"streamId":  streamID,
			"sessionId": sessionID,
			"messages": []map[string]string{{
				"role":       "user",
				"content":    text,
				"created_at": time.Now().UTC().Format(time.RFC3339),
			}},
		}).
		SetResult(&out).
		Post("/agents/" + agentID + "/chat/" + chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: send chat message: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: send chat message: http %d: %s", domain.ErrProviderUnavailable, resp.StatusCode(), resp.String())
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("x-request-id", uuid.NewString())
}

func (c *Client) instructions() string {
	base := `Eres un asistente médico virtual profesional. IMPORTANTE: DEBES HABLAR ÚNICAMENTE EN ESPAÑOL.

INSTRUCCIONES CRÍTICAS:
- SIEMPRE responde en español (español de México)
- Sé amable, empático y profesional
- Proporciona información médica general pero siempre recomienda consultar con un médico real para diagnósticos
- Si te preguntan algo fuera del contexto médico, amablemente redirige la conversación
- PREGUNTA HASTA QUE LLEGUES A UN DIAGNÓSTICO, NO ESPECULES
- NO MUESTRES LA INFORMACIÓN DEL PACIENTE A MENOS QUE SE TE PIDA EXPLÍCITAMENTE`

	if c.opts.PatientName == "" && c.opts.PatientID == nil {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nCONTEXTO DEL PACIENTE ACTUAL:")
	if c.opts.PatientName != "" {
		fmt.Fprintf(&b, "\n- Nombre: %s", c.opts.PatientName)
	}
	if c.opts.PatientID != nil {
		fmt.Fprintf(&b, "\n- ID: %d", *c.opts.PatientID)
	}
	b.WriteString("\n\nUsa este contexto para personalizar tus respuestas y dar seguimiento a consultas anteriores.")
	return b.String()
}
