package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"medivoz/avatar/internal/domain"

	"github.com/sirupsen/logrus"
)

// Config tunes the session manager.
type Config struct {
	// SourceURL is the presenter image used when creating streams.
	SourceURL string
	// PatientName personalizes the welcome greeting when set.
	PatientName string
	PatientID   *int
	UserID      *int

	// SettleDelay is the pause between a readiness signal and the welcome
	// send attempt.
	SettleDelay time.Duration
	// DimensionWait bounds how long the manager waits for the video sink
	// to report dimensions before logging a stalled-media condition.
	DimensionWait time.Duration
	// DimensionPoll is the sink polling interval during that wait.
	DimensionPoll time.Duration
}

func (c *Config) applyDefaults() {
	if c.SettleDelay == 0 {
		c.SettleDelay = 200 * time.Millisecond
	}
	if c.DimensionWait == 0 {
		c.DimensionWait = 15 * time.Second
	}
	if c.DimensionPoll == 0 {
		c.DimensionPoll = 500 * time.Millisecond
	}
}

// Manager owns the single live StreamSession/peer/data-channel triple and
// drives its lifecycle: Idle → Negotiating → Connected → (Disconnected |
// Failed) → Closed. All connection events flow through one transition
// function; no other component touches the session directly.
type Manager struct {
	streams domain.StreamAPI
	agent   domain.AgentAPI
	peers   PeerFactory
	queue   *Queue
	persist domain.Persister
	sink    domain.Sink
	cfg     Config
	log     *logrus.Entry

	onStatus func(domain.Status)

	mu          sync.Mutex
	gen         int
	sess        *domain.StreamSession
	peer        Peer
	channelOpen bool
	welcome     welcomeLatch
	asm         Assembler
	agentID     string
	chatID      string
}

func NewManager(streams domain.StreamAPI, agent domain.AgentAPI, peers PeerFactory, persist domain.Persister, sink domain.Sink, cfg Config, log *logrus.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		streams: streams,
		agent:   agent,
		peers:   peers,
		queue:   NewQueue(streams, log),
		persist: persist,
		sink:    sink,
		cfg:     cfg,
		log:     log.WithField("component", "session"),
	}
}

// SetOnStatus registers the user-visible status callback. Must be called
// before Start.
func (m *Manager) SetOnStatus(fn func(domain.Status)) {
	m.onStatus = fn
}

// Status reports the current session status; StatusClosed when no session
// is live.
func (m *Manager) Status() domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return domain.StatusClosed
	}
	return m.sess.Status
}

// Session returns a copy of the live stream session, or nil.
func (m *Manager) Session() *domain.StreamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	cp := *m.sess
	return &cp
}

// Start negotiates a new stream session. Any previous connection is fully
// torn down first: media tracks stopped, handlers detached, data channel
// and peer connection closed, before the new stream id is assigned.
func (m *Manager) Start(ctx context.Context) error {
	m.teardown()

	if err := m.ensureChatIdentity(ctx); err != nil {
		return err
	}

	sess, err := m.streams.CreateStream(ctx, m.cfg.SourceURL)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.sess = sess
	m.channelOpen = false
	m.welcome.reset()
	m.asm.Reset()
	m.mu.Unlock()

	m.queue.Bind(sess.StreamID, sess.SessionID)

	peer, err := m.peers(sess.ICEServers, func(ev Event) { m.handleEvent(gen, ev) })
	if err != nil {
		m.teardown()
		return fmt.Errorf("create peer connection: %w", err)
	}
	m.mu.Lock()
	m.peer = peer
	m.mu.Unlock()

	answer, err := peer.Answer(sess.RemoteOffer)
	if err != nil {
		m.teardown()
		return fmt.Errorf("negotiate answer: %w", err)
	}
	if err := m.streams.SubmitAnswer(ctx, sess.StreamID, sess.SessionID, answer); err != nil {
		m.teardown()
		return err
	}

	m.mu.Lock()
	if m.sess == sess {
		sess.LocalAnswer = answer
		sess.Status = domain.StatusNegotiating
	}
	m.mu.Unlock()
	m.notify(domain.StatusNegotiating)
	m.log.WithField("streamId", sess.StreamID).Info("negotiation started")
	return nil
}

// Stop tears the session down and notifies the provider, best-effort.
func (m *Manager) Stop() {
	m.teardown()
	m.notify(domain.StatusClosed)
}

// SendMessage persists a user turn and forwards it to the agent chat
// endpoint. In TextOnly mode the reply is persisted immediately; otherwise
// it arrives over the data channel as streamed fragments.
func (m *Manager) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	m.mu.Lock()
	agentID, chatID := m.agentID, m.chatID
	if agentID == "" || chatID == "" {
		m.mu.Unlock()
		return domain.ErrMissingChatIdentity
	}
	if m.sess == nil {
		m.mu.Unlock()
		return fmt.Errorf("no active stream session")
	}
	streamID, sessionID := m.sess.StreamID, m.sess.SessionID
	m.mu.Unlock()

	m.persist.Persist(m.turn(domain.RoleUser, text, agentID, chatID))

	res, err := m.agent.SendChatMessage(ctx, agentID, chatID, streamID, sessionID, text)
	if err != nil {
		return err
	}
	if res.ChatMode == "TextOnly" && res.Result != "" {
		m.persist.Persist(m.turn(domain.RoleAgent, res.Result, agentID, chatID))
	}
	return nil
}

// SendText writes one chat message directly to the data channel. Valid only
// while the channel is open.
func (m *Manager) SendText(text string) error {
	m.mu.Lock()
	peer, open := m.peer, m.channelOpen
	m.mu.Unlock()
	if peer == nil || !open {
		return domain.ErrChannelNotReady
	}
	return peer.SendText(EncodeText(text))
}

func (m *Manager) ensureChatIdentity(ctx context.Context) error {
	m.mu.Lock()
	agentID, chatID := m.agentID, m.chatID
	m.mu.Unlock()
	if agentID != "" && chatID != "" {
		return nil
	}

	agentID, err := m.agent.CreateAgent(ctx)
	if err != nil {
		return err
	}
	chatID, err = m.agent.CreateChat(ctx, agentID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.agentID, m.chatID = agentID, chatID
	m.mu.Unlock()
	return nil
}

// handleEvent is the single authoritative transition function. gen guards
// against events from a connection that has since been torn down.
func (m *Manager) handleEvent(gen int, ev Event) {
	switch ev.Kind {
	case LocalCandidate:
		if ev.Candidate == nil {
			return
		}
		if m.live(gen) {
			m.queue.Enqueue(*ev.Candidate)
		}
	case IceStateChanged:
		m.onICEState(gen, ev.ICEState)
	case ChannelOpened:
		m.onChannelOpened(gen)
	case ChannelClosed:
		m.onChannelClosed(gen, ev.ChannelState)
	case ChannelMessage:
		m.onChannelMessage(gen, ev.Message)
	case TrackReceived:
		m.onTrack(gen, ev.Track)
	}
}

func (m *Manager) onICEState(gen int, state string) {
	m.mu.Lock()
	if gen != m.gen || m.sess == nil {
		m.mu.Unlock()
		return
	}
	m.log.WithField("state", state).Debug("ICE connection state")

	switch state {
	case "connected", "completed":
		became := m.sess.Status != domain.StatusConnected
		m.sess.Status = domain.StatusConnected
		m.mu.Unlock()
		if became {
			m.notify(domain.StatusConnected)
		}
		m.scheduleWelcome(gen)

	case "disconnected":
		// Transient: no teardown, no surfaced state change. Recovery goes
		// back to connected; escalation arrives as failed.
		m.mu.Unlock()
		m.log.Warn("ICE disconnected, waiting for recovery")

	case "failed":
		m.mu.Unlock()
		m.log.Error("ICE connection failed")
		m.notify(domain.StatusFailed)
		m.teardown()

	case "closed":
		m.mu.Unlock()
		m.teardown()
		m.notify(domain.StatusClosed)

	default:
		m.mu.Unlock()
	}
}

func (m *Manager) onChannelOpened(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.sess == nil {
		m.mu.Unlock()
		return
	}
	m.channelOpen = true
	became := m.sess.Status != domain.StatusConnected
	m.sess.Status = domain.StatusConnected
	m.mu.Unlock()

	m.log.Info("data channel open")
	if became {
		m.notify(domain.StatusConnected)
	}
	m.scheduleWelcome(gen)
}

func (m *Manager) onChannelClosed(gen int, readyState string) {
	m.mu.Lock()
	if gen != m.gen || m.sess == nil {
		m.mu.Unlock()
		return
	}
	if readyState != "closed" {
		// A close notification while the channel still reports another
		// state is tolerated; healthy ICE keeps the session alive.
		m.mu.Unlock()
		m.log.WithField("readyState", readyState).Warn("transient data channel close")
		return
	}
	m.channelOpen = false
	m.sess.Status = domain.StatusDisconnected
	m.mu.Unlock()

	m.log.Warn("data channel closed")
	m.notify(domain.StatusDisconnected)
}

func (m *Manager) onChannelMessage(gen int, msg string) {
	m.mu.Lock()
	if gen != m.gen || m.sess == nil {
		m.mu.Unlock()
		return
	}
	final, done := m.asm.Feed(msg)
	agentID, chatID := m.agentID, m.chatID
	m.mu.Unlock()

	if done {
		m.persist.Persist(m.turn(domain.RoleAgent, final, agentID, chatID))
	}
}

func (m *Manager) onTrack(gen int, track domain.RemoteTrack) {
	if track == nil || !m.live(gen) {
		return
	}
	m.log.WithField("kind", track.Kind()).Info("remote track received")

	// Any previous video must be fully stopped and detached before the new
	// stream is attached, so two renders never overlap.
	m.sink.Detach()
	m.sink.SetMuted(true)
	m.sink.Attach(track)
	go m.awaitDimensions(gen)
}

// awaitDimensions polls the sink until it reports rendered dimensions, then
// flips it audible. A sink that never produces dimensions is logged as
// stalled media but does not fail the session: audio may still work.
func (m *Manager) awaitDimensions(gen int) {
	deadline := time.Now().Add(m.cfg.DimensionWait)
	for time.Now().Before(deadline) {
		time.Sleep(m.cfg.DimensionPoll)
		if !m.live(gen) {
			return
		}
		if w, h := m.sink.Dimensions(); w > 0 && h > 0 {
			m.sink.SetMuted(false)
			m.log.WithFields(logrus.Fields{"width": w, "height": h}).Info("video producing frames, sink unmuted")
			return
		}
	}
	m.log.Warn("video reported no dimensions within wait window")
}

func (m *Manager) scheduleWelcome(gen int) {
	time.AfterFunc(m.cfg.SettleDelay, func() { m.sendWelcome(gen) })
}

// sendWelcome fires the one-shot greeting. The latch is checked-and-set
// after the settle delay so racing readiness signals collapse to one send;
// a failed send reverts the latch for one retry from the next signal.
func (m *Manager) sendWelcome(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.sess == nil {
		m.mu.Unlock()
		return
	}
	if !m.channelOpen {
		m.mu.Unlock()
		return
	}
	if !m.welcome.tryAcquire() {
		m.mu.Unlock()
		return
	}
	peer := m.peer
	agentID, chatID := m.agentID, m.chatID
	streamID, sessionID := m.sess.StreamID, m.sess.SessionID
	m.mu.Unlock()

	greeting := Greeting(m.cfg.PatientName)
	if err := peer.SendText(EncodeText(greeting)); err != nil {
		m.log.WithError(err).Warn("welcome send failed, allowing retry")
		m.welcome.release()
		return
	}

	// Redundant REST half of the pair; its failure does not revert the
	// latch because the channel copy already reached the avatar.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := m.agent.SendChatMessage(ctx, agentID, chatID, streamID, sessionID, greeting); err != nil {
		m.log.WithError(err).Warn("welcome REST send failed")
	}
	cancel()

	m.persist.Persist(m.turn(domain.RoleUser, greeting, agentID, chatID))
	m.log.Info("welcome message sent")
}

func (m *Manager) teardown() {
	m.mu.Lock()
	m.gen++
	peer := m.peer
	m.peer = nil
	var streamID, sessionID string
	if m.sess != nil {
		streamID, sessionID = m.sess.StreamID, m.sess.SessionID
		m.sess.Status = domain.StatusClosed
	}
	m.sess = nil
	m.channelOpen = false
	m.agentID, m.chatID = "", ""
	m.asm.Reset()
	m.mu.Unlock()

	// Stop media tracks first, then the channel and peer connection, then
	// notify the provider best-effort.
	m.sink.Detach()
	if peer != nil {
		peer.Close()
	}
	m.queue.Reset()

	if streamID != "" {
		m.streams.DestroyStream(context.Background(), streamID, sessionID)
	}
}

func (m *Manager) live(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.sess != nil
}

func (m *Manager) notify(st domain.Status) {
	if m.onStatus != nil {
		m.onStatus(st)
	}
}

func (m *Manager) turn(role domain.Role, text, agentID, chatID string) domain.ConversationTurn {
	return domain.ConversationTurn{
		Role:      role,
		Text:      text,
		AgentID:   agentID,
		ChatID:    chatID,
		PatientID: m.cfg.PatientID,
		UserID:    m.cfg.UserID,
		Timestamp: time.Now().UTC(),
	}
}
