package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medivoz/avatar/internal/domain"
)

// fakeProvider implements domain.StreamAPI and domain.AgentAPI with
// scripted responses and call recording.
type fakeProvider struct {
	mu sync.Mutex

	streamSeq    int
	createErr    error
	submitErr    error
	answers      []string
	candidates   []domain.IceCandidateEnvelope
	destroyed    []string
	agentSeq     int
	chatSeq      int
	chatMessages []string
	chatResult   domain.ChatResult
	chatErr      error
}

func (f *fakeProvider) CreateStream(ctx context.Context, sourceURL string) (*domain.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.streamSeq++
	return &domain.StreamSession{
		StreamID:    "st_" + string(rune('0'+f.streamSeq)),
		SessionID:   "se_" + string(rune('0'+f.streamSeq)),
		RemoteOffer: "offer-sdp",
		Status:      domain.StatusCreated,
	}, nil
}

func (f *fakeProvider) SubmitAnswer(ctx context.Context, streamID, sessionID, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.answers = append(f.answers, answer)
	return nil
}

func (f *fakeProvider) SendICECandidate(ctx context.Context, env domain.IceCandidateEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, env)
	return nil
}

func (f *fakeProvider) DestroyStream(ctx context.Context, streamID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, streamID)
}

func (f *fakeProvider) CreateAgent(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentSeq++
	return "agt_1", nil
}

func (f *fakeProvider) CreateChat(ctx context.Context, agentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatSeq++
	return "cht_1", nil
}

func (f *fakeProvider) SendChatMessage(ctx context.Context, agentID, chatID, streamID, sessionID, text string) (*domain.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	f.chatMessages = append(f.chatMessages, text)
	res := f.chatResult
	return &res, nil
}

func (f *fakeProvider) destroyedStreams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func (f *fakeProvider) sentChatMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chatMessages...)
}

func (f *fakeProvider) sentCandidates() []domain.IceCandidateEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.IceCandidateEnvelope(nil), f.candidates...)
}

// fakePeer records sent text and can fail the first N sends.
type fakePeer struct {
	mu        sync.Mutex
	sent      []string
	failSends int
	closed    bool
}

func (p *fakePeer) Answer(offer string) (string, error) { return "answer-sdp", nil }

func (p *fakePeer) SendText(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSends > 0 {
		p.failSends--
		return errors.New("channel write failed")
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) sentTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeSink implements domain.Sink with scripted dimensions.
type fakeSink struct {
	mu       sync.Mutex
	attached int
	detached int
	muted    bool
	width    int
	height   int
}

func (s *fakeSink) Attach(track domain.RemoteTrack) {
	s.mu.Lock()
	s.attached++
	s.mu.Unlock()
}

func (s *fakeSink) Detach() {
	s.mu.Lock()
	s.detached++
	s.mu.Unlock()
}

func (s *fakeSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *fakeSink) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *fakeSink) setDims(w, h int) {
	s.mu.Lock()
	s.width, s.height = w, h
	s.mu.Unlock()
}

func (s *fakeSink) isMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// fakePersister records turns synchronously.
type fakePersister struct {
	mu    sync.Mutex
	turns []domain.ConversationTurn
}

func (p *fakePersister) Persist(turn domain.ConversationTurn) {
	p.mu.Lock()
	p.turns = append(p.turns, turn)
	p.mu.Unlock()
}

func (p *fakePersister) recorded() []domain.ConversationTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ConversationTurn(nil), p.turns...)
}

// statusRecorder collects status callbacks.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.Status
}

func (r *statusRecorder) record(st domain.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
}

func (r *statusRecorder) seen(st domain.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == st {
			return true
		}
	}
	return false
}

type harness struct {
	provider *fakeProvider
	sink     *fakeSink
	persist  *fakePersister
	status   *statusRecorder
	manager  *Manager

	mu    sync.Mutex
	peers []*fakePeer
	emits []func(Event)
}

func newHarness(cfg Config) *harness {
	h := &harness{
		provider: &fakeProvider{},
		sink:     &fakeSink{},
		persist:  &fakePersister{},
		status:   &statusRecorder{},
	}
	if cfg.SourceURL == "" {
		cfg.SourceURL = "https://example.com/avatar.png"
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 10 * time.Millisecond
	}
	if cfg.DimensionWait == 0 {
		cfg.DimensionWait = 500 * time.Millisecond
	}
	if cfg.DimensionPoll == 0 {
		cfg.DimensionPoll = 5 * time.Millisecond
	}

	factory := func(servers []domain.ICEServer, emit func(Event)) (Peer, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		peer := &fakePeer{}
		h.peers = append(h.peers, peer)
		h.emits = append(h.emits, emit)
		return peer, nil
	}

	h.manager = NewManager(h.provider, h.provider, factory, h.persist, h.sink, cfg, testLogger())
	h.manager.SetOnStatus(h.status.record)
	return h
}

func (h *harness) peer(i int) *fakePeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[i]
}

// emit injects a connection event as if it came from peer i's callbacks.
func (h *harness) emit(i int, ev Event) {
	h.mu.Lock()
	fn := h.emits[i]
	h.mu.Unlock()
	fn(ev)
}

func (h *harness) connect(i int) {
	h.emit(i, Event{Kind: IceStateChanged, ICEState: "connected"})
	h.emit(i, Event{Kind: ChannelOpened})
}

func TestManager_StartNegotiates(t *testing.T) {
	h := newHarness(Config{})

	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := h.manager.Status(); got != domain.StatusNegotiating {
		t.Errorf("status after start: got %v, want %v", got, domain.StatusNegotiating)
	}
	h.provider.mu.Lock()
	answers, agents, chats := h.provider.answers, h.provider.agentSeq, h.provider.chatSeq
	h.provider.mu.Unlock()
	if len(answers) != 1 || answers[0] != "answer-sdp" {
		t.Errorf("expected one submitted answer, got %v", answers)
	}
	if agents != 1 || chats != 1 {
		t.Errorf("expected one agent and one chat created, got %d/%d", agents, chats)
	}
}

func TestManager_RestartTearsDownPreviousSession(t *testing.T) {
	h := newHarness(Config{})
	ctx := context.Background()

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	first := h.manager.Session().StreamID

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	second := h.manager.Session().StreamID

	if first == second {
		t.Fatalf("expected a fresh stream id, both are %q", first)
	}
	if !h.peer(0).isClosed() {
		t.Error("previous peer connection must be closed")
	}
	h.sink.mu.Lock()
	detached := h.sink.detached
	h.sink.mu.Unlock()
	if detached == 0 {
		t.Error("previous media must be detached")
	}

	destroyed := h.provider.destroyedStreams()
	if len(destroyed) != 1 || destroyed[0] != first {
		t.Errorf("expected previous stream destroyed, got %v", destroyed)
	}
}

func TestManager_WelcomeSentExactlyOnce(t *testing.T) {
	h := newHarness(Config{PatientName: "Ana"})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Both readiness signals arrive nearly simultaneously.
	h.connect(0)

	want := EncodeText("Hola Ana, ¿en qué puedo ayudarte hoy?")
	waitFor(t, func() bool { return len(h.peer(0).sentTexts()) >= 1 })
	time.Sleep(100 * time.Millisecond)

	sent := h.peer(0).sentTexts()
	if len(sent) != 1 || sent[0] != want {
		t.Errorf("expected exactly one welcome %q, got %v", want, sent)
	}

	waitFor(t, func() bool { return len(h.persist.recorded()) == 1 })
	turn := h.persist.recorded()[0]
	if turn.Role != domain.RoleUser || turn.Text != "Hola Ana, ¿en qué puedo ayudarte hoy?" {
		t.Errorf("unexpected persisted welcome turn: %+v", turn)
	}
	if turn.AgentID != "agt_1" || turn.ChatID != "cht_1" {
		t.Errorf("welcome turn missing chat identity: %+v", turn)
	}
}

func TestManager_WelcomeWaitsForOpenChannel(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.emit(0, Event{Kind: IceStateChanged, ICEState: "connected"})
	time.Sleep(100 * time.Millisecond)
	if sent := h.peer(0).sentTexts(); len(sent) != 0 {
		t.Fatalf("welcome must not fire before the channel opens, got %v", sent)
	}

	h.emit(0, Event{Kind: ChannelOpened})
	waitFor(t, func() bool { return len(h.peer(0).sentTexts()) == 1 })
}

func TestManager_WelcomeRetriesAfterFailedSend(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.peer(0).mu.Lock()
	h.peer(0).failSends = 1
	h.peer(0).mu.Unlock()

	h.emit(0, Event{Kind: ChannelOpened})
	time.Sleep(100 * time.Millisecond)
	if sent := h.peer(0).sentTexts(); len(sent) != 0 {
		t.Fatalf("first attempt should have failed, got %v", sent)
	}

	// The next readiness signal retries once.
	h.emit(0, Event{Kind: IceStateChanged, ICEState: "connected"})
	waitFor(t, func() bool { return len(h.peer(0).sentTexts()) == 1 })
}

func TestManager_DefaultGreetingWithoutPatientName(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.connect(0)

	waitFor(t, func() bool { return len(h.peer(0).sentTexts()) == 1 })
	if got := h.peer(0).sentTexts()[0]; got != EncodeText(DefaultGreeting) {
		t.Errorf("got %q, want default greeting", got)
	}
}

func TestManager_StreamedResponsePersistedOnDone(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.emit(0, Event{Kind: ChannelMessage, Message: "chat/partial:Buenos%20"})
	h.emit(0, Event{Kind: ChannelMessage, Message: "chat/partial:d%C3%ADas"})
	h.emit(0, Event{Kind: ChannelMessage, Message: "stream/done"})

	waitFor(t, func() bool { return len(h.persist.recorded()) == 1 })
	turn := h.persist.recorded()[0]
	if turn.Role != domain.RoleAgent || turn.Text != "Buenos días" {
		t.Errorf("unexpected agent turn: %+v", turn)
	}
}

func TestManager_SendMessageTextOnlyPersistsReply(t *testing.T) {
	h := newHarness(Config{})
	h.provider.chatResult = domain.ChatResult{Result: "Tome agua y descanse.", ChatMode: "TextOnly"}
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.manager.SendMessage(context.Background(), "tengo gripe"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	turns := h.persist.recorded()
	if len(turns) != 2 {
		t.Fatalf("expected user and agent turns, got %d", len(turns))
	}
	if turns[0].Role != domain.RoleUser || turns[0].Text != "tengo gripe" {
		t.Errorf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != domain.RoleAgent || turns[1].Text != "Tome agua y descanse." {
		t.Errorf("unexpected agent turn: %+v", turns[1])
	}
}

func TestManager_SendMessageStreamingModeDefersReply(t *testing.T) {
	h := newHarness(Config{})
	h.provider.chatResult = domain.ChatResult{ChatMode: "Functions"}
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.manager.SendMessage(context.Background(), "hola"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	turns := h.persist.recorded()
	if len(turns) != 1 || turns[0].Role != domain.RoleUser {
		t.Errorf("expected only the user turn persisted, got %+v", turns)
	}
}

func TestManager_SendMessageWithoutSessionFails(t *testing.T) {
	h := newHarness(Config{})

	err := h.manager.SendMessage(context.Background(), "hola")
	if !errors.Is(err, domain.ErrMissingChatIdentity) {
		t.Errorf("got %v, want ErrMissingChatIdentity", err)
	}
}

func TestManager_SendTextRequiresOpenChannel(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.manager.SendText("hola"); !errors.Is(err, domain.ErrChannelNotReady) {
		t.Fatalf("got %v, want ErrChannelNotReady", err)
	}

	h.emit(0, Event{Kind: ChannelOpened})
	if err := h.manager.SendText("hola"); err != nil {
		t.Fatalf("send after open: %v", err)
	}
}

func TestManager_ICEFailedTearsDown(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	streamID := h.manager.Session().StreamID

	h.emit(0, Event{Kind: IceStateChanged, ICEState: "failed"})

	if !h.status.seen(domain.StatusFailed) {
		t.Error("failed status must be surfaced")
	}
	if !h.peer(0).isClosed() {
		t.Error("peer must be closed on ICE failure")
	}
	destroyed := h.provider.destroyedStreams()
	if len(destroyed) != 1 || destroyed[0] != streamID {
		t.Errorf("expected stream destroyed, got %v", destroyed)
	}
	if h.manager.Session() != nil {
		t.Error("session must be cleared after failure")
	}
}

func TestManager_ICEDisconnectedIsTransient(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.emit(0, Event{Kind: IceStateChanged, ICEState: "connected"})

	h.emit(0, Event{Kind: IceStateChanged, ICEState: "disconnected"})

	if h.status.seen(domain.StatusFailed) || h.status.seen(domain.StatusDisconnected) {
		t.Error("transient ICE disconnect must not surface a failure")
	}
	if h.manager.Session() == nil {
		t.Error("session must stay alive through a transient disconnect")
	}
	if h.peer(0).isClosed() {
		t.Error("peer must not be closed on a transient disconnect")
	}
}

func TestManager_NoSecondWelcomeAfterReconnect(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.connect(0)
	waitFor(t, func() bool { return len(h.peer(0).sentTexts()) == 1 })

	// ICE bounces; recovery must not replay the greeting.
	h.emit(0, Event{Kind: IceStateChanged, ICEState: "disconnected"})
	h.emit(0, Event{Kind: IceStateChanged, ICEState: "connected"})
	time.Sleep(100 * time.Millisecond)

	if sent := h.peer(0).sentTexts(); len(sent) != 1 {
		t.Errorf("expected the greeting once per session, got %d sends", len(sent))
	}
}

func TestManager_TransientChannelCloseKeepsSession(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.emit(0, Event{Kind: ChannelOpened})

	h.emit(0, Event{Kind: ChannelClosed, ChannelState: "closing"})
	if h.status.seen(domain.StatusDisconnected) {
		t.Error("close with a non-closed readyState must be tolerated")
	}

	h.emit(0, Event{Kind: ChannelClosed, ChannelState: "closed"})
	if !h.status.seen(domain.StatusDisconnected) {
		t.Error("definitive channel close must surface disconnected")
	}
}

func TestManager_StaleEventsIgnoredAfterRestart(t *testing.T) {
	h := newHarness(Config{})
	ctx := context.Background()

	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	// Events from the first connection arrive late.
	h.emit(0, Event{Kind: ChannelOpened})
	h.emit(0, Event{Kind: IceStateChanged, ICEState: "failed"})

	if h.status.seen(domain.StatusFailed) {
		t.Error("stale failure must not affect the live session")
	}
	if err := h.manager.SendText("hola"); !errors.Is(err, domain.ErrChannelNotReady) {
		t.Error("stale channel-open must not mark the new channel ready")
	}
	if h.manager.Session() == nil {
		t.Error("live session must survive stale events")
	}
}

func TestManager_TrackAttachesSinkAndUnmutes(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.emit(0, Event{Kind: TrackReceived, Track: &stubTrack{}})

	h.sink.mu.Lock()
	attached, muted := h.sink.attached, h.sink.muted
	h.sink.mu.Unlock()
	if attached != 1 {
		t.Fatalf("expected track attached once, got %d", attached)
	}
	if !muted {
		t.Fatal("sink must start muted until dimensions are known")
	}

	h.sink.setDims(1280, 720)
	waitFor(t, func() bool { return !h.sink.isMuted() })
}

func TestManager_SinkStaysMutedWhenNoDimensionsArrive(t *testing.T) {
	h := newHarness(Config{
		DimensionWait: 60 * time.Millisecond,
		DimensionPoll: 5 * time.Millisecond,
	})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.emit(0, Event{Kind: TrackReceived, Track: &stubTrack{}})

	// The wait window expires with the sink still reporting zero dimensions.
	time.Sleep(150 * time.Millisecond)
	if !h.sink.isMuted() {
		t.Error("sink must stay muted when the video never reports dimensions")
	}
	if h.manager.Session() == nil {
		t.Error("stalled media must not fail the session")
	}
}

func TestManager_LocalCandidatesFlowThroughQueue(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := h.manager.Session()

	h.emit(0, Event{Kind: LocalCandidate, Candidate: &domain.IceCandidateEnvelope{Candidate: "cand-1"}})

	waitFor(t, func() bool { return len(h.provider.sentCandidates()) == 1 })
	env := h.provider.sentCandidates()[0]
	if env.Candidate != "cand-1" || env.StreamID != sess.StreamID || env.SessionID != sess.SessionID {
		t.Errorf("unexpected candidate envelope: %+v", env)
	}
}

func TestManager_StopDestroysStream(t *testing.T) {
	h := newHarness(Config{})
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	streamID := h.manager.Session().StreamID

	h.manager.Stop()

	if !h.status.seen(domain.StatusClosed) {
		t.Error("stop must surface closed")
	}
	destroyed := h.provider.destroyedStreams()
	if len(destroyed) != 1 || destroyed[0] != streamID {
		t.Errorf("expected stream destroyed on stop, got %v", destroyed)
	}
	if got := h.manager.Status(); got != domain.StatusClosed {
		t.Errorf("status after stop: got %v", got)
	}
}

type stubTrack struct{}

func (stubTrack) Kind() string                 { return "video" }
func (stubTrack) ReadPayload() ([]byte, error) { return nil, errors.New("no data") }
