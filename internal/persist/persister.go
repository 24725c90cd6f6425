package persist

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"medivoz/avatar/internal/domain"
)

// persistTimeout bounds each background write. A slow conversations
// service must never hold up session teardown.
const persistTimeout = 5 * time.Second

// TurnPersister ships finalized conversation turns to the conversations
// service. Writes happen in the background and errors are absorbed: losing
// a transcript line never disturbs the live session.
type TurnPersister struct {
	http *resty.Client
	log  *logrus.Entry
	wg   sync.WaitGroup
}

func NewTurnPersister(baseURL string, log *logrus.Logger) *TurnPersister {
	return &TurnPersister{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("Content-Type", "application/json"),
		log: log.WithField("component", "persist"),
	}
}

// Persist records one turn. Turns with no content, or without the chat
// identity that keys the conversation, are dropped silently. Duplicate
// submissions are passed through as-is.
func (p *TurnPersister) Persist(turn domain.ConversationTurn) {
	if turn.Empty() {
		return
	}
	if turn.AgentID == "" || turn.ChatID == "" {
		p.log.Warn("turn dropped: missing chat identity")
		return
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.send(turn)
	}()
}

// Flush blocks until all in-flight writes have completed. Called on
// shutdown so the last turns of a session are not lost to process exit.
func (p *TurnPersister) Flush() {
	p.wg.Wait()
}

func (p *TurnPersister) send(turn domain.ConversationTurn) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	body := map[string]any{
		"role":      turn.Role,
		"text":      turn.Text,
		"agentId":   turn.AgentID,
		"chatId":    turn.ChatID,
		"timestamp": turn.Timestamp.Format(time.RFC3339),
	}
	if turn.AudioURL != "" {
		body["audioUrl"] = turn.AudioURL
	}
	if turn.UserID != nil {
		// Older deployments of the conversations service key on usuarioId.
		body["userId"] = *turn.UserID
		body["usuarioId"] = *turn.UserID
	}
	if turn.PatientID != nil {
		body["patientId"] = *turn.PatientID
	}
	if turn.ConsultID != nil {
		body["consultaId"] = *turn.ConsultID
	}

	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/api/did/conversations")
	if err != nil {
		p.log.WithError(err).Warn("persist turn failed")
		return
	}
	if resp.IsError() {
		p.log.WithFields(logrus.Fields{
			"status": resp.StatusCode(),
			"role":   turn.Role,
		}).Warn("persist turn rejected")
		return
	}
	p.log.WithField("role", turn.Role).Debug("turn persisted")
}
