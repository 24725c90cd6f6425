package session

import (
	"context"
	"sync"
	"time"

	"medivoz/avatar/internal/domain"

	"github.com/sirupsen/logrus"
)

const (
	// maxSendAttempts bounds retries for one stuck candidate before it is
	// dropped; the remaining candidates usually still complete the pair.
	maxSendAttempts = 3
	sendBackoffBase = 250 * time.Millisecond
	sendTimeout     = 10 * time.Second
)

// Queue buffers locally generated ICE candidates and forwards them to the
// signaling endpoint in generation order. Delivery is serialized: a single
// flush is in flight at any time. Candidates enqueued before the stream and
// session identifiers are known are held until Bind.
type Queue struct {
	api domain.StreamAPI
	log *logrus.Entry

	mu        sync.Mutex
	pending   []domain.IceCandidateEnvelope
	flushing  bool
	streamID  string
	sessionID string
	attempts  int
}

func NewQueue(api domain.StreamAPI, log *logrus.Logger) *Queue {
	return &Queue{
		api: api,
		log: log.WithField("component", "ice-queue"),
	}
}

// Bind makes the owning stream identifiers known and flushes anything held.
func (q *Queue) Bind(streamID, sessionID string) {
	q.mu.Lock()
	q.streamID = streamID
	q.sessionID = sessionID
	q.mu.Unlock()
	go q.flush()
}

// Enqueue appends a candidate and triggers a flush attempt if none is in
// progress.
func (q *Queue) Enqueue(env domain.IceCandidateEnvelope) {
	q.mu.Lock()
	q.pending = append(q.pending, env)
	q.mu.Unlock()
	go q.flush()
}

// Retry resumes a flush halted by a delivery failure.
func (q *Queue) Retry() {
	q.flush()
}

// Reset drops all pending candidates and unbinds the stream identifiers.
// Called on session teardown.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.pending = nil
	q.streamID = ""
	q.sessionID = ""
	q.attempts = 0
	q.mu.Unlock()
}

// Len reports the number of candidates still awaiting delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) flush() {
	q.mu.Lock()
	if q.flushing || q.streamID == "" {
		q.mu.Unlock()
		return
	}
	q.flushing = true

	for len(q.pending) > 0 {
		env := q.pending[0]
		q.pending = q.pending[1:]
		env.StreamID = q.streamID
		env.SessionID = q.sessionID
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := q.api.SendICECandidate(ctx, env)
		cancel()

		q.mu.Lock()
		if err == nil {
			q.attempts = 0
			continue
		}

		q.attempts++
		if q.attempts >= maxSendAttempts {
			q.log.WithError(err).Error("dropping ICE candidate after repeated delivery failures")
			q.attempts = 0
			continue
		}

		// Requeue at the front and halt; a later Enqueue or the scheduled
		// Retry resumes delivery.
		q.pending = append([]domain.IceCandidateEnvelope{env}, q.pending...)
		delay := sendBackoffBase << (q.attempts - 1)
		q.log.WithError(err).WithField("retryIn", delay.String()).Warn("ICE candidate delivery failed")
		q.flushing = false
		q.mu.Unlock()
		time.AfterFunc(delay, q.Retry)
		return
	}

	q.flushing = false
	q.mu.Unlock()
}
