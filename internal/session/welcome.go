package session

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultGreeting opens every session when no patient name is known.
const DefaultGreeting = "Hola, ¿en qué puedo ayudarte hoy?"

// Greeting composes the first message of a session, personalized with the
// patient name when available.
func Greeting(patientName string) string {
	name := strings.TrimSpace(patientName)
	if name == "" {
		return DefaultGreeting
	}
	return fmt.Sprintf("Hola %s, ¿en qué puedo ayudarte hoy?", name)
}

// welcomeLatch guarantees at most one greeting per session even when the
// ICE-connected and channel-open readiness signals race. The latch is reset
// only when a brand-new session is created.
type welcomeLatch struct {
	mu    sync.Mutex
	fired bool
}

// tryAcquire atomically checks-and-sets the latch. Only one readiness path
// ever passes.
func (l *welcomeLatch) tryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired {
		return false
	}
	l.fired = true
	return true
}

// release reverts the latch after a failed send so the next readiness
// signal can retry once.
func (l *welcomeLatch) release() {
	l.mu.Lock()
	l.fired = false
	l.mu.Unlock()
}

func (l *welcomeLatch) reset() {
	l.release()
}
