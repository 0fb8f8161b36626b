// Package session tracks the lifecycle of inbound proxy connections. The
// tracker exists purely for observability; forwarding decisions never depend
// on it.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxykit/mcp-sse-proxy/internal/proxylog"
)

// Status is a session lifecycle state. Closed, Cancelled and Errored are
// terminal; a session reaches a terminal status exactly once.
type Status string

const (
	StatusEstablished Status = "ESTABLISHED"
	StatusActive      Status = "ACTIVE"
	StatusClosed      Status = "CLOSED"
	StatusCancelled   Status = "CANCELLED"
	StatusErrored     Status = "ERRORED"
)

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled || s == StatusErrored
}

// Session is the bookkeeping record for one inbound connection.
type Session struct {
	ID        string
	Remote    string
	CreatedAt time.Time
	Status    Status
}

// Tracker assigns ids to inbound connections and records their status
// transitions. Safe for concurrent use.
type Tracker struct {
	log *proxylog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTracker creates an empty tracker logging transitions through log.
func NewTracker(log *proxylog.Logger) *Tracker {
	return &Tracker{
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Open registers a new session for the given remote peer and returns its id.
// Ids are short uuid prefixes, unique for the lifetime of the process.
func (t *Tracker) Open(remote string) string {
	id := uuid.NewString()[:8]

	t.mu.Lock()
	// A truncated uuid can collide under sustained load; retry rather than
	// silently sharing a record between two connections.
	for _, exists := t.sessions[id]; exists; _, exists = t.sessions[id] {
		id = uuid.NewString()[:8]
	}
	t.sessions[id] = &Session{
		ID:        id,
		Remote:    remote,
		CreatedAt: time.Now(),
		Status:    StatusEstablished,
	}
	t.mu.Unlock()

	t.log.Status(id, string(StatusEstablished), "Client: "+remote)
	return id
}

// Transition records a status change for the session. Unknown ids are logged
// and ignored; Transition never fails. A terminal status removes the session
// from the active table, so a second terminal transition on the same id is
// reported as unknown rather than double-counted.
func (t *Tracker) Transition(id string, status Status, detail string) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		s.Status = status
		if status.Terminal() {
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	if !ok {
		t.log.Error(id, fmt.Sprintf("transition %s for unknown session", status), nil)
		return
	}
	t.log.Status(id, string(status), detail)
}

// ActiveCount returns the number of sessions that have not yet reached a
// terminal status.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
