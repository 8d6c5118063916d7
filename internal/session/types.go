package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"deepresearch/internal/research"
)

var (
	// ErrDuplicateSession is returned when a session id is already in use.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Session wraps one research job: its state, the handle to the running
// goroutine, and bookkeeping timestamps. The state is written only by the
// session's own workflow goroutine; other goroutines read snapshots.
type Session struct {
	ID        string
	CreatedAt time.Time

	cancel        func()
	done          chan struct{}
	stopRequested atomic.Bool

	mu        sync.RWMutex
	state     *research.State
	status    Status
	updatedAt time.Time
}

// IsRunning reports whether the workflow goroutine is still active.
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusRunning
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// State returns the session's current research state. Callers must treat the
// returned value as read-only.
func (s *Session) State() *research.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// UpdatedAt returns the time of the last state update.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *Session) setState(state *research.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state != nil {
		s.state = state
	}
	s.updatedAt = time.Now().UTC()
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.updatedAt = time.Now().UTC()
}

// Summary is the read-only listing view of a session.
type Summary struct {
	SessionID string    `json:"session_id"`
	Query     string    `json:"query"`
	Status    Status    `json:"status"`
	Iteration int       `json:"iteration"`
	Findings  int       `json:"findings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summarize builds the listing view.
func (s *Session) Summarize() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{
		SessionID: s.ID,
		Status:    s.status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
	}
	if s.state != nil {
		sum.Query = s.state.Query
		sum.Iteration = s.state.Iteration
		sum.Findings = len(s.state.Findings)
	}
	return sum
}
