// Package session owns the set of active research jobs. Each job runs the
// workflow engine in its own cancellable goroutine and relays progress as an
// ordered event stream to any number of consumers.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deepresearch/internal/metrics"
	"deepresearch/internal/research"
	"deepresearch/internal/streaming"
)

// Manager tracks sessions and drives their lifecycle. The session table is
// guarded by the streaming manager's and its own mutex for structural
// operations only; per-session state has a single writer (that session's
// goroutine) and any number of snapshot readers.
type Manager struct {
	engine    *research.Engine
	streams   *streaming.Manager
	logger    *zap.Logger
	heartbeat time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager wires the engine's progress callbacks into the event streams.
func NewManager(engine *research.Engine, streams *streaming.Manager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if streams == nil {
		streams = streaming.NewManager(0)
	}
	m := &Manager{
		engine:    engine,
		streams:   streams,
		logger:    logger,
		heartbeat: time.Second,
		sessions:  make(map[string]*Session),
	}
	engine.SetNotify(m.onProgress)
	return m
}

// Streams exposes the underlying event fan-out, used by transport handlers
// that manage their own subscriptions (SSE replay, WebSocket).
func (m *Manager) Streams() *streaming.Manager { return m.streams }

// Start creates a session and launches the workflow in a background
// goroutine, returning immediately. An empty sessionID gets a generated one.
// Fails with ErrDuplicateSession when the id is already in use.
func (m *Manager) Start(ctx context.Context, query, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &Session{
		ID:        sessionID,
		CreatedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     research.NewState(query, sessionID),
		status:    StatusRunning,
		updatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		cancel()
		return "", ErrDuplicateSession
	}
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	m.logger.Info("Started research session",
		zap.String("session_id", sessionID),
		zap.String("query", query),
	)

	go m.run(runCtx, sess, query)
	return sessionID, nil
}

// run executes the workflow and publishes exactly one terminal event.
func (m *Manager) run(ctx context.Context, sess *Session, query string) {
	defer close(sess.done)

	m.streams.Publish(sess.ID, streaming.Event{
		Type:    streaming.KindStarted,
		Query:   query,
		Message: "Starting research on: " + truncate(query, 80),
	})

	state, err := m.engine.Run(ctx, query, sess.ID)
	sess.setState(state)

	var status Status
	switch {
	case err == nil:
		status = StatusCompleted
		evt := streaming.Event{
			Type:       streaming.KindCompleted,
			Iterations: state.Iteration + 1,
		}
		if state.FinalReport != nil {
			evt.Title = state.FinalReport.Title
			evt.WordCount = state.FinalReport.WordCount
			evt.FinalReport = state.FinalReport
		}
		m.streams.Publish(sess.ID, evt)

	case sess.stopRequested.Load():
		status = StatusStopped
		m.streams.Publish(sess.ID, streaming.Event{Type: streaming.KindStopped})

	case errors.Is(err, context.Canceled):
		status = StatusStopped
		m.streams.Publish(sess.ID, streaming.Event{Type: streaming.KindCancelled})

	default:
		status = StatusFailed
		m.logger.Error("Research session failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		m.streams.Publish(sess.ID, streaming.Event{
			Type:  streaming.KindError,
			Error: err.Error(),
		})
	}

	// Status flips only after the terminal event is published, so a reader
	// that observes a non-running session knows its terminal event exists.
	sess.setStatus(status)
	metrics.SessionsActive.Dec()
	metrics.SessionsCompleted.WithLabelValues(string(status)).Inc()
}

// onProgress converts engine progress into stream events.
func (m *Manager) onProgress(p research.Progress) {
	if p.State == nil {
		return
	}
	switch p.Phase {
	case research.PhaseWritten, research.PhaseAborted:
		// Terminal outcomes are reported by run with full context.
		return
	}
	m.streams.Publish(p.State.SessionID, streaming.Event{
		Type:      streaming.KindProgress,
		Step:      p.Step,
		Iteration: p.State.Iteration,
		Message:   string(p.Phase),
	})
}

// Stop signals cancellation, waits for the workflow goroutine to acknowledge,
// and returns true. Returns false for unknown or not-running sessions; a stop
// is never an error.
func (m *Manager) Stop(ctx context.Context, sessionID string) bool {
	m.mu.RLock()
	sess := m.sessions[sessionID]
	m.mu.RUnlock()
	if sess == nil || !sess.IsRunning() {
		return false
	}

	sess.stopRequested.Store(true)
	sess.cancel()

	select {
	case <-sess.done:
	case <-ctx.Done():
	}
	m.logger.Info("Stopped research session", zap.String("session_id", sessionID))
	return true
}

// GetSession returns a session by id.
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// ListSessions returns summaries of all sessions.
func (m *Manager) ListSessions() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Summarize())
	}
	return out
}

// StreamEvents opens an independent read cursor over the session's event
// stream. The sequence starts with a synthetic connected event, carries a
// heartbeat at least every heartbeat interval of inactivity, and ends after
// the first terminal event. An unknown session yields a single error event.
// A reader that reconnects sees a fresh status snapshot, not replayed
// history.
func (m *Manager) StreamEvents(ctx context.Context, sessionID string) <-chan streaming.Event {
	out := make(chan streaming.Event, 16)

	go func() {
		defer close(out)

		m.mu.RLock()
		sess := m.sessions[sessionID]
		m.mu.RUnlock()

		if sess == nil {
			m.send(ctx, out, streaming.Event{
				SessionID: sessionID,
				Type:      streaming.KindStreamErr,
				Error:     "session " + sessionID + " not found",
				Timestamp: time.Now().UTC(),
			})
			return
		}

		sub := m.streams.Subscribe(sessionID, 256)
		defer m.streams.Unsubscribe(sessionID, sub)

		status := "completed"
		if sess.IsRunning() {
			status = "running"
		}
		if !m.send(ctx, out, streaming.Event{
			SessionID: sessionID,
			Type:      streaming.KindConnected,
			Status:    status,
			Timestamp: time.Now().UTC(),
		}) {
			return
		}

		hb := time.NewTicker(m.heartbeat)
		defer hb.Stop()

		for {
			// Drain pending events before deciding the session is quiet.
			select {
			case <-ctx.Done():
				return
			case evt := <-sub:
				if !m.send(ctx, out, evt) {
					return
				}
				if evt.Terminal() {
					return
				}
				continue
			default:
			}

			if !sess.IsRunning() {
				// The terminal event may have been published between the
				// drain above and the status check; drain once more before
				// concluding nothing is coming.
				for {
					select {
					case evt := <-sub:
						if !m.send(ctx, out, evt) {
							return
						}
						if evt.Terminal() {
							return
						}
					default:
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case evt := <-sub:
				if !m.send(ctx, out, evt) {
					return
				}
				if evt.Terminal() {
					return
				}
			case <-hb.C:
				if !m.send(ctx, out, streaming.Event{
					SessionID: sessionID,
					Type:      streaming.KindHeartbeat,
					Timestamp: time.Now().UTC(),
				}) {
					return
				}
			}
		}
	}()

	return out
}

func (m *Manager) send(ctx context.Context, out chan<- streaming.Event, evt streaming.Event) bool {
	select {
	case out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// Cleanup removes sessions that are not running and whose last update is
// older than maxAge, returning the count removed. Consumers hold no reference
// into the table, only their already-delivered events, so removal is safe.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	var removed []string
	for id, sess := range m.sessions {
		if !sess.IsRunning() && sess.UpdatedAt().Before(cutoff) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range removed {
		m.streams.Release(id)
		metrics.SessionsCleaned.Inc()
	}
	if len(removed) > 0 {
		m.logger.Info("Cleaned up old sessions", zap.Int("count", len(removed)))
	}
	return len(removed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
