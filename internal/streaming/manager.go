// Package streaming provides in-memory per-session pub/sub for research
// events. One producer (the session's workflow goroutine) publishes; any
// number of stream readers subscribe and drain independent channels.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"deepresearch/internal/metrics"
	"deepresearch/internal/research"
)

// Event kinds. The terminal kinds end a session's event stream.
const (
	KindConnected = "connected"
	KindStarted   = "research_started"
	KindProgress  = "research_progress"
	KindHeartbeat = "heartbeat"
	KindCompleted = "research_completed"
	KindError     = "research_error"
	KindStopped   = "research_stopped"
	KindCancelled = "research_cancelled"
	KindStreamErr = "error"
)

// Event is one streamed payload for a session.
type Event struct {
	SessionID   string           `json:"session_id"`
	Type        string           `json:"type"`
	Status      string           `json:"status,omitempty"`
	Query       string           `json:"query,omitempty"`
	Message     string           `json:"message,omitempty"`
	Step        string           `json:"step,omitempty"`
	Iteration   int              `json:"iteration,omitempty"`
	Title       string           `json:"title,omitempty"`
	WordCount   int              `json:"word_count,omitempty"`
	Iterations  int              `json:"iterations,omitempty"`
	FinalReport *research.Report `json:"final_report,omitempty"`
	Error       string           `json:"error,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Seq         uint64           `json:"seq,omitempty"`
}

// Terminal reports whether this event ends the session's stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case KindCompleted, KindError, KindStopped, KindCancelled:
		return true
	}
	return false
}

// Marshal returns the JSON payload for SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans events out to subscribers and keeps a bounded per-session
// history ring for Last-Event-ID replay. Delivery order equals publish order
// for every subscriber; a subscriber that stays blocked past slowTimeout is
// treated as disconnected and the event is dropped for that subscriber only.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	slowTimeout time.Duration
}

// NewManager creates a manager with the given history capacity per session.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		slowTimeout: time.Second,
	}
}

// Subscribe adds a subscriber channel for a session; the caller must drain it
// and call Unsubscribe when done.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel. The channel is not closed:
// delivery happens outside the table lock, so closing here could race a
// concurrent Publish. Readers stop on terminal events, not channel close.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish assigns a sequence number, records the event in the session's
// history, and delivers it to all current subscribers in order. The bounded
// wait for a full subscriber buffer runs on the publisher's goroutine, so a
// stuck subscriber can delay the workflow by up to slowTimeout per event
// before its event is dropped.
func (m *Manager) Publish(sessionID string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SessionID = sessionID

	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)

	subs := make([]chan Event, 0, len(m.subscribers[sessionID]))
	for ch := range m.subscribers[sessionID] {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Buffer full: give the subscriber a bounded grace period
			// before counting it as disconnected.
			timer := time.NewTimer(m.slowTimeout)
			select {
			case ch <- evt:
				timer.Stop()
			case <-timer.C:
				metrics.EventsDropped.Inc()
			}
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best-effort within
// the ring capacity.
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[sessionID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Release drops the history for a session. Active subscribers keep their
// channels; they simply see no further events.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	delete(m.history, sessionID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
