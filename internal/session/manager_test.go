package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/research"
	"deepresearch/internal/streaming"
)

func quickSteps(block chan struct{}) research.Steps {
	pass := func(ctx context.Context, state *research.State) (*research.State, error) {
		return state, nil
	}
	find := pass
	if block != nil {
		find = func(ctx context.Context, state *research.State) (*research.State, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return state, nil
		}
	}
	return research.Steps{
		Plan:      pass,
		Find:      find,
		Summarize: pass,
		Review: func(ctx context.Context, state *research.State) (*research.State, error) {
			state.Gaps = &research.GapAnalysis{OverallSeverity: research.SeverityNone}
			return state, nil
		},
	}
}

type stubSynth struct{ err error }

func (s stubSynth) Synthesize(ctx context.Context, state *research.State) (*research.Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &research.Report{Title: "Stub Report", WordCount: 42}, nil
}

func newTestManager(t *testing.T, steps research.Steps, synth research.Synthesizer) *Manager {
	t.Helper()
	eng := research.NewEngine(steps, synth, nil, research.EngineConfig{
		Timeout:       time.Minute,
		MaxIterations: 2,
		StepCost:      1,
	}, nil)
	m := NewManager(eng, streaming.NewManager(16), nil)
	m.heartbeat = 10 * time.Millisecond
	return m
}

func collectUntilTerminal(t *testing.T, events <-chan streaming.Event) []streaming.Event {
	t.Helper()
	var out []streaming.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, evt)
			if evt.Terminal() {
				// Channel should close right after the terminal event.
				for evt := range events {
					out = append(out, evt)
				}
				return out
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func countTerminal(events []streaming.Event) int {
	n := 0
	for _, e := range events {
		if e.Terminal() {
			n++
		}
	}
	return n
}

func TestStartStreamsExactlyOneTerminalEvent(t *testing.T) {
	block := make(chan struct{})
	m := newTestManager(t, quickSteps(block), stubSynth{})

	id := mustStart(t, m, "what is raft?", "s1")
	events := m.StreamEvents(context.Background(), id)
	close(block)
	got := collectUntilTerminal(t, events)

	require.Equal(t, 1, countTerminal(got))
	last := got[len(got)-1]
	assert.Equal(t, streaming.KindCompleted, last.Type)
	assert.Equal(t, "Stub Report", last.Title)
	assert.Equal(t, 42, last.WordCount)
	require.NotNil(t, last.FinalReport)

	assert.Equal(t, streaming.KindConnected, got[0].Type, "stream opens with a status snapshot")
}

func TestStreamNeverLosesTerminalEventToStatusRace(t *testing.T) {
	// A reader that attaches while the session is running must end with the
	// terminal event even when the run finishes between the reader's buffer
	// drain and its status check. The window is a few instructions wide, so
	// race the fast path many times; any reader that saw a mid-run event
	// provably attached before the terminal was published.
	for i := 0; i < 200; i++ {
		m := newTestManager(t, quickSteps(nil), stubSynth{})
		id := mustStart(t, m, "q", "s1")
		events := m.StreamEvents(context.Background(), id)

		var sawMidRun, sawTerminal bool
		deadline := time.After(5 * time.Second)
	drain:
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					break drain
				}
				switch {
				case evt.Terminal():
					sawTerminal = true
				case evt.Type == streaming.KindStarted || evt.Type == streaming.KindProgress:
					sawMidRun = true
				}
			case <-deadline:
				t.Fatal("stream never ended")
			}
		}
		if sawMidRun {
			require.True(t, sawTerminal,
				"attempt %d: reader saw mid-run events but its stream ended without a terminal event", i)
		}
	}
}

func TestStartRejectsDuplicateID(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	m := newTestManager(t, quickSteps(block), stubSynth{})

	mustStart(t, m, "q", "dup")
	_, err := m.Start(context.Background(), "q", "dup")
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestStartGeneratesSessionID(t *testing.T) {
	m := newTestManager(t, quickSteps(nil), stubSynth{})
	id, err := m.Start(context.Background(), "q", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStopEndsRunningSession(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	m := newTestManager(t, quickSteps(block), stubSynth{})

	id := mustStart(t, m, "q", "s1")
	events := m.StreamEvents(context.Background(), id)

	// Give the workflow a moment to enter the blocking step.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.Stop(context.Background(), id))

	got := collectUntilTerminal(t, events)
	require.Equal(t, 1, countTerminal(got))
	assert.Equal(t, streaming.KindStopped, got[len(got)-1].Type)
	awaitStatus(t, m, id, StatusStopped)
}

func TestStopUnknownOrFinishedSession(t *testing.T) {
	m := newTestManager(t, quickSteps(nil), stubSynth{})
	assert.False(t, m.Stop(context.Background(), "missing"))

	id := mustStart(t, m, "q", "s1")
	awaitStatus(t, m, id, StatusCompleted)
	assert.False(t, m.Stop(context.Background(), id), "stopping a finished session is a no-op")
}

func TestFailedRunStreamsErrorEvent(t *testing.T) {
	block := make(chan struct{})
	m := newTestManager(t, quickSteps(block), stubSynth{err: errors.New("model offline")})

	id := mustStart(t, m, "q", "s1")
	events := m.StreamEvents(context.Background(), id)
	close(block)
	got := collectUntilTerminal(t, events)

	require.Equal(t, 1, countTerminal(got))
	last := got[len(got)-1]
	assert.Equal(t, streaming.KindError, last.Type)
	assert.Contains(t, last.Error, "model offline")
	awaitStatus(t, m, id, StatusFailed)
}

func TestStreamEventsUnknownSession(t *testing.T) {
	m := newTestManager(t, quickSteps(nil), stubSynth{})
	events := m.StreamEvents(context.Background(), "nope")

	evt := <-events
	assert.Equal(t, streaming.KindStreamErr, evt.Type)
	assert.Contains(t, evt.Error, "not found")

	_, open := <-events
	assert.False(t, open, "stream closes after the error event")
}

func TestStreamEventsEmitsHeartbeats(t *testing.T) {
	block := make(chan struct{})
	m := newTestManager(t, quickSteps(block), stubSynth{})

	id := mustStart(t, m, "q", "s1")
	events := m.StreamEvents(context.Background(), id)

	var sawHeartbeat bool
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case evt := <-events:
			if evt.Type == streaming.KindHeartbeat {
				sawHeartbeat = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}
	close(block)
	assert.True(t, sawHeartbeat, "idle stream should carry heartbeats")
}

func TestStreamEventsAfterCompletionEndsPromptly(t *testing.T) {
	m := newTestManager(t, quickSteps(nil), stubSynth{})
	id := mustStart(t, m, "q", "s1")
	awaitStatus(t, m, id, StatusCompleted)

	events := m.StreamEvents(context.Background(), id)
	evt := <-events
	assert.Equal(t, streaming.KindConnected, evt.Type)
	assert.Equal(t, "completed", evt.Status)

	// The stream ends without a terminal event: it was delivered to the
	// readers attached during the run, not replayed here.
	_, open := <-events
	assert.False(t, open)
}

func TestListSessions(t *testing.T) {
	m := newTestManager(t, quickSteps(nil), stubSynth{})
	mustStart(t, m, "first", "a")
	mustStart(t, m, "second", "b")
	awaitStatus(t, m, "a", StatusCompleted)
	awaitStatus(t, m, "b", StatusCompleted)

	summaries := m.ListSessions()
	require.Len(t, summaries, 2)
}

func TestCleanupRemovesOnlyOldFinishedSessions(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	m := newTestManager(t, quickSteps(block), stubSynth{})

	running := mustStart(t, m, "q", "running")

	done := mustStart(t, m, "q", "done")
	// "done" never blocks: give it steps that complete by stopping it.
	assert.True(t, m.Stop(context.Background(), done))
	awaitNotRunning(t, m, done)

	assert.Equal(t, 0, m.Cleanup(time.Hour), "fresh sessions survive")

	removed := m.Cleanup(0)
	assert.Equal(t, 1, removed)

	_, ok := m.GetSession(done)
	assert.False(t, ok)
	_, ok = m.GetSession(running)
	assert.True(t, ok, "running sessions are never cleaned")
}

func mustStart(t *testing.T, m *Manager, query, id string) string {
	t.Helper()
	got, err := m.Start(context.Background(), query, id)
	require.NoError(t, err)
	return got
}

func awaitStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := m.GetSession(id); ok && sess.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %s", id, want)
}

func awaitNotRunning(t *testing.T, m *Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := m.GetSession(id); ok && !sess.IsRunning() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s still running", id)
}
