package research

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepRecorder counts invocations and applies a per-call mutation.
type stepRecorder struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, state *State) (*State, error)
}

func (r *stepRecorder) step(ctx context.Context, state *State) (*State, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(call, state)
	}
	return state, nil
}

func (r *stepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeSynth struct {
	report *Report
	err    error
	calls  int
}

func (f *fakeSynth) Synthesize(ctx context.Context, state *State) (*Report, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.report != nil {
		return f.report, nil
	}
	return &Report{Title: "Report", WordCount: 10}, nil
}

type memCheckpointer struct {
	mu    sync.Mutex
	saves int
	last  *State
}

func (m *memCheckpointer) Save(ctx context.Context, sessionID string, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	clone := *state
	m.last = &clone
	return nil
}

func (m *memCheckpointer) Load(ctx context.Context, sessionID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil, errors.New("not found")
	}
	clone := *m.last
	return &clone, nil
}

func passThroughSteps(rec *stepRecorder) Steps {
	return Steps{Plan: rec.step, Find: rec.step, Summarize: rec.step, Review: rec.step}
}

func reviewWithSeverity(sev Severity) StepFunc {
	return func(ctx context.Context, state *State) (*State, error) {
		state.Gaps = &GapAnalysis{OverallSeverity: sev}
		return state, nil
	}
}

func testConfig() EngineConfig {
	return EngineConfig{
		Timeout:       time.Minute,
		MaxIterations: 3,
		TokenBudget:   0,
		StepCost:      10,
	}
}

func TestRunSinglePassOnLowSeverity(t *testing.T) {
	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	steps.Review = reviewWithSeverity(SeverityLow)
	synth := &fakeSynth{}

	eng := NewEngine(steps, synth, nil, testConfig(), nil)
	state, err := eng.Run(context.Background(), "q", "s1")

	require.NoError(t, err)
	assert.Equal(t, 0, state.Iteration, "low severity should finish on the first pass")
	assert.Equal(t, 1, synth.calls)
	require.NotNil(t, state.FinalReport)
	assert.True(t, state.Completed())
}

func TestRunReplansUntilSeverityDrops(t *testing.T) {
	rec := &stepRecorder{}
	review := &stepRecorder{fn: func(call int, state *State) (*State, error) {
		sev := SeverityHigh
		if call >= 2 {
			sev = SeverityNone
		}
		state.Gaps = &GapAnalysis{OverallSeverity: sev}
		return state, nil
	}}

	steps := passThroughSteps(rec)
	steps.Review = review.step
	synth := &fakeSynth{}

	eng := NewEngine(steps, synth, nil, testConfig(), nil)
	state, err := eng.Run(context.Background(), "q", "s1")

	require.NoError(t, err)
	assert.Equal(t, 2, review.count(), "should review once per pass")
	assert.Equal(t, 1, state.Iteration)
}

func TestRunMaxIterationsForcesWrite(t *testing.T) {
	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	// Severity stays high forever; the iteration cap must end the loop.
	steps.Review = reviewWithSeverity(SeverityHigh)
	synth := &fakeSynth{}

	cfg := testConfig()
	cfg.MaxIterations = 1
	eng := NewEngine(steps, synth, nil, cfg, nil)
	state, err := eng.Run(context.Background(), "q", "s1")

	require.NoError(t, err)
	assert.Equal(t, 0, state.Iteration, "max_iterations=1 means exactly one pass")
	assert.Equal(t, 1, synth.calls)
	require.NotNil(t, state.FinalReport)
}

func TestRunStepFailureAborts(t *testing.T) {
	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	boom := errors.New("search down")
	steps.Find = func(ctx context.Context, state *State) (*State, error) {
		return nil, boom
	}
	synth := &fakeSynth{}

	eng := NewEngine(steps, synth, nil, testConfig(), nil)
	state, err := eng.Run(context.Background(), "q", "s1")

	require.Error(t, err)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "find", stepErr.Step)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, synth.calls, "no report after a failed step")
	assert.NotEmpty(t, state.Error)
}

func TestRunTokenBudgetExceeded(t *testing.T) {
	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	steps.Review = reviewWithSeverity(SeverityHigh)
	synth := &fakeSynth{}

	cfg := testConfig()
	cfg.TokenBudget = 25 // covers two steps at cost 10, not three
	eng := NewEngine(steps, synth, nil, cfg, nil)
	_, err := eng.Run(context.Background(), "q", "s1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, 0, synth.calls)
}

func TestRunCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	steps.Summarize = func(stepCtx context.Context, state *State) (*State, error) {
		cancel()
		return state, nil
	}
	synth := &fakeSynth{}

	eng := NewEngine(steps, synth, nil, testConfig(), nil)
	state, err := eng.Run(ctx, "q", "s1")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, state.Error, "cooperative cancellation is not recorded as a state error")
	assert.Equal(t, 0, synth.calls)
}

func TestRunTimeoutMapsToErrTimeout(t *testing.T) {
	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	steps.Find = func(ctx context.Context, state *State) (*State, error) {
		<-ctx.Done()
		return state, nil
	}
	synth := &fakeSynth{}

	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	eng := NewEngine(steps, synth, nil, cfg, nil)
	_, err := eng.Run(context.Background(), "q", "s1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunCheckpointsAfterEveryStep(t *testing.T) {
	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	steps.Review = reviewWithSeverity(SeverityNone)
	store := &memCheckpointer{}
	synth := &fakeSynth{}

	eng := NewEngine(steps, synth, store, testConfig(), nil)
	_, err := eng.Run(context.Background(), "q", "s1")

	require.NoError(t, err)
	// Four loop steps plus the final report commit.
	assert.Equal(t, 5, store.saves)
	require.NotNil(t, store.last.FinalReport)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	store := &memCheckpointer{last: &State{
		Query:      "q",
		SessionID:  "s1",
		Iteration:  1,
		TokensUsed: 40,
		Findings:   []Finding{{Summary: "earlier evidence"}},
	}}

	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	steps.Review = reviewWithSeverity(SeverityNone)
	synth := &fakeSynth{}

	eng := NewEngine(steps, synth, store, testConfig(), nil)
	state, err := eng.Run(context.Background(), "q", "s1")

	require.NoError(t, err)
	assert.GreaterOrEqual(t, state.Iteration, 1, "resumed iteration is kept")
	assert.NotEmpty(t, state.Findings, "resumed findings are kept")
}

func TestRunEmitsProgressInOrder(t *testing.T) {
	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	steps.Review = reviewWithSeverity(SeverityNone)
	synth := &fakeSynth{}

	var mu sync.Mutex
	var phases []Phase
	eng := NewEngine(steps, synth, nil, testConfig(), nil)
	eng.SetNotify(func(p Progress) {
		mu.Lock()
		phases = append(phases, p.Phase)
		mu.Unlock()
	})

	_, err := eng.Run(context.Background(), "q", "s1")
	require.NoError(t, err)

	want := []Phase{PhasePlanning, PhaseFinding, PhaseSummarizing, PhaseReviewing, PhaseWriting, PhaseWritten}
	assert.Equal(t, want, phases)
}

func TestSetLimitsAppliesToNextRun(t *testing.T) {
	rec := &stepRecorder{}
	steps := passThroughSteps(rec)
	steps.Review = reviewWithSeverity(SeverityHigh)
	synth := &fakeSynth{}

	cfg := testConfig()
	cfg.MaxIterations = 2
	eng := NewEngine(steps, synth, nil, cfg, nil)

	cfg.MaxIterations = 1
	eng.SetLimits(cfg)

	state, err := eng.Run(context.Background(), "q", "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Iteration)
}
