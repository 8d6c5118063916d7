package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"deepresearch/internal/budget"
	"deepresearch/internal/metrics"
)

// Progress describes one observable transition of the workflow. The session
// manager converts these into stream events; the engine itself owns no
// transport.
type Progress struct {
	Phase Phase
	Step  string
	State *State
}

// NotifyFunc receives progress callbacks. May be nil.
type NotifyFunc func(Progress)

// EngineConfig bounds a single workflow run.
type EngineConfig struct {
	// Timeout is the wall-clock budget for the whole run.
	Timeout time.Duration
	// MaxIterations caps the number of plan/find/summarize/review passes.
	MaxIterations int
	// TokenBudget is the hard cap on estimated tokens; <= 0 disables it.
	TokenBudget int
	// StepCost is the estimated token cost charged for a step invocation
	// that does not report its own usage.
	StepCost int
}

// DefaultEngineConfig mirrors the safeguards of the original deployment.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Timeout:       10 * time.Minute,
		MaxIterations: 3,
		TokenBudget:   500_000,
		StepCost:      1_000,
	}
}

// Engine sequences the research workflow:
//
//	Planning -> Finding -> Summarizing -> Reviewing -> {Writing | Planning}
//
// with a conditional back-edge from Reviewing to Planning driven by the gap
// analysis, bounded by iteration, wall-clock, and token budgets. Budget checks
// happen after every step, not only at the loop boundary, so a slow step can
// overrun the deadline by at most its own duration.
type Engine struct {
	steps  Steps
	synth  Synthesizer
	store  Checkpointer
	notify NotifyFunc
	logger *zap.Logger

	mu  sync.RWMutex
	cfg EngineConfig
}

// NewEngine creates an engine. store and notify may be nil.
func NewEngine(steps Steps, synth Synthesizer, store Checkpointer, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultEngineConfig().MaxIterations
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEngineConfig().Timeout
	}
	return &Engine{
		steps:  steps,
		synth:  synth,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// SetNotify installs a progress callback. Must be called before Run.
func (e *Engine) SetNotify(fn NotifyFunc) { e.notify = fn }

// SetLimits replaces the run limits, typically from a config hot-reload.
// Runs already in flight keep the limits they started with.
func (e *Engine) SetLimits(cfg EngineConfig) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultEngineConfig().MaxIterations
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEngineConfig().Timeout
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) limits() EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Run executes the workflow for one session and returns the terminal state.
// It returns ErrTimeout when the wall-clock budget is exceeded,
// ErrBudgetExceeded when the token cap is hit, a *StepError when a step
// implementation fails, and the context error when cancelled. Cancellation is
// cooperative: it is observed at step boundaries, never mid-step.
func (e *Engine) Run(ctx context.Context, query, sessionID string) (*State, error) {
	cfg := e.limits()
	state := e.resumeOrNew(ctx, query, sessionID)

	tracker := budget.NewTracker(cfg.TokenBudget, e.logger)
	if state.TokensUsed > 0 {
		// Carry forward usage from a resumed checkpoint.
		if err := tracker.Record("resume", state.TokensUsed); err != nil {
			return e.abort(ctx, state, ErrBudgetExceeded)
		}
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	loopSteps := []struct {
		phase Phase
		name  string
		fn    StepFunc
	}{
		{PhasePlanning, "plan", e.steps.Plan},
		{PhaseFinding, "find", e.steps.Find},
		{PhaseSummarizing, "summarize", e.steps.Summarize},
		{PhaseReviewing, "review", e.steps.Review},
	}

	for {
		for _, s := range loopSteps {
			next, err := e.runStep(runCtx, s.phase, s.name, s.fn, state, tracker, cfg.StepCost)
			if err != nil {
				return e.abort(ctx, state, err)
			}
			state = next
		}

		pass := state.Iteration + 1
		if e.shouldWrite(state, pass, start, cfg) {
			break
		}

		// Back-edge: one more pass, keeping accumulated findings and letting
		// the planner revise the plan from the reviewer's recommendations.
		state.Iteration++
		e.logger.Info("Replanning after gap review",
			zap.String("session_id", sessionID),
			zap.Int("iteration", state.Iteration),
			zap.String("severity", string(severityOf(state))),
		)
	}

	metrics.Iterations.Observe(float64(state.Iteration + 1))

	e.emit(Progress{Phase: PhaseWriting, Step: "write", State: state})
	report, err := e.synth.Synthesize(runCtx, state)
	if err != nil {
		metrics.StepFailures.WithLabelValues("write").Inc()
		return e.abort(ctx, state, &StepError{Step: "write", Err: err})
	}
	state.FinalReport = report
	state.UpdatedAt = time.Now().UTC()
	e.checkpoint(ctx, state)
	e.emit(Progress{Phase: PhaseWritten, Step: "write", State: state})

	e.logger.Info("Research workflow completed",
		zap.String("session_id", sessionID),
		zap.Int("iterations", state.Iteration+1),
		zap.Int("findings", len(state.Findings)),
		zap.Int("word_count", report.WordCount),
	)
	return state, nil
}

// resumeOrNew loads the last committed checkpoint for the session if one
// exists and is not terminal, otherwise starts fresh.
func (e *Engine) resumeOrNew(ctx context.Context, query, sessionID string) *State {
	if e.store != nil {
		if prev, err := e.store.Load(ctx, sessionID); err == nil && prev != nil &&
			!prev.Completed() && prev.Error == "" {
			e.logger.Info("Resuming from checkpoint",
				zap.String("session_id", sessionID),
				zap.Int("iteration", prev.Iteration),
				zap.Int("findings", len(prev.Findings)),
			)
			return prev
		}
	}
	return NewState(query, sessionID)
}

func (e *Engine) runStep(ctx context.Context, phase Phase, name string, fn StepFunc, state *State, tracker *budget.Tracker, stepCost int) (*State, error) {
	if err := e.ctxErr(ctx); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, &StepError{Step: name, Err: fmt.Errorf("step not configured")}
	}

	e.emit(Progress{Phase: phase, Step: name, State: state})

	prevTokens := state.TokensUsed
	started := time.Now()
	next, err := fn(ctx, state)
	metrics.StepDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.StepFailures.WithLabelValues(name).Inc()
		return nil, &StepError{Step: name, Err: err}
	}
	if next == nil {
		next = state
	}
	next.UpdatedAt = time.Now().UTC()

	// Steps that do not report usage are charged the configured estimate.
	cost := next.TokensUsed - prevTokens
	if cost <= 0 {
		cost = stepCost
		next.TokensUsed = prevTokens + cost
	}
	if err := tracker.Record(name, cost); err != nil {
		return nil, fmt.Errorf("%w: after step %s", ErrBudgetExceeded, name)
	}

	e.checkpoint(ctx, next)

	if err := e.ctxErr(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// shouldWrite applies the Reviewing transition rule.
func (e *Engine) shouldWrite(state *State, pass int, start time.Time, cfg EngineConfig) bool {
	sev := severityOf(state)
	if sev == SeverityNone || sev == SeverityLow {
		return true
	}
	if pass >= cfg.MaxIterations {
		return true
	}
	return time.Since(start) >= cfg.Timeout
}

func severityOf(state *State) Severity {
	if state.Gaps == nil {
		return SeverityNone
	}
	return state.Gaps.OverallSeverity
}

// abort records the failure on the state and persists it. Cooperative
// cancellation is not recorded as an error: the state stays consistent and the
// session manager reports the stop.
func (e *Engine) abort(ctx context.Context, state *State, err error) (*State, error) {
	if !errors.Is(err, context.Canceled) {
		state.Error = err.Error()
	}
	state.UpdatedAt = time.Now().UTC()
	e.checkpoint(ctx, state)
	e.emit(Progress{Phase: PhaseAborted, State: state})
	return state, err
}

// ctxErr maps context termination onto the engine's error taxonomy.
func (e *Engine) ctxErr(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return nil
}

// checkpoint persists the state after a step. Persistence failures are logged
// and do not abort the run; the checkpoint is a recovery aid, not a ledger.
func (e *Engine) checkpoint(ctx context.Context, state *State) {
	if e.store == nil {
		return
	}
	// Use a detached timeout so a cancelled run can still commit its final state.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.Save(saveCtx, state.SessionID, state); err != nil {
		e.logger.Warn("Checkpoint save failed",
			zap.String("session_id", state.SessionID),
			zap.Error(err),
		)
	}
}

func (e *Engine) emit(p Progress) {
	if e.notify != nil {
		e.notify(p)
	}
}
