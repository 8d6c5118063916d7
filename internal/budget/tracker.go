package budget

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"deepresearch/internal/metrics"
)

// ErrExceeded indicates the hard token limit for a session was hit.
var ErrExceeded = errors.New("token budget exceeded")

// Tracker accounts estimated token usage for a single research session.
// The engine records a cost after every step invocation; when the running
// total crosses the hard limit the step sequence is aborted.
type Tracker struct {
	mu            sync.Mutex
	limit         int // <= 0 means unlimited
	used          int
	warnThreshold float64
	warned        bool
	logger        *zap.Logger
}

// NewTracker creates a tracker with the given hard limit. A limit of zero or
// less disables enforcement.
func NewTracker(limit int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		limit:         limit,
		warnThreshold: 0.8,
		logger:        logger,
	}
}

// Record adds the estimated cost of one step invocation and returns
// ErrExceeded once the total crosses the limit.
func (t *Tracker) Record(step string, tokens int) error {
	if tokens < 0 {
		tokens = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.used += tokens
	metrics.TokensUsed.Add(float64(tokens))

	if t.limit <= 0 {
		return nil
	}

	if !t.warned && float64(t.used) >= float64(t.limit)*t.warnThreshold {
		t.warned = true
		t.logger.Warn("Token budget nearing limit",
			zap.String("step", step),
			zap.Int("used", t.used),
			zap.Int("limit", t.limit),
		)
	}

	if t.used > t.limit {
		t.logger.Warn("Token budget exceeded",
			zap.String("step", step),
			zap.Int("used", t.used),
			zap.Int("limit", t.limit),
		)
		return ErrExceeded
	}
	return nil
}

// Used returns the total tokens recorded so far.
func (t *Tracker) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Remaining returns the tokens left before the limit, or -1 if unlimited.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit <= 0 {
		return -1
	}
	r := t.limit - t.used
	if r < 0 {
		r = 0
	}
	return r
}
