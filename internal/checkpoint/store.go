// Package checkpoint persists research workflow state between steps so that
// an interrupted session can resume from its last committed step. The engine
// only depends on save/load semantics; the backends here are interchangeable.
package checkpoint

import (
	"context"
	"errors"

	"deepresearch/internal/research"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// Store is the checkpoint backend contract. Implementations must be safe for
// concurrent use by multiple sessions.
type Store interface {
	// Save commits the state for a session, replacing any previous checkpoint.
	Save(ctx context.Context, sessionID string, state *research.State) error
	// Load returns the last committed state, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*research.State, error)
	// List returns the session ids with a stored checkpoint.
	List(ctx context.Context) ([]string, error)
	// Delete removes a session's checkpoint; deleting a missing one is a no-op.
	Delete(ctx context.Context, sessionID string) error
	// Close releases backend resources.
	Close() error
}
