package checkpoint

import (
	"context"
	"encoding/json"
	"sync"

	"deepresearch/internal/metrics"
	"deepresearch/internal/research"
)

// MemoryStore is the default in-process backend. States are stored as JSON
// snapshots so callers can keep mutating their copy after Save.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, sessionID string, state *research.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		metrics.CheckpointFailures.WithLabelValues("memory", "save").Inc()
		return err
	}
	s.mu.Lock()
	s.states[sessionID] = data
	s.mu.Unlock()
	metrics.CheckpointSaves.WithLabelValues("memory").Inc()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*research.State, error) {
	s.mu.RLock()
	data, ok := s.states[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var state research.State
	if err := json.Unmarshal(data, &state); err != nil {
		metrics.CheckpointFailures.WithLabelValues("memory", "load").Inc()
		return nil, err
	}
	return &state, nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.states, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
