package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/research"
)

func sampleState(sessionID string) *research.State {
	st := research.NewState("what is raft?", sessionID)
	st.Iteration = 1
	st.TokensUsed = 4200
	st.Plan = []research.SubQuestion{{Question: "how does leader election work?"}}
	st.Findings = []research.Finding{{
		SourceInfo: research.SourceInfo{
			URL:         "https://example.com/raft",
			Title:       "Raft Paper",
			Reliability: research.ReliabilityHigh,
		},
		Summary:  "Raft is a consensus algorithm.",
		KeyFacts: []string{"leader election"},
		Metadata: research.FindingMetadata{RelevanceScore: 0.8, Confidence: 0.9},
	}}
	st.Gaps = &research.GapAnalysis{OverallSeverity: research.SeverityMedium}
	return st
}

// exerciseStore runs the shared backend contract.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	saved := sampleState("s1")
	require.NoError(t, store.Save(ctx, "s1", saved))

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, saved.Query, loaded.Query)
	assert.Equal(t, saved.Iteration, loaded.Iteration)
	assert.Equal(t, saved.TokensUsed, loaded.TokensUsed)
	require.Len(t, loaded.Findings, 1)
	assert.Equal(t, "Raft Paper", loaded.Findings[0].SourceInfo.Title)
	require.NotNil(t, loaded.Gaps)
	assert.Equal(t, research.SeverityMedium, loaded.Gaps.OverallSeverity)

	// Overwrite with a later snapshot.
	saved.Iteration = 2
	require.NoError(t, store.Save(ctx, "s1", saved))
	loaded, err = store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Iteration)

	require.NoError(t, store.Save(ctx, "s2", sampleState("s2")))
	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	exerciseStore(t, store)
}

func TestMemoryStoreSnapshotsAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	st := sampleState("s1")
	require.NoError(t, store.Save(ctx, "s1", st))

	// Mutating the caller's copy after Save must not leak into the store.
	st.Iteration = 99
	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Iteration)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	store := NewRedisStoreWithClient(client, time.Hour, nil)
	defer store.Close()
	exerciseStore(t, store)
}

func TestRedisStoreExpiry(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	store := NewRedisStoreWithClient(client, time.Minute, nil)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s1", sampleState("s1")))
	srv.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}
