package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrieveEmptyStoreReturnsEmpty(t *testing.T) {
	s := testStore(t)

	results, err := s.Retrieve(context.Background(), "anything at all", StrategyBalanced, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	texts := []string{
		"the user prefers Python for data analysis",
		"deployment failed on the staging cluster",
		"grocery list: eggs, milk, coffee",
	}
	for _, text := range texts {
		vec, err := s.Engine().Embed(ctx, text)
		require.NoError(t, err)
		require.NoError(t, s.InsertMemory(&Memory{Content: text, Embedding: vec, Importance: 0.5}))
	}

	results, err := s.Retrieve(ctx, "which language does the user prefer for data analysis", StrategyBalanced, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, texts[0], results[0].Content)
	assert.Equal(t, "memory", results[0].Type)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestRetrieveTieBreaksNewerFirst(t *testing.T) {
	s := stubStore(t, map[string][]float32{
		"query": {1, 0, 0},
	})
	ctx := context.Background()

	now := time.Now().UTC()
	older := &Memory{
		Content: "older", Embedding: []float32{1, 0, 0},
		Importance: 0.5, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	newer := &Memory{
		Content: "newer", Embedding: []float32{1, 0, 0},
		Importance: 0.5, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertMemory(older))
	require.NoError(t, s.InsertMemory(newer))

	// Importance strategy weights recency only 0.15; with equal similarity
	// and importance the newer row still outranks via recency, and exact
	// composite ties (same timestamps) break toward newer created_at.
	results, err := s.Retrieve(ctx, "query", StrategyImportance, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "newer", results[0].Content)
}

func TestRetrieveSkipsRowsWithoutEmbeddings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertMemory(&Memory{Content: "legacy row, no vector"}))

	results, err := s.Retrieve(ctx, "legacy row", StrategyBalanced, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveWithFactsMergesAndTouches(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	memVec, err := s.Engine().Embed(ctx, "the user works on compilers")
	require.NoError(t, err)
	require.NoError(t, s.InsertMemory(&Memory{Content: "the user works on compilers", Embedding: memVec, Importance: 0.5}))

	factVec, err := s.Engine().Embed(ctx, "compilers translate source code into machine code")
	require.NoError(t, err)
	fact := &Fact{Fact: "compilers translate source code into machine code", Embedding: factVec, Confidence: 0.9, VerifiedBy: "verifier"}
	require.NoError(t, s.InsertFact(fact))

	results, err := s.RetrieveWithFacts(ctx, "tell me about compilers", StrategyBalanced, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	types := map[string]bool{}
	for _, r := range results {
		types[r.Type] = true
	}
	assert.True(t, types["memory"])
	assert.True(t, types["fact"])

	got, err := s.GetFact(fact.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount, "returned facts get their access touched")
}

func TestRecallSimilarThreshold(t *testing.T) {
	s := stubStore(t, map[string][]float32{
		"query":    {1, 0, 0},
		"close":    {1, 0, 0},
		"far away": {0, 1, 0},
	})
	ctx := context.Background()

	for _, text := range []string{"close", "far away"} {
		vec, err := s.Engine().Embed(ctx, text)
		require.NoError(t, err)
		require.NoError(t, s.InsertMemory(&Memory{Content: text, Embedding: vec}))
	}

	results, err := s.RecallSimilar(ctx, "query", 5, 0.3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "close", results[0].Content)
}
