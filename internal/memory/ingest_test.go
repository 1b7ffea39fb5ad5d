package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEngine returns preset vectors per text, for dedup threshold tests.
type stubEngine struct {
	vectors map[string][]float32
}

func (e *stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no stub vector for %q", text)
}

func (e *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEngine) Dimensions() int { return 3 }
func (e *stubEngine) Name() string    { return "stub" }

func stubStore(t *testing.T, vectors map[string][]float32) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), &stubEngine{vectors: vectors})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChunkRoundTrip(t *testing.T) {
	text := "First paragraph about preferences.\n\nSecond paragraph about a decision."
	chunks := Chunk(text)
	require.Len(t, chunks, 2)

	joined := strings.Join(chunks, " ")
	stripWS := func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	}
	assert.Equal(t, stripWS(text), stripWS(joined), "chunk concatenation reproduces the text modulo whitespace")
}

func TestChunkSplitsLongParagraphs(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString(fmt.Sprintf("Sentence number %d carries some payload. ", i))
	}
	chunks := Chunk(b.String())
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), chunkWindow, "chunk %d exceeds the window", i)
	}
}

func TestClassifyDuplicateThresholds(t *testing.T) {
	existing := []*Memory{
		{ID: "m1", Embedding: []float32{1, 0, 0}},
		{ID: "m2", Embedding: []float32{0, 1, 0}},
		{ID: "no-vec"},
	}

	tests := []struct {
		name    string
		vec     []float32
		verdict Verdict
		matched string
	}{
		{"exact", []float32{1, 0, 0}, VerdictExactDup, "m1"},
		{"near", []float32{0.9, 0.436, 0}, VerdictNearDup, "m1"}, // cos ~ 0.90
		{"unique", []float32{0, 0, 1}, VerdictUnique, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ClassifyDuplicate(tt.vec, existing)
			assert.Equal(t, tt.verdict, res.Verdict)
			assert.Equal(t, tt.matched, res.MatchedID)
		})
	}
}

func TestIngestExactDupBoostsInsteadOfStoring(t *testing.T) {
	s := testStore(t) // hash engine: identical text => cosine 1.0
	ctx := context.Background()

	first, err := s.Ingest(ctx, Turn{UserMessage: "I prefer Python", SourceAgent: "brain", Signals: []string{"preference"}})
	require.NoError(t, err)
	require.Len(t, first, 1)

	before, err := s.GetMemory(first[0])
	require.NoError(t, err)
	assert.Equal(t, 0.7, before.Importance)

	second, err := s.Ingest(ctx, Turn{UserMessage: "I prefer Python", SourceAgent: "brain"})
	require.NoError(t, err)
	assert.Empty(t, second, "exact duplicate must not store a new row")

	n, err := s.CountMemories()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := s.GetMemory(first[0])
	require.NoError(t, err)
	assert.InDelta(t, 0.8, after.Importance, 1e-9, "duplicate re-observation boosts importance")
}

func TestIngestNearDupStoresAndLinks(t *testing.T) {
	s := stubStore(t, map[string][]float32{
		"I prefer Python":          {1, 0, 0},
		"I really prefer Python":   {0.9, 0.436, 0}, // cos ~0.90 to the first
	})
	ctx := context.Background()

	first, err := s.Ingest(ctx, Turn{UserMessage: "I prefer Python", SourceAgent: "brain"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.Ingest(ctx, Turn{UserMessage: "I really prefer Python", SourceAgent: "brain"})
	require.NoError(t, err)
	require.Len(t, second, 1)

	links, err := s.LinksFrom(second[0])
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "related_to", links[0].Relation)
	assert.Equal(t, first[0], links[0].B)
	assert.InDelta(t, 0.90, links[0].Strength, 0.01)
}

func TestIngestEmbeddingFailureIsNonFatal(t *testing.T) {
	// Stub has no vector for this text, so Embed errors.
	s := stubStore(t, map[string][]float32{})

	ids, err := s.Ingest(context.Background(), Turn{UserMessage: "unembeddable", SourceAgent: "brain"})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	got, err := s.GetMemory(ids[0])
	require.NoError(t, err)
	assert.Nil(t, got.Embedding, "row stored without a vector")

	// Rows without vectors are excluded from similarity search.
	mems, err := s.MemoriesWithEmbeddings()
	require.NoError(t, err)
	assert.Empty(t, mems)
}

func TestIngestEmptyTurnFails(t *testing.T) {
	s := testStore(t)
	_, err := s.Ingest(context.Background(), Turn{UserMessage: "   "})
	assert.Error(t, err)
}

func TestIngestImportanceFromSignals(t *testing.T) {
	s := testStore(t)

	ids, err := s.Ingest(context.Background(), Turn{
		UserMessage: "actually, my birthday is in March, not May",
		SourceAgent: "brain",
		Signals:     []string{"user_correction"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	got, err := s.GetMemory(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Importance)
}
