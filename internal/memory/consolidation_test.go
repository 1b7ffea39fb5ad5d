package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oldShortTerm(content string, vec []float32, importance float64) *Memory {
	created := time.Now().UTC().Add(-10 * 24 * time.Hour)
	return &Memory{
		Content:    content,
		Embedding:  vec,
		Importance: importance,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestConsolidationMergesClusters(t *testing.T) {
	s := stubStore(t, nil)

	a := oldShortTerm("User likes espresso", []float32{1, 0, 0}, 0.4)
	b := oldShortTerm("User enjoys espresso in the morning", []float32{0.95, 0.31, 0}, 0.8)
	c := oldShortTerm("Deployment uses blue-green strategy", []float32{0, 1, 0}, 0.5)
	for _, m := range []*Memory{a, b, c} {
		require.NoError(t, s.InsertMemory(m))
	}

	summary, err := s.RunConsolidation(TierFull, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Clusters)
	assert.Equal(t, 2, summary.Consolidated)
	assert.Equal(t, 0, summary.Pruned, "full tier never prunes")

	// Members are gone, the singleton and the merged row remain.
	for _, id := range []string{a.ID, b.ID} {
		got, err := s.GetMemory(id)
		require.NoError(t, err)
		assert.Nil(t, got, "cluster member %s should be deleted", id)
	}
	gotC, err := s.GetMemory(c.ID)
	require.NoError(t, err)
	assert.NotNil(t, gotC, "singleton clusters stay untouched")

	// Find the merged row.
	mems, err := s.RecentMemories(10)
	require.NoError(t, err)
	var merged *Memory
	for _, m := range mems {
		if m.Tier == TierLongTerm {
			merged = m
		}
	}
	require.NotNil(t, merged)

	// Merged row inherits the highest-importance member's attributes.
	assert.Equal(t, 0.8, merged.Importance)
	assert.Equal(t, b.Embedding, merged.Embedding)
	assert.True(t, strings.HasSuffix(merged.Content, "."))
	assert.Contains(t, merged.Content, "User likes espresso")

	from, ok := merged.Metadata["consolidated_from"].([]interface{})
	require.True(t, ok)
	assert.Len(t, from, 2)

	// Provenance links from each member to the merged row.
	for _, id := range []string{a.ID, b.ID} {
		links, err := s.LinksFrom(id)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, "consolidated_into", links[0].Relation)
		assert.Equal(t, merged.ID, links[0].B)
	}
}

func TestConsolidationDryRunDoesNotMutate(t *testing.T) {
	s := stubStore(t, nil)

	require.NoError(t, s.InsertMemory(oldShortTerm("fact one", []float32{1, 0, 0}, 0.2)))
	require.NoError(t, s.InsertMemory(oldShortTerm("fact one again", []float32{0.99, 0.14, 0}, 0.2)))

	summary, err := s.RunConsolidation(TierStandard, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Clusters)
	assert.Equal(t, 2, summary.Consolidated)
	assert.Equal(t, 2, summary.Pruned)

	n, err := s.CountMemories()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "dry run must not mutate")
}

func TestConsolidationStandardTierPrunes(t *testing.T) {
	s := stubStore(t, nil)

	// Low-importance short-term row, recent enough to dodge clustering.
	require.NoError(t, s.InsertMemory(&Memory{Content: "noise", Importance: 0.1}))
	require.NoError(t, s.InsertMemory(&Memory{Content: "keep", Importance: 0.6}))

	summary, err := s.RunConsolidation(TierStandard, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pruned)

	n, err := s.CountMemories()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConsolidationFreshMemoriesUntouched(t *testing.T) {
	s := stubStore(t, nil)

	require.NoError(t, s.InsertMemory(&Memory{Content: "fresh a", Embedding: []float32{1, 0, 0}, Importance: 0.5}))
	require.NoError(t, s.InsertMemory(&Memory{Content: "fresh b", Embedding: []float32{1, 0, 0}, Importance: 0.5}))

	summary, err := s.RunConsolidation(TierFull, false)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Clusters)

	n, err := s.CountMemories()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSummarizeClusterDedupsSentences(t *testing.T) {
	cluster := []*Memory{
		{Content: "User likes espresso. User works remotely"},
		{Content: "user likes espresso. User owns a grinder"},
	}
	summary := summarizeCluster(cluster)
	assert.Equal(t, 1, strings.Count(strings.ToLower(summary), "likes espresso"))
	assert.True(t, strings.HasSuffix(summary, "."))
}
