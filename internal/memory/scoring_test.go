package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecencyScoreShape(t *testing.T) {
	now := time.Now().UTC()

	assert.InDelta(t, 1.0, RecencyScore(now, now), 1e-9)
	assert.InDelta(t, 0.5, RecencyScore(now.Add(-7*24*time.Hour), now), 1e-6, "one week old scores 0.5")

	// Strictly monotone: newer beats older.
	newer := RecencyScore(now.Add(-1*time.Hour), now)
	older := RecencyScore(now.Add(-2*time.Hour), now)
	assert.Greater(t, newer, older)

	// Asymptotically approaches zero but stays positive.
	ancient := RecencyScore(now.Add(-365*24*time.Hour), now)
	assert.Greater(t, ancient, 0.0)
	assert.Less(t, ancient, 0.01)
}

func TestImportanceFromSignals(t *testing.T) {
	tests := []struct {
		name    string
		signals []string
		want    float64
	}{
		{"no signals", nil, 0.2},
		{"unknown signal", []string{"whatever"}, 0.2},
		{"user correction", []string{"user_correction"}, 0.9},
		{"error correction", []string{"error_correction"}, 0.8},
		{"preference", []string{"preference"}, 0.7},
		{"decision", []string{"decision"}, 0.7},
		{"repeated", []string{"repeated"}, 0.6},
		{"max wins", []string{"repeated", "user_correction", "preference"}, 0.9},
		{"case and spaces tolerated", []string{" Decision "}, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ImportanceFromSignals(tt.signals))
		})
	}
}

func TestCompositeScoreWeights(t *testing.T) {
	// With similarity=1, recency=0, importance=0 the score equals the
	// strategy's similarity weight.
	assert.InDelta(t, 0.50, CompositeScore(1, 0, 0, StrategyBalanced), 1e-9)
	assert.InDelta(t, 0.30, CompositeScore(1, 0, 0, StrategyRecency), 1e-9)
	assert.InDelta(t, 0.35, CompositeScore(1, 0, 0, StrategyImportance), 1e-9)

	assert.InDelta(t, 0.25, CompositeScore(0, 1, 0, StrategyBalanced), 1e-9)
	assert.InDelta(t, 0.55, CompositeScore(0, 1, 0, StrategyRecency), 1e-9)
	assert.InDelta(t, 0.15, CompositeScore(0, 1, 0, StrategyImportance), 1e-9)

	assert.InDelta(t, 0.25, CompositeScore(0, 0, 1, StrategyBalanced), 1e-9)
	assert.InDelta(t, 0.15, CompositeScore(0, 0, 1, StrategyRecency), 1e-9)
	assert.InDelta(t, 0.50, CompositeScore(0, 0, 1, StrategyImportance), 1e-9)

	// Unknown strategy falls back to balanced.
	assert.Equal(t, CompositeScore(0.5, 0.5, 0.5, StrategyBalanced), CompositeScore(0.5, 0.5, 0.5, Strategy("mystery")))
}

func TestCompositeScoreClampsSimilarity(t *testing.T) {
	// Negative cosine contributes zero, not a negative score.
	assert.InDelta(t, 0.0, CompositeScore(-0.8, 0, 0, StrategyBalanced), 1e-9)
	assert.InDelta(t, 0.50, CompositeScore(1.7, 0, 0, StrategyBalanced), 1e-9)
}

func TestScoreImportanceHeuristic(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"baseline", "it rained today", 5.0},
		{"high signal", "My name is Ada and I am allergic to peanuts", 8.0},
		{"medium signal", "started a new job at the lab", 6.5},
		{"low signal", "she mentioned the weather", 5.0}, // baseline already above low
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScoreImportanceHeuristic(tt.text))
		})
	}

	// Long text gets a bump.
	long := "decided to rewrite the importer. " // contains "decided" -> 8.0
	for len(long) <= 200 {
		long += "more context about the migration plan and its tradeoffs. "
	}
	assert.Equal(t, 9.0, ScoreImportanceHeuristic(long))
}
