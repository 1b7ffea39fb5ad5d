package memory

import (
	"math"
	"strings"
	"time"
)

// =============================================================================
// RETRIEVAL SCORING
// =============================================================================

// Strategy selects the composite score weighting.
type Strategy string

const (
	StrategyBalanced   Strategy = "balanced"
	StrategyRecency    Strategy = "recency"
	StrategyImportance Strategy = "importance"
)

// weights holds the per-strategy composite weights.
type weights struct {
	similarity float64
	recency    float64
	importance float64
}

var strategyWeights = map[Strategy]weights{
	StrategyBalanced:   {similarity: 0.50, recency: 0.25, importance: 0.25},
	StrategyRecency:    {similarity: 0.30, recency: 0.55, importance: 0.15},
	StrategyImportance: {similarity: 0.35, recency: 0.15, importance: 0.50},
}

// recencyHalfLife makes a week-old memory score 0.5.
const recencyHalfLife = 7 * 24 * time.Hour

// RecencyScore maps age to (0,1]: ~1 for now, 0.5 at one week, decaying
// toward 0. Strictly monotone in recency.
func RecencyScore(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * age.Hours() / recencyHalfLife.Hours())
}

// Importance signal names recognized by ImportanceFromSignals.
const (
	SignalUserCorrection  = "user_correction"
	SignalErrorCorrection = "error_correction"
	SignalUserExplicit    = "user_explicit"
	SignalPreference      = "preference"
	SignalUserPreference  = "user_preference"
	SignalDecision        = "decision"
	SignalRepeated        = "repeated"
)

// ImportanceFromSignals computes a memory's importance from its signal
// tags. Base is 0.2; multiple signals take the maximum.
func ImportanceFromSignals(signals []string) float64 {
	score := 0.2
	for _, sig := range signals {
		var v float64
		switch strings.ToLower(strings.TrimSpace(sig)) {
		case SignalUserCorrection:
			v = 0.9
		case SignalErrorCorrection, SignalUserExplicit:
			v = 0.8
		case SignalPreference, SignalUserPreference, SignalDecision:
			v = 0.7
		case SignalRepeated:
			v = 0.6
		default:
			continue
		}
		if v > score {
			score = v
		}
	}
	return score
}

// ClampSimilarity clamps a cosine similarity into [0,1].
func ClampSimilarity(sim float64) float64 {
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// CompositeScore combines similarity, recency and importance by strategy.
// Unknown strategies fall back to balanced.
func CompositeScore(similarity, recency, importance float64, strategy Strategy) float64 {
	w, ok := strategyWeights[strategy]
	if !ok {
		w = strategyWeights[StrategyBalanced]
	}
	return w.similarity*ClampSimilarity(similarity) + w.recency*recency + w.importance*importance
}

// =============================================================================
// HEURISTIC IMPORTANCE (memory store CLI)
// =============================================================================

var (
	highSignalKeywords = []string{
		"name is", "called", "prefer", "favorite", "birthday", "allergic",
		"decided", "important", "always", "never", "hate", "love", "must",
	}
	mediumSignalKeywords = []string{
		"project", "working on", "planning", "goal", "wants", "likes",
		"job", "lives in", "moved to", "started", "switched",
	}
	lowSignalKeywords = []string{"mentioned", "said", "talked about"}
)

// ScoreImportanceHeuristic scores free text on a 1-10 scale using keyword
// signals. Used by the standalone memory-store command where no gating LLM
// is in the loop.
func ScoreImportanceHeuristic(text string) float64 {
	lower := strings.ToLower(text)
	score := 5.0

	for _, kw := range highSignalKeywords {
		if strings.Contains(lower, kw) {
			score = math.Max(score, 8.0)
		}
	}
	for _, kw := range mediumSignalKeywords {
		if strings.Contains(lower, kw) {
			score = math.Max(score, 6.5)
		}
	}
	for _, kw := range lowSignalKeywords {
		if strings.Contains(lower, kw) {
			score = math.Max(score, 4.0)
		}
	}

	// Longer text is likely more substantive.
	if len(text) > 200 {
		score = math.Min(score+1, 10.0)
	}

	return math.Round(score*10) / 10
}
