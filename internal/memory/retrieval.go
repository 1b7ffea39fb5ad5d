package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"atelier/internal/embedding"
	"atelier/internal/logging"
)

// =============================================================================
// RETRIEVAL ENGINE
// =============================================================================

// Result is one ranked retrieval hit. Type is "memory" or "fact".
type Result struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Score      float64   `json:"score"`
	Similarity float64   `json:"similarity"`
	Importance float64   `json:"importance"`
	Type       string    `json:"type"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Retrieve embeds the query, linearly scans memories with embeddings,
// scores each row by the strategy's composite and returns the top limit.
// Ties in composite score break toward newer rows.
func (s *Store) Retrieve(ctx context.Context, query string, strategy Strategy, limit int) ([]Result, error) {
	return s.retrieve(ctx, query, strategy, limit, false)
}

// RetrieveWithFacts retrieves memories and knowledge facts in one merged
// ranking; facts carry Type "fact" so the caller can split prompt sections.
// Returned facts get their access counters touched.
func (s *Store) RetrieveWithFacts(ctx context.Context, query string, strategy Strategy, limit int) ([]Result, error) {
	return s.retrieve(ctx, query, strategy, limit, true)
}

func (s *Store) retrieve(ctx context.Context, query string, strategy Strategy, limit int, includeFacts bool) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Retrieve")
	defer timer.Stop()

	if limit <= 0 {
		limit = 5
	}
	if s.engine == nil {
		return nil, fmt.Errorf("retrieval requires an embedding engine")
	}

	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	now := time.Now().UTC()
	var results []Result

	mems, err := s.MemoriesWithEmbeddings()
	if err != nil {
		return nil, err
	}
	for _, m := range mems {
		sim, err := embedding.CosineSimilarity(queryVec, m.Embedding)
		if err != nil {
			continue
		}
		sim = ClampSimilarity(sim)
		score := CompositeScore(sim, RecencyScore(m.CreatedAt, now), m.Importance, strategy)
		results = append(results, Result{
			ID:         m.ID,
			Content:    m.Content,
			Score:      score,
			Similarity: sim,
			Importance: m.Importance,
			Type:       "memory",
			Tags:       m.Tags,
			CreatedAt:  m.CreatedAt,
		})
	}

	if includeFacts {
		facts, err := s.FactsWithEmbeddings()
		if err != nil {
			return nil, err
		}
		for _, f := range facts {
			sim, err := embedding.CosineSimilarity(queryVec, f.Embedding)
			if err != nil {
				continue
			}
			sim = ClampSimilarity(sim)
			// Confidence plays the importance role for facts.
			score := CompositeScore(sim, RecencyScore(f.VerifiedAt, now), f.Confidence, strategy)
			results = append(results, Result{
				ID:         f.ID,
				Content:    f.Fact,
				Score:      score,
				Similarity: sim,
				Importance: f.Confidence,
				Type:       "fact",
				CreatedAt:  f.VerifiedAt,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}

	for _, r := range results {
		if r.Type == "fact" {
			if err := s.TouchFactAccess(r.ID); err != nil {
				logging.MemoryWarn("Failed to touch fact %s: %v", r.ID, err)
			}
		}
	}

	logging.MemoryDebug("Retrieve %q strategy=%s returned %d results", query, strategy, len(results))
	return results, nil
}

// RecallSimilar is the thin similarity-only recall used by the memory
// recall command: top-k rows with cosine at or above threshold, ranked by
// raw similarity.
func (s *Store) RecallSimilar(ctx context.Context, query string, topK int, threshold float64) ([]Result, error) {
	if topK <= 0 {
		topK = 5
	}
	if s.engine == nil {
		return nil, fmt.Errorf("recall requires an embedding engine")
	}

	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	mems, err := s.MemoriesWithEmbeddings()
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, m := range mems {
		sim, err := embedding.CosineSimilarity(queryVec, m.Embedding)
		if err != nil {
			continue
		}
		if sim < threshold {
			continue
		}
		results = append(results, Result{
			ID:         m.ID,
			Content:    m.Content,
			Score:      sim,
			Similarity: sim,
			Importance: m.Importance,
			Type:       "memory",
			CreatedAt:  m.CreatedAt,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
