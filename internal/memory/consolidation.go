package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"atelier/internal/embedding"
	"atelier/internal/logging"
)

// =============================================================================
// CONSOLIDATION
// =============================================================================

const (
	// Short-term memories older than this are consolidation candidates.
	consolidationAge = 7 * 24 * time.Hour

	// Cosine-to-seed threshold for greedy clustering.
	clusterThreshold = 0.7

	// Standard tier prunes short-term rows below this importance.
	pruneThreshold = 0.3

	// Cap on sentences in a merged memory.
	mergeSentenceCap = 20
)

// Maintenance tiers.
const (
	TierFull     = "full"
	TierStandard = "standard"
)

// ConsolidationSummary reports what a consolidation pass did (or, in dry
// run, would do).
type ConsolidationSummary struct {
	Consolidated int `json:"consolidated"` // member rows merged away
	Clusters     int `json:"clusters"`     // clusters of size >= 2
	Pruned       int `json:"pruned"`       // low-importance rows removed (standard tier)
}

// RunConsolidation merges clusters of old short-term memories into single
// long-term rows, linking members via consolidated_into before deleting
// them. The standard tier additionally prunes low-importance short-term
// rows. Dry run reports counts without mutating.
func (s *Store) RunConsolidation(tier string, dryRun bool) (ConsolidationSummary, error) {
	timer := logging.StartTimer(logging.CategoryCron, "RunConsolidation")
	defer timer.Stop()

	var summary ConsolidationSummary

	cutoff := time.Now().UTC().Add(-consolidationAge)
	old, err := s.ShortTermOlderThan(cutoff)
	if err != nil {
		return summary, err
	}

	clusters := clusterBySimilarity(old, clusterThreshold)
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		summary.Clusters++
		summary.Consolidated += len(cluster)

		if dryRun {
			continue
		}
		if err := s.mergeCluster(cluster); err != nil {
			return summary, err
		}
	}

	if tier != TierFull {
		if dryRun {
			n, err := s.CountShortTermBelow(pruneThreshold)
			if err != nil {
				return summary, err
			}
			summary.Pruned = n
		} else {
			n, err := s.PruneShortTermBelow(pruneThreshold)
			if err != nil {
				return summary, err
			}
			summary.Pruned = n
		}
	}

	logging.Cron("Consolidation (tier=%s dry_run=%v): %d clusters, %d consolidated, %d pruned",
		tier, dryRun, summary.Clusters, summary.Consolidated, summary.Pruned)
	return summary, nil
}

// clusterBySimilarity groups memories greedily: the earliest un-clustered
// row seeds a cluster and attracts every later row whose cosine to the
// seed meets the threshold. Rows without embeddings are left out.
func clusterBySimilarity(memories []*Memory, threshold float64) [][]*Memory {
	if len(memories) == 0 {
		return nil
	}

	used := make(map[int]bool)
	var clusters [][]*Memory

	for i, mem := range memories {
		if used[i] || mem.Embedding == nil {
			continue
		}
		cluster := []*Memory{mem}
		used[i] = true
		for j := i + 1; j < len(memories); j++ {
			if used[j] || memories[j].Embedding == nil {
				continue
			}
			sim, err := embedding.CosineSimilarity(mem.Embedding, memories[j].Embedding)
			if err != nil {
				continue
			}
			if sim >= threshold {
				cluster = append(cluster, memories[j])
				used[j] = true
			}
		}
		clusters = append(clusters, cluster)
	}

	return clusters
}

// mergeCluster produces one consolidated long-term row from a cluster,
// links every member to it and deletes the members. Links survive the
// deletion as the audit trail.
func (s *Store) mergeCluster(cluster []*Memory) error {
	best := cluster[0]
	for _, m := range cluster[1:] {
		if m.Importance > best.Importance {
			best = m
		}
	}

	memberIDs := make([]interface{}, 0, len(cluster))
	for _, m := range cluster {
		memberIDs = append(memberIDs, m.ID)
	}

	merged := &Memory{
		ID:          fmt.Sprintf("mem_%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		Content:     summarizeCluster(cluster),
		Embedding:   best.Embedding,
		Tier:        TierLongTerm,
		Importance:  best.Importance,
		Tags:        best.Tags,
		SourceAgent: best.SourceAgent,
		Metadata:    map[string]interface{}{"consolidated_from": memberIDs},
	}
	if err := s.InsertMemory(merged); err != nil {
		return err
	}

	for _, m := range cluster {
		if err := s.AddLink(m.ID, merged.ID, "consolidated_into", 1.0); err != nil {
			return err
		}
		if err := s.DeleteMemory(m.ID); err != nil {
			return err
		}
	}
	return nil
}

// summarizeCluster merges a cluster extractively: unique sentences across
// members (case-insensitive dedup), capped, with a closing period.
func summarizeCluster(cluster []*Memory) string {
	if len(cluster) == 1 {
		return cluster[0].Content
	}

	seen := make(map[string]bool)
	var sentences []string
	for _, m := range cluster {
		for _, sentence := range sentenceSplit(m.Content) {
			key := strings.ToLower(sentence)
			if !seen[key] {
				seen[key] = true
				sentences = append(sentences, sentence)
			}
		}
	}

	if len(sentences) > mergeSentenceCap {
		sentences = sentences[:mergeSentenceCap]
	}
	summary := strings.Join(sentences, ". ")
	if !strings.HasSuffix(summary, ".") {
		summary += "."
	}
	return summary
}
