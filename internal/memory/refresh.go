package memory

import (
	"time"

	"atelier/internal/logging"
)

// =============================================================================
// KNOWLEDGE REFRESH
// =============================================================================

const (
	refreshAge          = 90 * 24 * time.Hour
	refreshAccessWindow = 30 * 24 * time.Hour
)

// RefreshSummary reports a refresh pass.
type RefreshSummary struct {
	Flagged          int `json:"flagged"`
	AlreadyPermanent int `json:"already_permanent"`
	Skipped          int `json:"skipped"`
}

// RunRefresh flags stale-but-still-used facts for passive re-verification:
// non-permanent facts verified more than 90 days ago and accessed within
// the last 30 days get metadata.needs_reverify set. No confidence is
// mutated; the fact gets re-checked next time the orchestrator touches a
// related topic.
func (s *Store) RunRefresh() (RefreshSummary, error) {
	timer := logging.StartTimer(logging.CategoryCron, "RunRefresh")
	defer timer.Stop()

	var summary RefreshSummary

	facts, err := s.AllFacts()
	if err != nil {
		return summary, err
	}

	now := time.Now().UTC()
	for _, f := range facts {
		if f.Confidence >= 1.0 {
			summary.AlreadyPermanent++
			continue
		}
		if f.NeedsReverify() {
			summary.Skipped++
			continue
		}

		age := time.Duration(0)
		if !f.VerifiedAt.IsZero() {
			age = now.Sub(f.VerifiedAt)
		}
		recentlyAccessed := !f.LastAccessedAt.IsZero() && now.Sub(f.LastAccessedAt) <= refreshAccessWindow

		if age > refreshAge && recentlyAccessed {
			meta := f.Metadata
			if meta == nil {
				meta = map[string]interface{}{}
			}
			meta["needs_reverify"] = true
			if err := s.SetFactMetadata(f.ID, meta); err != nil {
				return summary, err
			}
			summary.Flagged++
			logging.Cron("Refresh: flagged fact %s for re-verification (age=%dd)", f.ID, int(age.Hours()/24))
		} else {
			summary.Skipped++
		}
	}

	logging.Cron("Knowledge refresh complete: flagged=%d permanent=%d skipped=%d",
		summary.Flagged, summary.AlreadyPermanent, summary.Skipped)
	return summary, nil
}
