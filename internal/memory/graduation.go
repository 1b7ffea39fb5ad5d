package memory

import (
	"math"
	"time"

	"atelier/internal/logging"
)

// =============================================================================
// KNOWLEDGE GRADUATION
// =============================================================================

const (
	permanentAccessCount = 10
	permanentAge         = 90 * 24 * time.Hour
	trustedAccessCount   = 3
	trustedAge           = 30 * 24 * time.Hour
	trustedConfidence    = 0.95
	decayStaleness       = 180 * 24 * time.Hour
	decayStep            = 0.1
	reverifyThreshold    = 0.5
)

// GraduationSummary reports what a graduation pass did.
type GraduationSummary struct {
	Permanent int `json:"permanent"` // already at 1.0, skipped
	Promoted  int `json:"promoted"`  // graduated to 1.0
	Trusted   int `json:"trusted"`   // lifted to 0.95
	Decayed   int `json:"decayed"`   // staleness decay applied
	Flagged   int `json:"flagged"`   // marked needs_reverify
	Unchanged int `json:"unchanged"`
}

// RunGraduation promotes well-used, long-verified facts toward permanence
// and decays stale ones. Permanent facts (confidence 1.0) are never
// mutated. The pass is idempotent: re-running without access or
// verification changes leaves confidences untouched, because staleness
// decay stamps metadata.decayed_at and skips facts already decayed for the
// current staleness window.
func (s *Store) RunGraduation(dryRun bool) (GraduationSummary, error) {
	timer := logging.StartTimer(logging.CategoryCron, "RunGraduation")
	defer timer.Stop()

	var summary GraduationSummary

	facts, err := s.AllFacts()
	if err != nil {
		return summary, err
	}

	now := time.Now().UTC()
	for _, f := range facts {
		if f.Confidence >= 1.0 {
			summary.Permanent++
			continue
		}

		age := now.Sub(f.VerifiedAt)
		staleness := now.Sub(f.LastAccessedAt)
		if f.LastAccessedAt.IsZero() {
			staleness = now.Sub(f.VerifiedAt)
		}

		switch {
		case f.AccessCount >= permanentAccessCount && age > permanentAge && !f.Contradicted():
			summary.Promoted++
			if !dryRun {
				if err := s.UpdateFactConfidence(f.ID, 1.0); err != nil {
					return summary, err
				}
			}

		case f.AccessCount >= trustedAccessCount && age > trustedAge && !f.Contradicted() && f.Confidence < trustedConfidence:
			summary.Trusted++
			if !dryRun {
				if err := s.UpdateFactConfidence(f.ID, trustedConfidence); err != nil {
					return summary, err
				}
			}

		case staleness > decayStaleness:
			if alreadyDecayed(f, now) {
				summary.Unchanged++
				continue
			}
			decayed := math.Max(0, f.Confidence-decayStep)
			decayed = math.Round(decayed*100) / 100
			summary.Decayed++
			if !dryRun {
				if err := s.UpdateFactConfidence(f.ID, decayed); err != nil {
					return summary, err
				}
				meta := f.Metadata
				if meta == nil {
					meta = map[string]interface{}{}
				}
				meta["decayed_at"] = now.Format(timeLayout)
				if decayed < reverifyThreshold {
					meta["needs_reverify"] = true
					summary.Flagged++
				}
				if err := s.SetFactMetadata(f.ID, meta); err != nil {
					return summary, err
				}
			} else if decayed < reverifyThreshold {
				summary.Flagged++
			}

		default:
			summary.Unchanged++
		}
	}

	logging.Cron("Graduation (dry_run=%v): %d promoted, %d trusted, %d decayed, %d flagged, %d permanent",
		dryRun, summary.Promoted, summary.Trusted, summary.Decayed, summary.Flagged, summary.Permanent)
	return summary, nil
}

// alreadyDecayed reports whether the fact has been decayed since it was
// last accessed, within the current staleness window. One decay step per
// window keeps the pass idempotent.
func alreadyDecayed(f *Fact, now time.Time) bool {
	raw, ok := f.Metadata["decayed_at"].(string)
	if !ok {
		return false
	}
	decayedAt, err := time.Parse(timeLayout, raw)
	if err != nil {
		return false
	}
	if decayedAt.Before(f.LastAccessedAt) {
		return false
	}
	return now.Sub(decayedAt) < decayStaleness
}
