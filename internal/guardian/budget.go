package guardian

import (
	"fmt"
	"sync"
	"time"

	"atelier/internal/logging"
)

// Budget thresholds as fractions of the daily limit.
const (
	budgetNotice   = 0.50
	budgetWarning  = 0.80
	budgetExceeded = 1.00
)

// BudgetTracker counts tokens against hourly and daily windows. Counters
// roll over when the hour or day changes.
type BudgetTracker struct {
	mu         sync.Mutex
	dailyLimit int

	hourTokens int
	hourStamp  time.Time // truncated to the hour

	dayTokens int
	dayStamp  string // YYYY-MM-DD
}

// NewBudgetTracker tracks spend against dailyLimit tokens. A zero or
// negative limit disables budget findings.
func NewBudgetTracker(dailyLimit int) *BudgetTracker {
	now := time.Now()
	return &BudgetTracker{
		dailyLimit: dailyLimit,
		hourStamp:  now.Truncate(time.Hour),
		dayStamp:   now.Format("2006-01-02"),
	}
}

// Add charges tokens to both windows.
func (b *BudgetTracker) Add(tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateLocked(time.Now())
	b.hourTokens += tokens
	b.dayTokens += tokens
}

// Rotate rolls the counters if the hour or day changed. Called by the
// interceptor's housekeeping loop and before every read.
func (b *BudgetTracker) Rotate(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateLocked(now)
}

func (b *BudgetTracker) rotateLocked(now time.Time) {
	if hour := now.Truncate(time.Hour); !hour.Equal(b.hourStamp) {
		logging.GuardianDebug("hourly budget counter rotated (%d tokens last hour)", b.hourTokens)
		b.hourTokens = 0
		b.hourStamp = hour
	}
	if day := now.Format("2006-01-02"); day != b.dayStamp {
		logging.Guardian("daily budget counter rotated (%d tokens on %s)", b.dayTokens, b.dayStamp)
		b.dayTokens = 0
		b.dayStamp = day
	}
}

// Snapshot returns the current hourly and daily token counts.
func (b *BudgetTracker) Snapshot() (hour, day int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateLocked(time.Now())
	return b.hourTokens, b.dayTokens
}

// Check returns a finding when daily spend crosses 50%, 80%, or 100% of
// the limit, at medium, high, and critical severity respectively.
func (b *BudgetTracker) Check() []Finding {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateLocked(time.Now())

	if b.dailyLimit <= 0 {
		return nil
	}
	used := float64(b.dayTokens) / float64(b.dailyLimit)
	detail := fmt.Sprintf("%d of %d daily tokens used (%.0f%%)", b.dayTokens, b.dailyLimit, used*100)

	switch {
	case used >= budgetExceeded:
		return []Finding{{Rule: "daily budget", Severity: SeverityCritical, Detail: detail}}
	case used >= budgetWarning:
		return []Finding{{Rule: "daily budget", Severity: SeverityHigh, Detail: detail}}
	case used >= budgetNotice:
		return []Finding{{Rule: "daily budget", Severity: SeverityMedium, Detail: detail}}
	}
	return nil
}
