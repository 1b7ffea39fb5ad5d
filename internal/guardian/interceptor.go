package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"atelier/internal/bus"
	"atelier/internal/logging"
)

// Verdicts.
const (
	VerdictPass  = "PASS"
	VerdictFlag  = "FLAG"
	VerdictBlock = "BLOCK"
)

const (
	ringSize          = 1000
	interceptBatch    = 20
	requestBatch      = 5
	defaultInterval   = time.Second
	rotationInterval  = 60 * time.Second
	tokensPerChar     = 4 // chars per token, rough estimate
)

// Event is one intercept decision, kept in the in-memory ring.
type Event struct {
	Time      time.Time
	MessageID int64
	TaskID    string
	From      string
	Verdict   string
	Severity  string
	Reasons   []string
}

// Reviewer performs the deep LLM security review of builder output.
type Reviewer interface {
	Review(ctx context.Context, content string) ([]Finding, error)
}

// Interceptor watches the bus and enforces policy. Three loops run under
// Start: intercept (scan new rows), serve (answer guardian-directed
// requests), and housekeeping (budget rotation).
type Interceptor struct {
	bus      *bus.Bus
	budget   *BudgetTracker
	reviewer Reviewer
	interval time.Duration

	mu        sync.Mutex
	events    []Event
	next      int
	highWater int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithReviewer wires the deep-review backend.
func WithReviewer(r Reviewer) InterceptorOption {
	return func(i *Interceptor) { i.reviewer = r }
}

// WithInterval overrides the intercept poll interval.
func WithInterval(d time.Duration) InterceptorOption {
	return func(i *Interceptor) { i.interval = d }
}

// NewInterceptor builds an interceptor over the bus. The high-water mark
// seeds from the current max row so old traffic is never rescanned.
func NewInterceptor(b *bus.Bus, budget *BudgetTracker, opts ...InterceptorOption) (*Interceptor, error) {
	maxID, err := b.MaxID()
	if err != nil {
		return nil, fmt.Errorf("failed to seed high-water mark: %w", err)
	}
	i := &Interceptor{
		bus:       b,
		budget:    budget,
		interval:  defaultInterval,
		events:    make([]Event, 0, ringSize),
		highWater: maxID,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Start launches the three loops. Stop (or ctx cancellation) shuts them
// down.
func (i *Interceptor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel

	logging.Guardian("interceptor starting (high-water mark %d)", i.highWater)

	i.wg.Add(3)
	go i.interceptLoop(runCtx)
	go i.serveLoop(runCtx)
	go i.housekeepingLoop(runCtx)
}

// Stop halts all loops and waits for them to exit.
func (i *Interceptor) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	i.wg.Wait()
	logging.Guardian("interceptor stopped")
}

func (i *Interceptor) interceptLoop(ctx context.Context) {
	defer i.wg.Done()
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := i.InterceptOnce(ctx); err != nil {
				logging.GuardianError("intercept pass failed: %v", err)
			}
		}
	}
}

func (i *Interceptor) serveLoop(ctx context.Context) {
	defer i.wg.Done()
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.serveRequests(ctx)
		}
	}
}

func (i *Interceptor) housekeepingLoop(ctx context.Context) {
	defer i.wg.Done()
	ticker := time.NewTicker(rotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.budget.Rotate(time.Now())
		}
	}
}

// =============================================================================
// INTERCEPTION
// =============================================================================

// InterceptOnce scans one batch of new bus rows and applies verdicts.
func (i *Interceptor) InterceptOnce(ctx context.Context) error {
	i.mu.Lock()
	since := i.highWater
	i.mu.Unlock()

	msgs, err := i.bus.ReadSince(since, interceptBatch)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		i.mu.Lock()
		if m.ID > i.highWater {
			i.highWater = m.ID
		}
		i.mu.Unlock()

		if m.From == bus.RoleGuardian || m.Status == bus.StatusBlocked {
			continue
		}
		i.inspect(ctx, m)
	}
	return nil
}

func (i *Interceptor) inspect(ctx context.Context, m *bus.Message) {
	content := collectContent(m)
	i.budget.Add(len(content) / tokensPerChar)

	findings := ScanAll(content)
	findings = append(findings, i.budget.Check()...)

	if i.reviewer != nil && m.From == bus.RoleBuilder && carriesCode(m, content) {
		deep, err := i.reviewer.Review(ctx, content)
		if err != nil {
			logging.GuardianWarn("deep review failed for %s: %v", m.TaskID, err)
		} else {
			findings = append(findings, deep...)
		}
	}

	severity := MaxSeverity(findings)
	reasons := make([]string, 0, len(findings))
	for _, f := range findings {
		reasons = append(reasons, f.String())
	}

	verdict := VerdictPass
	switch severity {
	case SeverityCritical:
		verdict = VerdictBlock
		if err := i.bus.Block(m.ID, strings.Join(reasons, "; ")); err != nil {
			logging.GuardianError("failed to block message %d: %v", m.ID, err)
		} else {
			logging.Guardian("BLOCKED message %d (%s): %s", m.ID, m.TaskID, strings.Join(reasons, "; "))
		}
	case SeverityHigh, SeverityMedium:
		verdict = VerdictFlag
		if err := i.bus.Flag(m.ID, reasons); err != nil {
			logging.GuardianError("failed to flag message %d: %v", m.ID, err)
		} else {
			logging.GuardianWarn("flagged message %d (%s): %s", m.ID, m.TaskID, strings.Join(reasons, "; "))
		}
	}

	if err := i.bus.MarkReviewed(m.ID, verdict); err != nil {
		logging.GuardianError("failed to record verdict on message %d: %v", m.ID, err)
	}

	i.recordEvent(Event{
		Time: time.Now().UTC(), MessageID: m.ID, TaskID: m.TaskID,
		From: string(m.From), Verdict: verdict, Severity: severity, Reasons: reasons,
	})
}

// collectContent flattens everything scannable in a message.
func collectContent(m *bus.Message) string {
	var b strings.Builder
	b.WriteString(m.Action)
	for _, blob := range []map[string]interface{}{m.Payload, m.Context, m.Constraints} {
		if len(blob) > 0 {
			if raw, err := json.Marshal(blob); err == nil {
				b.WriteString("\n")
				b.Write(raw)
			}
		}
	}
	if m.Result != "" {
		b.WriteString("\n")
		b.WriteString(m.Result)
	}
	return b.String()
}

// carriesCode decides whether a builder row warrants the deep review.
func carriesCode(m *bus.Message, content string) bool {
	for _, key := range []string{"code", "artifact", "diff", "patch"} {
		if _, ok := m.Payload[key]; ok {
			return true
		}
	}
	return strings.Contains(content, "```") || strings.Contains(content, "func ") || strings.Contains(content, "def ")
}

func (i *Interceptor) recordEvent(e Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.events) < ringSize {
		i.events = append(i.events, e)
	} else {
		i.events[i.next] = e
	}
	i.next = (i.next + 1) % ringSize
}

// RecentEvents returns up to n newest events, newest first.
func (i *Interceptor) RecentEvents(n int) []Event {
	i.mu.Lock()
	defer i.mu.Unlock()

	total := len(i.events)
	if n > total {
		n = total
	}
	out := make([]Event, 0, n)
	for k := 1; k <= n; k++ {
		idx := (i.next - k + ringSize) % ringSize
		out = append(out, i.events[idx])
	}
	return out
}

// =============================================================================
// GUARDIAN-DIRECTED REQUESTS
// =============================================================================

// serveRequests answers cost_report, audit, and security_scan messages
// addressed to the guardian.
func (i *Interceptor) serveRequests(ctx context.Context) {
	msgs, err := i.bus.Receive(bus.RoleGuardian, requestBatch)
	if err != nil {
		logging.GuardianError("failed to receive guardian requests: %v", err)
		return
	}

	for _, m := range msgs {
		var result string
		var handleErr string

		switch m.Action {
		case "cost_report":
			hour, day := i.budget.Snapshot()
			blob, _ := json.Marshal(map[string]interface{}{
				"hour_tokens": hour,
				"day_tokens":  day,
				"findings":    i.budget.Check(),
			})
			result = string(blob)

		case "audit":
			blob, _ := json.Marshal(i.RecentEvents(50))
			result = string(blob)

		case "security_scan":
			content, _ := m.Payload["content"].(string)
			blob, _ := json.Marshal(ScanAll(content))
			result = string(blob)

		default:
			handleErr = fmt.Sprintf("unknown guardian action %q", m.Action)
		}

		status := bus.StatusCompleted
		if handleErr != "" {
			status = bus.StatusFailed
		}
		if err := i.bus.UpdateStatus(m.TaskID, status, result, handleErr); err != nil {
			logging.GuardianError("failed to answer %s: %v", m.TaskID, err)
		}
	}
}
