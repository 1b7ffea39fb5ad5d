// Package usage records per-call LLM token accounting and the activity
// log. Recording is best-effort: a failed write is logged and swallowed,
// never surfaced to the caller, so accounting can never break a
// conversation.
package usage

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"atelier/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS llm_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 1,
    error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_created ON llm_usage(created_at);
CREATE INDEX IF NOT EXISTS idx_usage_agent ON llm_usage(agent);

CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    agent TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at);
`

const timeLayout = time.RFC3339Nano

// Record is one LLM call's accounting row.
type Record struct {
	ID           int64
	Agent        string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Success      bool
	Error        string
	CreatedAt    time.Time
}

// Activity is one row of the activity log.
type Activity struct {
	ID        int64
	EventType string
	Agent     string
	Summary   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// Totals aggregates token counts over a slice of calls.
type Totals struct {
	Calls        int
	InputTokens  int
	OutputTokens int
	Failures     int
}

// TotalTokens is input plus output.
func (t Totals) TotalTokens() int { return t.InputTokens + t.OutputTokens }

// Tracker persists usage rows to SQLite. Safe for concurrent use.
type Tracker struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the usage tables at path. The path usually
// points at the shared memory database so one file carries everything.
func Open(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Tracker{db: db}, nil
}

// Close releases the database handle.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db.Close()
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordCall satisfies the LLM client's UsageRecorder. Failures are
// swallowed.
func (t *Tracker) RecordCall(agent, model, provider string, inputTokens, outputTokens int, duration time.Duration, success bool, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.db.Exec(`
		INSERT INTO llm_usage (agent, model, provider, input_tokens, output_tokens, duration_ms, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent, model, provider, inputTokens, outputTokens, duration.Milliseconds(),
		boolToInt(success), errMsg, time.Now().UTC().Format(timeLayout))
	if err != nil {
		logging.UsageError("failed to record call: %v", err)
	}
}

// LogActivity appends one event to the activity log. Failures are
// swallowed.
func (t *Tracker) LogActivity(eventType, agent, summary string, metadata map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta := "{}"
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}
	_, err := t.db.Exec(`
		INSERT INTO activity_log (event_type, agent, summary, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		eventType, agent, summary, meta, time.Now().UTC().Format(timeLayout))
	if err != nil {
		logging.UsageError("failed to log activity: %v", err)
	}
}

// =============================================================================
// AGGREGATES
// =============================================================================

// TotalsSince sums all calls at or after the cutoff.
func (t *Tracker) TotalsSince(cutoff time.Time) (Totals, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row := t.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM llm_usage WHERE created_at >= ?`,
		cutoff.UTC().Format(timeLayout))

	var out Totals
	if err := row.Scan(&out.Calls, &out.InputTokens, &out.OutputTokens, &out.Failures); err != nil {
		return Totals{}, err
	}
	return out, nil
}

// TodayTokens returns total tokens consumed since local midnight. Errors
// report zero so budget checks degrade open.
func (t *Tracker) TodayTokens() int {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	totals, err := t.TotalsSince(midnight)
	if err != nil {
		logging.UsageError("failed to sum today's tokens: %v", err)
		return 0
	}
	return totals.TotalTokens()
}

// ByAgentSince groups totals per agent.
func (t *Tracker) ByAgentSince(cutoff time.Time) (map[string]Totals, error) {
	return t.groupedSince("agent", cutoff)
}

// ByProviderSince groups totals per provider.
func (t *Tracker) ByProviderSince(cutoff time.Time) (map[string]Totals, error) {
	return t.groupedSince("provider", cutoff)
}

func (t *Tracker) groupedSince(column string, cutoff time.Time) (map[string]Totals, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// column is one of two compile-time constants, never user input.
	rows, err := t.db.Query(`
		SELECT `+column+`,
		       COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM llm_usage WHERE created_at >= ? GROUP BY `+column,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]Totals{}
	for rows.Next() {
		var key string
		var tot Totals
		if err := rows.Scan(&key, &tot.Calls, &tot.InputTokens, &tot.OutputTokens, &tot.Failures); err != nil {
			return nil, err
		}
		out[key] = tot
	}
	return out, rows.Err()
}

// RecentActivity returns the newest activity rows, newest first.
func (t *Tracker) RecentActivity(limit int) ([]*Activity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db.Query(`
		SELECT id, event_type, agent, summary, metadata, created_at
		FROM activity_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		a := &Activity{}
		var meta, created string
		if err := rows.Scan(&a.ID, &a.EventType, &a.Agent, &a.Summary, &meta, &created); err != nil {
			return nil, err
		}
		if meta != "" {
			json.Unmarshal([]byte(meta), &a.Metadata)
		}
		a.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActivitySince returns activity rows at or after the cutoff, oldest first.
func (t *Tracker) ActivitySince(cutoff time.Time) ([]*Activity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(`
		SELECT id, event_type, agent, summary, metadata, created_at
		FROM activity_log WHERE created_at >= ? ORDER BY id ASC`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		a := &Activity{}
		var meta, created string
		if err := rows.Scan(&a.ID, &a.EventType, &a.Agent, &a.Summary, &meta, &created); err != nil {
			return nil, err
		}
		if meta != "" {
			json.Unmarshal([]byte(meta), &a.Metadata)
		}
		a.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// PROCESS-WIDE TRACKER
// =============================================================================

var (
	defaultMu      sync.RWMutex
	defaultTracker *Tracker
)

// SetDefault installs the process-wide tracker. Tests inject their own.
func SetDefault(t *Tracker) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultTracker = t
}

// Default returns the process-wide tracker, or nil when none is installed.
func Default() *Tracker {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultTracker
}
