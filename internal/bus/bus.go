// Package bus implements the durable SQLite-backed message queue that
// carries typed messages between the orchestrator, the worker sessions,
// and the guardian. Messages to the same recipient are delivered in send
// order; the latest row for a task_id defines its current state.
package bus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"atelier/internal/logging"
)

// =============================================================================
// ROLES AND STATUSES
// =============================================================================

// Role identifies an agent on the bus.
type Role string

const (
	RoleBrain      Role = "brain"
	RoleBuilder    Role = "builder"
	RoleVerifier   Role = "verifier"
	RoleResearcher Role = "researcher"
	RoleGuardian   Role = "guardian"
)

// ValidRole reports whether r is a known agent role.
func ValidRole(r Role) bool {
	switch r {
	case RoleBrain, RoleBuilder, RoleVerifier, RoleResearcher, RoleGuardian:
		return true
	}
	return false
}

// Status is the lifecycle state of a bus message.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
	StatusBlocked     Status = "blocked"
)

// =============================================================================
// MESSAGE
// =============================================================================

// Message is one row on the queue.
type Message struct {
	ID          int64                  `json:"id"`
	TaskID      string                 `json:"task_id"`
	From        Role                   `json:"from_agent"`
	To          Role                   `json:"to_agent"`
	Action      string                 `json:"action"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
	Status      Status                 `json:"status"`
	Result      string                 `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// =============================================================================
// BUS
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS message_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT,
	context TEXT,
	constraints TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	result TEXT,
	error TEXT,
	metadata TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mq_to_agent ON message_queue(to_agent, status);
CREATE INDEX IF NOT EXISTS idx_mq_status ON message_queue(status);
CREATE INDEX IF NOT EXISTS idx_mq_task_id ON message_queue(task_id);
`

// Bus is the durable message queue. A single process owns the writer; the
// guardian reads concurrently through WAL.
type Bus struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the bus database at path and initializes the
// schema idempotently.
func Open(path string) (*Bus, error) {
	timer := logging.StartTimer(logging.CategoryBus, "Open")
	defer timer.Stop()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bus db: %w", err)
	}

	// Single writer; WAL lets the guardian read while the brain writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize bus schema: %w", err)
	}

	logging.Bus("Bus opened at %s", path)
	return &Bus{db: db}, nil
}

// Close closes the underlying database.
func (b *Bus) Close() error {
	return b.db.Close()
}

// Send appends a message with status=pending and returns its row id.
// A missing TaskID is generated.
func (b *Bus) Send(msg *Message) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.TaskID == "" {
		msg.TaskID = uuid.NewString()
	}
	if !ValidRole(msg.From) || !ValidRole(msg.To) {
		return 0, fmt.Errorf("invalid role: from=%s to=%s", msg.From, msg.To)
	}

	now := time.Now().UTC()
	msg.Status = StatusPending
	msg.CreatedAt = now
	msg.UpdatedAt = now

	res, err := b.db.Exec(
		`INSERT INTO message_queue
		 (task_id, from_agent, to_agent, action, payload, context, constraints, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.TaskID, string(msg.From), string(msg.To), msg.Action,
		marshalJSON(msg.Payload), marshalJSON(msg.Context), marshalJSON(msg.Constraints),
		string(StatusPending), marshalJSON(msg.Metadata),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}
	msg.ID = id

	logging.BusDebug("Sent message id=%d task=%s %s->%s action=%s", id, msg.TaskID, msg.From, msg.To, msg.Action)
	return id, nil
}

// Receive returns up to limit pending messages addressed to the role, in
// send order, atomically transitioning them to in_progress.
func (b *Bus) Receive(to Role, limit int) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}

	tx, err := b.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin receive tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, task_id, from_agent, to_agent, action, payload, context, constraints,
		        status, result, error, metadata, created_at, updated_at
		 FROM message_queue
		 WHERE to_agent = ? AND status = 'pending'
		 ORDER BY id ASC
		 LIMIT ?`,
		string(to), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}

	msgs, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := formatTime(time.Now().UTC())
	for _, m := range msgs {
		if _, err := tx.Exec(
			`UPDATE message_queue SET status = 'in_progress', updated_at = ? WHERE id = ?`,
			now, m.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to mark message %d in_progress: %w", m.ID, err)
		}
		m.Status = StatusInProgress
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit receive: %w", err)
	}

	logging.BusDebug("Received %d messages for %s", len(msgs), to)
	return msgs, nil
}

// UpdateStatus updates the latest row for a task_id.
func (b *Bus) UpdateStatus(taskID string, status Status, result, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.Exec(
		`UPDATE message_queue
		 SET status = ?, result = ?, error = ?, updated_at = ?
		 WHERE id = (SELECT MAX(id) FROM message_queue WHERE task_id = ?)`,
		string(status), result, errMsg, formatTime(time.Now().UTC()), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update status for task %s: %w", taskID, err)
	}
	return nil
}

// GetTask returns the latest row for a task_id, or nil when unknown.
func (b *Bus) GetTask(taskID string) (*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rows, err := b.db.Query(
		`SELECT id, task_id, from_agent, to_agent, action, payload, context, constraints,
		        status, result, error, metadata, created_at, updated_at
		 FROM message_queue
		 WHERE task_id = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query task %s: %w", taskID, err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// GetByID returns one row by its id, or nil when unknown. Senders use it
// to watch a published message for the guardian's verdict.
func (b *Bus) GetByID(id int64) (*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rows, err := b.db.Query(
		`SELECT id, task_id, from_agent, to_agent, action, payload, context, constraints,
		        status, result, error, metadata, created_at, updated_at
		 FROM message_queue
		 WHERE id = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query message %d: %w", id, err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// ReadSince returns up to limit rows with id greater than afterID, in id
// order regardless of status. Used by the guardian's intercept loop.
func (b *Bus) ReadSince(afterID int64, limit int) ([]*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := b.db.Query(
		`SELECT id, task_id, from_agent, to_agent, action, payload, context, constraints,
		        status, result, error, metadata, created_at, updated_at
		 FROM message_queue
		 WHERE id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages after %d: %w", afterID, err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Block marks a row blocked with the given reason. Blocked rows always
// carry a non-empty error.
func (b *Bus) Block(id int64, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if reason == "" {
		return fmt.Errorf("block reason must not be empty")
	}
	_, err := b.db.Exec(
		`UPDATE message_queue SET status = 'blocked', error = ?, updated_at = ? WHERE id = ?`,
		reason, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to block message %d: %w", id, err)
	}
	logging.Bus("Blocked message id=%d: %s", id, reason)
	return nil
}

// Flag merges guardian issue descriptions into a row's metadata under
// guardian_flags without changing its status.
func (b *Bus) Flag(id int64, issues []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var raw sql.NullString
	if err := b.db.QueryRow(`SELECT metadata FROM message_queue WHERE id = ?`, id).Scan(&raw); err != nil {
		return fmt.Errorf("failed to read metadata for message %d: %w", id, err)
	}

	meta := map[string]interface{}{}
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &meta)
	}

	existing, _ := meta["guardian_flags"].([]interface{})
	for _, issue := range issues {
		existing = append(existing, issue)
	}
	meta["guardian_flags"] = existing

	_, err := b.db.Exec(
		`UPDATE message_queue SET metadata = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(meta), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to flag message %d: %w", id, err)
	}
	return nil
}

// MarkReviewed stamps the guardian's verdict into a row's metadata under
// guardian_verdict, so senders can tell a scanned-clean row from one the
// interceptor hasn't reached yet.
func (b *Bus) MarkReviewed(id int64, verdict string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var raw sql.NullString
	if err := b.db.QueryRow(`SELECT metadata FROM message_queue WHERE id = ?`, id).Scan(&raw); err != nil {
		return fmt.Errorf("failed to read metadata for message %d: %w", id, err)
	}

	meta := map[string]interface{}{}
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &meta)
	}
	meta["guardian_verdict"] = verdict

	_, err := b.db.Exec(
		`UPDATE message_queue SET metadata = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(meta), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message %d reviewed: %w", id, err)
	}
	return nil
}

// MaxID returns the highest row id, or 0 when the queue is empty. The
// guardian seeds its high-water mark with this at startup.
func (b *Bus) MaxID() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var id sql.NullInt64
	if err := b.db.QueryRow(`SELECT MAX(id) FROM message_queue`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read max id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalJSON(s sql.NullString) map[string]interface{} {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		var (
			m                                   Message
			payload, context, constraints, meta sql.NullString
			result, errMsg                      sql.NullString
			from, to, status                    string
			createdAt, updatedAt                string
		)
		if err := rows.Scan(
			&m.ID, &m.TaskID, &from, &to, &m.Action,
			&payload, &context, &constraints,
			&status, &result, &errMsg, &meta,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}

		m.From = Role(from)
		m.To = Role(to)
		m.Status = Status(status)
		m.Payload = unmarshalJSON(payload)
		m.Context = unmarshalJSON(context)
		m.Constraints = unmarshalJSON(constraints)
		m.Metadata = unmarshalJSON(meta)
		m.Result = result.String
		m.Error = errMsg.String
		m.CreatedAt = parseTime(createdAt)
		m.UpdatedAt = parseTime(updatedAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
