// Package project tracks long-running work: projects decomposed into
// features and ordered tasks with dependencies, plus the idea backlog.
// One project is active at a time; everything else waits in the backlog.
package project

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Project statuses.
const (
	StatusPlanning   = "planning"
	StatusInProgress = "in_progress"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Task and feature statuses (features use the pending/in_progress/completed
// subset).
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskSkipped    = "skipped"
)

// Idea statuses.
const (
	IdeaBacklog  = "backlog"
	IdeaPromoted = "promoted"
	IdeaArchived = "archived"
)

// Project is one tracked initiative. Spec holds the drafted markdown
// spec once planning finishes; Domain is an optional area tag.
type Project struct {
	ID          string
	Name        string
	Description string
	Spec        string
	Domain      string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Feature groups tasks inside a project.
type Feature struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	Status      string
	Order       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task is one unit of executable work.
type Task struct {
	ID          string
	ProjectID   string
	FeatureID   string
	Title       string
	Description string
	Status      string
	DependsOn   []string // task IDs
	Order       int
	Result      string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the task needs no further work.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed || t.Status == TaskSkipped
}

// Idea is one backlog entry.
type Idea struct {
	ID         string
	Content    string
	Status     string
	PromotedTo string // project ID once promoted
	CreatedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    spec TEXT NOT NULL DEFAULT '',
    domain TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'planning',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);

CREATE TABLE IF NOT EXISTS features (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    order_num INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_features_project ON features(project_id);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    feature_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    depends_on TEXT NOT NULL DEFAULT '[]',
    order_num INTEGER NOT NULL DEFAULT 0,
    result TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_feature ON tasks(feature_id);

CREATE TABLE IF NOT EXISTS ideas (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'backlog',
    promoted_to TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ideas_status ON ideas(status);
`

const timeLayout = time.RFC3339Nano

// Manager owns the project tables. Safe for concurrent use.
type Manager struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the project tables at path. The tables usually
// live in the shared memory database.
func Open(path string) (*Manager, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open project db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init project schema: %w", err)
	}
	return &Manager{db: db}, nil
}

// Close releases the database handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Close()
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func marshalDeps(deps []string) string {
	if len(deps) == 0 {
		return "[]"
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalDeps(s string) []string {
	var deps []string
	if s != "" {
		json.Unmarshal([]byte(s), &deps)
	}
	return deps
}

// scanTasks reads task rows in column order id, project_id, feature_id,
// title, description, status, depends_on, order_num, result, error,
// created_at, updated_at, completed_at.
func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t := &Task{}
		var deps, created, updated string
		var completed sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.FeatureID, &t.Title, &t.Description,
			&t.Status, &deps, &t.Order, &t.Result, &t.Error, &created, &updated, &completed); err != nil {
			return nil, err
		}
		t.DependsOn = unmarshalDeps(deps)
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updated)
		if completed.Valid && completed.String != "" {
			ct := parseTime(completed.String)
			t.CompletedAt = &ct
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const taskColumns = `id, project_id, feature_id, title, description, status, depends_on, order_num, result, error, created_at, updated_at, completed_at`

const projectColumns = `id, name, description, spec, domain, status, created_at, updated_at, completed_at`

func scanProject(row *sql.Row) (*Project, error) {
	p := &Project{}
	var created, updated string
	var completed sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Spec, &p.Domain, &p.Status, &created, &updated, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	if completed.Valid && completed.String != "" {
		ct := parseTime(completed.String)
		p.CompletedAt = &ct
	}
	return p, nil
}
