package project

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"atelier/internal/logging"
)

// ErrActiveProjectExists is returned when creating or promoting would
// violate the single-active-project rule.
var ErrActiveProjectExists = errors.New("an active project already exists: finish, pause, or cancel it first")

// ErrNotFound is returned for lookups of missing rows.
var ErrNotFound = errors.New("not found")

// FeatureSpec describes one feature to add.
type FeatureSpec struct {
	Name        string
	Description string
}

// TaskSpec describes one task in a decomposition. DependsOn entries may
// be titles of earlier tasks in the same batch or existing task IDs.
type TaskSpec struct {
	Title       string
	Description string
	FeatureID   string
	DependsOn   []string
}

// =============================================================================
// PROJECTS
// =============================================================================

// ActiveProject returns the current planning or in-progress project, or
// nil when there is none.
func (m *Manager) ActiveProject() (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeProjectLocked()
}

func (m *Manager) activeProjectLocked() (*Project, error) {
	row := m.db.QueryRow(`
		SELECT `+projectColumns+` FROM projects WHERE status IN ('planning', 'in_progress')
		ORDER BY created_at ASC LIMIT 1`)
	return scanProject(row)
}

// CreateProject starts a new project in planning. It refuses when
// another project is active.
func (m *Manager) CreateProject(name, description string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.activeProjectLocked()
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w (%s)", ErrActiveProjectExists, active.Name)
	}

	now := time.Now().UTC()
	p := &Project{
		ID: newID("proj"), Name: name, Description: description,
		Status: StatusPlanning, CreatedAt: now, UpdatedAt: now,
	}
	_, err = m.db.Exec(`
		INSERT INTO projects (id, name, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Status, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	logging.Project("created project %s (%s)", p.Name, p.ID)
	return p, nil
}

// GetProject returns a project by ID, or nil when absent.
func (m *Manager) GetProject(id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row := m.db.QueryRow(`
		SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// SetProjectSpec records the drafted markdown spec and the domain tag
// once planning produces them.
func (m *Manager) SetProjectSpec(id, spec, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, err := m.db.Exec(`
		UPDATE projects SET spec = ?, domain = ?, updated_at = ? WHERE id = ?`,
		spec, domain, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Manager) setProjectStatus(id, status string) error {
	completedAt := sql.NullString{}
	if status == StatusCompleted || status == StatusCancelled {
		completedAt = sql.NullString{String: formatTime(time.Now().UTC()), Valid: true}
	}
	res, err := m.db.Exec(`
		UPDATE projects SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		status, formatTime(time.Now().UTC()), completedAt, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// PauseProject parks the active project so another can start.
func (m *Manager) PauseProject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	logging.Project("pausing project %s", id)
	return m.setProjectStatus(id, StatusPaused)
}

// ResumeProject reactivates a paused project, honoring the single-active
// rule.
func (m *Manager) ResumeProject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.activeProjectLocked()
	if err != nil {
		return err
	}
	if active != nil && active.ID != id {
		return fmt.Errorf("%w (%s)", ErrActiveProjectExists, active.Name)
	}
	logging.Project("resuming project %s", id)
	return m.setProjectStatus(id, StatusInProgress)
}

// CancelProject abandons a project.
func (m *Manager) CancelProject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	logging.Project("cancelling project %s", id)
	return m.setProjectStatus(id, StatusCancelled)
}

// =============================================================================
// FEATURES AND DECOMPOSITION
// =============================================================================

// AddFeatures appends features to a project in the given order.
func (m *Manager) AddFeatures(projectID string, specs []FeatureSpec) ([]*Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var maxOrder int
	m.db.QueryRow(`SELECT COALESCE(MAX(order_num), -1) FROM features WHERE project_id = ?`, projectID).Scan(&maxOrder)

	now := time.Now().UTC()
	out := make([]*Feature, 0, len(specs))
	for i, spec := range specs {
		f := &Feature{
			ID: newID("feat"), ProjectID: projectID,
			Name: spec.Name, Description: spec.Description,
			Status: TaskPending, Order: maxOrder + 1 + i,
			CreatedAt: now, UpdatedAt: now,
		}
		_, err := m.db.Exec(`
			INSERT INTO features (id, project_id, name, description, status, order_num, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.ProjectID, f.Name, f.Description, f.Status, f.Order, formatTime(now), formatTime(now))
		if err != nil {
			return nil, fmt.Errorf("failed to add feature %q: %w", spec.Name, err)
		}
		out = append(out, f)
	}
	logging.Project("added %d features to %s", len(out), projectID)
	return out, nil
}

// Features lists a project's features in order.
func (m *Manager) Features(projectID string) ([]*Feature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.Query(`
		SELECT id, project_id, name, description, status, order_num, created_at, updated_at
		FROM features WHERE project_id = ? ORDER BY order_num ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Feature
	for rows.Next() {
		f := &Feature{}
		var created, updated string
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Name, &f.Description, &f.Status, &f.Order, &created, &updated); err != nil {
			return nil, err
		}
		f.CreatedAt = parseTime(created)
		f.UpdatedAt = parseTime(updated)
		out = append(out, f)
	}
	return out, rows.Err()
}

// DecomposeIntoTasks stores the ordered task list for a project and moves
// it to in_progress. Dependencies naming earlier tasks in the batch by
// title are resolved to IDs.
func (m *Manager) DecomposeIntoTasks(projectID string, specs []TaskSpec) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(specs) == 0 {
		return nil, errors.New("decomposition produced no tasks")
	}

	byTitle := make(map[string]string, len(specs))
	now := time.Now().UTC()
	out := make([]*Task, 0, len(specs))

	for i, spec := range specs {
		deps := make([]string, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			if id, ok := byTitle[dep]; ok {
				deps = append(deps, id)
			} else {
				deps = append(deps, dep)
			}
		}
		t := &Task{
			ID: newID("task"), ProjectID: projectID, FeatureID: spec.FeatureID,
			Title: spec.Title, Description: spec.Description,
			Status: TaskPending, DependsOn: deps, Order: i,
			CreatedAt: now, UpdatedAt: now,
		}
		_, err := m.db.Exec(`
			INSERT INTO tasks (id, project_id, feature_id, title, description, status, depends_on, order_num, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, t.FeatureID, t.Title, t.Description, t.Status,
			marshalDeps(t.DependsOn), t.Order, formatTime(now), formatTime(now))
		if err != nil {
			return nil, fmt.Errorf("failed to add task %q: %w", spec.Title, err)
		}
		byTitle[spec.Title] = t.ID
		out = append(out, t)
	}

	if err := m.setProjectStatus(projectID, StatusInProgress); err != nil {
		return nil, err
	}
	logging.Project("decomposed project %s into %d tasks", projectID, len(out))
	return out, nil
}

// =============================================================================
// TASK LIFECYCLE
// =============================================================================

// GetTask returns a task by ID, or nil when absent.
func (m *Manager) GetTask(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTaskLocked(id)
}

func (m *Manager) getTaskLocked(id string) (*Task, error) {
	rows, err := m.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[0], nil
}

// Tasks lists a project's tasks in execution order.
func (m *Manager) Tasks(projectID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasksLocked(projectID)
}

func (m *Manager) tasksLocked(projectID string) ([]*Task, error) {
	rows, err := m.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY order_num ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// NextTask returns the lowest-order pending task whose dependencies are
// all completed or skipped. Deterministic: order, then ID. Nil when no
// task is runnable.
func (m *Manager) NextTask(projectID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks, err := m.tasksLocked(projectID)
	if err != nil {
		return nil, err
	}

	status := make(map[string]string, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}

	for _, t := range tasks {
		if t.Status != TaskPending {
			continue
		}
		runnable := true
		for _, dep := range t.DependsOn {
			if s := status[dep]; s != TaskCompleted && s != TaskSkipped {
				runnable = false
				break
			}
		}
		if runnable {
			return t, nil
		}
	}
	return nil, nil
}

// SetTaskInProgress marks a task as being worked on.
func (m *Manager) SetTaskInProgress(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setTaskStatus(id, TaskInProgress, "", "")
}

// CompleteTask stores the result and cascades completion to the task's
// feature and project when everything under them is terminal.
func (m *Manager) CompleteTask(id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.setTaskStatus(id, TaskCompleted, result, ""); err != nil {
		return err
	}
	return m.cascadeCompletion(id)
}

// FailTask records a failure. Dependent tasks become blocked until the
// failure is resolved.
func (m *Manager) FailTask(id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.setTaskStatus(id, TaskFailed, "", errMsg); err != nil {
		return err
	}
	return m.cascadeCompletion(id)
}

// SkipTask marks a task as intentionally not done; dependents treat it
// as satisfied.
func (m *Manager) SkipTask(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.setTaskStatus(id, TaskSkipped, "", reason); err != nil {
		return err
	}
	return m.cascadeCompletion(id)
}

func (m *Manager) setTaskStatus(id, status, result, errMsg string) error {
	now := formatTime(time.Now().UTC())
	completedAt := sql.NullString{}
	if status == TaskCompleted || status == TaskFailed || status == TaskSkipped {
		completedAt = sql.NullString{String: now, Valid: true}
	}
	res, err := m.db.Exec(`
		UPDATE tasks SET status = ?, result = CASE WHEN ? != '' THEN ? ELSE result END,
		       error = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		status, result, result, errMsg, now, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// cascadeCompletion closes out the feature and project containing the
// task once all their tasks are done or skipped. A failed task keeps
// them open: the user can rework or skip it later.
func (m *Manager) cascadeCompletion(taskID string) error {
	t, err := m.getTaskLocked(taskID)
	if err != nil || t == nil {
		return err
	}

	if t.FeatureID != "" {
		var open int
		m.db.QueryRow(`
			SELECT COUNT(*) FROM tasks
			WHERE feature_id = ? AND status NOT IN ('completed', 'skipped')`,
			t.FeatureID).Scan(&open)
		if open == 0 {
			m.db.Exec(`UPDATE features SET status = 'completed', updated_at = ? WHERE id = ?`,
				formatTime(time.Now().UTC()), t.FeatureID)
			logging.Project("feature %s completed", t.FeatureID)
		}
	}

	var open int
	m.db.QueryRow(`
		SELECT COUNT(*) FROM tasks
		WHERE project_id = ? AND status NOT IN ('completed', 'skipped')`,
		t.ProjectID).Scan(&open)
	if open == 0 {
		if err := m.setProjectStatus(t.ProjectID, StatusCompleted); err != nil {
			return err
		}
		logging.Project("project %s completed", t.ProjectID)
	}
	return nil
}

// CompletedTasksSince lists tasks completed at or after the cutoff,
// across all projects. Used by the morning brief.
func (m *Manager) CompletedTasksSince(cutoff time.Time) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'completed' AND completed_at >= ?
		ORDER BY completed_at ASC`, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// =============================================================================
// STATUS
// =============================================================================

// BlockedTask names a pending task stuck behind a failed dependency.
type BlockedTask struct {
	Task      *Task
	FailedDep *Task
}

// Status summarizes one project's progress.
type Status struct {
	Project    *Project
	Total      int
	Completed  int
	InProgress int
	Pending    int
	Failed     int
	Skipped    int
	Blocked    []BlockedTask
	Features   []*Feature
}

// Progress renders the "[done/total]" progress marker.
func (s *Status) Progress() string {
	done := s.Completed + s.Skipped
	return fmt.Sprintf("[%d/%d]", done, s.Total)
}

// ProjectStatus computes the summary for one project.
func (m *Manager) ProjectStatus(projectID string) (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.QueryRow(`
		SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID)
	p, err := scanProject(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}

	tasks, err := m.tasksLocked(projectID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	st := &Status{Project: p, Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskCompleted:
			st.Completed++
		case TaskInProgress:
			st.InProgress++
		case TaskFailed:
			st.Failed++
		case TaskSkipped:
			st.Skipped++
		case TaskPending:
			st.Pending++
			for _, dep := range t.DependsOn {
				if d, ok := byID[dep]; ok && d.Status == TaskFailed {
					st.Blocked = append(st.Blocked, BlockedTask{Task: t, FailedDep: d})
					break
				}
			}
		}
	}

	rows, err := m.db.Query(`
		SELECT id, project_id, name, description, status, order_num, created_at, updated_at
		FROM features WHERE project_id = ? ORDER BY order_num ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		f := &Feature{}
		var created, updated string
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Name, &f.Description, &f.Status, &f.Order, &created, &updated); err != nil {
			return nil, err
		}
		f.CreatedAt = parseTime(created)
		f.UpdatedAt = parseTime(updated)
		st.Features = append(st.Features, f)
	}
	return st, rows.Err()
}

// =============================================================================
// IDEAS
// =============================================================================

// AddIdea appends one idea to the backlog.
func (m *Manager) AddIdea(content string) (*Idea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	idea := &Idea{ID: newID("idea"), Content: content, Status: IdeaBacklog, CreatedAt: now}
	_, err := m.db.Exec(`
		INSERT INTO ideas (id, content, status, created_at) VALUES (?, ?, ?, ?)`,
		idea.ID, idea.Content, idea.Status, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to add idea: %w", err)
	}
	logging.Project("idea added to backlog: %s", idea.ID)
	return idea, nil
}

// BacklogIdeas lists backlog ideas oldest first; positions shown to the
// user are 1-based indexes into this list.
func (m *Manager) BacklogIdeas() ([]*Idea, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backlogLocked()
}

func (m *Manager) backlogLocked() ([]*Idea, error) {
	rows, err := m.db.Query(`
		SELECT id, content, status, promoted_to, created_at
		FROM ideas WHERE status = 'backlog' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Idea
	for rows.Next() {
		idea := &Idea{}
		var created string
		if err := rows.Scan(&idea.ID, &idea.Content, &idea.Status, &idea.PromotedTo, &created); err != nil {
			return nil, err
		}
		idea.CreatedAt = parseTime(created)
		out = append(out, idea)
	}
	return out, rows.Err()
}

func (m *Manager) ideaByPosition(n int) (*Idea, error) {
	backlog, err := m.backlogLocked()
	if err != nil {
		return nil, err
	}
	if n < 1 || n > len(backlog) {
		return nil, fmt.Errorf("idea %d: %w (backlog has %d)", n, ErrNotFound, len(backlog))
	}
	return backlog[n-1], nil
}

// PromoteIdea turns the nth backlog idea (1-based) into a new project,
// honoring the single-active rule.
func (m *Manager) PromoteIdea(n int) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idea, err := m.ideaByPosition(n)
	if err != nil {
		return nil, err
	}

	active, err := m.activeProjectLocked()
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w (%s)", ErrActiveProjectExists, active.Name)
	}

	now := time.Now().UTC()
	name := idea.Content
	if len(name) > 60 {
		name = name[:60]
	}
	p := &Project{
		ID: newID("proj"), Name: name, Description: idea.Content,
		Status: StatusPlanning, CreatedAt: now, UpdatedAt: now,
	}
	if _, err := m.db.Exec(`
		INSERT INTO projects (id, name, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Status, formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("failed to promote idea: %w", err)
	}
	if _, err := m.db.Exec(`UPDATE ideas SET status = 'promoted', promoted_to = ? WHERE id = ?`, p.ID, idea.ID); err != nil {
		return nil, err
	}
	logging.Project("promoted idea %s to project %s", idea.ID, p.ID)
	return p, nil
}

// ArchiveIdea removes the nth backlog idea (1-based) from consideration.
func (m *Manager) ArchiveIdea(n int) (*Idea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idea, err := m.ideaByPosition(n)
	if err != nil {
		return nil, err
	}
	if _, err := m.db.Exec(`UPDATE ideas SET status = 'archived' WHERE id = ?`, idea.ID); err != nil {
		return nil, err
	}
	idea.Status = IdeaArchived
	logging.Project("archived idea %s", idea.ID)
	return idea, nil
}
