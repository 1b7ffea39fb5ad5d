package brain

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"atelier/internal/llm"
	"atelier/internal/logging"
	"atelier/internal/project"
)

// handleIdea drops the pitch into the backlog.
func (b *Brain) handleIdea(text string) *Reply {
	content := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "idea:"))
	idea, err := b.projects.AddIdea(content)
	if err != nil {
		return &Reply{
			Response: "I couldn't save that idea just now, but I heard it.",
			Intent:   IntentIdeaSuggestion,
			Error:    err.Error(),
		}
	}
	if b.tracker != nil {
		b.tracker.LogActivity("idea_added", "brain", content, map[string]interface{}{"idea_id": idea.ID})
	}
	return &Reply{
		Response: "Noted — added to the backlog. Say \"show ideas\" to review it, or \"promote idea N\" when you want to build it.",
		Intent:   IntentIdeaSuggestion,
	}
}

// handleBacklogQuery lists the backlog with 1-based positions.
func (b *Brain) handleBacklogQuery() *Reply {
	ideas, err := b.projects.BacklogIdeas()
	if err != nil {
		return &Reply{Response: "I couldn't read the backlog.", Intent: IntentProjectRequest, Error: err.Error()}
	}
	if len(ideas) == 0 {
		return &Reply{Response: "The backlog is empty. Pitch me something!", Intent: IntentProjectRequest}
	}

	var sb strings.Builder
	sb.WriteString("Here's the backlog:\n")
	for i, idea := range ideas {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, idea.Content)
	}
	sb.WriteString("\nSay \"promote idea N\" to start one, or \"archive idea N\" to drop it.")
	return &Reply{Response: sb.String(), Intent: IntentProjectRequest}
}

var (
	promoteRe = regexp.MustCompile(`(?i)promote\s+idea\s+#?(\d+)`)
	archiveRe = regexp.MustCompile(`(?i)archive\s+idea\s+#?(\d+)`)
)

var projectCommandWords = []string{
	"status", "pause", "cancel", "promote idea", "archive idea",
	"next task", "continue", "keep going", "advance",
}

// isProjectCommand reports whether the text steers the active project.
func isProjectCommand(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range projectCommandWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// handleProject is the project sub-router: explicit commands first, then
// advancing the active project, then starting a new one.
func (b *Brain) handleProject(ctx context.Context, text string) *Reply {
	lower := strings.ToLower(text)

	if m := promoteRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return b.promoteIdea(ctx, n)
	}
	if m := archiveRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		idea, err := b.projects.ArchiveIdea(n)
		if err != nil {
			return &Reply{Response: fmt.Sprintf("I couldn't archive idea %d: %v", n, err), Intent: IntentProjectRequest, Error: err.Error()}
		}
		return &Reply{Response: fmt.Sprintf("Archived: %s", idea.Content), Intent: IntentProjectRequest}
	}

	active, err := b.projects.ActiveProject()
	if err != nil {
		return &Reply{Response: "I couldn't check the project state.", Intent: IntentProjectRequest, Error: err.Error()}
	}

	if active != nil {
		switch {
		case strings.Contains(lower, "status"):
			return b.projectStatusReply(active.ID)
		case strings.Contains(lower, "pause"):
			if err := b.projects.PauseProject(active.ID); err != nil {
				return &Reply{Response: "Pause failed.", Intent: IntentProjectRequest, Error: err.Error()}
			}
			return &Reply{Response: fmt.Sprintf("Paused %q. Say \"resume\" or start something else.", active.Name), Intent: IntentProjectRequest, ProjectID: active.ID}
		case strings.Contains(lower, "cancel"):
			if err := b.projects.CancelProject(active.ID); err != nil {
				return &Reply{Response: "Cancel failed.", Intent: IntentProjectRequest, Error: err.Error()}
			}
			return &Reply{Response: fmt.Sprintf("Cancelled %q.", active.Name), Intent: IntentProjectRequest, ProjectID: active.ID}
		}

		if active.Status == project.StatusInProgress {
			return b.AdvanceTask(ctx, active)
		}
		// Still planning: finish the plan before working tasks.
		return b.planProject(ctx, active)
	}

	return b.startProject(ctx, text)
}

func (b *Brain) promoteIdea(ctx context.Context, n int) *Reply {
	p, err := b.projects.PromoteIdea(n)
	if err != nil {
		return &Reply{Response: fmt.Sprintf("I couldn't promote idea %d: %v", n, err), Intent: IntentProjectRequest, Error: err.Error()}
	}
	reply := b.planProject(ctx, p)
	reply.Response = fmt.Sprintf("Promoted to project %q.\n\n%s", p.Name, reply.Response)
	return reply
}

func (b *Brain) startProject(ctx context.Context, text string) *Reply {
	name := text
	if len(name) > 60 {
		name = name[:60]
	}
	p, err := b.projects.CreateProject(name, text)
	if err != nil {
		return &Reply{
			Response: fmt.Sprintf("I can't start that yet: %v", err),
			Intent:   IntentProjectRequest,
			Error:    err.Error(),
		}
	}
	return b.planProject(ctx, p)
}

// =============================================================================
// SPEC WRITER AND TASK DECOMPOSER
// =============================================================================

const specSystem = `You are a pragmatic technical planner. Given a project request, produce
a compact plan. Respond with JSON only:
{"name": "short project name",
 "summary": "markdown spec, 2-3 sentences, of what will be built",
 "domain": "one-word area tag (cli, web, data, infra, ...)",
 "features": [{"name": "...", "description": "..."}],
 "tasks": [{"title": "...", "description": "...", "feature": "feature name",
            "depends_on": ["titles of prerequisite tasks"]}]}
Keep it to 2-4 features and 3-8 tasks, ordered so each task's
prerequisites come earlier in the list.`

// planProject drafts the plan, records features, and decomposes into
// tasks, moving the project to in_progress.
func (b *Brain) planProject(ctx context.Context, p *project.Project) *Reply {
	var plan struct {
		Name     string `json:"name"`
		Summary  string `json:"summary"`
		Domain   string `json:"domain"`
		Features []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"features"`
		Tasks []struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Feature     string   `json:"feature"`
			DependsOn   []string `json:"depends_on"`
		} `json:"tasks"`
	}
	resp := b.llm.GenerateJSON(ctx, llm.Request{
		Agent:       "brain",
		Model:       b.defaultModel,
		System:      specSystem,
		Messages:    []llm.Message{{Role: "user", Content: p.Description}},
		Temperature: 0.3,
	}, &plan)
	if resp.Err || len(plan.Tasks) == 0 {
		logging.BrainWarn("project planning failed for %s: %s", p.ID, resp.Message)
		return &Reply{
			Response:  fmt.Sprintf("I created the project %q but couldn't draft the plan yet. Ask me to plan it again in a moment.", p.Name),
			Intent:    IntentProjectRequest,
			ProjectID: p.ID,
			Error:     resp.Message,
		}
	}

	if err := b.projects.SetProjectSpec(p.ID, plan.Summary, plan.Domain); err != nil {
		return &Reply{Response: "Planning failed while saving the spec.", Intent: IntentProjectRequest, ProjectID: p.ID, Error: err.Error()}
	}
	p.Spec, p.Domain = plan.Summary, plan.Domain

	featureSpecs := make([]project.FeatureSpec, 0, len(plan.Features))
	for _, f := range plan.Features {
		featureSpecs = append(featureSpecs, project.FeatureSpec{Name: f.Name, Description: f.Description})
	}
	features, err := b.projects.AddFeatures(p.ID, featureSpecs)
	if err != nil {
		return &Reply{Response: "Planning failed while saving features.", Intent: IntentProjectRequest, ProjectID: p.ID, Error: err.Error()}
	}
	featureID := map[string]string{}
	for _, f := range features {
		featureID[strings.ToLower(f.Name)] = f.ID
	}

	taskSpecs := make([]project.TaskSpec, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		taskSpecs = append(taskSpecs, project.TaskSpec{
			Title:       t.Title,
			Description: t.Description,
			FeatureID:   featureID[strings.ToLower(t.Feature)],
			DependsOn:   t.DependsOn,
		})
	}
	tasks, err := b.projects.DecomposeIntoTasks(p.ID, taskSpecs)
	if err != nil {
		return &Reply{Response: "Planning failed while saving tasks.", Intent: IntentProjectRequest, ProjectID: p.ID, Error: err.Error()}
	}

	if b.tracker != nil {
		b.tracker.LogActivity("project_planned", "brain", p.Name, map[string]interface{}{
			"project_id": p.ID, "tasks": len(tasks),
		})
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Project %q is planned.\n\n%s\n\nTasks:\n", p.Name, plan.Summary)
	for i, t := range tasks {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, t.Title)
	}
	sb.WriteString("\nSay \"continue\" and I'll start working through them.")
	return &Reply{Response: sb.String(), Intent: IntentProjectRequest, ProjectID: p.ID}
}

// projectStatusReply renders the status summary.
func (b *Brain) projectStatusReply(projectID string) *Reply {
	st, err := b.projects.ProjectStatus(projectID)
	if err != nil {
		return &Reply{Response: "I couldn't compute the project status.", Intent: IntentProjectRequest, Error: err.Error()}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s — %d done, %d in progress, %d pending, %d failed.\n",
		st.Project.Name, st.Progress(), st.Completed, st.InProgress, st.Pending, st.Failed)
	for _, blocked := range st.Blocked {
		fmt.Fprintf(&sb, "Blocked: %q is waiting on failed task %q.\n", blocked.Task.Title, blocked.FailedDep.Title)
	}
	return &Reply{Response: sb.String(), Intent: IntentProjectRequest, ProjectID: projectID}
}
