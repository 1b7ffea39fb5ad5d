package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"atelier/internal/bus"
	"atelier/internal/guardian"
	"atelier/internal/llm"
	"atelier/internal/logging"
	"atelier/internal/project"
	"atelier/internal/session"
)

const (
	maxVerifierRetries = 2 // builder gets 1 + maxVerifierRetries attempts
	resultCap          = 2000

	// How long to wait for the interceptor's verdict on a published result.
	reviewWindow = 5 * time.Second
	reviewPoll   = 25 * time.Millisecond
)

// researchTriggers: task text containing any of these gets a researcher
// pre-step before the builder runs.
var researchTriggers = []string{
	"best practice", "architecture", "design", "compare", "evaluate",
	"research", "investigate", "security", "performance", "scalable",
	"pattern", "framework",
}

func needsResearch(text string) bool {
	lower := strings.ToLower(text)
	for _, trigger := range researchTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// AdvanceTask pushes the active project forward by exactly one task:
// optional research, build, verify loop, guardian check, coherence
// check, then completion with an auto-commit.
func (b *Brain) AdvanceTask(ctx context.Context, p *project.Project) *Reply {
	task, err := b.projects.NextTask(p.ID)
	if err != nil {
		return &Reply{Response: "I couldn't pick the next task.", Intent: IntentProjectRequest, ProjectID: p.ID, Error: err.Error()}
	}
	if task == nil {
		return b.noRunnableTaskReply(p)
	}
	if b.runner == nil {
		return &Reply{
			Response:  "I can't run worker agents in this setup, so the project is parked.",
			Intent:    IntentProjectRequest,
			ProjectID: p.ID,
			Error:     "no session runner configured",
		}
	}

	if err := b.projects.SetTaskInProgress(task.ID); err != nil {
		return &Reply{Response: "I couldn't claim the task.", Intent: IntentProjectRequest, ProjectID: p.ID, Error: err.Error()}
	}
	logging.Brain("advancing %s: task %q", p.Name, task.Title)

	var warnings []string
	var results []session.Result

	taskText := task.Title + "\n" + task.Description

	// Research pre-step, non-fatal on failure.
	research := ""
	if needsResearch(taskText) {
		r := b.runner.Run(ctx, session.Task{
			Agent:   "researcher",
			Action:  "research",
			Model:   b.modelFor("researcher"),
			Message: fmt.Sprintf("Research background for this task before it is implemented:\n%s", taskText),
			Tools:   b.toolsFor("researcher"),
		})
		results = append(results, r)
		if r.Success {
			research = r.Content
		} else {
			warnings = append(warnings, "research step failed: "+r.Error)
		}
	}

	// Build and verify loop.
	output, verifierNotes, buildResults, ok := b.buildAndVerify(ctx, p, task, research)
	results = append(results, buildResults...)
	if !ok {
		if err := b.projects.FailTask(task.ID, verifierNotes); err != nil {
			logging.BrainError("failed to record task failure: %v", err)
		}
		return &Reply{
			Response:     fmt.Sprintf("Task %q didn't pass verification after %d attempts: %s", task.Title, maxVerifierRetries+1, verifierNotes),
			Intent:       IntentProjectRequest,
			ProjectID:    p.ID,
			Delegated:    true,
			AgentResults: results,
			Error:        verifierNotes,
		}
	}

	// Guardian check on the accepted output.
	findings := guardian.ScanAll(output)
	switch guardian.MaxSeverity(findings) {
	case guardian.SeverityCritical:
		reasons := findingSummary(findings)
		if err := b.projects.FailTask(task.ID, "guardian blocked: "+reasons); err != nil {
			logging.BrainError("failed to record guardian block: %v", err)
		}
		return &Reply{
			Response:     fmt.Sprintf("The guardian blocked task %q: %s", task.Title, reasons),
			Intent:       IntentProjectRequest,
			ProjectID:    p.ID,
			Delegated:    true,
			AgentResults: results,
			Error:        reasons,
		}
	case guardian.SeverityHigh, guardian.SeverityMedium:
		warnings = append(warnings, "guardian flagged: "+findingSummary(findings))
	}

	// Bus round trip: the interceptor deep-reviews the published result
	// and enforces the budget. A blocked row is terminal for the task.
	if reason, flags := b.publishResult(ctx, task, output); reason != "" {
		if err := b.projects.FailTask(task.ID, "guardian blocked: "+reason); err != nil {
			logging.BrainError("failed to record guardian block: %v", err)
		}
		return &Reply{
			Response:     fmt.Sprintf("The guardian blocked task %q: %s", task.Title, reason),
			Intent:       IntentProjectRequest,
			ProjectID:    p.ID,
			Delegated:    true,
			AgentResults: results,
			Error:        reason,
		}
	} else if len(flags) > 0 {
		warnings = append(warnings, "guardian flagged: "+strings.Join(flags, "; "))
	}

	// Coherence check against the project direction.
	if concern := b.coherenceCheck(ctx, p, task, output); concern != "" {
		warnings = append(warnings, "coherence: "+concern)
	}

	result := output
	if len(result) > resultCap {
		result = result[:resultCap]
	}
	if err := b.projects.CompleteTask(task.ID, result); err != nil {
		return &Reply{Response: "The work finished but I couldn't record it.", Intent: IntentProjectRequest, ProjectID: p.ID, Error: err.Error()}
	}

	scope := p.Name
	if task.FeatureID != "" {
		if features, err := b.projects.Features(p.ID); err == nil {
			for _, f := range features {
				if f.ID == task.FeatureID {
					scope = f.Name
					break
				}
			}
		}
	}
	if b.committer != nil {
		b.committer.CommitTask(ctx, scope, task.Title)
	}
	if b.tracker != nil {
		b.tracker.LogActivity("task_completed", "builder", task.Title, map[string]interface{}{
			"project_id": p.ID, "task_id": task.ID,
		})
	}

	st, err := b.projects.ProjectStatus(p.ID)
	progress := ""
	if err == nil {
		progress = " " + st.Progress()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Done%s: %s", progress, task.Title)
	if verifierNotes != "" {
		fmt.Fprintf(&sb, "\nVerifier: %s", verifierNotes)
	}
	for _, w := range warnings {
		fmt.Fprintf(&sb, "\n⚠ %s", w)
	}
	if st != nil && st.Project.Status == project.StatusCompleted {
		sb.WriteString("\n\nThat was the last task — the project is complete.")
	}
	return &Reply{
		Response:     sb.String(),
		Intent:       IntentProjectRequest,
		ProjectID:    p.ID,
		Delegated:    true,
		AgentResults: results,
	}
}

// publishResult puts the accepted builder output on the bus and waits
// for the interceptor's verdict on it. Returns the block reason when the
// row was blocked, plus any flags the interceptor attached. No bus, a
// publish failure, or a row still unscanned at the end of the window all
// pass: the interceptor may simply not be running.
func (b *Brain) publishResult(ctx context.Context, task *project.Task, output string) (string, []string) {
	if b.bus == nil {
		return "", nil
	}

	id, err := b.bus.Send(&bus.Message{
		TaskID: task.ID,
		From:   bus.RoleBuilder,
		To:     bus.RoleBrain,
		Action: "task_result",
		Payload: map[string]interface{}{
			"artifact": output,
			"title":    task.Title,
		},
	})
	if err != nil {
		logging.BrainWarn("failed to publish task result for %s: %v", task.ID, err)
		return "", nil
	}

	deadline := time.Now().Add(reviewWindow)
	for {
		msg, err := b.bus.GetByID(id)
		if err != nil || msg == nil {
			return "", nil
		}
		if msg.Status == bus.StatusBlocked {
			return msg.Error, nil
		}
		if _, reviewed := msg.Metadata["guardian_verdict"]; reviewed {
			var flags []string
			if raw, ok := msg.Metadata["guardian_flags"].([]interface{}); ok {
				for _, f := range raw {
					if s, ok := f.(string); ok {
						flags = append(flags, s)
					}
				}
			}
			return "", flags
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return "", nil
		}
		time.Sleep(reviewPoll)
	}
}

// buildAndVerify runs the builder and the verifier loop. Returns the
// accepted output, the verifier's last notes, all agent results, and
// whether the work passed.
func (b *Brain) buildAndVerify(ctx context.Context, p *project.Project, task *project.Task, research string) (string, string, []session.Result, bool) {
	var results []session.Result
	feedback := ""
	notes := ""

	for attempt := 0; attempt <= maxVerifierRetries; attempt++ {
		buildCtx := map[string]interface{}{"task_spec": task.Description}
		if p.Spec != "" {
			buildCtx["project_spec"] = p.Spec
		}
		if research != "" {
			buildCtx["research"] = research
		}
		if feedback != "" {
			buildCtx["verifier_feedback"] = feedback
		}

		built := b.runner.Run(ctx, session.Task{
			Agent:   "builder",
			Action:  "implement",
			Model:   b.modelFor("builder"),
			Message: task.Title + "\n" + task.Description,
			Context: buildCtx,
			Tools:   b.toolsFor("builder"),
		})
		results = append(results, built)
		if !built.Success {
			return "", "builder failed: " + built.Error, results, false
		}

		verdict, vNotes, vResult := b.verify(ctx, task, built.Content)
		if vResult != nil {
			results = append(results, *vResult)
		}
		notes = vNotes
		if verdict == "PASS" {
			return built.Content, notes, results, true
		}

		logging.BrainWarn("verifier failed task %q (attempt %d): %s", task.Title, attempt+1, vNotes)
		feedback = vNotes
	}
	return "", notes, results, false
}

// verify asks the verifier agent for a PASS/FAIL verdict. An unavailable
// verifier or non-JSON output passes the work rather than stalling it.
func (b *Brain) verify(ctx context.Context, task *project.Task, implementation string) (string, string, *session.Result) {
	r := b.runner.Run(ctx, session.Task{
		Agent:  "verifier",
		Action: "verify",
		Model:  b.modelFor("verifier"),
		Message: fmt.Sprintf(
			"Verify this implementation against its task. Respond with JSON only: {\"verdict\": \"PASS\" or \"FAIL\", \"notes\": \"...\"}\n\nTask:\n%s\n%s\n\nImplementation:\n%s",
			task.Title, task.Description, implementation),
		Tools: b.toolsFor("verifier"),
	})
	if !r.Success {
		return "PASS", "Verifier unavailable — skipped", &r
	}

	var parsed struct {
		Verdict string `json:"verdict"`
		Notes   string `json:"notes"`
	}
	doc, ok := llm.ExtractJSON(r.Content)
	if !ok || json.Unmarshal([]byte(doc), &parsed) != nil {
		// Unparseable review: take it as prose approval.
		return "PASS", strings.TrimSpace(r.Content), &r
	}

	verdict := strings.ToUpper(strings.TrimSpace(parsed.Verdict))
	if verdict != "FAIL" {
		verdict = "PASS"
	}
	return verdict, parsed.Notes, &r
}

// coherenceCheck asks the model whether the output still fits the
// project. Returns the concern, or empty when coherent (or unknown).
func (b *Brain) coherenceCheck(ctx context.Context, p *project.Project, task *project.Task, output string) string {
	resp := b.llm.Generate(ctx, llm.Request{
		Agent: "brain",
		Model: b.defaultModel,
		System: "You check whether completed work still fits its project's direction. " +
			"Reply with exactly COHERENT if it does, otherwise one sentence naming the concern.",
		Messages: []llm.Message{{
			Role: "user",
			Content: fmt.Sprintf("Project: %s — %s\nTask: %s\nOutput:\n%s",
				p.Name, p.Description, task.Title, output),
		}},
		Temperature: 0.0,
		MaxTokens:   200,
	})
	if resp.Err {
		return ""
	}
	answer := strings.TrimSpace(resp.Content)
	if strings.EqualFold(answer, "COHERENT") || strings.HasPrefix(strings.ToUpper(answer), "COHERENT") {
		return ""
	}
	return answer
}

func (b *Brain) noRunnableTaskReply(p *project.Project) *Reply {
	st, err := b.projects.ProjectStatus(p.ID)
	if err != nil {
		return &Reply{Response: "Nothing is runnable right now.", Intent: IntentProjectRequest, ProjectID: p.ID, Error: err.Error()}
	}
	if len(st.Blocked) > 0 {
		var sb strings.Builder
		sb.WriteString("Nothing can run right now:\n")
		for _, blocked := range st.Blocked {
			fmt.Fprintf(&sb, "- %q is blocked by failed task %q (%s)\n",
				blocked.Task.Title, blocked.FailedDep.Title, blocked.FailedDep.Error)
		}
		return &Reply{Response: sb.String(), Intent: IntentProjectRequest, ProjectID: p.ID}
	}
	return &Reply{
		Response:  fmt.Sprintf("%s %s — no pending tasks left to run.", p.Name, st.Progress()),
		Intent:    IntentProjectRequest,
		ProjectID: p.ID,
	}
}

func findingSummary(findings []guardian.Finding) string {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, "; ")
}
