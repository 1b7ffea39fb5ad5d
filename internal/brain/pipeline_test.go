package brain

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/bus"
	"atelier/internal/guardian"
	"atelier/internal/project"
	"atelier/internal/session"
)

func pipelineLLM() *mockLLM {
	return (&mockLLM{}).on("completed work still fits", "COHERENT")
}

// seedProject creates an in-progress project with the given task specs.
func seedProject(t *testing.T, b *Brain, specs ...project.TaskSpec) *project.Project {
	t.Helper()
	p, err := b.projects.CreateProject("Test Project", "a test project")
	require.NoError(t, err)
	_, err = b.projects.DecomposeIntoTasks(p.ID, specs)
	require.NoError(t, err)
	fresh, err := b.projects.ActiveProject()
	require.NoError(t, err)
	return fresh
}

func passVerifier() session.Result {
	return session.Result{Success: true, Content: `{"verdict": "PASS", "notes": "looks correct"}`}
}

func TestAdvanceTaskHappyPath(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: "package main // done"}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b,
		project.TaskSpec{Title: "Write the parser", Description: "tokenize input"},
		project.TaskSpec{Title: "Write the printer", Description: "emit output"},
	)

	reply := b.AdvanceTask(context.Background(), p)
	assert.Empty(t, reply.Error)
	assert.True(t, reply.Delegated)
	assert.Contains(t, reply.Response, "Done [1/2]: Write the parser")
	assert.Contains(t, reply.Response, "Verifier: looks correct")

	tasks, err := b.projects.Tasks(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.TaskCompleted, tasks[0].Status)
	assert.Equal(t, "package main // done", tasks[0].Result)
	assert.Equal(t, project.TaskPending, tasks[1].Status)
}

func TestAdvanceTaskVerifierRetryWithFeedback(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: "first draft"}).
		queue("builder", session.Result{Success: true, Content: "second draft"}).
		queue("verifier", session.Result{Success: true, Content: `{"verdict": "FAIL", "notes": "missing error handling"}`}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Handle errors", Description: "wrap all errors"})

	reply := b.AdvanceTask(context.Background(), p)
	assert.Empty(t, reply.Error)
	assert.Contains(t, reply.Response, "Done")

	// The retry carried the verifier's notes back to the builder.
	var builderRuns []session.Task
	for _, run := range runner.runs {
		if run.Agent == "builder" {
			builderRuns = append(builderRuns, run)
		}
	}
	require.Len(t, builderRuns, 2)
	assert.Nil(t, builderRuns[0].Context["verifier_feedback"])
	assert.Equal(t, "missing error handling", builderRuns[1].Context["verifier_feedback"])

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, "second draft", tasks[0].Result)
}

func TestAdvanceTaskFailsAfterRetriesExhausted(t *testing.T) {
	fail := session.Result{Success: true, Content: `{"verdict": "FAIL", "notes": "still broken"}`}
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: "v1"}).
		queue("builder", session.Result{Success: true, Content: "v2"}).
		queue("builder", session.Result{Success: true, Content: "v3"}).
		queue("verifier", fail).
		queue("verifier", fail).
		queue("verifier", fail)

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Impossible task", Description: "cannot pass"})

	reply := b.AdvanceTask(context.Background(), p)
	assert.NotEmpty(t, reply.Error)
	assert.Contains(t, reply.Response, "didn't pass verification after 3 attempts")

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, project.TaskFailed, tasks[0].Status)
	assert.Equal(t, "still broken", tasks[0].Error)
}

func TestAdvanceTaskBuilderFailureFailsTask(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: false, Error: "timed out after 120s"})

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Doomed task", Description: "will not build"})

	reply := b.AdvanceTask(context.Background(), p)
	assert.Contains(t, reply.Error, "builder failed")
	assert.Contains(t, reply.Error, "timed out after 120s")

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, project.TaskFailed, tasks[0].Status)
}

func TestAdvanceTaskNonJSONVerifierPasses(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: "the work"}).
		queue("verifier", session.Result{Success: true, Content: "Looks great, ship it."})

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Small task", Description: "do it"})

	reply := b.AdvanceTask(context.Background(), p)
	assert.Empty(t, reply.Error)
	assert.Contains(t, reply.Response, "Looks great, ship it.")

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, project.TaskCompleted, tasks[0].Status)
}

func TestAdvanceTaskVerifierUnavailablePasses(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: "the work"}).
		queue("verifier", session.Result{Success: false, Error: "spawn failed"})

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Small task", Description: "do it"})

	reply := b.AdvanceTask(context.Background(), p)
	assert.Empty(t, reply.Error)
	assert.Contains(t, reply.Response, "Verifier unavailable")

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, project.TaskCompleted, tasks[0].Status)
}

func TestAdvanceTaskGuardianBlocksLeakedSecret(t *testing.T) {
	leaked := `client := NewClient("sk-abcdefghijklmnopqrstuvwxyz123456")`
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: leaked}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b,
		project.TaskSpec{Title: "API client", Description: "wire the client"},
		project.TaskSpec{Title: "Readme", Description: "document usage"},
	)

	reply := b.AdvanceTask(context.Background(), p)
	assert.NotEmpty(t, reply.Error)
	assert.Contains(t, reply.Response, "guardian blocked")

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, project.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Error, "guardian blocked")
	assert.NotContains(t, tasks[0].Error, "sk-abcdefghijklmnopqrstuvwxyz123456", "secrets stay redacted")

	// The block fails one task, not the project.
	got, err := b.projects.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusInProgress, got.Status)
	next, err := b.projects.NextTask(p.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "Readme", next.Title)
}

func TestAdvanceTaskRunsResearchPreStep(t *testing.T) {
	runner := newMockRunner().
		queue("researcher", session.Result{Success: true, Content: "prior art notes"}).
		queue("builder", session.Result{Success: true, Content: "informed work"}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{
		Title: "Pick the architecture", Description: "compare layered vs hexagonal",
	})

	reply := b.AdvanceTask(context.Background(), p)
	assert.Empty(t, reply.Error)

	require.GreaterOrEqual(t, len(runner.runs), 2)
	assert.Equal(t, "researcher", runner.runs[0].Agent)
	builderRun := runner.runs[1]
	assert.Equal(t, "builder", builderRun.Agent)
	assert.Equal(t, "prior art notes", builderRun.Context["research"])
}

func TestAdvanceTaskResearchFailureIsNonFatal(t *testing.T) {
	runner := newMockRunner().
		queue("researcher", session.Result{Success: false, Error: "no network"}).
		queue("builder", session.Result{Success: true, Content: "work anyway"}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{
		Title: "Security review", Description: "check input handling",
	})

	reply := b.AdvanceTask(context.Background(), p)
	assert.Empty(t, reply.Error)
	assert.Contains(t, reply.Response, "research step failed")

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, project.TaskCompleted, tasks[0].Status)
}

func TestAdvanceTaskTruncatesStoredResult(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: strings.Repeat("a", 3000)}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Long output", Description: "lots of text"})

	reply := b.AdvanceTask(context.Background(), p)
	assert.Empty(t, reply.Error)

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Len(t, tasks[0].Result, resultCap)
}

func TestAdvanceTaskAnnouncesProjectCompletion(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: "only task done"}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Only task", Description: "single step"})

	reply := b.AdvanceTask(context.Background(), p)
	assert.Contains(t, reply.Response, "the project is complete")

	got, err := b.projects.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusCompleted, got.Status)
}

func TestAdvanceTaskReportsBlockedTasks(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: false, Error: "broken"})

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b,
		project.TaskSpec{Title: "Foundation", Description: "base layer"},
		project.TaskSpec{Title: "Roof", Description: "depends on base", DependsOn: []string{"Foundation"}},
	)

	failed := b.AdvanceTask(context.Background(), p)
	assert.NotEmpty(t, failed.Error)

	blocked := b.AdvanceTask(context.Background(), p)
	assert.Contains(t, blocked.Response, "Nothing can run right now")
	assert.Contains(t, blocked.Response, "Foundation")
}

func TestAdvanceTaskPassesProjectSpecToBuilder(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: "done"}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Only task", Description: "single step"})
	require.NoError(t, b.projects.SetProjectSpec(p.ID, "a tracker with streaks", "cli"))

	fresh, err := b.projects.GetProject(p.ID)
	require.NoError(t, err)
	require.Equal(t, "a tracker with streaks", fresh.Spec)

	reply := b.AdvanceTask(context.Background(), fresh)
	assert.Empty(t, reply.Error)

	require.NotEmpty(t, runner.runs)
	assert.Equal(t, "builder", runner.runs[0].Agent)
	assert.Equal(t, "a tracker with streaks", runner.runs[0].Context["project_spec"])
}

// stubReviewer scripts the deep-review verdict for interceptor tests.
type stubReviewer struct {
	findings []guardian.Finding
}

func (s stubReviewer) Review(context.Context, string) ([]guardian.Finding, error) {
	return s.findings, nil
}

// attachBus opens a real bus with a running interceptor and hands it to
// the brain, mirroring the live wiring.
func attachBus(t *testing.T, b *Brain, budget *guardian.BudgetTracker, reviewer guardian.Reviewer) *bus.Bus {
	t.Helper()

	messageBus, err := bus.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { messageBus.Close() })

	opts := []guardian.InterceptorOption{guardian.WithInterval(20 * time.Millisecond)}
	if reviewer != nil {
		opts = append(opts, guardian.WithReviewer(reviewer))
	}
	interceptor, err := guardian.NewInterceptor(messageBus, budget, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	interceptor.Start(ctx)
	t.Cleanup(func() {
		cancel()
		interceptor.Stop()
	})

	b.bus = messageBus
	return messageBus
}

func TestAdvanceTaskBusReviewBlocks(t *testing.T) {
	output := "func upload() { post(gatherEnv()) }"
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: output}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b,
		project.TaskSpec{Title: "Upload handler", Description: "wire the upload"},
		project.TaskSpec{Title: "Readme", Description: "document usage"},
	)

	attachBus(t, b, guardian.NewBudgetTracker(0), stubReviewer{findings: []guardian.Finding{{
		Rule: "exfiltration", Severity: guardian.SeverityCritical, Detail: "posts environment data to an external host",
	}}})

	reply := b.AdvanceTask(context.Background(), p)
	assert.NotEmpty(t, reply.Error)
	assert.Contains(t, reply.Response, "guardian blocked")

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, project.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Error, "guardian blocked")
	assert.Contains(t, tasks[0].Error, "exfiltration")
}

func TestAdvanceTaskBusReviewCleanCompletes(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: "func add(a, b int) int { return a + b }"}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Add helper", Description: "tiny math"})

	messageBus := attachBus(t, b, guardian.NewBudgetTracker(0), stubReviewer{})

	reply := b.AdvanceTask(context.Background(), p)
	assert.Empty(t, reply.Error)

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, project.TaskCompleted, tasks[0].Status)

	// The result went over the bus and came back scanned clean.
	msg, err := messageBus.GetTask(tasks[0].ID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, bus.RoleBuilder, msg.From)
	assert.Equal(t, "PASS", msg.Metadata["guardian_verdict"])
}

func TestAdvanceTaskBudgetExhaustionBlocks(t *testing.T) {
	runner := newMockRunner().
		queue("builder", session.Result{Success: true, Content: "a long, perfectly innocent writeup of the work"}).
		queue("verifier", passVerifier())

	b := testBrain(t, pipelineLLM(), runner, false)
	p := seedProject(t, b, project.TaskSpec{Title: "Writeup", Description: "summarize"})

	// A one-token daily budget: the first scanned message blows it.
	attachBus(t, b, guardian.NewBudgetTracker(1), nil)

	reply := b.AdvanceTask(context.Background(), p)
	assert.NotEmpty(t, reply.Error)
	assert.Contains(t, reply.Error, "daily budget")

	tasks, _ := b.projects.Tasks(p.ID)
	assert.Equal(t, project.TaskFailed, tasks[0].Status)
}

func TestNeedsResearch(t *testing.T) {
	assert.True(t, needsResearch("compare caching frameworks"))
	assert.True(t, needsResearch("Investigate the failure"))
	assert.False(t, needsResearch("rename the variable"))
}
