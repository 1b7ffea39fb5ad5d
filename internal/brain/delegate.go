package brain

import (
	"context"
	"fmt"
	"strings"

	"atelier/internal/llm"
	"atelier/internal/logging"
	"atelier/internal/session"
)

// delegateSingle hands one task to one specialist and synthesizes the
// result into a user-facing answer. A failed delegation falls back to a
// direct answer with an honest note.
func (b *Brain) delegateSingle(ctx context.Context, agent, action, text string) *Reply {
	if b.runner == nil {
		reply := b.directReply(ctx, text)
		reply.Response += unavailableNote(agent)
		return reply
	}

	result := b.runner.Run(ctx, session.Task{
		Agent:   agent,
		Action:  action,
		Model:   b.modelFor(agent),
		Message: text,
		Tools:   b.toolsFor(agent),
	})

	if !result.Success {
		logging.BrainWarn("%s delegation failed: %s", agent, result.Error)
		reply := b.directReply(ctx, text)
		reply.Response += unavailableNote(agent)
		reply.AgentResults = []session.Result{result}
		return reply
	}

	reply := b.synthesize(ctx, text, []session.Result{result})
	reply.Delegated = true
	reply.AgentResults = []session.Result{result}
	return reply
}

func unavailableNote(agent string) string {
	return fmt.Sprintf("\n\n_(I handled this directly — my %s specialist is temporarily unavailable)_", agent)
}

const synthesisSystem = `You are a personal assistant presenting work done by your specialist
agents. Combine their outputs into one clear answer for the user. Credit
nothing to the agents; speak as one assistant. Mention gaps honestly when
an agent failed.`

// synthesize folds agent outputs into one reply. If the synthesis call
// fails, the raw outputs are concatenated instead.
func (b *Brain) synthesize(ctx context.Context, userText string, results []session.Result) *Reply {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The user asked:\n%s\n\nAgent outputs:\n", userText)
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&sb, "\n[%s/%s]\n%s\n", r.Agent, r.Action, r.Content)
		} else {
			fmt.Fprintf(&sb, "\n[%s/%s] FAILED: %s\n", r.Agent, r.Action, r.Error)
		}
	}

	resp := b.llm.Generate(ctx, llm.Request{
		Agent:       "brain",
		Model:       b.defaultModel,
		System:      synthesisSystem,
		Messages:    []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature: 0.6,
	})
	if resp.Err {
		logging.BrainWarn("synthesis failed, concatenating agent output: %s", resp.Message)
		var parts []string
		for _, r := range results {
			if r.Success && r.Content != "" {
				parts = append(parts, r.Content)
			} else if !r.Success {
				parts = append(parts, fmt.Sprintf("(%s did not finish: %s)", r.Agent, r.Error))
			}
		}
		return &Reply{Response: strings.Join(parts, "\n\n"), Error: resp.Message}
	}
	return &Reply{Response: resp.Content}
}

// =============================================================================
// DAG EXECUTION
// =============================================================================

// PlanTask is one node of a delegation plan.
type PlanTask struct {
	Agent       string   `json:"agent"`
	Action      string   `json:"action"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"` // keys of other plan tasks
}

// Key identifies the task's output in downstream context.
func (t PlanTask) Key() string {
	return t.Agent + "_" + t.Action
}

// BuildLayers groups plan tasks into execution layers: a task sits one
// layer past its deepest dependency. Tasks caught in a dependency cycle
// are pinned to layer zero with a warning; nothing is ever dropped.
func BuildLayers(tasks []PlanTask) [][]PlanTask {
	byKey := make(map[string]PlanTask, len(tasks))
	for _, t := range tasks {
		byKey[t.Key()] = t
	}

	layers := make(map[string]int, len(tasks))

	var assign func(key string, visited map[string]bool) int
	assign = func(key string, visited map[string]bool) int {
		if layer, ok := layers[key]; ok {
			return layer
		}
		if visited[key] {
			logging.BrainWarn("dependency cycle at %s, pinning to layer 0", key)
			layers[key] = 0
			return 0
		}
		visited[key] = true

		t, ok := byKey[key]
		if !ok {
			// Unknown dependency: treat as satisfied.
			return -1
		}
		layer := 0
		for _, dep := range t.DependsOn {
			if depLayer := assign(dep, visited); depLayer+1 > layer {
				layer = depLayer + 1
			}
		}
		// A cycle through this key already pinned it to layer 0.
		if pinned, ok := layers[key]; ok {
			return pinned
		}
		layers[key] = layer
		return layer
	}

	maxLayer := 0
	for _, t := range tasks {
		if l := assign(t.Key(), map[string]bool{}); l > maxLayer {
			maxLayer = l
		}
	}

	out := make([][]PlanTask, maxLayer+1)
	for _, t := range tasks {
		l := layers[t.Key()]
		out[l] = append(out[l], t)
	}
	return out
}

// ExecutePlan runs the plan layer by layer, each layer in parallel, with
// earlier results flowing to later layers as prior_results context.
func (b *Brain) ExecutePlan(ctx context.Context, userText string, plan []PlanTask) []session.Result {
	layers := BuildLayers(plan)
	priorResults := map[string]interface{}{}
	var all []session.Result

	for li, layer := range layers {
		logging.Brain("executing plan layer %d/%d (%d tasks)", li+1, len(layers), len(layer))

		tasks := make([]session.Task, 0, len(layer))
		for _, pt := range layer {
			taskCtx := map[string]interface{}{"request": userText}
			if len(priorResults) > 0 {
				taskCtx["prior_results"] = priorResults
			}
			tasks = append(tasks, session.Task{
				Agent:   pt.Agent,
				Action:  pt.Action,
				Model:   b.modelFor(pt.Agent),
				Message: pt.Description,
				Context: taskCtx,
				Tools:   b.toolsFor(pt.Agent),
			})
		}

		results := b.runner.DelegateParallel(ctx, tasks)
		for ri, r := range results {
			all = append(all, r)
			key := layer[ri].Key()
			if r.Success {
				priorResults[key] = r.Content
			} else {
				priorResults[key] = fmt.Sprintf("(failed: %s)", r.Error)
			}
		}
	}
	return all
}

const planSystem = `You decompose a request into tasks for specialist agents. Available
agents: builder (writes code and documents), researcher (looks things
up), verifier (reviews work). Respond with JSON only:
{"tasks": [{"agent": "...", "action": "one_word", "description": "what to do",
"depends_on": ["agent_action keys of prerequisite tasks"]}]}
Use two to five tasks. Only add a dependency when the task truly needs
the other's output.`

var knownAgents = map[string]bool{"builder": true, "researcher": true, "verifier": true}

// sanitizePlan clamps unknown agents to builder and drops self-deps.
func sanitizePlan(tasks []PlanTask) []PlanTask {
	out := make([]PlanTask, 0, len(tasks))
	for _, t := range tasks {
		if !knownAgents[t.Agent] {
			logging.BrainDebug("plan named unknown agent %q, using builder", t.Agent)
			t.Agent = "builder"
		}
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if dep != t.Key() {
				deps = append(deps, dep)
			}
		}
		t.DependsOn = deps
		out = append(out, t)
	}
	return out
}

// handleComplex plans a multi-agent DAG, executes it, and synthesizes.
func (b *Brain) handleComplex(ctx context.Context, text string) *Reply {
	if b.runner == nil {
		reply := b.directReply(ctx, text)
		reply.Intent = IntentComplexTask
		return reply
	}

	var parsed struct {
		Tasks []PlanTask `json:"tasks"`
	}
	resp := b.llm.GenerateJSON(ctx, llm.Request{
		Agent:       "brain",
		Model:       b.defaultModel,
		System:      planSystem,
		Messages:    []llm.Message{{Role: "user", Content: text}},
		Temperature: 0.2,
	}, &parsed)
	if resp.Err || len(parsed.Tasks) == 0 {
		logging.BrainWarn("planning failed, delegating to builder directly: %s", resp.Message)
		reply := b.delegateSingle(ctx, "builder", "implement", text)
		reply.Intent = IntentComplexTask
		return reply
	}

	results := b.ExecutePlan(ctx, text, sanitizePlan(parsed.Tasks))
	reply := b.synthesize(ctx, text, results)
	reply.Intent = IntentComplexTask
	reply.Delegated = true
	reply.AgentResults = results
	return reply
}
