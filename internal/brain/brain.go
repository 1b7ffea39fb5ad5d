package brain

import (
	"context"
	"fmt"
	"sync"

	"atelier/internal/bus"
	"atelier/internal/config"
	"atelier/internal/gitops"
	"atelier/internal/llm"
	"atelier/internal/logging"
	"atelier/internal/memory"
	"atelier/internal/project"
	"atelier/internal/session"
	"atelier/internal/usage"
)

// Conversation window limits.
const (
	historyCap   = 50 // messages kept before trimming
	historyHead  = 2  // earliest messages always kept
	historyTail  = 5  // messages kept after a token-guard trim
	contextGuard = 0.85
)

// Generator is the slice of the LLM client the brain uses.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) llm.Response
	GenerateJSON(ctx context.Context, req llm.Request, v interface{}) llm.Response
}

// Runner is the slice of the session spawner the brain uses.
type Runner interface {
	Run(ctx context.Context, task session.Task) session.Result
	DelegateParallel(ctx context.Context, tasks []session.Task) []session.Result
}

// Reply is the orchestrator's answer to one user message.
type Reply struct {
	Response     string
	Intent       Intent
	Delegated    bool
	Error        string
	AgentResults []session.Result
	ProjectID    string
}

// Brain ties the subsystems together. Safe for sequential use from one
// chat loop; the conversation window has its own lock.
type Brain struct {
	llm       Generator
	runner    Runner
	memory    *memory.Store
	projects  *project.Manager
	tracker   *usage.Tracker
	committer *gitops.Committer
	bus       *bus.Bus

	defaultModel  string
	contextTokens int
	agents        map[string]config.AgentConfig

	mu           sync.Mutex
	conversation []llm.Message
}

// Options carries the brain's collaborators. Memory, tracker, committer,
// and bus may be nil; the brain degrades gracefully without them.
type Options struct {
	LLM       Generator
	Runner    Runner
	Memory    *memory.Store
	Projects  *project.Manager
	Tracker   *usage.Tracker
	Committer *gitops.Committer
	Bus       *bus.Bus

	DefaultModel  string
	ContextTokens int
	Agents        map[string]config.AgentConfig
}

// New builds a Brain.
func New(opts Options) (*Brain, error) {
	if opts.LLM == nil {
		return nil, fmt.Errorf("brain requires an LLM client")
	}
	if opts.Projects == nil {
		return nil, fmt.Errorf("brain requires a project manager")
	}
	if opts.ContextTokens <= 0 {
		opts.ContextTokens = 100_000
	}
	return &Brain{
		llm:           opts.LLM,
		runner:        opts.Runner,
		memory:        opts.Memory,
		projects:      opts.Projects,
		tracker:       opts.Tracker,
		committer:     opts.Committer,
		bus:           opts.Bus,
		defaultModel:  opts.DefaultModel,
		contextTokens: opts.ContextTokens,
		agents:        opts.Agents,
	}, nil
}

// Handle processes one user message end to end. It never panics out:
// the recover turns an internal fault into an apology reply.
func (b *Brain) Handle(ctx context.Context, text string) (reply *Reply) {
	defer func() {
		if r := recover(); r != nil {
			logging.BrainError("recovered from panic: %v", r)
			reply = &Reply{
				Response: "Something went wrong on my side while handling that. Mind trying again?",
				Intent:   IntentSimpleChat,
				Error:    fmt.Sprintf("internal fault: %v", r),
			}
		}
	}()

	b.remember(llm.Message{Role: "user", Content: text})

	// Cheap routing before spending a classification call.
	switch {
	case project.DetectBacklogQuery(text):
		reply = b.handleBacklogQuery()
	case project.DetectIdea(text):
		reply = b.handleIdea(text)
	default:
		intent := b.classify(ctx, text)
		logging.Brain("intent=%s", intent)
		reply = b.route(ctx, intent, text)
	}

	b.remember(llm.Message{Role: "assistant", Content: reply.Response})
	b.memoryGate(ctx, text, reply.Response)
	return reply
}

func (b *Brain) route(ctx context.Context, intent Intent, text string) *Reply {
	reply := b.dispatch(ctx, intent, text)
	if reply.Intent == "" {
		reply.Intent = intent
	}
	return reply
}

func (b *Brain) dispatch(ctx context.Context, intent Intent, text string) *Reply {
	switch intent {
	case IntentIdeaSuggestion:
		return b.handleIdea(text)
	case IntentProjectRequest:
		return b.handleProject(ctx, text)
	case IntentBuildRequest:
		return b.delegateSingle(ctx, "builder", "implement", text)
	case IntentResearchRequest:
		return b.delegateSingle(ctx, "researcher", "research", text)
	case IntentFactualQuestion:
		// Factual questions go to the verifier, whose grounding tools keep
		// answers checkable.
		return b.delegateSingle(ctx, "verifier", "answer", text)
	case IntentComplexTask:
		return b.handleComplex(ctx, text)
	default: // simple_chat
		// An in-flight project takes precedence over chat when the user
		// is clearly steering it.
		if active, err := b.projects.ActiveProject(); err == nil && active != nil && active.Status == project.StatusInProgress {
			if isProjectCommand(text) {
				return b.handleProject(ctx, text)
			}
		}
		return b.directReply(ctx, text)
	}
}

// =============================================================================
// CONVERSATION WINDOW
// =============================================================================

// remember appends to the conversation ring: at most historyCap entries,
// always preserving the first two, trimming further when the estimated
// token count crosses the guard.
func (b *Brain) remember(msg llm.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conversation = append(b.conversation, msg)

	if len(b.conversation) > historyCap {
		head := b.conversation[:historyHead]
		tail := b.conversation[len(b.conversation)-(historyCap-historyHead):]
		b.conversation = append(append([]llm.Message{}, head...), tail...)
	}

	if estimateTokens(b.conversation) > int(float64(b.contextTokens)*contextGuard) {
		if len(b.conversation) > historyHead+historyTail {
			head := b.conversation[:historyHead]
			tail := b.conversation[len(b.conversation)-historyTail:]
			b.conversation = append(append([]llm.Message{}, head...), tail...)
			logging.BrainDebug("context guard trimmed conversation to %d messages", len(b.conversation))
		}
	}
}

// window returns a copy of the current conversation.
func (b *Brain) window() []llm.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]llm.Message, len(b.conversation))
	copy(out, b.conversation)
	return out
}

// estimateTokens uses the four-characters-per-token rule of thumb.
func estimateTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	return total
}

// modelFor returns the configured model for an agent, falling back to
// the default.
func (b *Brain) modelFor(agent string) string {
	if cfg, ok := b.agents[agent]; ok && cfg.Model != "" {
		return cfg.Model
	}
	return b.defaultModel
}

func (b *Brain) toolsFor(agent string) []string {
	if cfg, ok := b.agents[agent]; ok {
		return cfg.Tools
	}
	return nil
}
