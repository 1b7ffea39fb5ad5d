// Package brain is the orchestrator: it classifies what the user wants,
// answers directly when it can, delegates to worker agents when it
// can't, and drives projects through the task pipeline.
package brain

import (
	"context"
	"strings"

	"atelier/internal/llm"
	"atelier/internal/logging"
)

// Intent is the classified shape of a user message.
type Intent string

const (
	IntentSimpleChat      Intent = "simple_chat"
	IntentBuildRequest    Intent = "build_request"
	IntentFactualQuestion Intent = "factual_question"
	IntentResearchRequest Intent = "research_request"
	IntentIdeaSuggestion  Intent = "idea_suggestion"
	IntentProjectRequest  Intent = "project_request"
	IntentComplexTask     Intent = "complex_task"
)

var validIntents = map[Intent]bool{
	IntentSimpleChat:      true,
	IntentBuildRequest:    true,
	IntentFactualQuestion: true,
	IntentResearchRequest: true,
	IntentIdeaSuggestion:  true,
	IntentProjectRequest:  true,
	IntentComplexTask:     true,
}

const classifySystem = `You classify user messages for an assistant that can chat, answer
questions, delegate coding and research work, and manage projects.
Respond with JSON only: {"intent": "<one of: simple_chat, build_request,
factual_question, research_request, idea_suggestion, project_request,
complex_task>"}.
- simple_chat: greetings, opinions, casual conversation
- factual_question: a question answerable from knowledge or memory
- build_request: one concrete coding or writing task
- research_request: asks to look something up or investigate
- idea_suggestion: pitches something to remember for later
- project_request: asks to start, manage, or query a multi-step project
- complex_task: needs several different specialists coordinated`

// classify asks the model for the intent. Anything unexpected, including
// a failed call, degrades to simple_chat.
func (b *Brain) classify(ctx context.Context, text string) Intent {
	var parsed struct {
		Intent string `json:"intent"`
	}
	resp := b.llm.GenerateJSON(ctx, llm.Request{
		Agent:       "brain",
		Model:       b.defaultModel,
		System:      classifySystem,
		Messages:    []llm.Message{{Role: "user", Content: text}},
		Temperature: 0.0,
		MaxTokens:   100,
	}, &parsed)
	if resp.Err {
		logging.BrainWarn("intent classification failed, defaulting to simple_chat: %s", resp.Message)
		return IntentSimpleChat
	}

	intent := Intent(strings.TrimSpace(strings.ToLower(parsed.Intent)))
	if !validIntents[intent] {
		logging.BrainDebug("unknown intent %q, defaulting to simple_chat", parsed.Intent)
		return IntentSimpleChat
	}
	return intent
}
