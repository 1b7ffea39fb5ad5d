package brain

import (
	"context"
	"fmt"
	"strings"

	"atelier/internal/llm"
	"atelier/internal/logging"
	"atelier/internal/memory"
)

const retrieveLimit = 5

const chatSystem = `You are a capable personal assistant. Be direct, warm, and concrete.
Use the facts and memories provided when they are relevant; never invent
personal details that are not there.`

// directReply answers from the model plus retrieved memory, no
// delegation.
func (b *Brain) directReply(ctx context.Context, text string) *Reply {
	system := chatSystem

	if b.memory != nil {
		results, err := b.memory.RetrieveWithFacts(ctx, text, memory.StrategyBalanced, retrieveLimit)
		if err != nil {
			logging.BrainWarn("memory retrieval failed: %v", err)
		} else if len(results) > 0 {
			system += "\n\n" + formatRecall(results)
		}
	}

	resp := b.llm.Generate(ctx, llm.Request{
		Agent:       "brain",
		Model:       b.defaultModel,
		System:      system,
		Messages:    b.window(),
		Temperature: 0.7,
	})
	if resp.Err {
		return &Reply{
			Response: "I couldn't reach my language model just now. Give me a moment and try again.",
			Intent:   IntentSimpleChat,
			Error:    resp.Message,
		}
	}
	return &Reply{Response: resp.Content, Intent: IntentSimpleChat}
}

// formatRecall splits retrieval results into fact and memory sections.
func formatRecall(results []memory.Result) string {
	var facts, memories []string
	for _, r := range results {
		line := "- " + r.Content
		if r.Type == "fact" {
			facts = append(facts, line)
		} else {
			memories = append(memories, line)
		}
	}

	var b strings.Builder
	if len(facts) > 0 {
		b.WriteString("Known facts:\n")
		b.WriteString(strings.Join(facts, "\n"))
	}
	if len(memories) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Relevant memories:\n")
		b.WriteString(strings.Join(memories, "\n"))
	}
	return b.String()
}

// =============================================================================
// MEMORY GATE
// =============================================================================

const gateSystem = `You decide what from this exchange is worth remembering long-term.
Respond with JSON only:
{"memories": [{"text": "...", "importance": 0.0, "signals": ["..."], "tags": ["..."]}],
 "facts_for_cache": [{"fact": "...", "category": "...", "confidence": 0.0}]}
Memories are durable observations about the user or their work. Facts are
verifiable statements. Both lists may be empty. Importance and confidence
are 0 to 1.`

const factConfidenceFloor = 0.75

// memoryGate distills the exchange into memories and facts. All failures
// are swallowed: remembering is never worth breaking the conversation.
func (b *Brain) memoryGate(ctx context.Context, userText, response string) {
	if b.memory == nil {
		return
	}

	var parsed struct {
		Memories []struct {
			Text       string   `json:"text"`
			Importance float64  `json:"importance"`
			Signals    []string `json:"signals"`
			Tags       []string `json:"tags"`
		} `json:"memories"`
		FactsForCache []struct {
			Fact       string  `json:"fact"`
			Category   string  `json:"category"`
			Confidence float64 `json:"confidence"`
		} `json:"facts_for_cache"`
	}
	resp := b.llm.GenerateJSON(ctx, llm.Request{
		Agent:  "brain",
		Model:  b.defaultModel,
		System: gateSystem,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("User said:\n%s\n\nAssistant replied:\n%s", userText, response),
		}},
		Temperature: 0.0,
	}, &parsed)
	if resp.Err {
		logging.BrainDebug("memory gate skipped: %s", resp.Message)
		return
	}

	for _, m := range parsed.Memories {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if err := b.storeGatedMemory(ctx, m.Text, m.Importance, m.Signals, m.Tags); err != nil {
			logging.BrainDebug("memory gate store failed: %v", err)
		}
	}
	for _, f := range parsed.FactsForCache {
		if strings.TrimSpace(f.Fact) == "" || f.Confidence < factConfidenceFloor {
			continue
		}
		if err := b.storeGatedFact(ctx, f.Fact, f.Category, f.Confidence); err != nil {
			logging.BrainDebug("memory gate fact store failed: %v", err)
		}
	}
}

// storeGatedMemory inserts one distilled memory, deduplicating against
// the recent window the same way ingest does.
func (b *Brain) storeGatedMemory(ctx context.Context, text string, importance float64, signals, tags []string) error {
	vec, embedErr := b.memory.Engine().Embed(ctx, text)
	if embedErr == nil {
		recent, err := b.memory.RecentMemories(memory.DedupWindow)
		if err == nil {
			if dup := memory.ClassifyDuplicate(vec, recent); dup.Verdict == memory.VerdictExactDup {
				return b.memory.BoostImportance(dup.MatchedID, memory.DuplicateBoost)
			}
		}
	}

	if importance <= 0 {
		importance = memory.ImportanceFromSignals(signals)
	}
	if importance > 1 {
		importance = 1
	}
	return b.memory.InsertMemory(&memory.Memory{
		Content:     text,
		Embedding:   vec,
		Importance:  importance,
		Tags:        tags,
		SourceAgent: "brain",
	})
}

func (b *Brain) storeGatedFact(ctx context.Context, fact, category string, confidence float64) error {
	vec, _ := b.memory.Engine().Embed(ctx, fact)
	return b.memory.InsertFact(&memory.Fact{
		Fact:       fact,
		Embedding:  vec,
		Source:     "memory_gate",
		Confidence: confidence,
		Metadata:   map[string]interface{}{"category": category},
	})
}
