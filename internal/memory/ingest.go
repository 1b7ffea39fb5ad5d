package memory

import (
	"context"
	"fmt"
	"strings"

	"atelier/internal/embedding"
	"atelier/internal/logging"
)

// =============================================================================
// DEDUPLICATION
// =============================================================================

// Dedup thresholds. DedupWindow and DuplicateBoost are exported for
// callers that store distilled memories outside Ingest.
const (
	exactDupThreshold = 0.95
	nearDupThreshold  = 0.85
	DuplicateBoost    = 0.1
	DedupWindow       = 50
)

// Verdict classifies a new embedding against the existing corpus.
type Verdict string

const (
	VerdictExactDup Verdict = "EXACT_DUP"
	VerdictNearDup  Verdict = "NEAR_DUP"
	VerdictUnique   Verdict = "UNIQUE"
)

// DedupResult carries a verdict and the best-matching existing row.
type DedupResult struct {
	Verdict    Verdict
	MatchedID  string
	Similarity float64
}

// ClassifyDuplicate computes the max cosine of vec against the candidates
// and maps it to a verdict: >=0.95 exact duplicate, 0.85..0.95 near
// duplicate, otherwise unique. Candidates without embeddings are skipped.
func ClassifyDuplicate(vec []float32, candidates []*Memory) DedupResult {
	best := DedupResult{Verdict: VerdictUnique}
	for _, cand := range candidates {
		if cand.Embedding == nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(vec, cand.Embedding)
		if err != nil {
			continue
		}
		if sim > best.Similarity {
			best.Similarity = sim
			best.MatchedID = cand.ID
		}
	}
	switch {
	case best.Similarity >= exactDupThreshold:
		best.Verdict = VerdictExactDup
	case best.Similarity >= nearDupThreshold:
		best.Verdict = VerdictNearDup
	default:
		best.Verdict = VerdictUnique
		best.MatchedID = ""
	}
	return best
}

// =============================================================================
// TURN INGEST
// =============================================================================

// Turn is one ingestable conversation unit: the user message, the agent's
// reply, and the gating metadata.
type Turn struct {
	UserMessage   string
	AgentResponse string
	SourceAgent   string
	Tags          []string
	Signals       []string
}

// text renders the turn as the string that gets chunked and stored.
func (t Turn) text() string {
	var b strings.Builder
	if strings.TrimSpace(t.UserMessage) != "" {
		b.WriteString(strings.TrimSpace(t.UserMessage))
	}
	if strings.TrimSpace(t.AgentResponse) != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(t.AgentResponse))
	}
	return b.String()
}

// chunkWindow caps a single chunk's length.
const chunkWindow = 1000

// Chunk splits a turn's text into storable units: paragraphs first, then
// sentence-packed windows of at most chunkWindow characters. Concatenating
// the chunks reproduces the text modulo whitespace.
func Chunk(text string) []string {
	var chunks []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= chunkWindow {
			chunks = append(chunks, para)
			continue
		}

		// Pack sentences into windows.
		var cur strings.Builder
		for _, sentence := range sentenceSplit(para) {
			if cur.Len() > 0 && cur.Len()+len(sentence)+2 > chunkWindow {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			if cur.Len() > 0 {
				cur.WriteString(". ")
			}
			cur.WriteString(sentence)
		}
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
		}
	}
	return chunks
}

// Ingest chunks a turn, embeds each chunk, runs dedup against the recent
// window and stores what survives. Returns the ids of stored rows.
// Embedding failure is non-fatal: the chunk is stored without a vector and
// excluded from similarity search.
func (s *Store) Ingest(ctx context.Context, turn Turn) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Ingest")
	defer timer.Stop()

	text := turn.text()
	if text == "" {
		return nil, fmt.Errorf("cannot ingest an empty turn")
	}

	importance := ImportanceFromSignals(turn.Signals)
	recent, err := s.RecentMemories(DedupWindow)
	if err != nil {
		return nil, err
	}

	var stored []string
	for _, chunk := range Chunk(text) {
		var vec []float32
		if s.engine != nil {
			v, err := s.engine.Embed(ctx, chunk)
			if err != nil {
				logging.MemoryWarn("Embedding failed for chunk, storing without vector: %v", err)
			} else {
				vec = v
			}
		}

		if vec != nil {
			res := ClassifyDuplicate(vec, recent)
			switch res.Verdict {
			case VerdictExactDup:
				logging.MemoryDebug("Exact duplicate of %s (%.3f), boosting instead of storing", res.MatchedID, res.Similarity)
				if err := s.BoostImportance(res.MatchedID, DuplicateBoost); err != nil {
					return stored, err
				}
				continue
			case VerdictNearDup:
				mem := &Memory{
					Content:     chunk,
					Embedding:   vec,
					Importance:  importance,
					Tags:        turn.Tags,
					SourceAgent: turn.SourceAgent,
				}
				if err := s.InsertMemory(mem); err != nil {
					return stored, err
				}
				if err := s.AddLink(mem.ID, res.MatchedID, "related_to", res.Similarity); err != nil {
					return stored, err
				}
				stored = append(stored, mem.ID)
				recent = append([]*Memory{mem}, recent...)
				continue
			}
		}

		mem := &Memory{
			Content:     chunk,
			Embedding:   vec,
			Importance:  importance,
			Tags:        turn.Tags,
			SourceAgent: turn.SourceAgent,
		}
		if err := s.InsertMemory(mem); err != nil {
			return stored, err
		}
		stored = append(stored, mem.ID)
		if vec != nil {
			recent = append([]*Memory{mem}, recent...)
		}
	}

	logging.Memory("Ingested turn from %s: %d chunks stored", turn.SourceAgent, len(stored))
	return stored, nil
}
