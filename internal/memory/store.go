// Package memory implements the two-tier semantic memory engine: the
// SQLite store for memories, knowledge facts and memory links, plus the
// ingest, retrieval, consolidation, graduation and refresh paths built on
// top of it.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"atelier/internal/embedding"
	"atelier/internal/logging"
)

// Memory tiers.
const (
	TierShortTerm = "short_term"
	TierLongTerm  = "long_term"
)

// =============================================================================
// TYPES
// =============================================================================

// Memory is one row of the memories table.
type Memory struct {
	ID          string                 `json:"id"`
	Content     string                 `json:"content"`
	Embedding   []float32              `json:"-"`
	Tier        string                 `json:"tier"`
	Importance  float64                `json:"importance"`
	Tags        []string               `json:"tags,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	AccessCount int                    `json:"access_count"`
	SourceAgent string                 `json:"source_agent,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Fact is one row of the knowledge_cache table. Confidence 1.0 marks a
// permanent fact, exempt from graduation mutations.
type Fact struct {
	ID             string                 `json:"id"`
	Fact           string                 `json:"fact"`
	Embedding      []float32              `json:"-"`
	Source         string                 `json:"source,omitempty"`
	VerifiedBy     string                 `json:"verified_by,omitempty"`
	VerifiedAt     time.Time              `json:"verified_at"`
	Confidence     float64                `json:"confidence"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	LastAccessedAt time.Time              `json:"last_accessed_at"`
	AccessCount    int                    `json:"access_count"`
}

// Contradicted reports whether the fact's metadata marks it contradicted.
func (f *Fact) Contradicted() bool {
	v, _ := f.Metadata["contradicted"].(bool)
	return v
}

// NeedsReverify reports whether the fact is flagged for re-verification.
func (f *Fact) NeedsReverify() bool {
	v, _ := f.Metadata["needs_reverify"].(bool)
	return v
}

// Link is a directed edge between two memory rows.
type Link struct {
	A        string  `json:"memory_id_a"`
	B        string  `json:"memory_id_b"`
	Relation string  `json:"relation_type"`
	Strength float64 `json:"strength"`
}

// =============================================================================
// STORE
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	embedding BLOB,
	tier TEXT NOT NULL DEFAULT 'short_term' CHECK(tier IN ('short_term', 'long_term')),
	importance REAL NOT NULL DEFAULT 0.5,
	tags TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	source_agent TEXT,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS knowledge_cache (
	id TEXT PRIMARY KEY,
	fact TEXT NOT NULL,
	embedding BLOB,
	source TEXT,
	verified_by TEXT,
	verified_at TEXT,
	confidence REAL NOT NULL DEFAULT 0.8,
	metadata TEXT,
	last_accessed_at TEXT,
	access_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS memory_links (
	memory_id_a TEXT NOT NULL,
	memory_id_b TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	strength REAL NOT NULL DEFAULT 1.0,
	PRIMARY KEY (memory_id_a, memory_id_b, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(tier);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_links_a ON memory_links(memory_id_a);
`

// Store wraps the memory database and the embedding engine. A single
// process owns the writer; cron runners open their own handle and
// coordinate through WAL and busy timeouts.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	engine embedding.Engine
}

// Open opens (or creates) the memory database at path and initializes the
// schema idempotently. The engine may be nil for maintenance-only handles
// that never embed new text.
func Open(path string, engine embedding.Engine) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Open")
	defer timer.Stop()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory db: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}

	logging.Memory("Memory store opened at %s", path)
	return &Store{db: db, engine: engine}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Engine returns the embedding engine the store was opened with.
func (s *Store) Engine() embedding.Engine {
	return s.engine
}

// =============================================================================
// MEMORY ACCESSORS
// =============================================================================

// InsertMemory stores a memory row. Missing id, tier and timestamps are
// filled in.
func (s *Store) InsertMemory(m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Tier == "" {
		m.Tier = TierShortTerm
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}

	var blob []byte
	if m.Embedding != nil {
		blob = embedding.Serialize(m.Embedding)
	}

	_, err := s.db.Exec(
		`INSERT INTO memories
		 (id, content, embedding, tier, importance, tags, created_at, updated_at, access_count, source_agent, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, blob, m.Tier, m.Importance, marshalTags(m.Tags),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt), m.AccessCount,
		m.SourceAgent, marshalMeta(m.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// GetMemory returns one memory by id, or nil when absent.
func (s *Store) GetMemory(id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(memorySelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory %s: %w", id, err)
	}
	defer rows.Close()

	mems, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return nil, nil
	}
	return mems[0], nil
}

// RecentMemories returns the newest limit rows, newest first. This is the
// dedup candidate window.
func (s *Store) RecentMemories(limit int) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(memorySelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// MemoriesWithEmbeddings returns every row that carries an embedding.
// Legacy rows with a null vector are excluded from similarity search.
func (s *Store) MemoriesWithEmbeddings() ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(memorySelect + ` WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query embedded memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ShortTermOlderThan returns short-term rows created before the cutoff.
func (s *Store) ShortTermOlderThan(cutoff time.Time) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		memorySelect+` WHERE tier = 'short_term' AND created_at < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query old short-term memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// BoostImportance raises a memory's importance by delta, capped at 1.0,
// and touches updated_at. Used when an exact duplicate is re-observed.
func (s *Store) BoostImportance(id string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE memories
		 SET importance = MIN(1.0, importance + ?), updated_at = ?
		 WHERE id = ?`,
		delta, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to boost importance of %s: %w", id, err)
	}
	return nil
}

// TouchMemoryAccess increments a memory's access counter.
func (s *Store) TouchMemoryAccess(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE memories SET access_count = access_count + 1 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch memory %s: %w", id, err)
	}
	return nil
}

// DeleteMemory removes a memory row. Links referencing it are kept as the
// audit trail.
func (s *Store) DeleteMemory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory %s: %w", id, err)
	}
	return nil
}

// CountMemories returns the number of memory rows.
func (s *Store) CountMemories() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// PruneShortTermBelow deletes short-term rows with importance below the
// threshold and returns the number removed.
func (s *Store) PruneShortTermBelow(threshold float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM memories WHERE tier = 'short_term' AND importance < ?`, threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune short-term memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountShortTermBelow counts prune candidates without mutating (dry run).
func (s *Store) CountShortTermBelow(threshold float64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM memories WHERE tier = 'short_term' AND importance < ?`, threshold,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count prune candidates: %w", err)
	}
	return n, nil
}

// =============================================================================
// LINK ACCESSORS
// =============================================================================

// AddLink inserts a directed link; duplicate (a, b, relation) triples are
// ignored.
func (s *Store) AddLink(a, b, relation string, strength float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO memory_links (memory_id_a, memory_id_b, relation_type, strength)
		 VALUES (?, ?, ?, ?)`,
		a, b, relation, strength,
	)
	if err != nil {
		return fmt.Errorf("failed to add link %s->%s: %w", a, b, err)
	}
	return nil
}

// LinksFrom returns every link whose source is the given memory id.
func (s *Store) LinksFrom(id string) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT memory_id_a, memory_id_b, relation_type, strength
		 FROM memory_links WHERE memory_id_a = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query links from %s: %w", id, err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.A, &l.B, &l.Relation, &l.Strength); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// =============================================================================
// FACT ACCESSORS
// =============================================================================

// InsertFact stores a knowledge-cache row. Missing id and verified_at are
// filled in.
func (s *Store) InsertFact(f *Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.VerifiedAt.IsZero() {
		f.VerifiedAt = time.Now().UTC()
	}

	var blob []byte
	if f.Embedding != nil {
		blob = embedding.Serialize(f.Embedding)
	}

	var lastAccessed interface{}
	if !f.LastAccessedAt.IsZero() {
		lastAccessed = formatTime(f.LastAccessedAt)
	}

	_, err := s.db.Exec(
		`INSERT INTO knowledge_cache
		 (id, fact, embedding, source, verified_by, verified_at, confidence, metadata, last_accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Fact, blob, f.Source, f.VerifiedBy, formatTime(f.VerifiedAt),
		f.Confidence, marshalMeta(f.Metadata), lastAccessed, f.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fact: %w", err)
	}
	return nil
}

// AllFacts returns every knowledge-cache row.
func (s *Store) AllFacts() ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(factSelect)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// FactsWithEmbeddings returns facts that carry an embedding.
func (s *Store) FactsWithEmbeddings() ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(factSelect + ` WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query embedded facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// GetFact returns one fact by id, or nil when absent.
func (s *Store) GetFact(id string) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(factSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query fact %s: %w", id, err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}
	return facts[0], nil
}

// UpdateFactConfidence sets a fact's confidence.
func (s *Store) UpdateFactConfidence(id string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence out of range: %f", confidence)
	}
	_, err := s.db.Exec(`UPDATE knowledge_cache SET confidence = ? WHERE id = ?`, confidence, id)
	if err != nil {
		return fmt.Errorf("failed to update confidence of %s: %w", id, err)
	}
	return nil
}

// SetFactMetadata replaces a fact's metadata mapping.
func (s *Store) SetFactMetadata(id string, meta map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE knowledge_cache SET metadata = ? WHERE id = ?`, marshalMeta(meta), id)
	if err != nil {
		return fmt.Errorf("failed to update metadata of %s: %w", id, err)
	}
	return nil
}

// TouchFactAccess increments a fact's access counter and stamps
// last_accessed_at.
func (s *Store) TouchFactAccess(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE knowledge_cache SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch fact %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// ROW SCANNING
// =============================================================================

const memorySelect = `SELECT id, content, embedding, tier, importance, tags, created_at, updated_at, access_count, source_agent, metadata FROM memories`

const factSelect = `SELECT id, fact, embedding, source, verified_by, verified_at, confidence, metadata, last_accessed_at, access_count FROM knowledge_cache`

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalTags(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s.String), &tags); err != nil {
		return nil
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func marshalMeta(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMeta(s sql.NullString) map[string]interface{} {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func scanMemories(rows *sql.Rows) ([]*Memory, error) {
	var mems []*Memory
	for rows.Next() {
		var (
			m                    Memory
			blob                 []byte
			tags, source, meta   sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(
			&m.ID, &m.Content, &blob, &m.Tier, &m.Importance, &tags,
			&createdAt, &updatedAt, &m.AccessCount, &source, &meta,
		); err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		if len(blob) > 0 {
			vec, err := embedding.Deserialize(blob)
			if err != nil {
				logging.MemoryWarn("Memory %s has a corrupt embedding blob: %v", m.ID, err)
			} else {
				m.Embedding = vec
			}
		}
		m.Tags = unmarshalTags(tags)
		m.SourceAgent = source.String
		m.Metadata = unmarshalMeta(meta)
		m.CreatedAt = parseTime(createdAt)
		m.UpdatedAt = parseTime(updatedAt)
		mems = append(mems, &m)
	}
	return mems, rows.Err()
}

func scanFacts(rows *sql.Rows) ([]*Fact, error) {
	var facts []*Fact
	for rows.Next() {
		var (
			f                        Fact
			blob                     []byte
			source, verifiedBy, meta sql.NullString
			verifiedAt, lastAccessed sql.NullString
		)
		if err := rows.Scan(
			&f.ID, &f.Fact, &blob, &source, &verifiedBy, &verifiedAt,
			&f.Confidence, &meta, &lastAccessed, &f.AccessCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fact row: %w", err)
		}
		if len(blob) > 0 {
			vec, err := embedding.Deserialize(blob)
			if err != nil {
				logging.MemoryWarn("Fact %s has a corrupt embedding blob: %v", f.ID, err)
			} else {
				f.Embedding = vec
			}
		}
		f.Source = source.String
		f.VerifiedBy = verifiedBy.String
		f.Metadata = unmarshalMeta(meta)
		if verifiedAt.Valid {
			f.VerifiedAt = parseTime(verifiedAt.String)
		}
		if lastAccessed.Valid {
			f.LastAccessedAt = parseTime(lastAccessed.String)
		}
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// sentenceSplit splits content on ". " boundaries, trimming whitespace.
// Shared by consolidation and chunking.
func sentenceSplit(content string) []string {
	parts := strings.Split(content, ". ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
