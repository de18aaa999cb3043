package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/careline-ai/careline/pkg/memory"
	"github.com/careline-ai/careline/pkg/provider/embeddings"
	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/types"
)

// dedupCosine is the similarity threshold above which a Store call is
// treated as a duplicate of an existing memory (§4.10).
const dedupCosine = 0.92

// dedupBump is the importance increment applied to a deduplicated memory.
const dedupBump = 5

// decayHalfLifeDays controls the temporal decay applied to importance for
// ranking purposes only (§4.10): exp(-age_days/180).
const decayHalfLifeDays = 180.0

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of [memory.Store]. It holds
// a single [pgxpool.Pool], an [embeddings.Provider] for producing memory and
// query embeddings, and an [llm.Provider] for the extraction step.
type Store struct {
	pool      *pgxpool.Pool
	embedder  embeddings.Provider
	extractor llm.Provider
	semantic  *semanticImpl
}

// NewStore creates a new Store, establishes a connection pool to dsn,
// registers pgvector types on every connection, and runs [Migrate].
//
// embedder.Dimensions() must match the dimension used for prior migrations;
// changing it afterward requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider, extractor llm.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:      pool,
		embedder:  embedder,
		extractor: extractor,
		semantic:  &semanticImpl{pool: pool},
	}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Semantic implements [memory.Store].
func (s *Store) Semantic() memory.Semantic { return s.semantic }

// Store implements [memory.Store].
func (s *Store) Store(ctx context.Context, tenantID string, typ memory.Type, content, source string, importance int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("postgres store: store: content must not be empty")
	}
	importance = memory.ClampImportance(importance)

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("postgres store: store: embed: %w", err)
	}

	dupID, found, err := s.findDuplicate(ctx, tenantID, typ, vec)
	if err != nil {
		return "", fmt.Errorf("postgres store: store: dedup lookup: %w", err)
	}
	if found {
		if err := s.bumpDuplicate(ctx, dupID); err != nil {
			return "", fmt.Errorf("postgres store: store: bump: %w", err)
		}
		return dupID, nil
	}

	id := uuid.NewString()
	const q = `
		INSERT INTO memories (id, tenant_id, type, content, importance, source_conversation_id, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, q, id, tenantID, string(typ), content, importance, source, pgvector.NewVector(vec)); err != nil {
		return "", fmt.Errorf("postgres store: store: insert: %w", err)
	}
	return id, nil
}

func (s *Store) findDuplicate(ctx context.Context, tenantID string, typ memory.Type, vec []float32) (string, bool, error) {
	const q = `
		SELECT id
		FROM   memories
		WHERE  tenant_id = $1 AND type = $2
		  AND  1 - (embedding <=> $3) >= $4
		ORDER  BY embedding <=> $3
		LIMIT  1`

	var id string
	err := s.pool.QueryRow(ctx, q, tenantID, string(typ), pgvector.NewVector(vec), dedupCosine).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) bumpDuplicate(ctx context.Context, id string) error {
	const q = `
		UPDATE memories
		SET    importance = LEAST(100, importance + $2),
		       last_accessed_at = now(),
		       access_count = access_count + 1
		WHERE  id = $1`
	_, err := s.pool.Exec(ctx, q, id, dedupBump)
	return err
}

// Search implements [memory.Store].
func (s *Store) Search(ctx context.Context, tenantID, query string, limit int, minCosine float64) ([]memory.ScoredMemory, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: embed query: %w", err)
	}

	const q = `
		SELECT id, tenant_id, type, content, importance, source_conversation_id,
		       created_at, last_accessed_at, access_count, embedding,
		       1 - (embedding <=> $1) AS cosine
		FROM   memories
		WHERE  tenant_id = $2
		  AND  1 - (embedding <=> $1) >= $3
		ORDER  BY cosine DESC,
		          (importance * exp(-(extract(epoch FROM now() - created_at) / 86400.0) / $4)) DESC,
		          last_accessed_at DESC
		LIMIT  $5`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), tenantID, minCosine, decayHalfLifeDays, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanScoredMemory)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.ScoredMemory{}
	}
	return results, nil
}

// typeCap describes one row of the per-type cap table used by BuildContext.
type typeCap struct {
	typ   memory.Type
	cap   int
	label string
}

// buildContextCaps mirrors spec.md §4.10's per-type cap table exactly.
var buildContextCaps = []typeCap{
	{memory.TypeFact, 3, "Facts"},
	{memory.TypePreference, 3, "Preferences"},
	{memory.TypeRelationship, 2, "Relationships"},
	{memory.TypeEvent, 3, "Events"},
	{memory.TypeConcern, 2, "Concerns"},
	{memory.TypeStory, 2, "Stories"},
}

// BuildContext implements [memory.Store].
func (s *Store) BuildContext(ctx context.Context, tenantID string) (string, error) {
	var b strings.Builder
	for _, tc := range buildContextCaps {
		mems, err := s.topByType(ctx, tenantID, tc.typ, tc.cap)
		if err != nil {
			return "", fmt.Errorf("postgres store: build context: %s: %w", tc.typ, err)
		}
		if len(mems) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", tc.label)
		for _, m := range mems {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	return b.String(), nil
}

func (s *Store) topByType(ctx context.Context, tenantID string, typ memory.Type, limit int) ([]memory.Memory, error) {
	const q = `
		SELECT id, tenant_id, type, content, importance, source_conversation_id,
		       created_at, last_accessed_at, access_count, embedding
		FROM   memories
		WHERE  tenant_id = $1 AND type = $2
		ORDER  BY (importance * exp(-(extract(epoch FROM now() - created_at) / 86400.0) / $3)) DESC,
		          last_accessed_at DESC
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, tenantID, string(typ), decayHalfLifeDays, limit)
	if err != nil {
		return nil, err
	}
	results, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []memory.Memory{}
	}
	return results, nil
}

// extractedItem is one element of the extraction LLM's expected JSON array
// response.
type extractedItem struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	Importance int    `json:"importance"`
}

var validExtractedTypes = map[string]bool{
	string(memory.TypeFact):         true,
	string(memory.TypePreference):   true,
	string(memory.TypeEvent):        true,
	string(memory.TypeConcern):      true,
	string(memory.TypeRelationship): true,
	string(memory.TypeStory):        true,
}

const extractionSystemPrompt = `You extract durable facts about an elderly person from a phone call transcript.
Return a JSON array of objects, each with "type" (one of fact, preference, event, concern, relationship, story),
"content" (a short third-person sentence), and "importance" (0-100). Return only the JSON array, nothing else.`

// ExtractFromConversation implements [memory.Store]. It is called
// asynchronously by the post-call processor; failures degrade gracefully
// and are never retried.
func (s *Store) ExtractFromConversation(ctx context.Context, tenantID, transcript, source string) error {
	resp, err := s.extractor.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractionSystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: transcript}},
		Temperature:  0,
		MaxTokens:    800,
	})
	if err != nil {
		return fmt.Errorf("postgres store: extract: llm call: %w", err)
	}

	items, err := parseExtractedItems(resp.Content)
	if err != nil {
		return fmt.Errorf("postgres store: extract: parse: %w", err)
	}

	for _, item := range items {
		if !validExtractedTypes[item.Type] || strings.TrimSpace(item.Content) == "" {
			slog.Warn("memory extract: dropping malformed item", "tenant", tenantID, "type", item.Type)
			continue
		}
		if _, err := s.Store(ctx, tenantID, memory.Type(item.Type), item.Content, source, item.Importance); err != nil {
			slog.Warn("memory extract: store failed, keeping partial results", "tenant", tenantID, "error", err)
		}
	}
	return nil
}

func parseExtractedItems(text string) ([]extractedItem, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array found in extraction response")
	}
	var items []extractedItem
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, err
	}
	return items, nil
}
