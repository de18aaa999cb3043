package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/careline-ai/careline/pkg/memory"
)

// semanticImpl is the embedding-backed half of [Store], implementing
// [memory.Semantic]. Obtain one via [Store.Semantic] rather than
// constructing directly.
type semanticImpl struct {
	pool *pgxpool.Pool
}

// SearchByEmbedding implements [memory.Semantic]. It finds the topK
// memories of tenantID whose embeddings are closest (cosine similarity) to
// embedding, with similarity ≥ minCosine, ordered by descending similarity.
func (s *semanticImpl) SearchByEmbedding(ctx context.Context, tenantID string, embedding []float32, topK int, minCosine float64) ([]memory.ScoredMemory, error) {
	queryVec := pgvector.NewVector(embedding)

	const q = `
		SELECT id, tenant_id, type, content, importance, source_conversation_id,
		       created_at, last_accessed_at, access_count, embedding,
		       1 - (embedding <=> $1) AS cosine
		FROM   memories
		WHERE  tenant_id = $2
		  AND  1 - (embedding <=> $1) >= $3
		ORDER  BY cosine DESC
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, queryVec, tenantID, minCosine, topK)
	if err != nil {
		return nil, fmt.Errorf("semantic index: search by embedding: %w", err)
	}

	results, err := pgx.CollectRows(rows, scanScoredMemory)
	if err != nil {
		return nil, fmt.Errorf("semantic index: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.ScoredMemory{}
	}
	return results, nil
}

// Recent implements [memory.Semantic].
func (s *semanticImpl) Recent(ctx context.Context, tenantID string, since time.Time, limit int) ([]memory.Memory, error) {
	const q = `
		SELECT id, tenant_id, type, content, importance, source_conversation_id,
		       created_at, last_accessed_at, access_count, embedding
		FROM   memories
		WHERE  tenant_id = $1
		  AND  last_accessed_at >= $2
		ORDER  BY last_accessed_at DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic index: recent: %w", err)
	}

	results, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("semantic index: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.Memory{}
	}
	return results, nil
}

func scanMemory(row pgx.CollectableRow) (memory.Memory, error) {
	var (
		m   memory.Memory
		typ string
		vec pgvector.Vector
	)
	if err := row.Scan(
		&m.ID, &m.TenantID, &typ, &m.Content, &m.Importance, &m.SourceConversationID,
		&m.CreatedAt, &m.LastAccessedAt, &m.AccessCount, &vec,
	); err != nil {
		return memory.Memory{}, err
	}
	m.Type = memory.Type(typ)
	m.Embedding = vec.Slice()
	return m, nil
}

func scanScoredMemory(row pgx.CollectableRow) (memory.ScoredMemory, error) {
	var (
		sm  memory.ScoredMemory
		typ string
		vec pgvector.Vector
	)
	if err := row.Scan(
		&sm.Memory.ID, &sm.Memory.TenantID, &typ, &sm.Memory.Content, &sm.Memory.Importance,
		&sm.Memory.SourceConversationID, &sm.Memory.CreatedAt, &sm.Memory.LastAccessedAt,
		&sm.Memory.AccessCount, &vec, &sm.Cosine,
	); err != nil {
		return memory.ScoredMemory{}, err
	}
	sm.Memory.Type = memory.Type(typ)
	sm.Memory.Embedding = vec.Slice()
	return sm, nil
}
