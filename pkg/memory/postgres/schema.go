// Package postgres provides a PostgreSQL-backed implementation of the
// semantic memory store (§4.10).
//
// The pgvector extension must be available in the target database;
// [Migrate] installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder, extractor)
//	if err != nil { … }
//
//	id, _ := store.Store(ctx, tenantID, memory.TypeFact, "likes tulips", convID, 40)
//	results, _ := store.Search(ctx, tenantID, "garden", 3, 0.65)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlMemories returns the memories table DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at
// schema-creation time, matching the teacher's ddlL2 idiom.
func ddlMemories(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id                     TEXT         PRIMARY KEY,
    tenant_id              TEXT         NOT NULL,
    type                   TEXT         NOT NULL,
    content                TEXT         NOT NULL,
    importance             SMALLINT     NOT NULL DEFAULT 50,
    source_conversation_id TEXT         NOT NULL DEFAULT '',
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_accessed_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    access_count           INTEGER      NOT NULL DEFAULT 0,
    embedding              vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_memories_tenant_type
    ON memories (tenant_id, type);

CREATE INDEX IF NOT EXISTS idx_memories_tenant_recent
    ON memories (tenant_id, last_accessed_at DESC);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the memories table and the pgvector extension
// exist. Idempotent and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlMemories(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
