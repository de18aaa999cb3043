// Package memory defines the semantic memory service (§4.10): a single
// durable store of facts, preferences, events, concerns, relationships and
// stories extracted from call transcripts, retrieved by embedding similarity
// with importance/recency ranking.
//
// The teacher's three-layer L1 session log / L2 semantic index / L3
// knowledge graph split is collapsed here to the single entity spec.md
// needs, but keeps the teacher's interface-segregation style: [Store]
// exposes a [Semantic] sub-interface mirroring the teacher's Store.L2()
// split, so a caller that only needs raw embedding-backed lookups (the Tool
// Registry's lexical fallback, the context cache's interest weighting)
// doesn't have to go through the formatted-context path.
//
// All interfaces are public so that external packages can supply
// alternative storage backends without depending on careline internals.
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Store is the semantic memory service.
type Store interface {
	// Store embeds content, searches for an existing memory of the same
	// tenant and type within cosine ≥ 0.92, and either bumps that memory's
	// importance by +5 (clamped to 100) and LastAccessedAt, or inserts a new
	// row. Returns the memory's ID either way.
	Store(ctx context.Context, tenantID string, typ Type, content, source string, importance int) (string, error)

	// Search ranks memories of tenantID against query by cosine similarity,
	// then by importance (after applying temporal decay for ranking only),
	// then by recency, returning at most limit results with cosine ≥
	// minCosine.
	Search(ctx context.Context, tenantID, query string, limit int, minCosine float64) ([]ScoredMemory, error)

	// BuildContext assembles a per-type-capped, human-readable block of
	// tenantID's most relevant memories for injection into a system prompt.
	BuildContext(ctx context.Context, tenantID string) (string, error)

	// ExtractFromConversation submits transcript to the extraction LLM,
	// validates the returned items against the Memory schema, and stores
	// each via Store (so dedup applies). Failures degrade gracefully:
	// partial results are kept and the operation is not retried.
	ExtractFromConversation(ctx context.Context, tenantID, transcript, source string) error

	// Semantic exposes the embedding-backed index directly.
	Semantic() Semantic
}

// Semantic is the embedding-backed index underlying Store.
type Semantic interface {
	// SearchByEmbedding finds the topK memories of tenantID whose embeddings
	// are closest (cosine similarity) to embedding, with similarity ≥
	// minCosine. Ordered by descending similarity.
	SearchByEmbedding(ctx context.Context, tenantID string, embedding []float32, topK int, minCosine float64) ([]ScoredMemory, error)

	// Recent returns tenantID's memories created or last accessed since the
	// given instant, most recent first, capped at limit. Used for the
	// lexical fallback when the embedding provider times out, and for the
	// context cache's 7-day interest weighting.
	Recent(ctx context.Context, tenantID string, since time.Time, limit int) ([]Memory, error)
}
