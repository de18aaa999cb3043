// Package mock provides an in-memory test double for [memory.Store].
//
// It records every method call for assertion in tests and exposes exported
// fields that control what it returns. Safe for concurrent use via an
// internal [sync.Mutex].
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/careline-ai/careline/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu sync.Mutex

	calls []Call

	// StoreResult is returned by [Store.Store] as the memory ID.
	StoreResult string
	StoreErr    error

	// SearchResult is returned by [Store.Search].
	SearchResult []memory.ScoredMemory
	SearchErr    error

	// BuildContextResult is returned by [Store.BuildContext].
	BuildContextResult string
	BuildContextErr    error

	ExtractFromConversationErr error

	// semantic backs [Store.Semantic].
	semantic *Semantic
}

// NewStore returns a Store with an embedded [Semantic] mock ready to use.
func NewStore() *Store {
	return &Store{semantic: &Semantic{}}
}

func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Store implements [memory.Store].
func (m *Store) Store(_ context.Context, tenantID string, typ memory.Type, content, source string, importance int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Store", Args: []any{tenantID, typ, content, source, importance}})
	return m.StoreResult, m.StoreErr
}

// Search implements [memory.Store].
func (m *Store) Search(_ context.Context, tenantID, query string, limit int, minCosine float64) ([]memory.ScoredMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{tenantID, query, limit, minCosine}})
	if m.SearchResult == nil {
		return []memory.ScoredMemory{}, m.SearchErr
	}
	out := make([]memory.ScoredMemory, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// BuildContext implements [memory.Store].
func (m *Store) BuildContext(_ context.Context, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "BuildContext", Args: []any{tenantID}})
	return m.BuildContextResult, m.BuildContextErr
}

// ExtractFromConversation implements [memory.Store].
func (m *Store) ExtractFromConversation(_ context.Context, tenantID, transcript, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ExtractFromConversation", Args: []any{tenantID, transcript, source}})
	return m.ExtractFromConversationErr
}

// Semantic implements [memory.Store].
func (m *Store) Semantic() memory.Semantic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.semantic
}

// SemanticMock returns the concrete [Semantic] double backing this Store,
// so tests can configure SearchByEmbeddingResult/RecentResult directly.
func (m *Store) SemanticMock() *Semantic {
	return m.semantic
}

var _ memory.Store = (*Store)(nil)

// Semantic is a configurable test double for [memory.Semantic].
type Semantic struct {
	mu sync.Mutex

	calls []Call

	SearchByEmbeddingResult []memory.ScoredMemory
	SearchByEmbeddingErr    error

	RecentResult []memory.Memory
	RecentErr    error
}

func (m *Semantic) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// SearchByEmbedding implements [memory.Semantic].
func (m *Semantic) SearchByEmbedding(_ context.Context, tenantID string, embedding []float32, topK int, minCosine float64) ([]memory.ScoredMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchByEmbedding", Args: []any{tenantID, embedding, topK, minCosine}})
	if m.SearchByEmbeddingResult == nil {
		return []memory.ScoredMemory{}, m.SearchByEmbeddingErr
	}
	out := make([]memory.ScoredMemory, len(m.SearchByEmbeddingResult))
	copy(out, m.SearchByEmbeddingResult)
	return out, m.SearchByEmbeddingErr
}

// Recent implements [memory.Semantic].
func (m *Semantic) Recent(_ context.Context, tenantID string, since time.Time, limit int) ([]memory.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{tenantID, since, limit}})
	if m.RecentResult == nil {
		return []memory.Memory{}, m.RecentErr
	}
	out := make([]memory.Memory, len(m.RecentResult))
	copy(out, m.RecentResult)
	return out, m.RecentErr
}

var _ memory.Semantic = (*Semantic)(nil)
