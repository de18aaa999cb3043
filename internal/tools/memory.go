package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/careline-ai/careline/pkg/memory"
)

// searchMemoriesBudget is the timeout for the embedding-backed search path
// before falling back to lexical matching against recently touched
// memories, per the Timeouts table (§4.6: 800ms).
const searchMemoriesBudget = 800 * time.Millisecond

const (
	searchMemoriesTopK      = 3
	searchMemoriesMinCosine = 0.6
)

// lexicalFallbackWindow bounds how far back Recent looks when the
// embedding search misses its budget.
const lexicalFallbackWindow = 30 * 24 * time.Hour

// lexicalFallbackPool is how many recent memories are pulled as candidates
// for Jaro-Winkler scoring.
const lexicalFallbackPool = 50

type searchMemoriesArgs struct {
	Query string `json:"query"`
}

func makeSearchMemoriesHandler(tenantID string, store memory.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a searchMemoriesArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "No matching memories found.", fmt.Errorf("search_memories: parse args: %w", err)
		}
		query := strings.TrimSpace(a.Query)
		if query == "" {
			return "No matching memories found.", fmt.Errorf("search_memories: query must not be empty")
		}

		results, err := searchWithBudget(ctx, tenantID, query, store)
		if err != nil {
			slog.Warn("search_memories failed", "tenant", tenantID, "error", err)
			return "No matching memories found.", nil
		}
		if len(results) == 0 {
			return "No matching memories found.", nil
		}
		return formatMemories(results), nil
	}
}

// searchWithBudget runs the embedding-backed Search within
// searchMemoriesBudget. If it does not complete in time, it falls back to
// Jaro-Winkler scoring against recently accessed memories.
func searchWithBudget(ctx context.Context, tenantID, query string, store memory.Store) ([]memory.ScoredMemory, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, searchMemoriesBudget)
	defer cancel()

	type result struct {
		mems []memory.ScoredMemory
		err  error
	}
	done := make(chan result, 1)
	go func() {
		mems, err := store.Search(budgetCtx, tenantID, query, searchMemoriesTopK, searchMemoriesMinCosine)
		done <- result{mems, err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.mems, nil
		}
		slog.Warn("search_memories embedding search failed, falling back to lexical match", "tenant", tenantID, "error", r.err)
	case <-budgetCtx.Done():
		slog.Warn("search_memories exceeded budget, falling back to lexical match", "tenant", tenantID)
	}

	return lexicalFallback(ctx, tenantID, query, store.Semantic())
}

// lexicalFallback scores recently touched memories by Jaro-Winkler
// similarity against query, since the embedding path is unavailable.
func lexicalFallback(ctx context.Context, tenantID, query string, semantic memory.Semantic) ([]memory.ScoredMemory, error) {
	recent, err := semantic.Recent(ctx, tenantID, time.Now().Add(-lexicalFallbackWindow), lexicalFallbackPool)
	if err != nil {
		return nil, fmt.Errorf("lexical fallback: %w", err)
	}

	scored := make([]memory.ScoredMemory, 0, len(recent))
	for _, m := range recent {
		score := matchr.JaroWinkler(query, m.Content, true)
		if score < searchMemoriesMinCosine {
			continue
		}
		scored = append(scored, memory.ScoredMemory{Memory: m, Cosine: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Cosine > scored[j].Cosine })
	if len(scored) > searchMemoriesTopK {
		scored = scored[:searchMemoriesTopK]
	}
	return scored, nil
}

func formatMemories(results []memory.ScoredMemory) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(r.Memory.Content)
	}
	return b.String()
}

// saveableCategories is the subset of memory.Type values the
// save_important_detail tool accepts (§4.6 deliberately excludes "story",
// unlike the extraction pipeline).
var saveableCategories = map[string]bool{
	string(memory.TypeFact):         true,
	string(memory.TypePreference):   true,
	string(memory.TypeEvent):        true,
	string(memory.TypeConcern):      true,
	string(memory.TypeRelationship): true,
}

// saveImportantDetailImportance is the fixed importance assigned to
// operator-saved details (§4.6).
const saveImportantDetailImportance = 70

type saveImportantDetailArgs struct {
	Detail   string `json:"detail"`
	Category string `json:"category"`
}

func makeSaveImportantDetailHandler(tenantID string, store memory.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a saveImportantDetailArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "Could not save that detail.", fmt.Errorf("save_important_detail: parse args: %w", err)
		}
		detail := strings.TrimSpace(a.Detail)
		if detail == "" {
			return "Could not save that detail.", fmt.Errorf("save_important_detail: detail must not be empty")
		}
		if !saveableCategories[a.Category] {
			return "Could not save that detail.", fmt.Errorf("save_important_detail: invalid category %q", a.Category)
		}

		conversationID, _ := ctx.Value(conversationIDKey{}).(string)
		if _, err := store.Store(ctx, tenantID, memory.Type(a.Category), detail, conversationID, saveImportantDetailImportance); err != nil {
			slog.Warn("save_important_detail failed", "tenant", tenantID, "error", err)
			return "Could not save that detail.", err
		}
		return fmt.Sprintf("Noted: %s", detail), nil
	}
}

// conversationIDKey is the context key the session orchestrator uses to
// attach the active conversation ID, so save_important_detail can record
// provenance without threading it through every handler signature.
type conversationIDKey struct{}

// WithConversationID attaches a conversation ID to ctx for tools that
// record provenance (currently save_important_detail).
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, conversationID)
}
