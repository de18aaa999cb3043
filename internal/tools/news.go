package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/types"
)

// newsCacheTTL is the lifetime of a cached news lookup, keyed by normalized
// topic (§4.6).
const newsCacheTTL = time.Hour

const newsSystemPrompt = `You answer brief news questions for a phone conversation with an elderly person.
Respond with up to two short, plain-language news items about the requested topic, one per line.
If you have nothing relevant, respond with exactly: not found.`

// NewsLookup answers get_news tool calls by prompting an [llm.Provider] for
// a short, spoken-friendly news summary, caching results for an hour per
// normalized topic so repeated questions about the same subject within a
// call (or across calls) don't re-issue the lookup.
//
// No dedicated news/search provider exists anywhere in the example corpus,
// so this reuses the existing LLM abstraction rather than introducing an
// unrooted dependency (see DESIGN.md).
type NewsLookup struct {
	provider llm.Provider

	mu    sync.Mutex
	cache map[string]newsCacheEntry
}

type newsCacheEntry struct {
	result    string
	expiresAt time.Time
}

// NewNewsLookup creates a NewsLookup backed by provider.
func NewNewsLookup(provider llm.Provider) *NewsLookup {
	return &NewsLookup{
		provider: provider,
		cache:    make(map[string]newsCacheEntry),
	}
}

// Lookup returns a short news summary for topic, using the 1-hour cache
// when available.
func (n *NewsLookup) Lookup(ctx context.Context, topic string) (string, error) {
	key := normalizeTopic(topic)
	if key == "" {
		return "", fmt.Errorf("news lookup: topic must not be empty")
	}

	if cached, ok := n.cached(key); ok {
		return cached, nil
	}

	resp, err := n.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: newsSystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: topic}},
		Temperature:  0.2,
		MaxTokens:    150,
	})
	if err != nil {
		return "", fmt.Errorf("news lookup: %w", err)
	}

	result := strings.TrimSpace(resp.Content)
	if result == "" {
		result = "not found"
	}

	n.store(key, result)
	return result, nil
}

func (n *NewsLookup) cached(key string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.result, true
}

func (n *NewsLookup) store(key, result string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache[key] = newsCacheEntry{result: result, expiresAt: time.Now().Add(newsCacheTTL)}
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}
