// Package director implements the Director (Layer 2): an asynchronous,
// model-backed per-turn analyzer that never blocks the turn loop.
//
// Grounded on the cascade engine's fire-and-forget background goroutine: a
// Submit call spawns a goroutine bounded by its own budget, and writes its
// result to a single-slot, drop-on-overflow channel exactly as the cascade
// engine's pendingUpdate/single-slot coupling works. If a previous call is
// still in flight when a new utterance arrives, the orchestrator keeps
// reading the last cached guidance; the new call only affects the
// following turn.
package director

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/types"
)

// DefaultBudget is the time allotted for a Director call to complete before
// its contribution is dropped silently (§4.3).
const DefaultBudget = 400 * time.Millisecond

const (
	guidanceMaxLen = 300

	// WindDownAt and EndAt are the fallback force-action thresholds, measured
	// from call start, injected regardless of Director availability (§4.3).
	WindDownAt = 9 * time.Minute
	EndAt      = 12 * time.Minute
)

// ForceAction is a Director- or fallback-triggered hard phase override.
type ForceAction string

const (
	ForceNone     ForceAction = ""
	ForceWindDown ForceAction = "force_wind_down"
	ForceEnd      ForceAction = "force_end"
)

// PhaseRecommendation is the Director's advisory phase-transition suggestion.
type PhaseRecommendation string

const (
	RecommendStay     PhaseRecommendation = "stay"
	RecommendAdvance  PhaseRecommendation = "advance"
	RecommendWindDown PhaseRecommendation = "wind_down"
	RecommendClose    PhaseRecommendation = "close"
)

// Output is one Director analysis result, attached to the turn loop's
// system prompt as the last-cached guidance.
type Output struct {
	Guidance    string
	Phase       PhaseRecommendation
	TokenBudget int // advisory only; Layer-1's recommendation is authoritative
	ForceAction ForceAction
	ProducedAt  time.Time
}

var controlCharRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
var guidanceTagRe = regexp.MustCompile(`(?is)</?guidance>`)

// sanitize strips control characters and <guidance> tags and truncates to
// guidanceMaxLen, per §4.3.
func sanitize(s string) string {
	s = guidanceTagRe.ReplaceAllString(s, "")
	s = controlCharRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if len(s) > guidanceMaxLen {
		s = s[:guidanceMaxLen]
	}
	return s
}

// Director runs per-turn background analysis via a small LLM. It is safe
// for concurrent use.
type Director struct {
	llm       llm.Provider
	budget    time.Duration
	callStart time.Time

	mu     sync.Mutex
	cached Output

	updates chan Output // capacity 1, drop-on-overflow
}

// New creates a Director backed by the given LLM provider (typically a
// low-latency model, configured via providers.director_llm — see
// internal/config).
// callStart is used to compute the time-based fallback force-actions.
func New(provider llm.Provider, callStart time.Time) *Director {
	return &Director{
		llm:       provider,
		budget:    DefaultBudget,
		callStart: callStart,
		updates:   make(chan Output, 1),
	}
}

// Submit spawns a fire-and-forget analysis of utterance against history.
// It never blocks the caller. If a previous Submit is still producing a
// result when this one completes, the newer result simply replaces the
// single cached slot.
func (d *Director) Submit(ctx context.Context, utterance string, history []types.Message) {
	ctx, cancel := context.WithTimeout(ctx, d.budget)
	go func() {
		defer cancel()
		out, err := d.analyze(ctx, utterance, history)
		if err != nil {
			slog.Warn("director: analysis dropped", "error", err)
			return
		}
		out.ProducedAt = time.Now()

		d.mu.Lock()
		d.cached = out
		d.mu.Unlock()

		select {
		case d.updates <- out:
		default:
			// Single slot already has an unread update; drop-on-overflow.
			select {
			case <-d.updates:
			default:
			}
			select {
			case d.updates <- out:
			default:
			}
		}
	}()
}

// Cached returns the last Director output the orchestrator has observed,
// and whether one has ever been produced. The orchestrator calls this for
// every turn's system-prompt assembly; turn N's LLM call sees turn N-1's
// (or older, if still in flight) Director guidance, never turn N's own.
func (d *Director) Cached() (Output, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached.ProducedAt.IsZero() {
		return Output{}, false
	}
	return d.cached, true
}

// CheckTimeFallback returns the force-action dictated purely by elapsed
// call duration, independent of Director availability (§4.3). Callers
// should OR this with any Director-reported ForceAction — whichever fires
// first wins.
func (d *Director) CheckTimeFallback(now time.Time) ForceAction {
	elapsed := now.Sub(d.callStart)
	switch {
	case elapsed >= EndAt:
		return ForceEnd
	case elapsed >= WindDownAt:
		return ForceWindDown
	default:
		return ForceNone
	}
}

type directorResponse struct {
	Guidance    string `json:"guidance"`
	Phase       string `json:"phase"`
	TokenBudget int    `json:"token_budget"`
	ForceAction string `json:"force_action"`
}

// parseDirectorJSON extracts the first JSON object found in text. Director
// models occasionally wrap JSON in prose or markdown fences despite
// instructions; this tolerates that instead of failing the whole turn.
func parseDirectorJSON(text string) (directorResponse, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return directorResponse{}, fmt.Errorf("no JSON object found in response")
	}
	var parsed directorResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return directorResponse{}, err
	}
	return parsed, nil
}

// analyze makes the bounded LLM call and parses its JSON response.
func (d *Director) analyze(ctx context.Context, utterance string, history []types.Message) (Output, error) {
	msgs := make([]types.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, types.Message{Role: "user", Content: utterance})

	req := llm.CompletionRequest{
		SystemPrompt: "You are a call-flow director for an elder-care check-in call. " +
			"Respond with compact JSON: {\"guidance\": string, \"phase\": " +
			"\"stay|advance|wind_down|close\", \"token_budget\": int, \"force_action\": " +
			"\"\"|\"force_wind_down\"|\"force_end\"}.",
		Messages:  msgs,
		MaxTokens: 150,
	}

	resp, err := d.llm.Complete(ctx, req)
	if err != nil {
		return Output{}, fmt.Errorf("director: complete: %w", err)
	}

	parsed, err := parseDirectorJSON(resp.Content)
	if err != nil {
		return Output{}, fmt.Errorf("director: parse: %w", err)
	}

	return Output{
		Guidance:    sanitize(parsed.Guidance),
		Phase:       PhaseRecommendation(parsed.Phase),
		TokenBudget: parsed.TokenBudget,
		ForceAction: ForceAction(parsed.ForceAction),
	}, nil
}
