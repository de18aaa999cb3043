// Package postcall runs the five independent post-call steps (§4.13) once a
// conversation ends: persisting the transcript, analyzing the call,
// extracting memories, updating the tenant's daily context, and
// invalidating the context cache.
//
// Each step is wrapped in its own failure boundary and logged rather than
// aborting its siblings, in the same graceful-degradation style as the
// teacher's internal/session.MemoryGuard (swallow the error, flip a
// degraded/logged state, keep going).
package postcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/careline-ai/careline/internal/contextcache"
	"github.com/careline-ai/careline/internal/dailycontext"
	"github.com/careline-ai/careline/pkg/memory"
	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/store"
	"github.com/careline-ai/careline/pkg/types"
)

const analysisSystemPrompt = `You analyze a phone call transcript between a voice companion and an elderly person.
Return a single JSON object with fields: "summary" (2-3 sentences), "topics" (array of short strings),
"engagement_score" (integer 1-10), "concerns" (array of objects with "type" one of health, cognitive, emotional, safety;
"severity" one of low, medium, high; "description"; optional "recommendation"), "positive_observations" (array of strings),
"follow_up_suggestions" (array of strings), "call_quality" (a short descriptor). Return only the JSON object, nothing else.`

// defaultEngagementScore is used when analysis fails or the LLM response is
// malformed (§4.13 step 2's fallback).
const defaultEngagementScore = 5

// Input bundles what the processor needs about a just-ended call. Session
// state fields mirror the in-memory session shape (§3); TenantTimezone and
// TenantID come from the tenant record the orchestrator already loaded.
type Input struct {
	ConversationID     string
	TenantID           string
	TenantTimezone     string
	TenantProfile      string
	CallSID            string
	Transcript         []store.Turn
	Status             store.ConversationStatus
	EndedAt            time.Time
	TopicsDiscussed    []string
	AdviceGiven        []string
	DeliveredReminders []string
}

// Processor runs the five post-call steps. Safe for concurrent use; each
// Run call only touches the conversation it was given.
type Processor struct {
	conversations store.Conversations
	analyses      store.CallAnalyses
	memory        memory.Store
	daily         *dailycontext.Store
	cache         *contextcache.Cache
	analyzer      llm.Provider
}

// New creates a Processor from its collaborators.
func New(conversations store.Conversations, analyses store.CallAnalyses, mem memory.Store, daily *dailycontext.Store, cache *contextcache.Cache, analyzer llm.Provider) *Processor {
	return &Processor{
		conversations: conversations,
		analyses:      analyses,
		memory:        mem,
		daily:         daily,
		cache:         cache,
		analyzer:      analyzer,
	}
}

// Run executes all five steps for in. Intended to be called in a detached
// goroutine by the session orchestrator once the call ends; Run itself
// blocks until every step has been attempted.
func (p *Processor) Run(ctx context.Context, in Input) {
	summary, sentiment := p.persistTranscript(ctx, in)
	p.analyze(ctx, in, summary, sentiment)
	p.extractMemories(ctx, in, summary)
	p.upsertDailyContext(ctx, in)
	p.invalidateCache(in)
}

// persistTranscript is step 1: persist the summary/sentiment fields and
// close out the conversation record. Individual turns are already
// persisted live via AppendTurn during the call (§3's "transcript is
// append-only during the call"); this step only finalizes the record. A
// rough summary/sentiment is derived here from the tail of the transcript
// so the analysis fallback (step 2) and memory extraction (step 3) have
// something to work with even if the analysis LLM call fails.
func (p *Processor) persistTranscript(ctx context.Context, in Input) (summary, sentiment string) {
	summary = roughSummary(in.Transcript)
	sentiment = "neutral"

	if err := p.conversations.Complete(ctx, in.ConversationID, in.Status, summary, sentiment, in.EndedAt); err != nil {
		slog.Warn("post-call: complete conversation failed", "conversation_id", in.ConversationID, "error", err)
	}
	return summary, sentiment
}

// analyze is step 2: call the analysis LLM, validate against the
// call-analysis schema, and fall back to a default analysis on malformed
// output (§4.13 step 2).
func (p *Processor) analyze(ctx context.Context, in Input, fallbackSummary, _ string) {
	analysis := p.runAnalysis(ctx, in, fallbackSummary)
	if err := p.analyses.Create(ctx, analysis); err != nil {
		slog.Warn("post-call: persist analysis failed", "conversation_id", in.ConversationID, "error", err)
	}
}

func (p *Processor) runAnalysis(ctx context.Context, in Input, fallbackSummary string) *store.CallAnalysis {
	fallback := &store.CallAnalysis{
		ConversationID:  in.ConversationID,
		Summary:         "Analysis unavailable",
		Topics:          in.TopicsDiscussed,
		EngagementScore: defaultEngagementScore,
		CallQuality:     "unknown",
		CreatedAt:       time.Now(),
	}
	if fallbackSummary != "" {
		fallback.Summary = fallbackSummary
	}

	if p.analyzer == nil {
		return fallback
	}

	resp, err := p.analyzer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: analysisSystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: transcriptText(in.Transcript) + "\n\nTenant profile: " + in.TenantProfile}},
		Temperature:  0,
		MaxTokens:    600,
	})
	if err != nil {
		slog.Warn("post-call: analysis llm call failed, using default analysis", "conversation_id", in.ConversationID, "error", err)
		return fallback
	}

	parsed, err := parseAnalysis(resp.Content)
	if err != nil {
		slog.Warn("post-call: analysis response malformed, using default analysis", "conversation_id", in.ConversationID, "error", err)
		return fallback
	}

	parsed.ConversationID = in.ConversationID
	parsed.CreatedAt = time.Now()
	if parsed.EngagementScore < 1 || parsed.EngagementScore > 10 {
		parsed.EngagementScore = defaultEngagementScore
	}
	return parsed
}

// extractMemories is step 3: extract durable facts via the memory service.
func (p *Processor) extractMemories(ctx context.Context, in Input, summary string) {
	if p.memory == nil {
		return
	}
	transcript := transcriptText(in.Transcript)
	if strings.TrimSpace(transcript) == "" {
		transcript = summary
	}
	if err := p.memory.ExtractFromConversation(ctx, in.TenantID, transcript, in.ConversationID); err != nil {
		slog.Warn("post-call: memory extraction failed", "conversation_id", in.ConversationID, "error", err)
	}
}

// upsertDailyContext is step 4: merge this call's topics, delivered
// reminders, and advice into the (tenant, local-date) row.
func (p *Processor) upsertDailyContext(ctx context.Context, in Input) {
	if p.daily == nil {
		return
	}
	if err := p.daily.SaveCallContext(ctx, in.TenantID, in.TenantTimezone, in.CallSID, in.TopicsDiscussed, in.DeliveredReminders, in.AdviceGiven); err != nil {
		slog.Warn("post-call: daily context upsert failed", "conversation_id", in.ConversationID, "error", err)
	}
}

// invalidateCache is step 5: invalidate the tenant's context cache entry.
func (p *Processor) invalidateCache(in Input) {
	if p.cache == nil {
		return
	}
	p.cache.Invalidate(in.TenantID)
}

// analysisResponse mirrors the analysis LLM's expected JSON object, kept
// separate from [store.CallAnalysis] so mismatched or extra fields in the
// response don't silently populate persistence-layer fields (Topics, say,
// with the wrong shape).
type analysisResponse struct {
	Summary              string            `json:"summary"`
	Topics               []string          `json:"topics"`
	EngagementScore      int               `json:"engagement_score"`
	Concerns             []concernResponse `json:"concerns"`
	PositiveObservations []string          `json:"positive_observations"`
	FollowUpSuggestions  []string          `json:"follow_up_suggestions"`
	CallQuality          string            `json:"call_quality"`
}

type concernResponse struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

var validConcernTypes = map[string]bool{
	string(store.ConcernHealth):    true,
	string(store.ConcernCognitive): true,
	string(store.ConcernEmotional): true,
	string(store.ConcernSafety):    true,
}

var validConcernSeverities = map[string]bool{
	string(store.SeverityLow):    true,
	string(store.SeverityMedium): true,
	string(store.SeverityHigh):   true,
}

func parseAnalysis(text string) (*store.CallAnalysis, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object found in analysis response")
	}

	var resp analysisResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return nil, fmt.Errorf("analysis response missing summary")
	}

	concerns := make([]store.Concern, 0, len(resp.Concerns))
	for _, c := range resp.Concerns {
		if !validConcernTypes[c.Type] || !validConcernSeverities[c.Severity] {
			slog.Warn("post-call: dropping malformed concern", "type", c.Type, "severity", c.Severity)
			continue
		}
		concerns = append(concerns, store.Concern{
			Type:           store.ConcernType(c.Type),
			Severity:       store.ConcernSeverity(c.Severity),
			Description:    c.Description,
			Recommendation: c.Recommendation,
		})
	}

	return &store.CallAnalysis{
		Summary:              resp.Summary,
		Topics:               resp.Topics,
		EngagementScore:      resp.EngagementScore,
		Concerns:             concerns,
		PositiveObservations: resp.PositiveObservations,
		FollowUpSuggestions:  resp.FollowUpSuggestions,
		CallQuality:          resp.CallQuality,
	}, nil
}

func transcriptText(turns []store.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}

// roughSummary derives a short fallback summary from the transcript's
// final turns, used if the analysis step never runs or fails entirely.
func roughSummary(turns []store.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	tail := turns
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	var parts []string
	for _, t := range tail {
		if t.Role == store.TurnUser && strings.TrimSpace(t.Content) != "" {
			parts = append(parts, t.Content)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "Call ended after discussing: " + strings.Join(parts, "; ")
}
