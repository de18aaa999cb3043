// Package observer implements the Pattern Observer (Layer 1): a zero-latency
// synchronous analyzer that scans a single user utterance for categorized
// signals (health, safety, emotion, social, family, activity, time,
// environment, reminder-acknowledgment) and produces a guidance string and a
// model-recommendation for the turn's LLM call.
//
// It never calls an LLM; all matching is regex/keyword based, grounded on
// the same style as a heuristic tier selector: pure string operations, a
// small mutex-protected rolling state, sub-millisecond execution.
package observer

import "github.com/careline-ai/careline/pkg/types"

// Signal is one pattern match produced by the observer. Category determines
// which of Severity, Valence/Intensity, or Confidence is meaningful:
// health/safety use Severity; emotion uses Valence+Intensity;
// reminder_acknowledgment uses Confidence. Other categories (social, family,
// activity, time, environment) only use Name.
type Signal struct {
	Category string
	Name     string

	// Severity is one of "low", "medium", "high". Set for health and safety signals.
	Severity string

	// Valence is "positive" or "negative". Set for emotion signals.
	Valence string

	// Intensity is one of "low", "medium", "high". Set for emotion signals.
	Intensity string

	// Confidence is the match confidence in [0,1]. Set for reminder_acknowledgment signals.
	Confidence float64

	// Status is the reminder-acknowledgment outcome ("acknowledged" or "confirmed").
	Status string
}

// ModelRecommendation advises the session orchestrator on the LLM call's
// token budget for this turn. MaxTokens is always in [60, 250] (§8 invariant 1).
type ModelRecommendation struct {
	MaxTokens int
	Reason    string
}

// AnalysisRecord is the complete output of one Analyze call.
type AnalysisRecord struct {
	Signals         []Signal
	IsQuestion      bool
	Engagement      types.Engagement
	GoodbyeStrength types.GoodbyeStrength
	NeedsWebSearch  bool
	Guidance        string
	Recommendation  ModelRecommendation
}

// HasCategory reports whether any signal in the record belongs to the given category.
func (r AnalysisRecord) HasCategory(category string) bool {
	for _, s := range r.Signals {
		if s.Category == category {
			return true
		}
	}
	return false
}

// First returns the first signal in the record belonging to the given
// category, in match order, and whether one was found.
func (r AnalysisRecord) First(category string) (Signal, bool) {
	for _, s := range r.Signals {
		if s.Category == category {
			return s, true
		}
	}
	return Signal{}, false
}
