package observer

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/careline-ai/careline/pkg/types"
)

// categoryPriority is the fixed order in which categories contribute a
// guidance line (§4.2): safety > health > emotion > family > activity >
// memory > question > engagement. "memory" maps onto the "time" signal
// category (reminiscing); question and engagement are not signal
// categories but are appended in the same priority chain.
var categoryPriority = []string{"safety", "health", "emotion", "family", "activity", "time"}

// pattern is one (regex, signal-name, severity|valence|intensity) tuple.
type pattern struct {
	re        *regexp.Regexp
	name      string
	severity  string
	valence   string
	intensity string
}

func compile(category, name, expr, severity, valence, intensity string) pattern {
	return pattern{
		re:        regexp.MustCompile(`(?i)` + expr),
		name:      name,
		severity:  severity,
		valence:   valence,
		intensity: intensity,
	}
}

var healthPatterns = []pattern{
	compile("health", "fall", `\bi (fell|slipped and fell)\b`, "high", "", ""),
	compile("health", "breathing", `\b(can't breathe|trouble breathing|short of breath)\b`, "high", "", ""),
	compile("health", "chest_pain", `\bchest (pain|hurts|tightness)\b`, "high", "", ""),
	compile("health", "medication", `\b(my (pills?|medication|meds)|forgot to take)\b`, "medium", "", ""),
	compile("health", "not_well", `\b(not feeling (well|good)|feeling sick|under the weather)\b`, "medium", "", ""),
	compile("health", "minor_ache", `\b(little tired|bit sore|small headache)\b`, "low", "", ""),
}

var safetyPatterns = []pattern{
	compile("safety", "cant_get_up", `\bi can't get up\b`, "high", "", ""),
	compile("safety", "intruder", `\b(someone (broke in|is in my house)|stranger at my door)\b`, "high", "", ""),
	compile("safety", "stove_left_on", `\b(left the stove on|stove was on)\b`, "medium", "", ""),
	compile("safety", "lost_balance", `\blost my balance\b`, "medium", "", ""),
	compile("safety", "door_unlocked", `\bdoor wasn't locked\b`, "low", "", ""),
}

var emotionPatterns = []pattern{
	compile("emotion", "lonely", `\b(so alone|nobody (visits|calls) me|feel lonely)\b`, "", "negative", "high"),
	compile("emotion", "scared", `\b(i'?m scared|afraid)\b`, "", "negative", "high"),
	compile("emotion", "sad", `\b(a bit sad|kind of down|feeling blue)\b`, "", "negative", "medium"),
	compile("emotion", "frustrated", `\bfrustrat(ed|ing)\b`, "", "negative", "medium"),
	compile("emotion", "happy", `\b(so happy|wonderful day|feeling great)\b`, "", "positive", "medium"),
}

var familyPatterns = []pattern{
	compile("family", "mother", `\bmy mother\b`, "", "", ""),
	compile("family", "father", `\bmy father\b`, "", "", ""),
	compile("family", "daughter", `\bmy daughter\b`, "", "", ""),
	compile("family", "son", `\bmy son\b`, "", "", ""),
	compile("family", "grandchild", `\bmy (grandson|granddaughter|grandkids?)\b`, "", "", ""),
}

var socialPatterns = []pattern{
	compile("social", "visitor", `\b(neighbor|friend) (came by|visited|stopped by)\b`, "", "", ""),
	compile("social", "phone_call", `\btalked to (my|a) friend\b`, "", "", ""),
}

var activityPatterns = []pattern{
	compile("activity", "baking", `\bbak(e|ing|ed) (a )?(pie|cake|bread|cookies)\b`, "", "", ""),
	compile("activity", "gardening", `\bgarden(ing|ed)?\b`, "", "", ""),
	compile("activity", "knitting", `\bknit(ting)?\b`, "", "", ""),
	compile("activity", "walking", `\b(went for|take) a walk\b`, "", "", ""),
}

var timePatterns = []pattern{
	compile("time", "reminiscing", `\b(when i was (young|a (girl|boy))|back in my day|years ago|used to)\b`, "", "", ""),
}

var environmentPatterns = []pattern{
	compile("environment", "cold", `\b(it'?s cold in here|heater'?s broken|no heat)\b`, "", "", ""),
	compile("environment", "power_out", `\bpower (went out|is out)\b`, "", "", ""),
}

var reminderAckPatterns = []struct {
	re         *regexp.Regexp
	status     string
	confidence float64
}{
	{regexp.MustCompile(`(?i)\b(i'?ll take it (now|right now)|okay,? i'?ll take it)\b`), "acknowledged", 0.8},
	{regexp.MustCompile(`(?i)\bi (already )?took it\b`), "confirmed", 0.9},
	{regexp.MustCompile(`(?i)\b(yes,? (i )?(did|done)|already did that)\b`), "confirmed", 0.6},
}

var questionRe = regexp.MustCompile(`\?\s*$`)

var newsSearchRe = regexp.MustCompile(`(?i)\b(what'?s (going on|happening) with|news about|heard anything about)\b`)

// goodbyeStrongRe matches an unambiguous farewell; goodbyeWeakRe matches
// softer phrasing that could still be a mid-conversation aside.
var (
	goodbyeStrongRe = regexp.MustCompile(`(?i)\b(goodbye|bye now|have a good (one|night|day)|talk to you (later|soon)|take care,? (bye|dear)?)\b`)
	goodbyeWeakRe   = regexp.MustCompile(`(?i)\b(i (should|better) (go|get going)|alright dear|okay then)\b`)
)

const shortUtteranceLen = 20

// Observer is a stateful Pattern Observer scoped to one call. It keeps a
// small rolling window of recent utterance lengths (for the short-utterance
// engagement rule) behind a mutex, the same way a heuristic tier selector
// keeps per-session turn state.
type Observer struct {
	mu             sync.Mutex
	recentLengths  []int // ring of up to 3 most recent utterance lengths
}

// New creates an Observer with empty rolling state.
func New() *Observer {
	return &Observer{}
}

// Analyze scans one user utterance and returns its AnalysisRecord. Empty
// input returns a neutral record with no guidance (§4.2 edge case).
func (o *Observer) Analyze(utterance string) AnalysisRecord {
	trimmed := strings.TrimSpace(utterance)
	if trimmed == "" {
		return AnalysisRecord{
			Engagement:     types.EngagementNormal,
			Recommendation: ModelRecommendation{MaxTokens: 150, Reason: "default"},
		}
	}

	lower := strings.ToLower(trimmed)

	var signals []Signal
	signals = append(signals, matchAll("health", healthPatterns, lower)...)
	signals = append(signals, matchAll("safety", safetyPatterns, lower)...)
	signals = append(signals, matchAll("emotion", emotionPatterns, lower)...)
	signals = append(signals, matchAll("social", socialPatterns, lower)...)
	signals = append(signals, matchAll("family", familyPatterns, lower)...)
	signals = append(signals, matchAll("activity", activityPatterns, lower)...)
	signals = append(signals, matchAll("time", timePatterns, lower)...)
	signals = append(signals, matchAll("environment", environmentPatterns, lower)...)
	for _, p := range reminderAckPatterns {
		if p.re.MatchString(lower) {
			signals = append(signals, Signal{
				Category:   "reminder_acknowledgment",
				Name:       p.status,
				Status:     p.status,
				Confidence: p.confidence,
			})
			break // at most one ack signal per utterance
		}
	}

	isQuestion := questionRe.MatchString(trimmed)
	engagement := o.recordAndEvaluateEngagement(len(trimmed))
	goodbye := classifyGoodbye(lower)
	needsWebSearch := newsSearchRe.MatchString(lower)

	rec := AnalysisRecord{
		Signals:         signals,
		IsQuestion:      isQuestion,
		Engagement:      engagement,
		GoodbyeStrength: goodbye,
		NeedsWebSearch:  needsWebSearch,
	}
	rec.Guidance = buildGuidance(rec)
	rec.Recommendation = recommend(rec)
	return rec
}

// Reset clears the rolling utterance-length window. Call at the start of a new call.
func (o *Observer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recentLengths = nil
}

func matchAll(category string, patterns []pattern, lower string) []Signal {
	var out []Signal
	for _, p := range patterns {
		if p.re.MatchString(lower) {
			out = append(out, Signal{
				Category:  category,
				Name:      p.name,
				Severity:  p.severity,
				Valence:   p.valence,
				Intensity: p.intensity,
			})
			break // at most the first match per category contributes
		}
	}
	return out
}

func classifyGoodbye(lower string) types.GoodbyeStrength {
	if goodbyeStrongRe.MatchString(lower) {
		return types.GoodbyeStrong
	}
	if goodbyeWeakRe.MatchString(lower) {
		return types.GoodbyeWeak
	}
	return types.GoodbyeNone
}

// recordAndEvaluateEngagement appends length to the rolling window and
// applies the short-consecutive-utterance rule: if 2 of the last 3
// utterances are under 20 characters, engagement is forced to low (§4.2, §8
// invariant 12). Otherwise an utterance longer than 120 characters makes
// engagement high, and anything else leaves it normal.
func (o *Observer) recordAndEvaluateEngagement(length int) types.Engagement {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.recentLengths = append(o.recentLengths, length)
	if len(o.recentLengths) > 3 {
		o.recentLengths = o.recentLengths[len(o.recentLengths)-3:]
	}

	short := 0
	for _, l := range o.recentLengths {
		if l < shortUtteranceLen {
			short++
		}
	}
	if len(o.recentLengths) >= 3 && short >= 2 {
		return types.EngagementLow
	}
	if length > 120 {
		return types.EngagementHigh
	}
	return types.EngagementNormal
}

// buildGuidance composes the guidance string in fixed priority order:
// safety > health > emotion > family > activity > memory > question >
// engagement. At most one templated line per tier.
func buildGuidance(rec AnalysisRecord) string {
	var lines []string

	if s, ok := rec.First("safety"); ok {
		lines = append(lines, fmt.Sprintf("[SAFETY] Signal: %s (severity: %s). Prioritize caller safety; ask clarifying questions gently.", s.Name, s.Severity))
	}
	if s, ok := rec.First("health"); ok {
		lines = append(lines, fmt.Sprintf("[HEALTH] Signal: %s (severity: %s). Ask if they are okay and whether anyone else knows.", s.Name, s.Severity))
	}
	if s, ok := rec.First("emotion"); ok {
		lines = append(lines, fmt.Sprintf("[EMOTIONAL] Signal: %s (valence: %s, intensity: %s). Respond with warmth and validation.", s.Name, s.Valence, s.Intensity))
	}
	if s, ok := rec.First("family"); ok {
		lines = append(lines, fmt.Sprintf("[FAMILY] Mentioned: %s. Follow up warmly.", s.Name))
	}
	if s, ok := rec.First("activity"); ok {
		lines = append(lines, fmt.Sprintf("[ACTIVITY] Mentioned: %s. Show interest, ask a follow-up.", s.Name))
	}
	if _, ok := rec.First("time"); ok {
		lines = append(lines, "[MEMORY] Caller is reminiscing. Encourage them to share more.")
	}
	if rec.IsQuestion {
		lines = append(lines, "[QUESTION] Caller asked a direct question; answer it before continuing.")
	}
	switch rec.Engagement {
	case types.EngagementLow:
		lines = append(lines, "[ENGAGEMENT] Low engagement detected; keep responses brief and inviting.")
	case types.EngagementHigh:
		lines = append(lines, "[ENGAGEMENT] High engagement; feel free to continue the topic.")
	}

	return strings.Join(lines, " ")
}

// recommend applies the model-recommendation priority table (§4.2), first
// match wins. MaxTokens is always within [60, 250] (§8 invariant 1).
func recommend(rec AnalysisRecord) ModelRecommendation {
	if s, ok := rec.First("safety"); ok && s.Severity == "high" {
		return ModelRecommendation{MaxTokens: 200, Reason: "safety_concern"}
	}
	if s, ok := rec.First("health"); ok {
		switch s.Severity {
		case "high":
			return ModelRecommendation{MaxTokens: 180, Reason: "health_safety"}
		case "medium":
			return ModelRecommendation{MaxTokens: 150, Reason: "health_mention"}
		}
	}
	if s, ok := rec.First("emotion"); ok && s.Valence == "negative" {
		switch s.Intensity {
		case "high":
			return ModelRecommendation{MaxTokens: 180, Reason: "emotional_support"}
		case "medium":
			return ModelRecommendation{MaxTokens: 150, Reason: "emotional_support"}
		}
	}
	if rec.Engagement == types.EngagementLow {
		return ModelRecommendation{MaxTokens: 130, Reason: "low_engagement"}
	}
	if _, ok := rec.First("time"); ok {
		return ModelRecommendation{MaxTokens: 120, Reason: "memory_sharing"}
	}
	if rec.Engagement == types.EngagementHigh {
		return ModelRecommendation{MaxTokens: 100, Reason: "high_engagement"}
	}
	hasHealthOrEmotion := rec.HasCategory("health") || rec.HasCategory("emotion")
	if rec.IsQuestion && !hasHealthOrEmotion {
		return ModelRecommendation{MaxTokens: 80, Reason: "simple_question"}
	}
	familyOnly := rec.HasCategory("family") && len(rec.Signals) == 1
	if familyOnly {
		return ModelRecommendation{MaxTokens: 100, Reason: "family_warmth"}
	}
	return ModelRecommendation{MaxTokens: 150, Reason: "default"}
}
