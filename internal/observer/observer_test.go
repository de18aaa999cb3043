package observer_test

import (
	"testing"

	"github.com/careline-ai/careline/internal/observer"
	"github.com/careline-ai/careline/pkg/types"
)

func TestAnalyze_EmptyInput(t *testing.T) {
	o := observer.New()
	rec := o.Analyze("   ")
	if rec.Guidance != "" {
		t.Errorf("expected empty guidance for empty input, got %q", rec.Guidance)
	}
	if rec.Recommendation.MaxTokens < 60 || rec.Recommendation.MaxTokens > 250 {
		t.Errorf("max_tokens out of range: %d", rec.Recommendation.MaxTokens)
	}
}

func TestAnalyze_HealthFallIsHighSeverity(t *testing.T) {
	o := observer.New()
	rec := o.Analyze("I fell yesterday in the kitchen.")
	s, ok := rec.First("health")
	if !ok || s.Name != "fall" || s.Severity != "high" {
		t.Fatalf("expected high-severity health:fall signal, got %+v (ok=%v)", s, ok)
	}
	if rec.Recommendation.Reason != "health_safety" || rec.Recommendation.MaxTokens != 180 {
		t.Errorf("unexpected recommendation: %+v", rec.Recommendation)
	}
}

func TestAnalyze_SafetyHighSeverityBeatsEverything(t *testing.T) {
	o := observer.New()
	rec := o.Analyze("I can't get up and I'm scared.")
	if rec.Recommendation.Reason != "safety_concern" || rec.Recommendation.MaxTokens != 200 {
		t.Errorf("expected safety_concern to win priority, got %+v", rec.Recommendation)
	}
}

func TestAnalyze_Reminiscing(t *testing.T) {
	o := observer.New()
	rec := o.Analyze("Back in my day we used to bake our own bread every week.")
	if _, ok := rec.First("time"); !ok {
		t.Fatalf("expected a time:reminiscing signal")
	}
	if rec.Recommendation.Reason != "memory_sharing" {
		t.Errorf("expected memory_sharing recommendation, got %q", rec.Recommendation.Reason)
	}
}

func TestAnalyze_SimpleQuestion(t *testing.T) {
	o := observer.New()
	rec := o.Analyze("What time is it?")
	if !rec.IsQuestion {
		t.Error("expected IsQuestion true")
	}
	if rec.Recommendation.Reason != "simple_question" {
		t.Errorf("expected simple_question, got %q", rec.Recommendation.Reason)
	}
}

func TestAnalyze_ShortUtterancesForceLowEngagement(t *testing.T) {
	o := observer.New()
	o.Analyze("Fine.")
	o.Analyze("Okay.")
	rec := o.Analyze("Sure.")
	if rec.Engagement != types.EngagementLow {
		t.Errorf("expected low engagement after 3 short utterances, got %v", rec.Engagement)
	}
}

func TestAnalyze_ReminderAcknowledgment(t *testing.T) {
	o := observer.New()
	rec := o.Analyze("Okay, I'll take it now.")
	s, ok := rec.First("reminder_acknowledgment")
	if !ok || s.Status != "acknowledged" {
		t.Fatalf("expected reminder_acknowledgment:acknowledged, got %+v (ok=%v)", s, ok)
	}
}

func TestAnalyze_GoodbyeStrength(t *testing.T) {
	o := observer.New()
	rec := o.Analyze("Alright dear, have a good one.")
	if rec.GoodbyeStrength != types.GoodbyeStrong {
		t.Errorf("expected strong goodbye, got %v", rec.GoodbyeStrength)
	}
}

func TestAnalyze_FamilyOnly(t *testing.T) {
	o := observer.New()
	rec := o.Analyze("My daughter is coming to visit next week sometime.")
	if rec.Recommendation.Reason != "family_warmth" {
		t.Errorf("expected family_warmth, got %q", rec.Recommendation.Reason)
	}
}

func TestAnalyze_GuidancePriorityOrder(t *testing.T) {
	o := observer.New()
	rec := o.Analyze("I can't get up, I fell, and my mother used to help me in the garden.")
	if got, want := rec.Guidance[:8], "[SAFETY]"; got != want {
		t.Errorf("expected guidance to start with %q, got %q", want, rec.Guidance)
	}
}
