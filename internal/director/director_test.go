package director_test

import (
	"context"
	"testing"
	"time"

	"github.com/careline-ai/careline/internal/director"
	"github.com/careline-ai/careline/pkg/provider/llm"
	"github.com/careline-ai/careline/pkg/provider/llm/mock"
)

func TestSubmit_CachesResultForNextTurn(t *testing.T) {
	m := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"guidance":"keep it brief","phase":"stay","token_budget":120,"force_action":""}`,
		},
	}
	d := director.New(m, time.Now())

	if _, ok := d.Cached(); ok {
		t.Fatal("expected no cached output before first Submit")
	}

	d.Submit(context.Background(), "I'm doing fine today.", nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if out, ok := d.Cached(); ok {
			if out.Guidance != "keep it brief" {
				t.Errorf("unexpected guidance: %q", out.Guidance)
			}
			if out.Phase != director.RecommendStay {
				t.Errorf("unexpected phase: %q", out.Phase)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for cached Director output")
}

func TestSubmit_DropsOnError(t *testing.T) {
	m := &mock.Provider{CompleteErr: context.DeadlineExceeded}
	d := director.New(m, time.Now())

	d.Submit(context.Background(), "hello", nil)
	time.Sleep(50 * time.Millisecond)

	if _, ok := d.Cached(); ok {
		t.Error("expected no cached output when the LLM call fails")
	}
}

func TestSanitize_StripsGuidanceTagsAndControlChars(t *testing.T) {
	m := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "{\"guidance\":\"<guidance>hello\\u0007 world</guidance>\",\"phase\":\"advance\",\"token_budget\":100,\"force_action\":\"\"}",
		},
	}
	d := director.New(m, time.Now())
	d.Submit(context.Background(), "hi", nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if out, ok := d.Cached(); ok {
			if out.Guidance != "hello world" {
				t.Errorf("expected sanitized guidance %q, got %q", "hello world", out.Guidance)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for cached Director output")
}

func TestCheckTimeFallback(t *testing.T) {
	start := time.Now().Add(-10 * time.Minute)
	d := director.New(&mock.Provider{}, start)

	if got := d.CheckTimeFallback(start.Add(5 * time.Minute)); got != director.ForceNone {
		t.Errorf("expected no fallback at 5 minutes, got %q", got)
	}
	if got := d.CheckTimeFallback(start.Add(9 * time.Minute)); got != director.ForceWindDown {
		t.Errorf("expected force_wind_down at 9 minutes, got %q", got)
	}
	if got := d.CheckTimeFallback(start.Add(12 * time.Minute)); got != director.ForceEnd {
		t.Errorf("expected force_end at 12 minutes, got %q", got)
	}
}
