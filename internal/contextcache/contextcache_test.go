package contextcache_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/careline-ai/careline/internal/contextcache"
	"github.com/careline-ai/careline/internal/dailycontext"
	"github.com/careline-ai/careline/internal/tools"
	"github.com/careline-ai/careline/pkg/memory"
	memorymock "github.com/careline-ai/careline/pkg/memory/mock"
	"github.com/careline-ai/careline/pkg/provider/llm"
	llmmock "github.com/careline-ai/careline/pkg/provider/llm/mock"
	"github.com/careline-ai/careline/pkg/store"
	storemock "github.com/careline-ai/careline/pkg/store/mock"
)

func newCache(t *testing.T) (*contextcache.Cache, *storemock.Tenants, *storemock.Conversations, *memorymock.Store) {
	t.Helper()
	tenants := &storemock.Tenants{GetResult: &store.Tenant{
		ID:           "tenant-1",
		Timezone:     "America/Chicago",
		InterestTags: []string{"gardening", "baseball"},
	}}
	convos := &storemock.Conversations{}
	dailyStore := &storemock.DailyContexts{}
	mem := memorymock.NewStore()
	mem.BuildContextResult = "tenant likes tulips"

	news := tools.NewNewsLookup(&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "headline about the topic"}})

	c := contextcache.New(tenants, convos, mem, dailycontext.New(dailyStore), news)
	return c, tenants, convos, mem
}

func TestPrefetch_PopulatesAllFields(t *testing.T) {
	c, _, convos, _ := newCache(t)
	convos.ListResult = []store.Conversation{
		{Summary: "talked about the garden"},
		{Summary: "talked about baseball"},
	}

	entry, err := c.Prefetch(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if entry.MemoryContext != "tenant likes tulips" {
		t.Errorf("unexpected memory context: %q", entry.MemoryContext)
	}
	if entry.GreetingTemplate == "" || strings.Contains(entry.GreetingTemplate, "{{interest}}") {
		t.Errorf("expected a filled-in greeting template, got %q", entry.GreetingTemplate)
	}
	if len(entry.PriorCallSummaries) != 2 {
		t.Errorf("expected 2 prior summaries, got %v", entry.PriorCallSummaries)
	}
	if entry.PrefetchedAt.IsZero() {
		t.Error("expected PrefetchedAt to be set")
	}
}

func TestGet_ReturnsCachedEntryWithoutRefetch(t *testing.T) {
	c, _, _, mem := newCache(t)

	if _, err := c.Get(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("Get (second): %v", err)
	}
	if n := mem.CallCount("BuildContext"); n != 1 {
		t.Errorf("expected exactly one BuildContext call across two fresh Gets, got %d", n)
	}
}

func TestInvalidate_ForcesRefetchOnNextGet(t *testing.T) {
	c, _, _, mem := newCache(t)

	if _, err := c.Get(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Invalidate("tenant-1")
	if _, err := c.Get(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("Get (after invalidate): %v", err)
	}
	if n := mem.CallCount("BuildContext"); n != 2 {
		t.Errorf("expected a second BuildContext call after invalidation, got %d", n)
	}
}

func TestGreetingRotation_AlternatesAcrossPrefetches(t *testing.T) {
	c, _, _, _ := newCache(t)

	first, err := c.Prefetch(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	second, err := c.Prefetch(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("Prefetch (second): %v", err)
	}
	if first.GreetingTemplate == second.GreetingTemplate {
		t.Error("expected the greeting template to rotate between consecutive prefetches")
	}
}

func TestWeightedInterestSelection_FavorsRecentlyMentionedInterest(t *testing.T) {
	c, _, _, mem := newCache(t)
	mem.SemanticMock().RecentResult = []memory.Memory{
		{Content: "mentioned gardening again today"},
		{Content: "mentioned gardening and the tomatoes"},
		{Content: "mentioned gardening once more"},
	}

	counts := map[string]int{}
	for i := 0; i < 50; i++ {
		c.Invalidate("tenant-1")
		entry, err := c.Prefetch(context.Background(), "tenant-1")
		if err != nil {
			t.Fatalf("Prefetch: %v", err)
		}
		if strings.Contains(entry.GreetingTemplate, "gardening") {
			counts["gardening"]++
		} else if strings.Contains(entry.GreetingTemplate, "baseball") {
			counts["baseball"]++
		}
	}
	if counts["gardening"] <= counts["baseball"] {
		t.Errorf("expected gardening to be favored given recent mentions, got %v", counts)
	}
}

func TestRunDailyPrefetch_SkipsTenantsOutsideTheirLocalFiveAM(t *testing.T) {
	c, tenants, _, mem := newCache(t)
	tenants.ListActiveResult = []store.Tenant{*tenants.GetResult}

	loc, _ := time.LoadLocation("America/Chicago")
	noon := time.Date(2026, 7, 31, 12, 0, 0, 0, loc)

	if err := c.RunDailyPrefetch(context.Background(), noon); err != nil {
		t.Fatalf("RunDailyPrefetch: %v", err)
	}
	if n := mem.CallCount("BuildContext"); n != 0 {
		t.Errorf("expected no prefetch outside the 05:00 local hour, got %d BuildContext calls", n)
	}

	fiveAM := time.Date(2026, 7, 31, 5, 30, 0, 0, loc)
	if err := c.RunDailyPrefetch(context.Background(), fiveAM); err != nil {
		t.Fatalf("RunDailyPrefetch: %v", err)
	}
	if n := mem.CallCount("BuildContext"); n != 1 {
		t.Errorf("expected one prefetch during the 05:00 local hour, got %d", n)
	}
}
