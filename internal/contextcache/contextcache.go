// Package contextcache implements the per-tenant hot-context cache (§4.11):
// a concurrently-fetched bundle of memory context, today's daily context,
// a rotated greeting template, recent call summaries, and news headlines,
// kept warm ahead of need so a call's startup lookup never waits on a cold
// fetch.
//
// The concurrent multi-source fetch is grounded on the teacher's
// [hotctx.Assembler]: independent lookups (there, identity/transcript/
// scene; here, memory context/daily context/prior-call summaries/recent
// memories) run in parallel via
// errgroup and are combined into one struct. Per-tenant locking during
// prefetch follows the same per-key-lock shape used for the tenant's
// semantic index connections, preventing a thundering herd of concurrent
// prefetches for the same tenant.
package contextcache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/careline-ai/careline/internal/dailycontext"
	"github.com/careline-ai/careline/internal/tools"
	"github.com/careline-ai/careline/pkg/memory"
	"github.com/careline-ai/careline/pkg/store"
)

// staleness is how long a cached entry remains usable before a lazy
// repopulation is triggered on next access (§4.11).
const staleness = 24 * time.Hour

// interestWindow is how far back memories are scanned when biasing the
// weighted interest-token selection toward recently-mentioned interests.
const interestWindow = 7 * 24 * time.Hour

// priorCallWindow bounds how far back prior call summaries are pulled.
const priorCallWindow = 14 * 24 * time.Hour

// maxPriorCallSummaries caps how many prior call summaries an Entry carries.
const maxPriorCallSummaries = 3

// greetingTemplates is the small, time-of-day-varied set rotated across
// calls (§4.11). "{{interest}}" is replaced by a weighted interest token.
var greetingTemplates = []string{
	"Good morning! It's so nice to hear from you. How has your {{interest}} been going?",
	"Hello there! I was just thinking about you. Anything new with your {{interest}}?",
	"Hi! How are you feeling today? I'd love to hear about your {{interest}}.",
	"Good to hear your voice again. How's everything with your {{interest}} lately?",
}

// Entry is the per-tenant cached bundle described in §4.11.
type Entry struct {
	MemoryContext      string
	DailyContext       dailycontext.TodaysContext
	GreetingTemplate   string
	PriorCallSummaries []string
	NewsHeadlines      string
	PrefetchedAt       time.Time
}

func (e Entry) stale(now time.Time) bool {
	return e.PrefetchedAt.IsZero() || now.Sub(e.PrefetchedAt) > staleness
}

// Cache holds one Entry per tenant, populated by Get on demand or by
// RunDailyPrefetch ahead of need.
type Cache struct {
	tenants       store.Tenants
	conversations store.Conversations
	memory        memory.Store
	daily         *dailycontext.Store
	news          *tools.NewsLookup

	mu          sync.Mutex
	entries     map[string]Entry
	tenantLocks map[string]*sync.Mutex
	greetingIdx map[string]int
}

// New creates an empty Cache. The five collaborators cover the bundle's
// five fields: memory supplies MemoryContext, daily supplies DailyContext,
// conversations supplies PriorCallSummaries, and news supplies
// NewsHeadlines; tenants supplies timezone and interest tags.
func New(tenants store.Tenants, conversations store.Conversations, mem memory.Store, daily *dailycontext.Store, news *tools.NewsLookup) *Cache {
	return &Cache{
		tenants:       tenants,
		conversations: conversations,
		memory:        mem,
		daily:         daily,
		news:          news,
		entries:       make(map[string]Entry),
		tenantLocks:   make(map[string]*sync.Mutex),
		greetingIdx:   make(map[string]int),
	}
}

// Get returns tenantID's cached entry, lazily prefetching if absent or
// stale (§4.11).
func (c *Cache) Get(ctx context.Context, tenantID string) (Entry, error) {
	c.mu.Lock()
	entry, ok := c.entries[tenantID]
	c.mu.Unlock()

	if ok && !entry.stale(time.Now()) {
		return entry, nil
	}
	return c.Prefetch(ctx, tenantID)
}

// Prefetch fetches and stores a fresh Entry for tenantID, replacing any
// existing one. Concurrent prefetches for the same tenant are serialized
// by a per-tenant lock so a thundering herd of callers all missing the
// cache at once issues one fetch, not N.
func (c *Cache) Prefetch(ctx context.Context, tenantID string) (Entry, error) {
	waitStart := time.Now()
	lock := c.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have just refreshed this entry while we were
	// waiting on the lock.
	c.mu.Lock()
	entry, ok := c.entries[tenantID]
	c.mu.Unlock()
	if ok && entry.PrefetchedAt.After(waitStart) {
		return entry, nil
	}

	tenant, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return Entry{}, fmt.Errorf("context cache: prefetch %q: load tenant: %w", tenantID, err)
	}
	if tenant == nil {
		return Entry{}, fmt.Errorf("context cache: prefetch %q: tenant not found", tenantID)
	}

	var (
		memCtx    string
		dailyCtx  dailycontext.TodaysContext
		summaries []string
		recent    []memory.Memory
	)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		mc, err := c.memory.BuildContext(egCtx, tenantID)
		if err != nil {
			return fmt.Errorf("build memory context: %w", err)
		}
		memCtx = mc
		return nil
	})

	eg.Go(func() error {
		dc, err := c.daily.GetTodaysContext(egCtx, tenantID, tenant.Timezone)
		if err != nil {
			return fmt.Errorf("get todays context: %w", err)
		}
		dailyCtx = dc
		return nil
	})

	eg.Go(func() error {
		convos, err := c.conversations.ListByTenantSince(egCtx, tenantID, time.Now().Add(-priorCallWindow))
		if err != nil {
			return fmt.Errorf("list prior conversations: %w", err)
		}
		summaries = priorSummaries(convos)
		return nil
	})

	eg.Go(func() error {
		r, err := c.memory.Semantic().Recent(egCtx, tenantID, time.Now().Add(-interestWindow), 50)
		if err != nil {
			return fmt.Errorf("list recent memories: %w", err)
		}
		recent = r
		return nil
	})

	if err := eg.Wait(); err != nil {
		return Entry{}, fmt.Errorf("context cache: prefetch %q: %w", tenantID, err)
	}

	interest := weightedInterestToken(tenant.InterestTags, recent)
	greeting := c.nextGreeting(tenantID, interest)

	var headlines string
	if c.news != nil && interest != "" {
		headlines, _ = c.news.Lookup(ctx, interest)
	}

	entry = Entry{
		MemoryContext:      memCtx,
		DailyContext:       dailyCtx,
		GreetingTemplate:   greeting,
		PriorCallSummaries: summaries,
		NewsHeadlines:      headlines,
		PrefetchedAt:       time.Now(),
	}

	c.mu.Lock()
	c.entries[tenantID] = entry
	c.mu.Unlock()

	return entry, nil
}

// Invalidate drops tenantID's cached entry, per §4.11's "invalidated on
// call completion." The next Get lazily repopulates it.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// RunDailyPrefetch refreshes every active tenant whose local time currently
// falls within the 05:00 hour and whose entry is missing or stale. Intended
// to be driven by the scheduler's hourly tick (§4.12's "triggers the
// context cache's daily pre-fetch once per hour, a no-op for tenants
// already fresh").
func (c *Cache) RunDailyPrefetch(ctx context.Context, now time.Time) error {
	active, err := c.tenants.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("context cache: run daily prefetch: list active tenants: %w", err)
	}

	for _, tenant := range active {
		loc, err := time.LoadLocation(tenant.Timezone)
		if err != nil {
			continue
		}
		if now.In(loc).Hour() != 5 {
			continue
		}

		c.mu.Lock()
		entry, ok := c.entries[tenant.ID]
		c.mu.Unlock()
		if ok && !entry.stale(now) {
			continue
		}

		if _, err := c.Prefetch(ctx, tenant.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) lockFor(tenantID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.tenantLocks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		c.tenantLocks[tenantID] = lock
	}
	return lock
}

// nextGreeting rotates to a template index different from the last one
// used for tenantID (§4.11), substituting the weighted interest token.
func (c *Cache) nextGreeting(tenantID, interest string) string {
	c.mu.Lock()
	last, ok := c.greetingIdx[tenantID]
	next := rand.IntN(len(greetingTemplates))
	if ok && len(greetingTemplates) > 1 {
		for next == last {
			next = rand.IntN(len(greetingTemplates))
		}
	}
	c.greetingIdx[tenantID] = next
	c.mu.Unlock()

	if interest == "" {
		interest = "day"
	}
	return strings.ReplaceAll(greetingTemplates[next], "{{interest}}", interest)
}

// priorSummaries extracts non-empty summaries from the most recent
// conversations, most recent first, capped at maxPriorCallSummaries.
func priorSummaries(convos []store.Conversation) []string {
	out := make([]string, 0, maxPriorCallSummaries)
	for i := len(convos) - 1; i >= 0 && len(out) < maxPriorCallSummaries; i-- {
		if s := strings.TrimSpace(convos[i].Summary); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// weightedInterestToken picks one of tenant's interest tags at random,
// weighting each tag by 1 plus the number of recent memories that mention
// it (case-insensitive substring match), so interests the tenant has
// talked about lately come up more often (§4.11).
func weightedInterestToken(interests []string, recent []memory.Memory) string {
	if len(interests) == 0 {
		return ""
	}

	weights := make([]int, len(interests))
	total := 0
	for i, interest := range interests {
		weight := 1
		lower := strings.ToLower(interest)
		for _, m := range recent {
			if strings.Contains(strings.ToLower(m.Content), lower) {
				weight++
			}
		}
		weights[i] = weight
		total += weight
	}

	pick := rand.IntN(total)
	cursor := 0
	for i, w := range weights {
		cursor += w
		if pick < cursor {
			return interests[i]
		}
	}
	return interests[len(interests)-1]
}
