// Package dailycontext buckets per-call topics, delivered reminders, and
// advice into a per-tenant, per-local-day row (§4.14), on top of
// pkg/store.DailyContexts.
package dailycontext

import (
	"context"
	"fmt"
	"time"

	"github.com/careline-ai/careline/pkg/store"
)

// Store provides the day-bucketed read/write surface used by the
// post-call processor (§4.13 step 4) and the session orchestrator's
// startup context lookup (§4.9 step 1).
type Store struct {
	contexts store.DailyContexts
}

// New creates a Store backed by contexts.
func New(contexts store.DailyContexts) *Store {
	return &Store{contexts: contexts}
}

// TodaysContext is the read-side shape returned by GetTodaysContext.
type TodaysContext struct {
	Topics             []string
	RemindersDelivered []string
	AdviceGiven        []string
	Highlights         []string
}

// SaveCallContext merges one call's topics, delivered reminders, and
// advice into the (tenantID, local date) row, bucketed by the tenant's
// local date at the moment SaveCallContext runs (for the post-call
// processor, after the call has ended); the call's start time is not
// consulted. Idempotent per call SID (§4.14).
func (s *Store) SaveCallContext(ctx context.Context, tenantID, timezone, callSID string, topics, remindersDelivered, advice []string) error {
	date, err := localDate(timezone, time.Now())
	if err != nil {
		return fmt.Errorf("dailycontext: save call context: %w", err)
	}
	return s.contexts.Upsert(ctx, tenantID, date, callSID, topics, remindersDelivered, advice)
}

// GetTodaysContext returns the accumulated context for tenantID's current
// local day, bucketed by timezone. Returns a zero-value TodaysContext if
// no calls have touched today yet.
func (s *Store) GetTodaysContext(ctx context.Context, tenantID, timezone string) (TodaysContext, error) {
	date, err := localDate(timezone, time.Now())
	if err != nil {
		return TodaysContext{}, fmt.Errorf("dailycontext: get todays context: %w", err)
	}

	row, err := s.contexts.Get(ctx, tenantID, date)
	if err != nil {
		return TodaysContext{}, fmt.Errorf("dailycontext: get todays context: %w", err)
	}
	if row == nil {
		return TodaysContext{}, nil
	}
	return TodaysContext{
		Topics:             row.TopicsDiscussed,
		RemindersDelivered: row.RemindersDelivered,
		AdviceGiven:        row.AdviceGiven,
		Highlights:         row.Highlights,
	}, nil
}

func localDate(timezone string, at time.Time) (string, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return "", fmt.Errorf("load location %q: %w", timezone, err)
	}
	return at.In(loc).Format("2006-01-02"), nil
}
