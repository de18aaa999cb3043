package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/careline-ai/careline/pkg/store"
)

// DailyContexts is a [store.DailyContexts] backed by PostgreSQL.
type DailyContexts struct {
	db DB
}

var _ store.DailyContexts = (*DailyContexts)(nil)

// NewDailyContexts creates a DailyContexts store using db.
func NewDailyContexts(db DB) *DailyContexts {
	return &DailyContexts{db: db}
}

// Upsert merges callSID, topics, remindersDelivered, and advice into the
// (tenantID, date) row. Idempotent per call SID: a callSID already present
// in CallSIDs is not re-merged, so re-running the post-call processor for
// the same call does not duplicate entries (§3).
func (s *DailyContexts) Upsert(ctx context.Context, tenantID, date, callSID string, topics, remindersDelivered, advice []string) error {
	existing, err := s.Get(ctx, tenantID, date)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = &store.DailyCallContext{TenantID: tenantID, Date: date}
	}
	if contains(existing.CallSIDs, callSID) {
		return nil
	}

	existing.CallSIDs = append(existing.CallSIDs, callSID)
	existing.TopicsDiscussed = mergeUnique(existing.TopicsDiscussed, topics)
	existing.RemindersDelivered = mergeUnique(existing.RemindersDelivered, remindersDelivered)
	existing.AdviceGiven = mergeUnique(existing.AdviceGiven, advice)

	callSIDsJSON, err := json.Marshal(existing.CallSIDs)
	if err != nil {
		return fmt.Errorf("daily_call_contexts: marshal call_sids: %w", err)
	}
	topicsJSON, err := json.Marshal(emptySlice(existing.TopicsDiscussed))
	if err != nil {
		return fmt.Errorf("daily_call_contexts: marshal topics_discussed: %w", err)
	}
	remindersJSON, err := json.Marshal(emptySlice(existing.RemindersDelivered))
	if err != nil {
		return fmt.Errorf("daily_call_contexts: marshal reminders_delivered: %w", err)
	}
	adviceJSON, err := json.Marshal(emptySlice(existing.AdviceGiven))
	if err != nil {
		return fmt.Errorf("daily_call_contexts: marshal advice_given: %w", err)
	}

	const query = `
		INSERT INTO daily_call_contexts (tenant_id, date, call_sids, topics_discussed, reminders_delivered, advice_given, highlights)
		VALUES ($1,$2,$3,$4,$5,$6,'[]')
		ON CONFLICT (tenant_id, date) DO UPDATE SET
			call_sids = EXCLUDED.call_sids,
			topics_discussed = EXCLUDED.topics_discussed,
			reminders_delivered = EXCLUDED.reminders_delivered,
			advice_given = EXCLUDED.advice_given,
			updated_at = now()`
	if _, err := s.db.Exec(ctx, query, tenantID, date, callSIDsJSON, topicsJSON, remindersJSON, adviceJSON); err != nil {
		return fmt.Errorf("daily_call_contexts: upsert: %w", err)
	}
	return nil
}

func (s *DailyContexts) Get(ctx context.Context, tenantID, date string) (*store.DailyCallContext, error) {
	const query = `
		SELECT tenant_id, date, call_sids, topics_discussed, reminders_delivered, advice_given, highlights, updated_at
		FROM daily_call_contexts WHERE tenant_id = $1 AND date = $2`

	var d store.DailyCallContext
	var callSIDsJSON, topicsJSON, remindersJSON, adviceJSON, highlightsJSON []byte
	err := s.db.QueryRow(ctx, query, tenantID, date).Scan(
		&d.TenantID, &d.Date, &callSIDsJSON, &topicsJSON, &remindersJSON, &adviceJSON, &highlightsJSON, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("daily_call_contexts: get: %w", err)
	}

	if err := json.Unmarshal(callSIDsJSON, &d.CallSIDs); err != nil {
		return nil, fmt.Errorf("daily_call_contexts: unmarshal call_sids: %w", err)
	}
	if err := json.Unmarshal(topicsJSON, &d.TopicsDiscussed); err != nil {
		return nil, fmt.Errorf("daily_call_contexts: unmarshal topics_discussed: %w", err)
	}
	if err := json.Unmarshal(remindersJSON, &d.RemindersDelivered); err != nil {
		return nil, fmt.Errorf("daily_call_contexts: unmarshal reminders_delivered: %w", err)
	}
	if err := json.Unmarshal(adviceJSON, &d.AdviceGiven); err != nil {
		return nil, fmt.Errorf("daily_call_contexts: unmarshal advice_given: %w", err)
	}
	if err := json.Unmarshal(highlightsJSON, &d.Highlights); err != nil {
		return nil, fmt.Errorf("daily_call_contexts: unmarshal highlights: %w", err)
	}
	return &d, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func mergeUnique(existing, additions []string) []string {
	out := existing
	for _, a := range additions {
		if !contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}
