package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/careline-ai/careline/pkg/store"
)

// CallAnalyses is a [store.CallAnalyses] backed by PostgreSQL.
type CallAnalyses struct {
	db DB
}

var _ store.CallAnalyses = (*CallAnalyses)(nil)

// NewCallAnalyses creates a CallAnalyses store using db.
func NewCallAnalyses(db DB) *CallAnalyses {
	return &CallAnalyses{db: db}
}

func (s *CallAnalyses) Create(ctx context.Context, a *store.CallAnalysis) error {
	topicsJSON, err := json.Marshal(emptySlice(a.Topics))
	if err != nil {
		return fmt.Errorf("call_analyses: marshal topics: %w", err)
	}
	concernsJSON, err := json.Marshal(emptyConcerns(a.Concerns))
	if err != nil {
		return fmt.Errorf("call_analyses: marshal concerns: %w", err)
	}
	positiveJSON, err := json.Marshal(emptySlice(a.PositiveObservations))
	if err != nil {
		return fmt.Errorf("call_analyses: marshal positive_observations: %w", err)
	}
	followUpJSON, err := json.Marshal(emptySlice(a.FollowUpSuggestions))
	if err != nil {
		return fmt.Errorf("call_analyses: marshal follow_up_suggestions: %w", err)
	}

	const query = `
		INSERT INTO call_analyses (conversation_id, summary, topics, engagement_score, concerns, positive_observations, follow_up_suggestions, call_quality)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`
	err = s.db.QueryRow(ctx, query, a.ConversationID, a.Summary, topicsJSON, a.EngagementScore, concernsJSON, positiveJSON, followUpJSON, a.CallQuality).
		Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("call_analyses: create: %w", err)
	}
	return nil
}

func (s *CallAnalyses) GetByConversation(ctx context.Context, conversationID string) (*store.CallAnalysis, error) {
	const query = `
		SELECT conversation_id, summary, topics, engagement_score, concerns, positive_observations, follow_up_suggestions, call_quality, created_at
		FROM call_analyses WHERE conversation_id = $1`

	var a store.CallAnalysis
	var topicsJSON, concernsJSON, positiveJSON, followUpJSON []byte
	err := s.db.QueryRow(ctx, query, conversationID).Scan(
		&a.ConversationID, &a.Summary, &topicsJSON, &a.EngagementScore, &concernsJSON, &positiveJSON, &followUpJSON, &a.CallQuality, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("call_analyses: get: %w", err)
	}

	if err := json.Unmarshal(topicsJSON, &a.Topics); err != nil {
		return nil, fmt.Errorf("call_analyses: unmarshal topics: %w", err)
	}
	if err := json.Unmarshal(concernsJSON, &a.Concerns); err != nil {
		return nil, fmt.Errorf("call_analyses: unmarshal concerns: %w", err)
	}
	if err := json.Unmarshal(positiveJSON, &a.PositiveObservations); err != nil {
		return nil, fmt.Errorf("call_analyses: unmarshal positive_observations: %w", err)
	}
	if err := json.Unmarshal(followUpJSON, &a.FollowUpSuggestions); err != nil {
		return nil, fmt.Errorf("call_analyses: unmarshal follow_up_suggestions: %w", err)
	}
	return &a, nil
}

func emptyConcerns(c []store.Concern) []store.Concern {
	if c == nil {
		return []store.Concern{}
	}
	return c
}
