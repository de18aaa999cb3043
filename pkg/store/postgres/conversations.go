package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/careline-ai/careline/pkg/store"
)

// Conversations is a [store.Conversations] backed by PostgreSQL.
type Conversations struct {
	db DB
}

var _ store.Conversations = (*Conversations)(nil)

// NewConversations creates a Conversations store using db.
func NewConversations(db DB) *Conversations {
	return &Conversations{db: db}
}

func (s *Conversations) Create(ctx context.Context, c *store.Conversation) error {
	transcriptJSON, err := json.Marshal(emptyTurns(c.Transcript))
	if err != nil {
		return fmt.Errorf("conversations: marshal transcript: %w", err)
	}

	const query = `
		INSERT INTO conversations (id, tenant_id, call_sid, status, transcript, summary, sentiment)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING started_at`
	err = s.db.QueryRow(ctx, query, c.ID, c.TenantID, c.CallSID, c.Status, transcriptJSON, c.Summary, c.Sentiment).
		Scan(&c.StartedAt)
	if err != nil {
		return fmt.Errorf("conversations: create: %w", err)
	}
	return nil
}

func (s *Conversations) Get(ctx context.Context, id string) (*store.Conversation, error) {
	const query = `
		SELECT id, tenant_id, call_sid, started_at, ended_at, status, transcript, summary, sentiment
		FROM conversations WHERE id = $1`
	return s.scanOne(s.db.QueryRow(ctx, query, id))
}

func (s *Conversations) GetByCallSID(ctx context.Context, callSID string) (*store.Conversation, error) {
	const query = `
		SELECT id, tenant_id, call_sid, started_at, ended_at, status, transcript, summary, sentiment
		FROM conversations WHERE call_sid = $1`
	return s.scanOne(s.db.QueryRow(ctx, query, callSID))
}

func (s *Conversations) scanOne(row pgx.Row) (*store.Conversation, error) {
	var c store.Conversation
	var transcriptJSON []byte
	err := row.Scan(&c.ID, &c.TenantID, &c.CallSID, &c.StartedAt, &c.EndedAt, &c.Status, &transcriptJSON, &c.Summary, &c.Sentiment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversations: get: %w", err)
	}
	if err := json.Unmarshal(transcriptJSON, &c.Transcript); err != nil {
		return nil, fmt.Errorf("conversations: unmarshal transcript: %w", err)
	}
	return &c, nil
}

// AppendTurn appends turn to the conversation's transcript. The transcript
// is append-only during the call (§3 invariant).
func (s *Conversations) AppendTurn(ctx context.Context, id string, turn store.Turn) error {
	turnJSON, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("conversations: marshal turn: %w", err)
	}
	const query = `UPDATE conversations SET transcript = transcript || $2::jsonb WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, fmt.Sprintf("[%s]", turnJSON))
	if err != nil {
		return fmt.Errorf("conversations: append turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversations: conversation %q not found", id)
	}
	return nil
}

// Complete transitions a conversation to a terminal status (§3: status
// transitions are monotonic, in_progress -> terminal).
func (s *Conversations) Complete(ctx context.Context, id string, status store.ConversationStatus, summary, sentiment string, endedAt time.Time) error {
	const query = `
		UPDATE conversations SET status = $2, summary = $3, sentiment = $4, ended_at = $5
		WHERE id = $1 AND status = 'in_progress'`
	tag, err := s.db.Exec(ctx, query, id, status, summary, sentiment, endedAt)
	if err != nil {
		return fmt.Errorf("conversations: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversations: conversation %q not found or already terminal", id)
	}
	return nil
}

func (s *Conversations) ListByTenantSince(ctx context.Context, tenantID string, since time.Time) ([]store.Conversation, error) {
	const query = `
		SELECT id, tenant_id, call_sid, started_at, ended_at, status, transcript, summary, sentiment
		FROM conversations WHERE tenant_id = $1 AND started_at >= $2 ORDER BY started_at DESC`
	rows, err := s.db.Query(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("conversations: list since: %w", err)
	}
	defer rows.Close()

	var out []store.Conversation
	for rows.Next() {
		var c store.Conversation
		var transcriptJSON []byte
		if err := rows.Scan(&c.ID, &c.TenantID, &c.CallSID, &c.StartedAt, &c.EndedAt, &c.Status, &transcriptJSON, &c.Summary, &c.Sentiment); err != nil {
			return nil, fmt.Errorf("conversations: list scan: %w", err)
		}
		if err := json.Unmarshal(transcriptJSON, &c.Transcript); err != nil {
			return nil, fmt.Errorf("conversations: unmarshal transcript: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func emptyTurns(t []store.Turn) []store.Turn {
	if t == nil {
		return []store.Turn{}
	}
	return t
}
