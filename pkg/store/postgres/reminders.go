package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/careline-ai/careline/pkg/store"
)

// Reminders is a [store.Reminders] backed by PostgreSQL.
type Reminders struct {
	db DB
}

var _ store.Reminders = (*Reminders)(nil)

// NewReminders creates a Reminders store using db.
func NewReminders(db DB) *Reminders {
	return &Reminders{db: db}
}

func (s *Reminders) Create(ctx context.Context, r *store.Reminder) error {
	const query = `
		INSERT INTO reminders (id, tenant_id, type, title, description, scheduled_time, recurrence, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`
	err := s.db.QueryRow(ctx, query, r.ID, r.TenantID, r.Type, r.Title, r.Description, r.ScheduledTime, r.Recurrence, r.Active).
		Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("reminders: create: %w", err)
	}
	return nil
}

func (s *Reminders) Get(ctx context.Context, id string) (*store.Reminder, error) {
	const query = `
		SELECT id, tenant_id, type, title, description, scheduled_time, recurrence, active, last_delivered_at, created_at
		FROM reminders WHERE id = $1`
	return s.scanOne(s.db.QueryRow(ctx, query, id))
}

func (s *Reminders) scanOne(row pgx.Row) (*store.Reminder, error) {
	var r store.Reminder
	err := row.Scan(&r.ID, &r.TenantID, &r.Type, &r.Title, &r.Description, &r.ScheduledTime, &r.Recurrence, &r.Active, &r.LastDeliveredAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reminders: get: %w", err)
	}
	return &r, nil
}

func (s *Reminders) Update(ctx context.Context, r *store.Reminder) error {
	const query = `
		UPDATE reminders SET
			type = $2, title = $3, description = $4, scheduled_time = $5, recurrence = $6, active = $7
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, r.ID, r.Type, r.Title, r.Description, r.ScheduledTime, r.Recurrence, r.Active)
	if err != nil {
		return fmt.Errorf("reminders: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminders: reminder %q not found", r.ID)
	}
	return nil
}

func (s *Reminders) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM reminders WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("reminders: delete %q: %w", id, err)
	}
	return nil
}

// DueBefore returns active reminders whose one-shot scheduled_time is at
// or before cutoff and which have never been dialed (no delivery row of
// any status yet), plus every active recurring reminder unconditionally.
// Recurrence-based reminders are evaluated by the scheduler itself against
// the cron expression (§4.12); this query only handles the one-shot case
// at the storage layer. Excluding one-shot reminders with an existing
// delivery is what stops a delivered (or still in-flight) one-shot
// reminder from being re-selected as due on every subsequent tick.
func (s *Reminders) DueBefore(ctx context.Context, cutoff time.Time) ([]store.Reminder, error) {
	const query = `
		SELECT id, tenant_id, type, title, description, scheduled_time, recurrence, active, last_delivered_at, created_at
		FROM reminders
		WHERE active AND (
			(recurrence = '' AND scheduled_time <= $1 AND NOT EXISTS (
				SELECT 1 FROM deliveries d WHERE d.reminder_id = reminders.id
			)) OR recurrence <> ''
		)
		ORDER BY scheduled_time NULLS LAST`
	rows, err := s.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reminders: due before: %w", err)
	}
	defer rows.Close()

	var out []store.Reminder
	for rows.Next() {
		var r store.Reminder
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Type, &r.Title, &r.Description, &r.ScheduledTime, &r.Recurrence, &r.Active, &r.LastDeliveredAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("reminders: due before scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListActive returns every active reminder regardless of delivery history.
func (s *Reminders) ListActive(ctx context.Context) ([]store.Reminder, error) {
	const query = `
		SELECT id, tenant_id, type, title, description, scheduled_time, recurrence, active, last_delivered_at, created_at
		FROM reminders
		WHERE active
		ORDER BY scheduled_time NULLS LAST`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reminders: list active: %w", err)
	}
	defer rows.Close()

	var out []store.Reminder
	for rows.Next() {
		var r store.Reminder
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Type, &r.Title, &r.Description, &r.ScheduledTime, &r.Recurrence, &r.Active, &r.LastDeliveredAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("reminders: list active scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Reminders) MarkDelivered(ctx context.Context, id string, deliveredAt time.Time) error {
	const query = `UPDATE reminders SET last_delivered_at = $2 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, deliveredAt)
	if err != nil {
		return fmt.Errorf("reminders: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminders: reminder %q not found", id)
	}
	return nil
}
