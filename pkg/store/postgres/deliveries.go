package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/careline-ai/careline/pkg/store"
)

// Deliveries is a [store.Deliveries] backed by PostgreSQL. It also
// satisfies internal/tools.ReminderUpdater structurally, via
// MarkAcknowledged: that package defines its own minimal interface rather
// than importing this one.
type Deliveries struct {
	db DB
}

var _ store.Deliveries = (*Deliveries)(nil)

// NewDeliveries creates a Deliveries store using db.
func NewDeliveries(db DB) *Deliveries {
	return &Deliveries{db: db}
}

func (s *Deliveries) Create(ctx context.Context, d *store.Delivery) error {
	const query = `
		INSERT INTO deliveries (id, reminder_id, scheduled_for, status, call_sid)
		VALUES ($1,$2,$3,$4,$5)`
	if _, err := s.db.Exec(ctx, query, d.ID, d.ReminderID, d.ScheduledFor, d.Status, d.CallSID); err != nil {
		return fmt.Errorf("deliveries: create: %w", err)
	}
	return nil
}

func (s *Deliveries) Get(ctx context.Context, id string) (*store.Delivery, error) {
	const query = `
		SELECT id, reminder_id, scheduled_for, delivered_at, acknowledged_at, status, attempt_count, call_sid, user_response
		FROM deliveries WHERE id = $1`
	return s.scanOne(s.db.QueryRow(ctx, query, id))
}

func (s *Deliveries) LatestForReminder(ctx context.Context, reminderID string) (*store.Delivery, error) {
	const query = `
		SELECT id, reminder_id, scheduled_for, delivered_at, acknowledged_at, status, attempt_count, call_sid, user_response
		FROM deliveries WHERE reminder_id = $1 ORDER BY scheduled_for DESC LIMIT 1`
	return s.scanOne(s.db.QueryRow(ctx, query, reminderID))
}

func (s *Deliveries) scanOne(row pgx.Row) (*store.Delivery, error) {
	var d store.Delivery
	err := row.Scan(&d.ID, &d.ReminderID, &d.ScheduledFor, &d.DeliveredAt, &d.AcknowledgedAt, &d.Status, &d.AttemptCount, &d.CallSID, &d.UserResponse)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("deliveries: get: %w", err)
	}
	return &d, nil
}

func (s *Deliveries) UpdateStatus(ctx context.Context, id string, status store.DeliveryStatus) error {
	const query = `UPDATE deliveries SET status = $2, delivered_at = CASE WHEN $2 = 'delivered' THEN now() ELSE delivered_at END WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("deliveries: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deliveries: delivery %q not found", id)
	}
	return nil
}

func (s *Deliveries) IncrementAttempt(ctx context.Context, id string) error {
	const query = `UPDATE deliveries SET attempt_count = attempt_count + 1 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deliveries: increment attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deliveries: delivery %q not found", id)
	}
	return nil
}

// acknowledgedStatuses is the subset of store.DeliveryStatus values
// MarkAcknowledged may set, matching §4.6's status enum.
var acknowledgedStatuses = map[string]store.DeliveryStatus{
	"acknowledged": store.DeliveryAcknowledged,
	"confirmed":    store.DeliveryConfirmed,
}

// MarkAcknowledged implements internal/tools.ReminderUpdater. It is a
// no-op if the latest delivery for reminderID is already in the requested
// terminal state (§4.6: "repeated acknowledgments on the same reminder are
// no-ops").
func (s *Deliveries) MarkAcknowledged(ctx context.Context, reminderID, status, userResponse string) error {
	target, ok := acknowledgedStatuses[status]
	if !ok {
		return fmt.Errorf("deliveries: mark acknowledged: invalid status %q", status)
	}

	latest, err := s.LatestForReminder(ctx, reminderID)
	if err != nil {
		return err
	}
	if latest == nil {
		return fmt.Errorf("deliveries: no delivery found for reminder %q", reminderID)
	}
	if latest.Status == target {
		return nil
	}

	const query = `
		UPDATE deliveries SET status = $2, acknowledged_at = now(), user_response = $3
		WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, latest.ID, target, userResponse); err != nil {
		return fmt.Errorf("deliveries: mark acknowledged: %w", err)
	}
	return nil
}
