package store

import (
	"context"
	"time"
)

// Tenants provides CRUD and lookup for seniors (§3). Implementations must
// be safe for concurrent use.
type Tenants interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByPhone(ctx context.Context, phone string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	ListActive(ctx context.Context) ([]Tenant, error)
}

// CaregiverLinks provides CRUD for the tenant<->caregiver association (§3).
type CaregiverLinks interface {
	Create(ctx context.Context, l *CaregiverLink) error
	Delete(ctx context.Context, id string) error
	ListByTenant(ctx context.Context, tenantID string) ([]CaregiverLink, error)
	ListByUser(ctx context.Context, userID string) ([]CaregiverLink, error)
}

// Conversations provides lifecycle operations on call records (§3).
// Transcript is append-only during the call and frozen once the
// conversation is completed.
type Conversations interface {
	Create(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	GetByCallSID(ctx context.Context, callSID string) (*Conversation, error)
	AppendTurn(ctx context.Context, id string, turn Turn) error
	Complete(ctx context.Context, id string, status ConversationStatus, summary, sentiment string, endedAt time.Time) error
	ListByTenantSince(ctx context.Context, tenantID string, since time.Time) ([]Conversation, error)
}

// Reminders provides CRUD and due-selection for reminders (§3, §4.12).
type Reminders interface {
	Create(ctx context.Context, r *Reminder) error
	Get(ctx context.Context, id string) (*Reminder, error)
	Update(ctx context.Context, r *Reminder) error
	Delete(ctx context.Context, id string) error
	// DueBefore returns active one-shot reminders scheduled at or before
	// cutoff, plus every active recurring reminder regardless of cutoff,
	// for the scheduler's due-selection pass (§4.12); the recurrence
	// expression is not evaluated here, the scheduler does that itself. A
	// one-shot reminder that already has a delivery row of any status is
	// never returned, so a delivered (or still in-flight) one-shot reminder
	// is not repeatedly re-selected as due.
	DueBefore(ctx context.Context, cutoff time.Time) ([]Reminder, error)
	// ListActive returns every active reminder, one-shot or recurring,
	// regardless of delivery history — used by the scheduler's
	// retry-pending scan (§4.12 query 3), which needs to see reminders
	// DueBefore would now exclude.
	ListActive(ctx context.Context) ([]Reminder, error)
	MarkDelivered(ctx context.Context, id string, deliveredAt time.Time) error
}

// Deliveries provides lifecycle operations on reminder-delivery attempts
// (§3, §4.12). MarkAcknowledged additionally satisfies
// internal/tools.ReminderUpdater structurally: that package defines its
// own narrow interface rather than importing this one.
type Deliveries interface {
	Create(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	// LatestForReminder returns the most recent delivery row for
	// reminderID, or (nil, nil) if none exists.
	LatestForReminder(ctx context.Context, reminderID string) (*Delivery, error)
	UpdateStatus(ctx context.Context, id string, status DeliveryStatus) error
	IncrementAttempt(ctx context.Context, id string) error
	// MarkAcknowledged updates the latest delivery row for reminderID with
	// status and userResponse, setting acknowledged_at. A no-op (returns
	// nil) if the latest delivery is already in a terminal acknowledged
	// state matching status (§4.6 idempotency).
	MarkAcknowledged(ctx context.Context, reminderID, status, userResponse string) error
}

// CallAnalyses provides CRUD for structured post-call analysis records
// (§3, §4.13).
type CallAnalyses interface {
	Create(ctx context.Context, a *CallAnalysis) error
	GetByConversation(ctx context.Context, conversationID string) (*CallAnalysis, error)
}

// DailyContexts provides idempotent upsert and lookup for per-tenant,
// per-day cross-call context (§3, §4.14).
type DailyContexts interface {
	// Upsert merges callSID, topics, reminders, and advice into the
	// (tenantID, date) row, creating it if absent. Idempotent per call
	// SID: calling it twice with the same callSID does not duplicate
	// entries.
	Upsert(ctx context.Context, tenantID, date, callSID string, topics, remindersDelivered, advice []string) error
	Get(ctx context.Context, tenantID, date string) (*DailyCallContext, error)
}
