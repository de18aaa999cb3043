// Package mock provides in-memory test doubles for the pkg/store
// interfaces, in the same call-recording style as pkg/memory/mock.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/careline-ai/careline/pkg/store"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Tenants is a configurable test double for [store.Tenants].
type Tenants struct {
	mu    sync.Mutex
	calls []Call

	GetResult       *store.Tenant
	GetByPhoneResult *store.Tenant
	ListActiveResult []store.Tenant
	Err             error
}

func (m *Tenants) Create(_ context.Context, t *store.Tenant) error {
	m.record("Create", t)
	return m.Err
}
func (m *Tenants) Get(_ context.Context, id string) (*store.Tenant, error) {
	m.record("Get", id)
	return m.GetResult, m.Err
}
func (m *Tenants) GetByPhone(_ context.Context, phone string) (*store.Tenant, error) {
	m.record("GetByPhone", phone)
	return m.GetByPhoneResult, m.Err
}
func (m *Tenants) Update(_ context.Context, t *store.Tenant) error {
	m.record("Update", t)
	return m.Err
}
func (m *Tenants) ListActive(_ context.Context) ([]store.Tenant, error) {
	m.record("ListActive")
	return m.ListActiveResult, m.Err
}
func (m *Tenants) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}
func (m *Tenants) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

var _ store.Tenants = (*Tenants)(nil)

// Deliveries is a configurable test double for [store.Deliveries], and
// also satisfies internal/tools.ReminderUpdater via MarkAcknowledged.
type Deliveries struct {
	mu    sync.Mutex
	calls []Call

	LatestForReminderResult *store.Delivery
	Err                     error

	// AckedReminderIDs records every reminderID passed to
	// MarkAcknowledged, in order, for idempotency assertions.
	AckedReminderIDs []string
}

func (m *Deliveries) Create(_ context.Context, d *store.Delivery) error {
	m.record("Create", d)
	return m.Err
}
func (m *Deliveries) Get(_ context.Context, id string) (*store.Delivery, error) {
	m.record("Get", id)
	return m.LatestForReminderResult, m.Err
}
func (m *Deliveries) LatestForReminder(_ context.Context, reminderID string) (*store.Delivery, error) {
	m.record("LatestForReminder", reminderID)
	return m.LatestForReminderResult, m.Err
}
func (m *Deliveries) UpdateStatus(_ context.Context, id string, status store.DeliveryStatus) error {
	m.record("UpdateStatus", id, status)
	return m.Err
}
func (m *Deliveries) IncrementAttempt(_ context.Context, id string) error {
	m.record("IncrementAttempt", id)
	return m.Err
}
func (m *Deliveries) MarkAcknowledged(_ context.Context, reminderID, status, userResponse string) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "MarkAcknowledged", Args: []any{reminderID, status, userResponse}})
	m.AckedReminderIDs = append(m.AckedReminderIDs, reminderID)
	m.mu.Unlock()
	return m.Err
}
func (m *Deliveries) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}
func (m *Deliveries) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

var _ store.Deliveries = (*Deliveries)(nil)

// Reminders is a configurable test double for [store.Reminders].
type Reminders struct {
	mu    sync.Mutex
	calls []Call

	GetResult        *store.Reminder
	DueBeforeResult  []store.Reminder
	ListActiveResult []store.Reminder
	Err              error
}

func (m *Reminders) Create(_ context.Context, r *store.Reminder) error { m.record("Create", r); return m.Err }
func (m *Reminders) Get(_ context.Context, id string) (*store.Reminder, error) {
	m.record("Get", id)
	return m.GetResult, m.Err
}
func (m *Reminders) Update(_ context.Context, r *store.Reminder) error { m.record("Update", r); return m.Err }
func (m *Reminders) Delete(_ context.Context, id string) error        { m.record("Delete", id); return m.Err }
func (m *Reminders) DueBefore(_ context.Context, cutoff time.Time) ([]store.Reminder, error) {
	m.record("DueBefore", cutoff)
	return m.DueBeforeResult, m.Err
}
func (m *Reminders) ListActive(_ context.Context) ([]store.Reminder, error) {
	m.record("ListActive")
	return m.ListActiveResult, m.Err
}
func (m *Reminders) MarkDelivered(_ context.Context, id string, deliveredAt time.Time) error {
	m.record("MarkDelivered", id, deliveredAt)
	return m.Err
}
func (m *Reminders) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}
func (m *Reminders) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

var _ store.Reminders = (*Reminders)(nil)

// Conversations is a configurable test double for [store.Conversations].
type Conversations struct {
	mu    sync.Mutex
	calls []Call

	GetResult  *store.Conversation
	ListResult []store.Conversation
	Err        error
}

func (m *Conversations) Create(_ context.Context, c *store.Conversation) error {
	m.record("Create", c)
	return m.Err
}
func (m *Conversations) Get(_ context.Context, id string) (*store.Conversation, error) {
	m.record("Get", id)
	return m.GetResult, m.Err
}
func (m *Conversations) GetByCallSID(_ context.Context, callSID string) (*store.Conversation, error) {
	m.record("GetByCallSID", callSID)
	return m.GetResult, m.Err
}
func (m *Conversations) AppendTurn(_ context.Context, id string, turn store.Turn) error {
	m.record("AppendTurn", id, turn)
	return m.Err
}
func (m *Conversations) Complete(_ context.Context, id string, status store.ConversationStatus, summary, sentiment string, endedAt time.Time) error {
	m.record("Complete", id, status, summary, sentiment, endedAt)
	return m.Err
}
func (m *Conversations) ListByTenantSince(_ context.Context, tenantID string, since time.Time) ([]store.Conversation, error) {
	m.record("ListByTenantSince", tenantID, since)
	return m.ListResult, m.Err
}
func (m *Conversations) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}
func (m *Conversations) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

var _ store.Conversations = (*Conversations)(nil)

// CallAnalyses is a configurable test double for [store.CallAnalyses].
type CallAnalyses struct {
	mu    sync.Mutex
	calls []Call

	GetResult *store.CallAnalysis
	Err       error
}

func (m *CallAnalyses) Create(_ context.Context, a *store.CallAnalysis) error {
	m.record("Create", a)
	return m.Err
}
func (m *CallAnalyses) GetByConversation(_ context.Context, conversationID string) (*store.CallAnalysis, error) {
	m.record("GetByConversation", conversationID)
	return m.GetResult, m.Err
}
func (m *CallAnalyses) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}
func (m *CallAnalyses) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

var _ store.CallAnalyses = (*CallAnalyses)(nil)

// DailyContexts is a configurable test double for [store.DailyContexts].
type DailyContexts struct {
	mu    sync.Mutex
	calls []Call

	GetResult *store.DailyCallContext
	Err       error
}

func (m *DailyContexts) Upsert(_ context.Context, tenantID, date, callSID string, topics, remindersDelivered, advice []string) error {
	m.record("Upsert", tenantID, date, callSID, topics, remindersDelivered, advice)
	return m.Err
}
func (m *DailyContexts) Get(_ context.Context, tenantID, date string) (*store.DailyCallContext, error) {
	m.record("Get", tenantID, date)
	return m.GetResult, m.Err
}
func (m *DailyContexts) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}
func (m *DailyContexts) CallCount(method string) int { return callCount(&m.mu, m.calls, method) }

var _ store.DailyContexts = (*DailyContexts)(nil)

func callCount(mu *sync.Mutex, calls []Call, method string) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, c := range calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
