// Package scheduler runs the 60-second reminder-delivery polling loop
// (§4.12): selecting due reminders, dialing them out, and driving each
// delivery's retry lifecycle.
//
// The Start/Stop/loop shape (ticker + done channel + context cancellation,
// stoppable exactly once) is grounded on internal/session.Consolidator's
// periodic-flush loop. Recurring reminders' next-fire computation is
// grounded on github.com/robfig/cron/v3 (enrichment pulled from
// _examples/teradata-labs-loom/pkg/scheduler/scheduler.go, the only repo in
// the pack that drives cron-expression schedules).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/careline-ai/careline/internal/contextcache"
	"github.com/careline-ai/careline/pkg/store"
)

const (
	tickInterval   = 60 * time.Second
	retryDelay     = 30 * time.Minute
	maxAttempts    = 3
	hourlyInterval = time.Hour
)

// Dialer initiates an outbound call for a reminder delivery. Defined
// narrowly here (rather than importing a telephony package) in the same
// style as internal/tools.ReminderUpdater: the concrete telephony adapter
// satisfies this structurally.
type Dialer interface {
	// Dial places an outbound call for tenantID carrying params as
	// telephony start-event custom parameters (the scheduler passes
	// tenant_id, reminder_id and call_type). Returns the call SID on success.
	Dial(ctx context.Context, tenantID string, params map[string]string) (callSID string, err error)
}

// ContextPrefetcher is the subset of internal/contextcache.Cache the
// scheduler depends on: per-reminder context pre-fetch and the hourly
// daily-prefetch sweep.
type ContextPrefetcher interface {
	Prefetch(ctx context.Context, tenantID string) error
	RunDailyPrefetch(ctx context.Context, now time.Time) error
}

// CacheAdapter adapts a *contextcache.Cache (whose Prefetch returns an
// Entry alongside the error) to the narrower ContextPrefetcher the
// scheduler depends on.
type CacheAdapter struct {
	Cache *contextcache.Cache
}

func (a CacheAdapter) Prefetch(ctx context.Context, tenantID string) error {
	_, err := a.Cache.Prefetch(ctx, tenantID)
	return err
}

func (a CacheAdapter) RunDailyPrefetch(ctx context.Context, now time.Time) error {
	return a.Cache.RunDailyPrefetch(ctx, now)
}

var _ ContextPrefetcher = CacheAdapter{}

// CallRegistrar attaches a freshly-dialed call SID to its tenant and
// reminder so the session orchestrator's startup lookup can find it (§4.12
// step 2: "attach to a shared map keyed by the soon-to-be call SID"; §4.9
// step 1: "look up pre-fetched context by call SID (reminder-initiated)").
type CallRegistrar interface {
	Register(callSID, tenantID, reminderID string)
}

// Scheduler polls for due reminders and drives outbound delivery.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	reminders  store.Reminders
	deliveries store.Deliveries
	tenants    store.Tenants
	dialer     Dialer
	prefetch   ContextPrefetcher
	registrar  CallRegistrar

	mu           sync.Mutex
	done         chan struct{}
	stopOnce     sync.Once
	lastTick     time.Time
	lastHourlyAt time.Time

	// locked holds reminder IDs currently being processed, the per-process
	// half of the advisory-lock pattern in §5 ("advisory lock on the
	// reminder ID: per-process mutex + persistence-level uniqueness guard").
	locked map[string]struct{}
}

// Config collects the Scheduler's collaborators.
type Config struct {
	Reminders  store.Reminders
	Deliveries store.Deliveries
	Tenants    store.Tenants
	Dialer     Dialer
	Prefetch   ContextPrefetcher
	Registrar  CallRegistrar
}

// New creates a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		reminders:  cfg.Reminders,
		deliveries: cfg.Deliveries,
		tenants:    cfg.Tenants,
		dialer:     cfg.Dialer,
		prefetch:   cfg.Prefetch,
		registrar:  cfg.Registrar,
		done:       make(chan struct{}),
		locked:     make(map[string]struct{}),
	}
}

// Start begins the polling loop in a background goroutine. The goroutine
// runs until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the polling loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one polling cycle: the three due-selection queries, the
// per-reminder delivery flow, and (at most once per hour) the context
// cache's daily pre-fetch sweep.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	prevTick := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	due, err := s.selectDue(ctx, prevTick, now)
	if err != nil {
		slog.Warn("scheduler: select due reminders failed", "error", err)
		due = nil
	}
	for _, r := range due {
		s.processReminder(ctx, r)
	}

	retrying, err := s.selectRetryPending(ctx, now)
	if err != nil {
		slog.Warn("scheduler: select retry-pending deliveries failed", "error", err)
		retrying = nil
	}
	for _, d := range retrying {
		s.retryDelivery(ctx, d)
	}

	s.mu.Lock()
	runHourly := now.Sub(s.lastHourlyAt) >= hourlyInterval
	if runHourly {
		s.lastHourlyAt = now
	}
	s.mu.Unlock()
	if runHourly && s.prefetch != nil {
		if err := s.prefetch.RunDailyPrefetch(ctx, now); err != nil {
			slog.Warn("scheduler: daily context prefetch failed", "error", err)
		}
	}
}

// selectDue returns one-shot reminders due at or before now plus recurring
// reminders whose next fire time (per the recurrence expression, evaluated
// in the tenant's timezone) falls in (prevTick, now] (§4.12, queries 1-2).
func (s *Scheduler) selectDue(ctx context.Context, prevTick, now time.Time) ([]store.Reminder, error) {
	// DueBefore's SQL (pkg/store/postgres/reminders.go) matches one-shot
	// reminders with scheduled_time <= now plus every active recurring
	// reminder unconditionally; the split between "due now" and "not yet
	// due" for the recurring half happens here, against each reminder's
	// cron expression in its tenant's timezone.
	candidates, err := s.reminders.DueBefore(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}

	active, err := s.tenants.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	tzByTenant := make(map[string]string, len(active))
	for _, t := range active {
		tzByTenant[t.ID] = t.Timezone
	}

	var due []store.Reminder
	for _, r := range candidates {
		if r.Recurrence == "" {
			due = append(due, r)
			continue
		}
		loc, err := time.LoadLocation(tzByTenant[r.TenantID])
		if err != nil {
			continue
		}
		fires, err := nextFireInWindow(r.Recurrence, prevTick, now, loc)
		if err != nil {
			slog.Warn("scheduler: invalid recurrence expression", "reminder_id", r.ID, "error", err)
			continue
		}
		if fires {
			due = append(due, r)
		}
	}

	return due, nil
}

// allActiveReminders returns every active reminder, one-shot or recurring,
// including one-shot reminders DueBefore now excludes because they already
// have a delivery row: the retry-pending scan needs exactly those.
func (s *Scheduler) allActiveReminders(ctx context.Context) ([]store.Reminder, error) {
	return s.reminders.ListActive(ctx)
}

// nextFireInWindow reports whether expr (a standard 5-field cron
// expression) has a scheduled fire time in (after, until].
func nextFireInWindow(expr string, after, until time.Time, loc *time.Location) (bool, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return false, err
	}
	if after.IsZero() {
		after = until.Add(-tickInterval)
	}
	next := schedule.Next(after.In(loc))
	return !next.After(until.In(loc)), nil
}

// selectRetryPending returns deliveries in retry_pending whose retry delay
// has elapsed and whose attempt count has not exhausted max_attempts
// (§4.12 query 3). store.Deliveries has no dedicated list-by-status query,
// so this reads through reminders' most recent delivery and filters in
// process; the persistence adapter grows a dedicated index if this scan
// becomes a bottleneck.
func (s *Scheduler) selectRetryPending(ctx context.Context, now time.Time) ([]store.Delivery, error) {
	reminders, err := s.allActiveReminders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}

	var out []store.Delivery
	for _, r := range reminders {
		d, err := s.deliveries.LatestForReminder(ctx, r.ID)
		if err != nil || d == nil {
			continue
		}
		if d.Status != store.DeliveryRetryPending {
			continue
		}
		if d.AttemptCount >= maxAttempts {
			continue
		}
		if !d.ScheduledFor.Add(retryDelay).After(now) {
			out = append(out, *d)
		}
	}
	return out, nil
}

// processReminder runs the five-step per-reminder flow for a newly due
// reminder (§4.12 steps 1-3): advisory lock, context pre-fetch, outbound
// dial, delivery creation.
func (s *Scheduler) processReminder(ctx context.Context, r store.Reminder) {
	if !s.tryLock(r.ID) {
		return // another tick or worker already owns this reminder
	}
	defer s.unlock(r.ID)

	if s.prefetch != nil {
		if err := s.prefetch.Prefetch(ctx, r.TenantID); err != nil {
			slog.Warn("scheduler: context prefetch failed", "reminder_id", r.ID, "error", err)
		}
	}

	params := map[string]string{"tenant_id": r.TenantID, "reminder_id": r.ID, "call_type": "reminder"}
	callSID, err := s.dialer.Dial(ctx, r.TenantID, params)
	if err != nil {
		slog.Warn("scheduler: outbound dial failed", "reminder_id", r.ID, "error", err)
		return
	}
	if s.registrar != nil {
		s.registrar.Register(callSID, r.TenantID, r.ID)
	}

	d := &store.Delivery{
		ID:           r.ID + "-" + callSID,
		ReminderID:   r.ID,
		ScheduledFor: time.Now(),
		Status:       store.DeliveryPending,
		AttemptCount: 1,
		CallSID:      callSID,
	}
	if err := s.deliveries.Create(ctx, d); err != nil {
		slog.Warn("scheduler: create delivery failed", "reminder_id", r.ID, "error", err)
	}
}

// retryDelivery re-dials a reminder whose previous delivery attempt is
// retry_pending (§4.12 step 4's converse: attempts remain).
func (s *Scheduler) retryDelivery(ctx context.Context, d store.Delivery) {
	if !s.tryLock(d.ReminderID) {
		return
	}
	defer s.unlock(d.ReminderID)

	r, err := s.reminders.Get(ctx, d.ReminderID)
	if err != nil || r == nil {
		return
	}

	callSID, err := s.dialer.Dial(ctx, r.TenantID, map[string]string{"tenant_id": r.TenantID, "reminder_id": r.ID, "call_type": "reminder_retry"})
	if err != nil {
		slog.Warn("scheduler: retry dial failed", "reminder_id", r.ID, "error", err)
		return
	}
	if s.registrar != nil {
		s.registrar.Register(callSID, r.TenantID, r.ID)
	}

	if err := s.deliveries.IncrementAttempt(ctx, d.ID); err != nil {
		slog.Warn("scheduler: increment attempt failed", "delivery_id", d.ID, "error", err)
	}
	d.CallSID = callSID
	if err := s.deliveries.UpdateStatus(ctx, d.ID, store.DeliveryPending); err != nil {
		slog.Warn("scheduler: update status failed", "delivery_id", d.ID, "error", err)
	}
}

// MarkOutcome applies a delivery status callback (§4.12 steps 4-5):
// no-answer/busy/failed moves to retry_pending or max_attempts depending on
// remaining attempts; acknowledged/confirmed stops retry.
func (s *Scheduler) MarkOutcome(ctx context.Context, deliveryID string, attemptCount int, answered bool) error {
	if answered {
		return nil // acknowledgment path is handled by internal/tools.ReminderUpdater
	}
	status := store.DeliveryRetryPending
	if attemptCount >= maxAttempts {
		status = store.DeliveryMaxAttempts
	}
	return s.deliveries.UpdateStatus(ctx, deliveryID, status)
}

// HandleStatusCallback resolves a telephony status callback's reminderID and
// callSID (echoed back from the custom parameters set at Dial time, §6 "Start
// events carry the call SID and optional custom parameters") to the delivery
// it belongs to and applies MarkOutcome. A no-op if reminderID is empty (the
// call was not a reminder delivery) or no matching delivery is found.
func (s *Scheduler) HandleStatusCallback(ctx context.Context, reminderID, callSID string, answered bool) error {
	if reminderID == "" {
		return nil
	}
	d, err := s.deliveries.LatestForReminder(ctx, reminderID)
	if err != nil {
		return fmt.Errorf("latest delivery for reminder %s: %w", reminderID, err)
	}
	if d == nil || d.CallSID != callSID {
		return nil
	}
	return s.MarkOutcome(ctx, d.ID, d.AttemptCount, answered)
}

func (s *Scheduler) tryLock(reminderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.locked[reminderID]; busy {
		return false
	}
	s.locked[reminderID] = struct{}{}
	return true
}

func (s *Scheduler) unlock(reminderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, reminderID)
}
