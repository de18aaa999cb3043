package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careline-ai/careline/pkg/store"
	"github.com/careline-ai/careline/pkg/store/postgres"
)

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CARELINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CARELINE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	dropSchema(t, ctx, pool)
	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	const drop = `
		DROP TABLE IF EXISTS daily_call_contexts CASCADE;
		DROP TABLE IF EXISTS call_analyses CASCADE;
		DROP TABLE IF EXISTS deliveries CASCADE;
		DROP TABLE IF EXISTS reminders CASCADE;
		DROP TABLE IF EXISTS conversations CASCADE;
		DROP TABLE IF EXISTS caregiver_links CASCADE;
		DROP TABLE IF EXISTS tenants CASCADE;`
	if _, err := pool.Exec(ctx, drop); err != nil {
		t.Fatalf("dropSchema: %v", err)
	}
}

func mustTenant(t *testing.T, ctx context.Context, tenants *postgres.Tenants, id string) *store.Tenant {
	t.Helper()
	tn := &store.Tenant{ID: id, DisplayName: "Alice", Phone: "+15550100" + id, Timezone: "America/Chicago", Active: true}
	if err := tenants.Create(ctx, tn); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return tn
}

func TestTenants_CreateAndGet(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	tenants := postgres.NewTenants(pool)

	tn := mustTenant(t, ctx, tenants, "1")

	got, err := tenants.Get(ctx, tn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.DisplayName != "Alice" {
		t.Fatalf("expected tenant Alice, got %+v", got)
	}
}

func TestReminders_DueBeforeSelectsOnlyPastOneShots(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	tenants := postgres.NewTenants(pool)
	reminders := postgres.NewReminders(pool)

	tn := mustTenant(t, ctx, tenants, "2")

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	r1 := &store.Reminder{ID: "rem-past", TenantID: tn.ID, Type: store.ReminderMedication, Title: "take pills", ScheduledTime: &past, Active: true}
	r2 := &store.Reminder{ID: "rem-future", TenantID: tn.ID, Type: store.ReminderMedication, Title: "take pills later", ScheduledTime: &future, Active: true}
	if err := reminders.Create(ctx, r1); err != nil {
		t.Fatalf("create r1: %v", err)
	}
	if err := reminders.Create(ctx, r2); err != nil {
		t.Fatalf("create r2: %v", err)
	}

	due, err := reminders.DueBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("due before: %v", err)
	}
	if len(due) != 1 || due[0].ID != "rem-past" {
		t.Fatalf("expected only rem-past due, got %+v", due)
	}
}

func TestReminders_DueBeforeExcludesOneShotWithExistingDelivery(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	tenants := postgres.NewTenants(pool)
	reminders := postgres.NewReminders(pool)
	deliveries := postgres.NewDeliveries(pool)

	tn := mustTenant(t, ctx, tenants, "3")

	past := time.Now().Add(-time.Hour)
	r := &store.Reminder{ID: "rem-delivered", TenantID: tn.ID, Type: store.ReminderMedication, Title: "take pills", ScheduledTime: &past, Active: true}
	if err := reminders.Create(ctx, r); err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	due, err := reminders.DueBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("due before (pre-delivery): %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected rem-delivered to be due before any delivery exists, got %+v", due)
	}

	d := &store.Delivery{ID: r.ID + "-CA-FAKE", ReminderID: r.ID, ScheduledFor: time.Now(), Status: store.DeliveryPending, CallSID: "CA-FAKE"}
	if err := deliveries.Create(ctx, d); err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	due, err = reminders.DueBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("due before (post-delivery): %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected rem-delivered to no longer be due once a delivery exists, got %+v", due)
	}

	active, err := reminders.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "rem-delivered" {
		t.Fatalf("expected ListActive to still include rem-delivered regardless of delivery history, got %+v", active)
	}
}

func TestDeliveries_MarkAcknowledgedIsIdempotent(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	tenants := postgres.NewTenants(pool)
	reminders := postgres.NewReminders(pool)
	deliveries := postgres.NewDeliveries(pool)

	tn := mustTenant(t, ctx, tenants, "3")
	r := &store.Reminder{ID: "rem-1", TenantID: tn.ID, Type: store.ReminderCustom, Title: "call daughter", Recurrence: "0 9 * * *", Active: true}
	if err := reminders.Create(ctx, r); err != nil {
		t.Fatalf("create reminder: %v", err)
	}
	d := &store.Delivery{ID: "del-1", ReminderID: r.ID, ScheduledFor: time.Now(), Status: store.DeliveryDelivered}
	if err := deliveries.Create(ctx, d); err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	if err := deliveries.MarkAcknowledged(ctx, r.ID, "acknowledged", "yes I did"); err != nil {
		t.Fatalf("mark acknowledged: %v", err)
	}
	if err := deliveries.MarkAcknowledged(ctx, r.ID, "acknowledged", "yes I did"); err != nil {
		t.Fatalf("mark acknowledged (repeat): %v", err)
	}

	got, err := deliveries.LatestForReminder(ctx, r.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.Status != store.DeliveryAcknowledged {
		t.Errorf("expected status acknowledged, got %v", got.Status)
	}
}

func TestConversations_AppendTurnAndComplete(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	tenants := postgres.NewTenants(pool)
	conversations := postgres.NewConversations(pool)

	tn := mustTenant(t, ctx, tenants, "4")
	c := &store.Conversation{ID: "conv-1", TenantID: tn.ID, CallSID: "CA123", Status: store.ConversationInProgress}
	if err := conversations.Create(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := conversations.AppendTurn(ctx, c.ID, store.Turn{Role: store.TurnUser, Content: "hello", Timestamp: time.Now()}); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if err := conversations.Complete(ctx, c.ID, store.ConversationCompleted, "a short call", "positive", time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := conversations.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Transcript) != 1 || got.Transcript[0].Content != "hello" {
		t.Fatalf("expected one turn 'hello', got %+v", got.Transcript)
	}
	if got.Status != store.ConversationCompleted {
		t.Errorf("expected status completed, got %v", got.Status)
	}
}

func TestDailyContexts_UpsertIsIdempotentPerCallSID(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	tenants := postgres.NewTenants(pool)
	daily := postgres.NewDailyContexts(pool)

	tn := mustTenant(t, ctx, tenants, "5")
	date := "2026-07-31"

	if err := daily.Upsert(ctx, tn.ID, date, "CA1", []string{"weather"}, nil, nil); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	if err := daily.Upsert(ctx, tn.ID, date, "CA1", []string{"weather"}, nil, nil); err != nil {
		t.Fatalf("upsert 1 repeat: %v", err)
	}
	if err := daily.Upsert(ctx, tn.ID, date, "CA2", []string{"garden"}, nil, nil); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	got, err := daily.Get(ctx, tn.ID, date)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.CallSIDs) != 2 {
		t.Fatalf("expected 2 distinct call sids after repeat upsert, got %v", got.CallSIDs)
	}
	if len(got.TopicsDiscussed) != 2 {
		t.Fatalf("expected 2 distinct topics, got %v", got.TopicsDiscussed)
	}
}
