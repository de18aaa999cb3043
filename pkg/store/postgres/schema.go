// Package postgres provides PostgreSQL-backed implementations of every
// interface in pkg/store, grounded on the teacher's
// internal/agent/npcstore.PostgresStore: one Go file per aggregate, JSONB
// for structured sub-fields, and a single idempotent Migrate DDL block.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for every table in pkg/store, excluding memories
// (pkg/memory/postgres owns that table).
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id            TEXT PRIMARY KEY,
    display_name  TEXT NOT NULL,
    phone         TEXT NOT NULL UNIQUE,
    timezone      TEXT NOT NULL DEFAULT 'UTC',
    interest_tags JSONB NOT NULL DEFAULT '[]',
    family_notes  TEXT NOT NULL DEFAULT '',
    quiet_start   TEXT NOT NULL DEFAULT '',
    quiet_end     TEXT NOT NULL DEFAULT '',
    active        BOOLEAN NOT NULL DEFAULT true,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS caregiver_links (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL REFERENCES tenants(id),
    user_id    TEXT NOT NULL,
    role       TEXT NOT NULL DEFAULT 'caregiver',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_caregiver_links_tenant ON caregiver_links(tenant_id);
CREATE INDEX IF NOT EXISTS idx_caregiver_links_user ON caregiver_links(user_id);

CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL REFERENCES tenants(id),
    call_sid    TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    status      TEXT NOT NULL DEFAULT 'in_progress',
    transcript  JSONB NOT NULL DEFAULT '[]',
    summary     TEXT NOT NULL DEFAULT '',
    sentiment   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_conversations_tenant_started ON conversations(tenant_id, started_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_call_sid ON conversations(call_sid) WHERE call_sid <> '';

CREATE TABLE IF NOT EXISTS reminders (
    id                 TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL REFERENCES tenants(id),
    type               TEXT NOT NULL DEFAULT 'custom',
    title              TEXT NOT NULL,
    description        TEXT NOT NULL DEFAULT '',
    scheduled_time     TIMESTAMPTZ,
    recurrence         TEXT NOT NULL DEFAULT '',
    active             BOOLEAN NOT NULL DEFAULT true,
    last_delivered_at  TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reminders_tenant ON reminders(tenant_id);
CREATE INDEX IF NOT EXISTS idx_reminders_active_scheduled ON reminders(active, scheduled_time);

CREATE TABLE IF NOT EXISTS deliveries (
    id              TEXT PRIMARY KEY,
    reminder_id     TEXT NOT NULL REFERENCES reminders(id),
    scheduled_for   TIMESTAMPTZ NOT NULL,
    delivered_at    TIMESTAMPTZ,
    acknowledged_at TIMESTAMPTZ,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    call_sid        TEXT NOT NULL DEFAULT '',
    user_response   TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_deliveries_reminder_scheduled ON deliveries(reminder_id, scheduled_for);

CREATE TABLE IF NOT EXISTS call_analyses (
    conversation_id        TEXT PRIMARY KEY REFERENCES conversations(id),
    summary                TEXT NOT NULL DEFAULT '',
    topics                 JSONB NOT NULL DEFAULT '[]',
    engagement_score       SMALLINT NOT NULL DEFAULT 5,
    concerns               JSONB NOT NULL DEFAULT '[]',
    positive_observations  JSONB NOT NULL DEFAULT '[]',
    follow_up_suggestions  JSONB NOT NULL DEFAULT '[]',
    call_quality           TEXT NOT NULL DEFAULT '',
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS daily_call_contexts (
    tenant_id           TEXT NOT NULL REFERENCES tenants(id),
    date                TEXT NOT NULL,
    call_sids           JSONB NOT NULL DEFAULT '[]',
    topics_discussed    JSONB NOT NULL DEFAULT '[]',
    reminders_delivered JSONB NOT NULL DEFAULT '[]',
    advice_given        JSONB NOT NULL DEFAULT '[]',
    highlights          JSONB NOT NULL DEFAULT '[]',
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, date)
);
`

// Migrate executes the Schema DDL, creating every table and index if they
// do not already exist. Idempotent and safe to call on every application
// start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store/postgres: migrate: %w", err)
	}
	return nil
}
