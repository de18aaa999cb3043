package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/careline-ai/careline/pkg/store"
)

// Tenants is a [store.Tenants] backed by PostgreSQL.
type Tenants struct {
	db DB
}

var _ store.Tenants = (*Tenants)(nil)

// NewTenants creates a Tenants store using db.
func NewTenants(db DB) *Tenants {
	return &Tenants{db: db}
}

func (s *Tenants) Create(ctx context.Context, t *store.Tenant) error {
	tagsJSON, err := json.Marshal(emptySlice(t.InterestTags))
	if err != nil {
		return fmt.Errorf("tenants: marshal interest_tags: %w", err)
	}

	const query = `
		INSERT INTO tenants (id, display_name, phone, timezone, interest_tags, family_notes, quiet_start, quiet_end, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`
	err = s.db.QueryRow(ctx, query,
		t.ID, t.DisplayName, t.Phone, t.Timezone, tagsJSON, t.FamilyNotes, t.QuietStart, t.QuietEnd, t.Active,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("tenants: tenant with id %q or phone %q already exists", t.ID, t.Phone)
		}
		return fmt.Errorf("tenants: create: %w", err)
	}
	return nil
}

func (s *Tenants) Get(ctx context.Context, id string) (*store.Tenant, error) {
	const query = `
		SELECT id, display_name, phone, timezone, interest_tags, family_notes, quiet_start, quiet_end, active, created_at, updated_at
		FROM tenants WHERE id = $1`
	return s.scanOne(s.db.QueryRow(ctx, query, id))
}

func (s *Tenants) GetByPhone(ctx context.Context, phone string) (*store.Tenant, error) {
	const query = `
		SELECT id, display_name, phone, timezone, interest_tags, family_notes, quiet_start, quiet_end, active, created_at, updated_at
		FROM tenants WHERE phone = $1`
	return s.scanOne(s.db.QueryRow(ctx, query, phone))
}

func (s *Tenants) scanOne(row pgx.Row) (*store.Tenant, error) {
	var t store.Tenant
	var tagsJSON []byte
	err := row.Scan(&t.ID, &t.DisplayName, &t.Phone, &t.Timezone, &tagsJSON, &t.FamilyNotes, &t.QuietStart, &t.QuietEnd, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("tenants: get: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &t.InterestTags); err != nil {
		return nil, fmt.Errorf("tenants: unmarshal interest_tags: %w", err)
	}
	return &t, nil
}

func (s *Tenants) Update(ctx context.Context, t *store.Tenant) error {
	tagsJSON, err := json.Marshal(emptySlice(t.InterestTags))
	if err != nil {
		return fmt.Errorf("tenants: marshal interest_tags: %w", err)
	}

	const query = `
		UPDATE tenants SET
			display_name = $2, phone = $3, timezone = $4, interest_tags = $5,
			family_notes = $6, quiet_start = $7, quiet_end = $8, active = $9, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`
	err = s.db.QueryRow(ctx, query,
		t.ID, t.DisplayName, t.Phone, t.Timezone, tagsJSON, t.FamilyNotes, t.QuietStart, t.QuietEnd, t.Active,
	).Scan(&t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("tenants: tenant %q not found", t.ID)
		}
		return fmt.Errorf("tenants: update: %w", err)
	}
	return nil
}

func (s *Tenants) ListActive(ctx context.Context) ([]store.Tenant, error) {
	const query = `
		SELECT id, display_name, phone, timezone, interest_tags, family_notes, quiet_start, quiet_end, active, created_at, updated_at
		FROM tenants WHERE active ORDER BY display_name`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tenants: list active: %w", err)
	}
	defer rows.Close()

	var out []store.Tenant
	for rows.Next() {
		var t store.Tenant
		var tagsJSON []byte
		if err := rows.Scan(&t.ID, &t.DisplayName, &t.Phone, &t.Timezone, &tagsJSON, &t.FamilyNotes, &t.QuietStart, &t.QuietEnd, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("tenants: list scan: %w", err)
		}
		if err := json.Unmarshal(tagsJSON, &t.InterestTags); err != nil {
			return nil, fmt.Errorf("tenants: unmarshal interest_tags: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
