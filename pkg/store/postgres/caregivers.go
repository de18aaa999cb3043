package postgres

import (
	"context"
	"fmt"

	"github.com/careline-ai/careline/pkg/store"
)

// CaregiverLinks is a [store.CaregiverLinks] backed by PostgreSQL.
type CaregiverLinks struct {
	db DB
}

var _ store.CaregiverLinks = (*CaregiverLinks)(nil)

// NewCaregiverLinks creates a CaregiverLinks store using db.
func NewCaregiverLinks(db DB) *CaregiverLinks {
	return &CaregiverLinks{db: db}
}

func (s *CaregiverLinks) Create(ctx context.Context, l *store.CaregiverLink) error {
	const query = `
		INSERT INTO caregiver_links (id, tenant_id, user_id, role)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at`
	if err := s.db.QueryRow(ctx, query, l.ID, l.TenantID, l.UserID, l.Role).Scan(&l.CreatedAt); err != nil {
		return fmt.Errorf("caregiver_links: create: %w", err)
	}
	return nil
}

func (s *CaregiverLinks) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM caregiver_links WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("caregiver_links: delete %q: %w", id, err)
	}
	return nil
}

func (s *CaregiverLinks) ListByTenant(ctx context.Context, tenantID string) ([]store.CaregiverLink, error) {
	const query = `SELECT id, tenant_id, user_id, role, created_at FROM caregiver_links WHERE tenant_id = $1`
	return s.list(ctx, query, tenantID)
}

func (s *CaregiverLinks) ListByUser(ctx context.Context, userID string) ([]store.CaregiverLink, error) {
	const query = `SELECT id, tenant_id, user_id, role, created_at FROM caregiver_links WHERE user_id = $1`
	return s.list(ctx, query, userID)
}

func (s *CaregiverLinks) list(ctx context.Context, query string, arg string) ([]store.CaregiverLink, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("caregiver_links: list: %w", err)
	}
	defer rows.Close()

	var out []store.CaregiverLink
	for rows.Next() {
		var l store.CaregiverLink
		if err := rows.Scan(&l.ID, &l.TenantID, &l.UserID, &l.Role, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("caregiver_links: list scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
