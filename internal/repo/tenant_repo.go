package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/autoresponder/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

// TenantRepo defines the interface for tenant repository operations
type TenantRepo interface {
	List(ctx context.Context) ([]model.Tenant, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Tenant, error)
	GetOrCreateByName(ctx context.Context, name string) (model.Tenant, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.SessionStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type tenantRepo struct {
	db *sql.DB
}

// NewTenantRepo creates a new TenantRepo instance
func NewTenantRepo(db *sql.DB) TenantRepo {
	return &tenantRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (model.Tenant, error) {
	var t model.Tenant
	var idStr, status string
	if err := row.Scan(&idStr, &t.Name, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return model.Tenant{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("failed to parse tenant ID: %w", err)
	}
	t.ID = id
	t.Status = model.SessionStatus(status)
	return t, nil
}

// List returns every tenant ordered by creation time
func (r *tenantRepo) List(ctx context.Context) ([]model.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, status, created_at, updated_at
		FROM tenants
		ORDER BY created_at, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	return tenants, nil
}

// GetByID retrieves a tenant by ID
func (r *tenantRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	t, err := scanTenant(r.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, updated_at
		FROM tenants
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
		}
		return model.Tenant{}, fmt.Errorf("failed to query tenant: %w", err)
	}
	return t, nil
}

// GetOrCreateByName retrieves a tenant by name or creates one if it doesn't exist
func (r *tenantRepo) GetOrCreateByName(ctx context.Context, name string) (model.Tenant, error) {
	// Try to insert first, using ON CONFLICT DO NOTHING
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (name)
		VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("failed to insert tenant: %w", err)
	}

	t, err := scanTenant(r.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, updated_at
		FROM tenants
		WHERE name = $1
	`, name))
	if err != nil {
		return model.Tenant{}, fmt.Errorf("failed to query tenant: %w", err)
	}
	return t, nil
}

// UpdateStatus records the tenant's last known session status
func (r *tenantRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.SessionStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes the tenant and, by cascade, its rules and interactions
func (r *tenantRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return nil
}
