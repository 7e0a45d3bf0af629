// Package tenant resolves which tenants take part in sitewide aggregation.
package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"sitewide-aggregator/internal/models"
)

// Lister enumerates every known tenant
type Lister interface {
	ListTenants(ctx context.Context) ([]models.TenantID, error)
}

// Registry applies the exclusion list to the known tenants.
// Membership is recomputed on every call and never persisted.
type Registry struct {
	lister   Lister
	excluded map[models.TenantID]struct{}
}

// NewRegistry creates a registry
func NewRegistry(lister Lister, excluded []models.TenantID) *Registry {
	ex := make(map[models.TenantID]struct{}, len(excluded))
	for _, id := range excluded {
		ex[id] = struct{}{}
	}
	return &Registry{lister: lister, excluded: ex}
}

// IsExcluded reports whether the tenant is on the exclusion list
func (r *Registry) IsExcluded(id models.TenantID) bool {
	_, ok := r.excluded[id]
	return ok
}

// tenants returns every known tenant with its exclusion flag
func (r *Registry) tenants(ctx context.Context) ([]models.Tenant, error) {
	ids, err := r.lister.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	out := make([]models.Tenant, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Tenant{TenantID: id, Excluded: r.IsExcluded(id)})
	}
	return out, nil
}

// UsableTenants returns all known tenants minus the excluded ones, in
// ascending order. An empty result means aggregate nothing.
func (r *Registry) UsableTenants(ctx context.Context) ([]models.TenantID, error) {
	all, err := r.tenants(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[models.TenantID]struct{}, len(all))
	usable := make([]models.TenantID, 0, len(all))
	for _, t := range all {
		if t.Excluded {
			continue
		}
		if _, dup := seen[t.TenantID]; dup {
			continue
		}
		seen[t.TenantID] = struct{}{}
		usable = append(usable, t.TenantID)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i] < usable[j] })
	return usable, nil
}

// StaticLister serves a fixed tenant list, for tests and services wired
// from injected components
type StaticLister []models.TenantID

// ListTenants implements Lister
func (s StaticLister) ListTenants(_ context.Context) ([]models.TenantID, error) {
	out := make([]models.TenantID, len(s))
	copy(out, s)
	return out, nil
}

// PostgresLister reads live tenants from the tenants table
type PostgresLister struct {
	db *sql.DB
}

// NewPostgresLister creates a lister over the host tenants table
func NewPostgresLister(db *sql.DB) *PostgresLister {
	return &PostgresLister{db: db}
}

// ListTenants returns tenants that are neither deleted, archived nor marked as spam
func (l *PostgresLister) ListTenants(ctx context.Context) ([]models.TenantID, error) {
	query := `
		SELECT tenant_id
		FROM tenants
		WHERE deleted = FALSE
		  AND archived = FALSE
		  AND spam = FALSE
		ORDER BY tenant_id
	`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var ids []models.TenantID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		ids = append(ids, models.TenantID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}

	return ids, nil
}
