package aggregator

import (
	"context"

	"sitewide-aggregator/internal/models"
)

// ContentReader reads a tenant's own content. Tenant scoping is always an
// explicit argument.
type ContentReader interface {
	// GetPost returns nil when the tenant has no such post.
	GetPost(ctx context.Context, tenantID models.TenantID, postID int64) (*models.SourcePost, error)
	// GetComment returns nil when the tenant has no such comment.
	GetComment(ctx context.Context, tenantID models.TenantID, commentID int64) (*models.SourceComment, error)
	ListPublicPostIDs(ctx context.Context, tenantID models.TenantID, postTypes []string) ([]int64, error)
	ListApprovedCommentIDs(ctx context.Context, tenantID models.TenantID) ([]int64, error)
}

// TenantSource resolves the tenants that take part in aggregation
type TenantSource interface {
	UsableTenants(ctx context.Context) ([]models.TenantID, error)
	IsExcluded(id models.TenantID) bool
}
