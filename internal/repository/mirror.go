package repository

import (
	"context"

	"sitewide-aggregator/internal/models"
)

// MirrorStore owns the sitewide posts, comments, tags and tag usage tables.
// Every write is visible to subsequent reads through the same handle.
type MirrorStore interface {
	// UpsertPost inserts or overwrites the mirror row of (tenantID, post.PostID)
	// and returns its sitewide id.
	UpsertPost(ctx context.Context, tenantID models.TenantID, post *models.SourcePost) (int64, error)
	// DeletePost removes the mirror row if present.
	DeletePost(ctx context.Context, tenantID models.TenantID, sourcePostID int64) error
	UpsertComment(ctx context.Context, tenantID models.TenantID, comment *models.SourceComment) (int64, error)
	DeleteComment(ctx context.Context, tenantID models.TenantID, sourceCommentID int64) error

	// GetTagBySlug returns nil when no tag carries slug.
	GetTagBySlug(ctx context.Context, slug string) (*models.Tag, error)
	// CreateTag creates a tag with zero usages, or returns the id of the
	// existing tag with the same slug.
	CreateTag(ctx context.Context, name, slug string) (int64, error)
	// RenameTag sets the display name of a tag.
	RenameTag(ctx context.Context, tagID int64, name string) error
	AdjustTagUsageCount(ctx context.Context, tagID int64, delta int) error
	// DeleteTagIfUnused deletes the tag when its usage count is zero.
	DeleteTagIfUnused(ctx context.Context, tagID int64) (bool, error)
	// AddTagUsage reports whether a new usage row was created.
	AddTagUsage(ctx context.Context, tagID int64, tenantID models.TenantID, sourcePostID int64) (bool, error)
	// RemoveTagUsage reports whether a usage row was removed.
	RemoveTagUsage(ctx context.Context, tagID int64, tenantID models.TenantID, sourcePostID int64) (bool, error)
	// FirstTagUsage returns the usage of the tag with the lowest
	// (tenant_id, source_post_id), or nil when the tag has no usages.
	FirstTagUsage(ctx context.Context, tagID int64) (*models.TagUsage, error)
	// PostTagSlugs returns the slugs of the usages recorded for a post.
	PostTagSlugs(ctx context.Context, tenantID models.TenantID, sourcePostID int64) ([]string, error)
	// TagUsageCounts pairs every tag's usage_count with its live usage rows.
	TagUsageCounts(ctx context.Context) ([]TagCount, error)

	// ClearAll truncates every mirror table.
	ClearAll(ctx context.Context) error

	// InTx runs fn against a store whose writes commit together or not at all.
	InTx(ctx context.Context, fn func(MirrorStore) error) error
	// BeginShadow starts building a replacement mirror next to the live one.
	BeginShadow(ctx context.Context) (ShadowBuild, error)
}

// ShadowBuild is a mirror being rebuilt out of sight of readers
type ShadowBuild interface {
	Store() MirrorStore
	// Commit atomically replaces the live mirror with the shadow.
	Commit(ctx context.Context) error
	// Abort discards the shadow; the live mirror is untouched.
	Abort(ctx context.Context) error
}

// TagCount compares a tag's stored usage_count with its live usage rows
type TagCount struct {
	TagID      int64
	Slug       string
	UsageCount int
	LiveUsages int
}
